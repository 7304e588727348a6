package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hindsight-io/hindsight/internal/config"
	"github.com/hindsight-io/hindsight/internal/event"
)

// l2RaceTimeout is the hard deadline for an L2 read. A slow shared
// cache must lose the race rather than stall the serve path.
const l2RaceTimeout = 15 * time.Millisecond

// l2QueueDepth bounds the async write queue. When full, the oldest
// pending write is dropped; L2 is best-effort by contract.
const l2QueueDepth = 1024

type l2Write struct {
	key     string
	payload []byte
}

// L2 wraps the shared redis tier. All writes are asynchronous through a
// bounded queue; all errors are logged and swallowed.
type L2 struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger

	writes chan l2Write
	done   chan struct{}
}

// NewL2 dials redis and starts the write worker. A connect failure at
// startup is not fatal; the tier degrades per call instead.
func NewL2(cfg config.L2, ttl time.Duration, logger *zap.Logger) *L2 {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  500 * time.Millisecond,
		ReadTimeout:  l2RaceTimeout,
		WriteTimeout: 100 * time.Millisecond,
	})
	l := &L2{
		client: client,
		prefix: cfg.Prefix,
		ttl:    ttl,
		logger: logger,
		writes: make(chan l2Write, l2QueueDepth),
		done:   make(chan struct{}),
	}
	go l.writeLoop()
	return l
}

func (l *L2) key(customer string) string {
	return l.prefix + ":" + customer
}

// Get races the shared cache against the 15 ms deadline. Any failure,
// including the deadline, reads as a miss.
func (l *L2) Get(ctx context.Context, customer string) (*event.ContextRecord, bool) {
	if l == nil {
		return nil, false
	}
	rctx, cancel := context.WithTimeout(ctx, l2RaceTimeout)
	defer cancel()
	raw, err := l.client.Get(rctx, l.key(customer)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			l.logger.Debug("l2 read degraded", zap.String("customer", customer), zap.Error(err))
		}
		return nil, false
	}
	var rec event.ContextRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		l.logger.Warn("l2 entry corrupt, ignoring", zap.String("customer", customer), zap.Error(err))
		return nil, false
	}
	return &rec, true
}

// Set enqueues a fire-and-forget write. When the queue is full the
// oldest pending write is discarded to make room.
func (l *L2) Set(customer string, rec *event.ContextRecord) {
	if l == nil {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		l.logger.Error("l2 marshal failed", zap.String("customer", customer), zap.Error(err))
		return
	}
	w := l2Write{key: l.key(customer), payload: payload}
	select {
	case l.writes <- w:
	default:
		select {
		case <-l.writes:
		default:
		}
		select {
		case l.writes <- w:
		default:
		}
	}
}

func (l *L2) writeLoop() {
	for {
		select {
		case <-l.done:
			return
		case w := <-l.writes:
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := l.client.Set(ctx, w.key, w.payload, l.ttl).Err(); err != nil {
				l.logger.Debug("l2 write degraded", zap.String("key", w.key), zap.Error(err))
			}
			cancel()
		}
	}
}

// Flush blocks until the write queue is drained, for tests and
// shutdown.
func (l *L2) Flush(ctx context.Context) {
	if l == nil {
		return
	}
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for len(l.writes) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close stops the worker and the client.
func (l *L2) Close() {
	if l == nil {
		return
	}
	close(l.done)
	if err := l.client.Close(); err != nil {
		l.logger.Debug("l2 close", zap.Error(err))
	}
}
