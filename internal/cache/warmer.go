package cache

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/hindsight-io/hindsight/internal/warehouse"
)

const (
	warmSchedule      = "@every 5m"
	warmTopK          = 100
	warmBatchSize     = 10
	warmActiveWindow  = 60 // minutes of activity that counts as "recent"
	warmRefreshBuffer = time.Minute
)

// Warmer refreshes the cache ahead of demand. Each cycle merges the
// top-K hot customers, the warehouse's recently active customers, and
// entries close to TTL expiry, then bulk-reads them in small batches.
// Cycles never overlap.
type Warmer struct {
	cache  *Cache
	wh     warehouse.Querier
	logger *zap.Logger

	cron    *cron.Cron
	running atomic.Bool
}

// NewWarmer wires the warmer; Start arms the schedule.
func NewWarmer(c *Cache, wh warehouse.Querier, logger *zap.Logger) *Warmer {
	return &Warmer{cache: c, wh: wh, logger: logger, cron: cron.New()}
}

// Start arms the periodic schedule and runs one cycle immediately so a
// fresh process does not serve cold for the first interval.
func (w *Warmer) Start(ctx context.Context) error {
	if _, err := w.cron.AddFunc(warmSchedule, func() { w.RunOnce(ctx) }); err != nil {
		return err
	}
	w.cron.Start()
	go w.RunOnce(ctx)
	return nil
}

// Stop halts the schedule and waits for a running cycle to finish.
func (w *Warmer) Stop() {
	<-w.cron.Stop().Done()
	for w.running.Load() {
		time.Sleep(10 * time.Millisecond)
	}
}

// RunOnce executes a single warm cycle. Overlapping invocations are
// dropped, not queued.
func (w *Warmer) RunOnce(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	defer w.running.Store(false)

	start := time.Now()
	candidates := w.candidates(ctx)
	if len(candidates) == 0 {
		return
	}

	warmed := 0
	for i := 0; i < len(candidates); i += warmBatchSize {
		end := i + warmBatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		recs, err := w.wh.GetContextBulk(ctx, candidates[i:end])
		if err != nil {
			w.logger.Warn("warm batch failed",
				zap.Int("batch_start", i),
				zap.Error(err),
			)
			continue
		}
		for j := range recs {
			w.cache.Put(recs[j].Customer, &recs[j])
			warmed++
		}
	}
	w.logger.Info("warm cycle complete",
		zap.Int("candidates", len(candidates)),
		zap.Int("warmed", warmed),
		zap.Duration("took", time.Since(start)),
	)
}

// candidates merges the three source sets, deduplicates, and caps at
// the top-K budget. Hot customers keep their ranking; the rest fill in
// deterministic order.
func (w *Warmer) candidates(ctx context.Context) []string {
	hot := w.cache.L1Tier().TopK(warmTopK)

	active, err := w.wh.GetActiveCustomers(ctx, warmActiveWindow, warmTopK)
	if err != nil {
		w.logger.Warn("active-customer scan failed", zap.Error(err))
	}

	expiring := w.cache.L1Tier().ExpiringSoon(warmRefreshBuffer)

	seen := make(map[string]struct{}, warmTopK)
	out := make([]string, 0, warmTopK)
	add := func(customers []string) {
		for _, c := range customers {
			if len(out) >= warmTopK {
				return
			}
			if _, dup := seen[c]; dup || c == "" {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	add(hot)
	sort.Strings(active)
	add(active)
	add(expiring)
	return out
}
