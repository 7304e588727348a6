// Package queue implements the durable append queue: an append-only,
// segment-rotating, newline-delimited JSON spool consumed out-of-process
// by the uploader.
//
// Writes are buffered (up to 100 lines or 100 ms) and flushed as whole
// lines; an event either lands complete or not at all. Before rotation
// the buffer is flushed and the descriptor is fsynced and closed; a
// closed segment is never reopened. On restart any segments left in the
// directory simply await the uploader.
package queue

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hindsight-io/hindsight/internal/errkind"
	"github.com/hindsight-io/hindsight/internal/event"
)

// Subdirectories the uploader moves completed segments into.
const (
	ProcessedDir = "processed"
	ErrorDir     = "error"
)

const (
	flushLines    = 100
	flushInterval = 100 * time.Millisecond
)

// Config is the segment policy.
type Config struct {
	Dir       string
	MaxSize   int64         // rotate when segment bytes reach this (default 16 MiB)
	MaxAge    time.Duration // rotate when segment age reaches this (default 60s)
	MaxEvents int           // rotate when segment event count reaches this (default 100k)
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = 16 * 1024 * 1024
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 60 * time.Second
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = 100_000
	}
	return c
}

// Stats is the queue's observable state.
type Stats struct {
	SegmentEvents  int    `json:"segment_events"`
	SegmentBytes   int64  `json:"segment_bytes"`
	PendingLines   int    `json:"pending_lines"`
	Rotations      uint64 `json:"rotations"`
	SerializeDrops uint64 `json:"serialize_drops"`
	TotalPushed    uint64 `json:"total_pushed"`
	QueueDepth     int    `json:"queue_depth"` // unprocessed segments on disk
}

// Writer is the append-queue producer. One Writer owns the active
// segment; Push is safe for concurrent use.
type Writer struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	f          *os.File
	segPath    string
	segBytes   int64
	segEvents  int
	segOpened  time.Time
	buf        []byte
	bufLines   int
	closed     bool
	rotations  uint64
	stop       chan struct{}
	done       chan struct{}
	now        func() time.Time

	serializeDrops atomic.Uint64
	totalPushed    atomic.Uint64
}

// NewWriter creates the directory tree, opens the first segment, and
// starts the background flusher.
func NewWriter(cfg Config, logger *zap.Logger) (*Writer, error) {
	cfg = cfg.withDefaults()
	for _, d := range []string{cfg.Dir, filepath.Join(cfg.Dir, ProcessedDir), filepath.Join(cfg.Dir, ErrorDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir %s: %w", d, err)
		}
	}
	w := &Writer{
		cfg:    cfg,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		now:    time.Now,
	}
	if err := w.openSegmentLocked(); err != nil {
		return nil, err
	}
	go w.flushLoop()
	return w, nil
}

// SegmentName builds a segment filename: an ISO-8601 timestamp plus a
// random suffix, so concurrent writers on different hosts cannot collide
// and lexicographic order matches creation order.
func SegmentName(t time.Time) string {
	suffix := make([]byte, 4)
	rand.Read(suffix)
	return fmt.Sprintf("events_%s_%s.ndjson", t.UTC().Format("20060102T150405Z"), hex.EncodeToString(suffix))
}

func (w *Writer) openSegmentLocked() error {
	name := SegmentName(w.now())
	path := filepath.Join(w.cfg.Dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("open segment %s: %w", path, err)
	}
	w.f = f
	w.segPath = path
	w.segBytes = 0
	w.segEvents = 0
	w.segOpened = w.now()
	w.logger.Info("segment opened", zap.String("segment", name))
	return nil
}

// Push appends one event. It returns Overloaded when the segment is at
// its hard event cap and cannot rotate, and never blocks on the
// uploader. Events that fail to serialize are dropped and counted; a
// partial line is never written.
func (w *Writer) Push(e *event.Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		w.serializeDrops.Add(1)
		return errkind.Wrap(err, errkind.Internal, "event %s failed to serialize", e.EventID)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errkind.New(errkind.Unavailable, "queue writer closed")
	}

	// Rotation runs before the line is buffered: a rotation error must
	// refuse the event, never accept it and then fail.
	if w.segEvents >= w.cfg.MaxEvents {
		if err := w.rotateLocked(); err != nil {
			w.logger.Error("rotation failed at event cap", zap.Error(err))
			return errkind.Wrap(err, errkind.Overloaded, "segment at event cap and rotation failed")
		}
	}
	if err := w.rotateIfDueLocked(int64(len(line))); err != nil {
		w.logger.Error("rotation failed", zap.Error(err))
		return errkind.Wrap(err, errkind.Overloaded, "segment full and rotation failed")
	}

	w.buf = append(w.buf, line...)
	w.bufLines++
	w.segEvents++
	w.totalPushed.Add(1)

	if w.bufLines >= flushLines {
		// The line stays buffered on error and the periodic flusher
		// retries; the event is already accepted.
		if err := w.flushLocked(); err != nil {
			w.logger.Error("flush failed", zap.Error(err))
		}
	}
	return nil
}

// rotateIfDueLocked applies the size and age triggers, counting the
// bytes about to be buffered against the size cap.
func (w *Writer) rotateIfDueLocked(incoming int64) error {
	if w.segBytes+int64(len(w.buf))+incoming >= w.cfg.MaxSize ||
		w.now().Sub(w.segOpened) >= w.cfg.MaxAge {
		if err := w.rotateLocked(); err != nil {
			return errkind.Wrap(err, errkind.Internal, "rotate")
		}
	}
	return nil
}

func (w *Writer) flushLocked() error {
	if len(w.buf) == 0 {
		return nil
	}
	n, err := w.f.Write(w.buf)
	w.segBytes += int64(n)
	if err != nil {
		return fmt.Errorf("write segment: %w", err)
	}
	w.buf = w.buf[:0]
	w.bufLines = 0
	return nil
}

// rotateLocked flushes, fsyncs, closes the active segment, and opens the
// next one. The closed file is never touched again by this process.
func (w *Writer) rotateLocked() error {
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("sync segment: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close segment: %w", err)
	}
	w.rotations++
	w.logger.Info("segment rotated",
		zap.String("segment", filepath.Base(w.segPath)),
		zap.Int("events", w.segEvents),
		zap.Int64("bytes", w.segBytes),
	)
	return w.openSegmentLocked()
}

func (w *Writer) flushLoop() {
	defer close(w.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.mu.Lock()
			if w.closed {
				w.mu.Unlock()
				return
			}
			if err := w.flushLocked(); err != nil {
				w.logger.Error("periodic flush failed", zap.Error(err))
			} else if err := w.rotateIfDueLocked(0); err != nil {
				w.logger.Error("periodic rotation failed", zap.Error(err))
			}
			w.mu.Unlock()
		}
	}
}

// Stats snapshots the writer state, including how many unprocessed
// segments sit in the watch directory.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	s := Stats{
		SegmentEvents:  w.segEvents,
		SegmentBytes:   w.segBytes,
		PendingLines:   w.bufLines,
		Rotations:      w.rotations,
		SerializeDrops: w.serializeDrops.Load(),
		TotalPushed:    w.totalPushed.Load(),
	}
	dir := w.cfg.Dir
	w.mu.Unlock()

	entries, err := os.ReadDir(dir)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				s.QueueDepth++
			}
		}
	}
	return s
}

// Close flushes, fsyncs, and closes the active segment. The segment
// stays in the watch directory for the uploader.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.stop)
	err := w.flushLocked()
	if serr := w.f.Sync(); err == nil {
		err = serr
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	w.mu.Unlock()
	<-w.done
	return err
}
