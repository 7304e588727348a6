// Package uploader drains queue segments into the warehouse. It runs as
// its own process, shares nothing in memory with the writer, and uses
// atomic renames into processed/ and error/ as the only synchronization
// point. One uploader instance per watched directory.
package uploader

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hindsight-io/hindsight/internal/config"
	"github.com/hindsight-io/hindsight/internal/errkind"
	"github.com/hindsight-io/hindsight/internal/event"
	"github.com/hindsight-io/hindsight/internal/opsbus"
	"github.com/hindsight-io/hindsight/internal/queue"
	"github.com/hindsight-io/hindsight/internal/warehouse"
)

// maxLineBytes bounds one NDJSON line. Features cap at 64 KiB, so a
// well-formed line never comes close; anything larger is writer
// corruption and is dropped by the scanner.
const maxLineBytes = 1 << 20

// SegmentReport is the outcome of one segment, published on the ops bus
// after the move.
type SegmentReport struct {
	Segment    string        `json:"segment"`
	Success    int           `json:"success"`
	Failed     int           `json:"failed"`
	Duplicates int           `json:"duplicates"`
	ParseDrops int           `json:"parse_drops"`
	MovedTo    string        `json:"moved_to"`
	Took       time.Duration `json:"took_ns"`
}

// Uploader owns one watched directory.
type Uploader struct {
	cfg    *config.Config
	wh     warehouse.Querier
	bus    *opsbus.Bus
	logger *zap.Logger

	dir         string
	stableAfter time.Duration
	now         func() time.Time

	segmentsDone atomic.Uint64
	eventsOK     atomic.Uint64
	eventsFailed atomic.Uint64
	duplicates   atomic.Uint64
	parseDrops   atomic.Uint64
}

// New wires an uploader over the queue directory from the config.
func New(cfg *config.Config, wh warehouse.Querier, bus *opsbus.Bus, logger *zap.Logger) *Uploader {
	return &Uploader{
		cfg:         cfg,
		wh:          wh,
		bus:         bus,
		logger:      logger,
		dir:         cfg.Queue.Path,
		stableAfter: cfg.Upload.StableAfter,
		now:         time.Now,
	}
}

// Run sweeps on the upload interval until the context is canceled.
func (u *Uploader) Run(ctx context.Context) error {
	ticker := time.NewTicker(u.cfg.Upload.Interval)
	defer ticker.Stop()
	for {
		if _, err := u.Sweep(ctx); err != nil {
			u.logger.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain processes every segment currently on disk, including ones still
// inside the stability window once they settle, then returns. Used by
// the drain subcommand for decommissioning a host.
func (u *Uploader) Drain(ctx context.Context) error {
	for {
		n, err := u.Sweep(ctx)
		if err != nil {
			return err
		}
		pending, err := u.pendingSegments()
		if err != nil {
			return err
		}
		if n == 0 && len(pending) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// Sweep processes every stable segment once, oldest first, and returns
// how many segments were handled.
func (u *Uploader) Sweep(ctx context.Context) (int, error) {
	segments, err := u.stableSegments()
	if err != nil {
		return 0, err
	}
	handled := 0
	for _, seg := range segments {
		if ctx.Err() != nil {
			return handled, ctx.Err()
		}
		report, err := u.processSegment(ctx, seg)
		if err != nil {
			u.logger.Error("segment aborted", zap.String("segment", filepath.Base(seg)), zap.Error(err))
			continue
		}
		handled++
		u.segmentsDone.Add(1)
		u.bus.Publish(ctx, opsbus.SubjectSegmentDone, report)
	}
	return handled, nil
}

func (u *Uploader) pendingSegments() ([]string, error) {
	entries, err := os.ReadDir(u.dir)
	if err != nil {
		return nil, fmt.Errorf("list queue dir %s: %w", u.dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".ndjson") {
			continue
		}
		out = append(out, filepath.Join(u.dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// stableSegments lists segments not modified within the stability
// window; anything younger may still be the writer's active segment.
func (u *Uploader) stableSegments() ([]string, error) {
	all, err := u.pendingSegments()
	if err != nil {
		return nil, err
	}
	cutoff := u.now().Add(-u.stableAfter)
	var out []string
	for _, path := range all {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		out = append(out, path)
	}
	return out, nil
}

func (u *Uploader) processSegment(ctx context.Context, path string) (*SegmentReport, error) {
	start := u.now()
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}

	report := &SegmentReport{Segment: filepath.Base(path)}
	batch := make([]*event.Event, 0, u.cfg.Upload.BatchSize)
	flush := func() {
		for _, ev := range batch {
			u.uploadOne(ctx, ev, report)
		}
		batch = batch[:0]
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev event.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// A torn final line from a crashed writer lands here too.
			report.ParseDrops++
			u.parseDrops.Add(1)
			continue
		}
		if ev.EventID == "" {
			ev.EventID = deriveEventID(&ev)
		}
		batch = append(batch, &ev)
		if len(batch) >= u.cfg.Upload.BatchSize {
			flush()
		}
	}
	scanErr := sc.Err()
	flush()
	f.Close()
	if scanErr != nil {
		u.logger.Warn("segment scan stopped early",
			zap.String("segment", report.Segment), zap.Error(scanErr))
		report.Failed++
	}

	report.Took = u.now().Sub(start)
	report.MovedTo = queue.ProcessedDir
	if report.Failed > 0 {
		report.MovedTo = queue.ErrorDir
	}
	dest := filepath.Join(u.dir, report.MovedTo, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		return nil, fmt.Errorf("move segment to %s: %w", report.MovedTo, err)
	}

	u.logger.Info("segment complete",
		zap.String("segment", report.Segment),
		zap.Int("success", report.Success),
		zap.Int("failed", report.Failed),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("parse_drops", report.ParseDrops),
		zap.String("moved_to", report.MovedTo),
		zap.Duration("took", report.Took),
	)
	return report, nil
}

// uploadOne dedupes then inserts a single event, retrying transient
// warehouse errors with exponential backoff. Permanent errors count as
// failed and move on.
func (u *Uploader) uploadOne(ctx context.Context, ev *event.Event, report *SegmentReport) {
	dup, err := u.withRetryBool(ctx, func() (bool, error) {
		return u.wh.CheckIngestID(ctx, ev.EventID)
	})
	if err != nil {
		report.Failed++
		u.eventsFailed.Add(1)
		u.logger.Warn("dedupe check failed", zap.String("event_id", ev.EventID), zap.Error(err))
		return
	}
	if dup {
		report.Duplicates++
		u.duplicates.Add(1)
		return
	}

	if err := u.withRetry(ctx, func() error { return u.wh.LogEvent(ctx, ev) }); err != nil {
		report.Failed++
		u.eventsFailed.Add(1)
		u.logger.Warn("insert failed",
			zap.String("event_id", ev.EventID),
			zap.String("activity", ev.Activity),
			zap.Error(err),
		)
		return
	}
	if err := u.withRetry(ctx, func() error { return u.wh.RecordIngestID(ctx, ev.EventID) }); err != nil {
		// The row landed; only the dedupe marker is missing. A rerun of
		// this event would be caught by the primary key, so count it
		// inserted.
		u.logger.Warn("ingest-id record failed", zap.String("event_id", ev.EventID), zap.Error(err))
	}
	if ev.Activity == event.ActivityInsightRecorded {
		u.recordInsight(ctx, ev)
	}
	report.Success++
	u.eventsOK.Add(1)
}

// recordInsight lands the atom carried by an insight_recorded event in
// its own table. The event row is already in; a failed atom insert is
// logged and left for the warehouse-side repair task.
func (u *Uploader) recordInsight(ctx context.Context, ev *event.Event) {
	var atom event.InsightAtom
	if err := json.Unmarshal(ev.Features, &atom); err != nil {
		u.logger.Warn("insight payload unreadable", zap.String("event_id", ev.EventID), zap.Error(err))
		return
	}
	if err := u.withRetry(ctx, func() error { return u.wh.LogInsight(ctx, &atom) }); err != nil {
		u.logger.Warn("insight insert failed",
			zap.String("event_id", ev.EventID),
			zap.String("atom_id", atom.AtomID),
			zap.Error(err),
		)
	}
}

func (u *Uploader) withRetry(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !errkind.Retriable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, u.newBackOff(ctx))
}

func (u *Uploader) withRetryBool(ctx context.Context, op func() (bool, error)) (bool, error) {
	var out bool
	err := u.withRetry(ctx, func() error {
		var err error
		out, err = op()
		return err
	})
	return out, err
}

func (u *Uploader) newBackOff(ctx context.Context) backoff.BackOffContext {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = u.cfg.Upload.Backoff
	bo.Multiplier = 2
	bo.MaxInterval = u.cfg.Upload.MaxBackoff
	bo.MaxElapsedTime = 0
	retries := u.cfg.Upload.RetryMax
	if retries < 1 {
		retries = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries-1)), ctx)
}

// deriveEventID fills a missing event_id deterministically so retried
// uploads of the same record dedupe. The ID is the truncated SHA-256 of
// the canonical record in UUID form.
func deriveEventID(ev *event.Event) string {
	canonical := *ev
	canonical.EventID = ""
	payload, err := json.Marshal(&canonical)
	if err != nil {
		return uuid.NewString()
	}
	sum := sha256.Sum256(payload)
	var id uuid.UUID
	copy(id[:], sum[:16])
	return id.String()
}

// Counters is the uploader's process-lifetime tally.
type Counters struct {
	Segments   uint64 `json:"segments"`
	Success    uint64 `json:"success"`
	Failed     uint64 `json:"failed"`
	Duplicates uint64 `json:"duplicates"`
	ParseDrops uint64 `json:"parse_drops"`
}

// Snapshot returns the counters.
func (u *Uploader) Snapshot() Counters {
	return Counters{
		Segments:   u.segmentsDone.Load(),
		Success:    u.eventsOK.Load(),
		Failed:     u.eventsFailed.Load(),
		Duplicates: u.duplicates.Load(),
		ParseDrops: u.parseDrops.Load(),
	}
}
