package queue

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hindsight-io/hindsight/internal/errkind"
	"github.com/hindsight-io/hindsight/internal/event"
)

func testEvent(activity string) *event.Event {
	return &event.Event{
		EventID:  uuid.NewString(),
		Activity: activity,
		Customer: "cust_42",
		TS:       time.Now().UTC(),
		Features: json.RawMessage(`{"model":"m-opus"}`),
	}
}

func newTestWriter(t *testing.T, cfg Config) *Writer {
	t.Helper()
	cfg.Dir = t.TempDir()
	w, err := NewWriter(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

// segments lists non-directory entries in the watch dir.
func segments(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out
}

func TestWriter_AppendsCompleteLines(t *testing.T) {
	w := newTestWriter(t, Config{})
	for i := 0; i < 5; i++ {
		require.NoError(t, w.Push(testEvent("assistant.session_started")))
	}
	require.NoError(t, w.Close())

	segs := segments(t, w.cfg.Dir)
	require.Len(t, segs, 1)

	f, err := os.Open(filepath.Join(w.cfg.Dir, segs[0]))
	require.NoError(t, err)
	defer f.Close()

	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e event.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e), "every line is a complete event object")
		assert.Equal(t, "assistant.session_started", e.Activity)
		lines++
	}
	assert.Equal(t, 5, lines)
}

func TestWriter_SegmentNameShape(t *testing.T) {
	name := SegmentName(time.Date(2026, 8, 24, 12, 30, 45, 0, time.UTC))
	assert.Regexp(t, `^events_20260824T123045Z_[0-9a-f]{8}\.ndjson$`, name)
	assert.NotEqual(t, name, SegmentName(time.Date(2026, 8, 24, 12, 30, 45, 0, time.UTC)),
		"random suffix avoids collisions")
}

func TestWriter_RotatesAtEventCap(t *testing.T) {
	w := newTestWriter(t, Config{MaxEvents: 10})
	for i := 0; i < 25; i++ {
		require.NoError(t, w.Push(testEvent("assistant.tool_used")))
	}
	require.NoError(t, w.Close())

	segs := segments(t, w.cfg.Dir)
	assert.Len(t, segs, 3, "10+10+5 across three segments")
}

func TestWriter_RotatesAtSizeCap(t *testing.T) {
	w := newTestWriter(t, Config{MaxSize: 512})
	big := testEvent("assistant.big_payload")
	big.Features = json.RawMessage(`{"pad":"` + strings.Repeat("x", 400) + `"}`)

	require.NoError(t, w.Push(big))
	require.NoError(t, w.Push(testEvent("assistant.after_rotation")))
	require.NoError(t, w.Close())

	assert.GreaterOrEqual(t, len(segments(t, w.cfg.Dir)), 2)
}

func TestWriter_RotatesAtAgeCap(t *testing.T) {
	w := newTestWriter(t, Config{MaxAge: time.Minute})
	require.NoError(t, w.Push(testEvent("assistant.first")))

	// Age the segment past the cap and push again.
	w.mu.Lock()
	w.segOpened = w.segOpened.Add(-2 * time.Minute)
	w.mu.Unlock()

	require.NoError(t, w.Push(testEvent("assistant.second")))
	require.NoError(t, w.Close())

	assert.GreaterOrEqual(t, len(segments(t, w.cfg.Dir)), 2)
}

func TestWriter_RotationFailureRefusesEvent(t *testing.T) {
	w := newTestWriter(t, Config{MaxEvents: 2})
	require.NoError(t, w.Push(testEvent("assistant.one")))
	require.NoError(t, w.Push(testEvent("assistant.two")))

	// Destroy the watch dir so the next rotation cannot open a segment.
	require.NoError(t, os.RemoveAll(w.cfg.Dir))

	err := w.Push(testEvent("assistant.three"))
	require.Error(t, err)
	assert.Equal(t, errkind.Overloaded, errkind.KindOf(err))
	assert.True(t, errkind.Retriable(err))
	assert.Equal(t, uint64(2), w.Stats().TotalPushed,
		"a refused event is never counted as accepted")
}

func TestWriter_SerializeFailureDropsCleanly(t *testing.T) {
	w := newTestWriter(t, Config{})
	bad := testEvent("assistant.bad")
	bad.Features = json.RawMessage(`{not json`)

	err := w.Push(bad)
	require.Error(t, err)
	assert.Equal(t, errkind.Internal, errkind.KindOf(err))
	assert.Equal(t, uint64(1), w.Stats().SerializeDrops)

	// The segment contains no partial write from the failed event.
	require.NoError(t, w.Push(testEvent("assistant.good")))
	require.NoError(t, w.Close())
	segs := segments(t, w.cfg.Dir)
	data, err := os.ReadFile(filepath.Join(w.cfg.Dir, segs[0]))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
}

func TestWriter_PeriodicFlush(t *testing.T) {
	w := newTestWriter(t, Config{})
	require.NoError(t, w.Push(testEvent("assistant.flushme")))

	// Below the line threshold, the flusher must still land the write
	// within the 100 ms interval.
	assert.Eventually(t, func() bool {
		segs := segments(t, w.cfg.Dir)
		if len(segs) != 1 {
			return false
		}
		data, err := os.ReadFile(filepath.Join(w.cfg.Dir, segs[0]))
		return err == nil && len(data) > 0
	}, time.Second, 10*time.Millisecond)
}

func TestWriter_PushAfterCloseFails(t *testing.T) {
	w := newTestWriter(t, Config{})
	require.NoError(t, w.Close())
	err := w.Push(testEvent("assistant.late"))
	assert.Equal(t, errkind.Unavailable, errkind.KindOf(err))
}

func TestWriter_StatsDepth(t *testing.T) {
	w := newTestWriter(t, Config{MaxEvents: 2})
	for i := 0; i < 5; i++ {
		require.NoError(t, w.Push(testEvent("assistant.depth")))
	}
	s := w.Stats()
	assert.Equal(t, uint64(5), s.TotalPushed)
	assert.GreaterOrEqual(t, s.QueueDepth, 2)
	assert.GreaterOrEqual(t, s.Rotations, uint64(2))
}
