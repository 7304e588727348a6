package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatencyWindow_Percentiles(t *testing.T) {
	w := NewLatencyWindow()
	for i := 1; i <= 100; i++ {
		w.Observe(time.Duration(i) * time.Millisecond)
	}
	p50, p95, p99 := w.Percentiles()
	assert.Equal(t, 50*time.Millisecond, p50)
	assert.Equal(t, 95*time.Millisecond, p95)
	assert.Equal(t, 99*time.Millisecond, p99)
	assert.Equal(t, uint64(100), w.Count())
}

func TestLatencyWindow_Empty(t *testing.T) {
	w := NewLatencyWindow()
	p50, p95, p99 := w.Percentiles()
	assert.Zero(t, p50)
	assert.Zero(t, p95)
	assert.Zero(t, p99)
}

func TestLatencyWindow_RetainsOnlyLastThousand(t *testing.T) {
	w := NewLatencyWindow()
	// First 1000 slow samples, then 1000 fast ones: the slow ones must
	// have fallen out of the window.
	for i := 0; i < 1000; i++ {
		w.Observe(time.Second)
	}
	for i := 0; i < 1000; i++ {
		w.Observe(time.Millisecond)
	}
	_, p95, _ := w.Percentiles()
	assert.Equal(t, time.Millisecond, p95)
	assert.Equal(t, uint64(2000), w.Count())
}

func TestRecorder_Snapshot(t *testing.T) {
	r := NewRecorder()
	for i := 0; i < 10; i++ {
		r.Observe("get_context", 10*time.Millisecond)
	}
	r.Observe("log_event", 2*time.Millisecond)

	snap := r.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, uint64(10), snap["get_context"].Count)
	assert.InDelta(t, 10.0, snap["get_context"].P95Ms, 0.01)
	assert.InDelta(t, 2.0, snap["log_event"].P50Ms, 0.01)
}
