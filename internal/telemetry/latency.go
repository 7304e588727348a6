package telemetry

import (
	"sort"
	"sync"
	"time"
)

// windowSize is the number of samples retained per operation for
// percentile calculation.
const windowSize = 1000

// LatencyWindow is a fixed-size ring of the most recent durations for
// one operation, measured on the monotonic clock.
type LatencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
	count   uint64
}

// NewLatencyWindow creates an empty window.
func NewLatencyWindow() *LatencyWindow {
	return &LatencyWindow{samples: make([]time.Duration, windowSize)}
}

// Observe records one sample.
func (w *LatencyWindow) Observe(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = d
	w.next++
	w.count++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

// Count returns the total samples ever observed.
func (w *LatencyWindow) Count() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Percentiles returns p50/p95/p99 over the retained window. Empty
// windows report zeros.
func (w *LatencyWindow) Percentiles() (p50, p95, p99 time.Duration) {
	w.mu.Lock()
	n := len(w.samples)
	if !w.full {
		n = w.next
	}
	if n == 0 {
		w.mu.Unlock()
		return 0, 0, 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, w.samples[:n])
	w.mu.Unlock()

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	at := func(p float64) time.Duration {
		idx := int(p*float64(n)) - 1
		if idx < 0 {
			idx = 0
		}
		return sorted[idx]
	}
	return at(0.50), at(0.95), at(0.99)
}

// OpStats is the JSON shape of one operation's latency summary.
type OpStats struct {
	Count uint64  `json:"count"`
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
	P99Ms float64 `json:"p99_ms"`
}

// Recorder tracks one latency window per operation name.
type Recorder struct {
	mu      sync.Mutex
	windows map[string]*LatencyWindow
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{windows: make(map[string]*LatencyWindow)}
}

// Window returns (creating on first use) the window for op.
func (r *Recorder) Window(op string) *LatencyWindow {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.windows[op]
	if !ok {
		w = NewLatencyWindow()
		r.windows[op] = w
	}
	return w
}

// Observe records a sample for op.
func (r *Recorder) Observe(op string, d time.Duration) {
	r.Window(op).Observe(d)
}

// Time runs fn and records its wall duration for op.
func (r *Recorder) Time(op string, fn func()) {
	start := time.Now()
	fn()
	r.Observe(op, time.Since(start))
}

// Snapshot summarizes every operation.
func (r *Recorder) Snapshot() map[string]OpStats {
	r.mu.Lock()
	names := make([]string, 0, len(r.windows))
	for n := range r.windows {
		names = append(names, n)
	}
	r.mu.Unlock()

	out := make(map[string]OpStats, len(names))
	for _, n := range names {
		w := r.Window(n)
		p50, p95, p99 := w.Percentiles()
		out[n] = OpStats{
			Count: w.Count(),
			P50Ms: float64(p50) / float64(time.Millisecond),
			P95Ms: float64(p95) / float64(time.Millisecond),
			P99Ms: float64(p99) / float64(time.Millisecond),
		}
	}
	return out
}
