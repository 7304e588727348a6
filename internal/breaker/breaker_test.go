package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newTestBreaker pins the clock and removes jitter so transition times
// are exact.
func newTestBreaker(t *testing.T, cfg Config) (*Breaker, *time.Time) {
	b := New(cfg, zaptest.NewLogger(t))
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	b.jitter = func() float64 { return 0 }
	return b, &now
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 3})

	b.RecordFailure("primary")
	b.RecordFailure("primary")
	assert.True(t, b.CanExecute("primary"), "still closed below threshold")

	b.RecordFailure("primary")
	assert.False(t, b.CanExecute("primary"), "open after third failure")

	snap := b.Snapshot()["primary"]
	assert.Equal(t, StateOpen, snap.State)
	assert.Equal(t, 3, snap.FailureCount)
}

func TestBreaker_HalfOpenProbeAndClose(t *testing.T) {
	b, now := newTestBreaker(t, Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
	})

	for i := 0; i < 3; i++ {
		b.RecordFailure("primary")
	}
	require.False(t, b.CanExecute("primary"))

	// Before next_retry: still rejected. After: probe permitted.
	*now = now.Add(29 * time.Second)
	assert.False(t, b.CanExecute("primary"))
	*now = now.Add(2 * time.Second)
	assert.True(t, b.CanExecute("primary"))
	assert.Equal(t, StateHalfOpen, b.Snapshot()["primary"].State)

	b.RecordSuccess("primary")
	assert.Equal(t, StateHalfOpen, b.Snapshot()["primary"].State, "one success is not enough")
	b.RecordSuccess("primary")
	assert.Equal(t, StateClosed, b.Snapshot()["primary"].State)
	assert.Equal(t, 0, b.Snapshot()["primary"].FailureCount)
}

func TestBreaker_HalfOpenFailureBacksOffExponentially(t *testing.T) {
	b, now := newTestBreaker(t, Config{
		FailureThreshold:  3,
		RecoveryTimeout:   30 * time.Second,
		BackoffMultiplier: 2,
		MaxBackoff:        5 * time.Minute,
	})

	for i := 0; i < 3; i++ {
		b.RecordFailure("primary")
	}
	first := b.Snapshot()["primary"].NextRetry
	assert.Equal(t, now.Add(30*time.Second), first)

	// Fail the probe: second trip doubles the backoff.
	*now = first
	require.True(t, b.CanExecute("primary"))
	b.RecordFailure("primary")
	second := b.Snapshot()["primary"].NextRetry
	assert.Equal(t, now.Add(60*time.Second), second)

	// Keep failing probes until the cap binds.
	for i := 0; i < 6; i++ {
		*now = b.Snapshot()["primary"].NextRetry
		require.True(t, b.CanExecute("primary"))
		b.RecordFailure("primary")
	}
	capped := b.Snapshot()["primary"].NextRetry
	assert.Equal(t, now.Add(5*time.Minute), capped)
}

func TestBreaker_FailuresDecayOutsideWindow(t *testing.T) {
	b, now := newTestBreaker(t, Config{FailureThreshold: 3, Window: 60 * time.Second})

	b.RecordFailure("primary")
	b.RecordFailure("primary")
	*now = now.Add(61 * time.Second)
	b.RecordFailure("primary")

	// The two old failures decayed; only one remains, breaker stays closed.
	assert.True(t, b.CanExecute("primary"))
	assert.Equal(t, 1, b.Snapshot()["primary"].FailureCount)
}

func TestBreaker_SuccessResetsClosedCount(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 3})

	b.RecordFailure("primary")
	b.RecordFailure("primary")
	b.RecordSuccess("primary")
	b.RecordFailure("primary")
	b.RecordFailure("primary")
	assert.True(t, b.CanExecute("primary"), "count restarted after success")
}

func TestBreaker_IdentitiesAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 1})

	b.RecordFailure("primary")
	assert.False(t, b.CanExecute("primary"))
	assert.True(t, b.CanExecute("backup_1"))
}

func TestBreaker_CleanupEvictsQuiescentIdentities(t *testing.T) {
	b, now := newTestBreaker(t, Config{Window: 60 * time.Second, FailureThreshold: 3})

	b.RecordSuccess("stale")
	b.RecordFailure("open_one")
	b.RecordFailure("open_one")
	b.RecordFailure("open_one")

	*now = now.Add(3 * time.Minute)
	b.Cleanup()

	snaps := b.Snapshot()
	_, staleKept := snaps["stale"]
	assert.False(t, staleKept, "closed quiescent identity evicted")
	_, openKept := snaps["open_one"]
	assert.True(t, openKept, "open identity never evicted")
}

func TestBreaker_JitterBounded(t *testing.T) {
	// With real jitter the scheduled retry stays within ±20% of the base.
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: 100 * time.Second}, zaptest.NewLogger(t))
	for i := 0; i < 50; i++ {
		id := "x"
		b.mu.Lock()
		delete(b.idents, id)
		b.mu.Unlock()
		start := time.Now()
		b.RecordFailure(id)
		delay := b.Snapshot()[id].NextRetry.Sub(start)
		assert.GreaterOrEqual(t, delay, 79*time.Second)
		assert.LessOrEqual(t, delay, 121*time.Second)
	}
}
