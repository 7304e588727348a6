// Package breaker implements the per-identity circuit breaker gating
// warehouse connection checkout.
//
// Each identity owns an independent three-state machine:
//
//	CLOSED ── failures reach threshold ──▶ OPEN
//	OPEN ── next_retry elapsed ──▶ HALF_OPEN (single probe permitted)
//	HALF_OPEN ── successes reach threshold ──▶ CLOSED
//	HALF_OPEN ── failure ──▶ OPEN with exponential backoff + jitter
//
// Failures older than the sliding window decay to zero, and identities
// quiescent for twice the window are evicted by the cleanup pass.
package breaker

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker position for one identity.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config tunes the state machine. Zero fields take defaults.
type Config struct {
	FailureThreshold  int           // failures within Window before opening (default 3)
	SuccessThreshold  int           // half-open successes before closing (default 2)
	RecoveryTimeout   time.Duration // base open→half-open delay (default 30s)
	BackoffMultiplier float64       // exponential growth per repeated trip (default 2)
	MaxBackoff        time.Duration // backoff cap (default 5m)
	Window            time.Duration // failure decay window (default 60s)
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = 2
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	return c
}

type identityState struct {
	state        State
	failures     []time.Time // failure timestamps inside the window
	totalTrips   int         // failures beyond the threshold, drives backoff exponent
	successCount int
	lastFailure  time.Time
	lastSuccess  time.Time
	nextRetry    time.Time
	lastTouched  time.Time
}

// Snapshot is the externally visible state for one identity.
type Snapshot struct {
	State        State     `json:"state"`
	FailureCount int       `json:"failure_count"`
	SuccessCount int       `json:"success_count"`
	LastFailure  time.Time `json:"last_failure"`
	LastSuccess  time.Time `json:"last_success"`
	NextRetry    time.Time `json:"next_retry"`
}

// Breaker holds the per-identity machines under one lock. Contention is
// negligible at checkout rates; per-identity locks are not worth it here.
type Breaker struct {
	mu     sync.Mutex
	cfg    Config
	idents map[string]*identityState
	logger *zap.Logger

	now    func() time.Time
	jitter func() float64 // uniform in [-1, 1)
}

// New creates a breaker with the given config.
func New(cfg Config, logger *zap.Logger) *Breaker {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Breaker{
		cfg:    cfg.withDefaults(),
		idents: make(map[string]*identityState),
		logger: logger,
		now:    time.Now,
		jitter: func() float64 { return rng.Float64()*2 - 1 },
	}
}

func (b *Breaker) get(identity string) *identityState {
	s, ok := b.idents[identity]
	if !ok {
		s = &identityState{state: StateClosed}
		b.idents[identity] = s
	}
	return s
}

// decay drops failures that fell out of the sliding window.
func (b *Breaker) decay(s *identityState, now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	kept := s.failures[:0]
	for _, t := range s.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.failures = kept
}

// CanExecute reports whether a call against the identity is permitted,
// transitioning OPEN → HALF_OPEN when the retry time has elapsed.
func (b *Breaker) CanExecute(identity string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	s := b.get(identity)
	s.lastTouched = now

	switch s.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return true
	case StateOpen:
		if now.Before(s.nextRetry) {
			return false
		}
		s.state = StateHalfOpen
		s.successCount = 0
		b.logger.Info("breaker half-open, probe permitted", zap.String("identity", identity))
		return true
	}
	return false
}

// RecordSuccess feeds a successful call into the machine.
func (b *Breaker) RecordSuccess(identity string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	s := b.get(identity)
	s.lastSuccess = now
	s.lastTouched = now

	switch s.state {
	case StateClosed:
		s.failures = s.failures[:0]
		s.totalTrips = 0
	case StateHalfOpen:
		s.successCount++
		if s.successCount >= b.cfg.SuccessThreshold {
			s.state = StateClosed
			s.failures = s.failures[:0]
			s.totalTrips = 0
			s.successCount = 0
			b.logger.Info("breaker closed", zap.String("identity", identity))
		}
	case StateOpen:
		// A success while open means a call raced the trip; ignore.
	}
}

// RecordFailure feeds a failed call into the machine.
func (b *Breaker) RecordFailure(identity string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	s := b.get(identity)
	s.lastFailure = now
	s.lastTouched = now

	switch s.state {
	case StateClosed:
		b.decay(s, now)
		s.failures = append(s.failures, now)
		if len(s.failures) >= b.cfg.FailureThreshold {
			b.open(identity, s, now)
		}
	case StateHalfOpen:
		s.failures = append(s.failures, now)
		b.open(identity, s, now)
	case StateOpen:
		// Already open; stamp only.
	}
}

// open transitions to OPEN and schedules next_retry with exponential
// backoff and ±20% jitter.
func (b *Breaker) open(identity string, s *identityState, now time.Time) {
	s.state = StateOpen
	s.successCount = 0
	s.totalTrips++

	backoff := float64(b.cfg.RecoveryTimeout) * math.Pow(b.cfg.BackoffMultiplier, float64(s.totalTrips-1))
	if backoff > float64(b.cfg.MaxBackoff) {
		backoff = float64(b.cfg.MaxBackoff)
	}
	backoff += backoff * 0.2 * b.jitter()
	s.nextRetry = now.Add(time.Duration(backoff))

	b.logger.Warn("breaker opened",
		zap.String("identity", identity),
		zap.Int("failures", len(s.failures)),
		zap.Time("next_retry", s.nextRetry),
	)
}

// Snapshot returns a copy of every identity's visible state.
func (b *Breaker) Snapshot() map[string]Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	out := make(map[string]Snapshot, len(b.idents))
	for id, s := range b.idents {
		b.decay(s, now)
		out[id] = Snapshot{
			State:        s.state,
			FailureCount: len(s.failures),
			SuccessCount: s.successCount,
			LastFailure:  s.lastFailure,
			LastSuccess:  s.lastSuccess,
			NextRetry:    s.nextRetry,
		}
	}
	return out
}

// Cleanup evicts identities quiescent for 2× the window. The caller runs
// it at least once per window.
func (b *Breaker) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-2 * b.cfg.Window)
	for id, s := range b.idents {
		if s.lastTouched.Before(cutoff) && s.state == StateClosed {
			delete(b.idents, id)
		}
	}
}

// RunCleanup loops Cleanup once per window until the channel closes.
func (b *Breaker) RunCleanup(stop <-chan struct{}) {
	ticker := time.NewTicker(b.cfg.Window)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.Cleanup()
		}
	}
}
