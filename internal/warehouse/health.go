package warehouse

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hindsight-io/hindsight/internal/breaker"
	"github.com/hindsight-io/hindsight/internal/opsbus"
	"github.com/hindsight-io/hindsight/internal/vault"
)

// healthProbeInterval is how often each identity is probed; it also
// drives pgxpool's built-in connection liveness check.
const healthProbeInterval = 30 * time.Second

// HealthSnapshot aggregates vault, breaker, and pool state for the
// metrics endpoint and the ops bus.
type HealthSnapshot struct {
	Identities map[string]IdentityHealth `json:"identities"`
	Healthy    int                       `json:"healthy"`
	Degraded   int                       `json:"degraded"`
	Open       int                       `json:"open"`
	ProbedAt   time.Time                 `json:"probed_at"`
}

// IdentityHealth is the merged per-identity view.
type IdentityHealth struct {
	Vault      vault.Health     `json:"vault"`
	Breaker    breaker.Snapshot `json:"breaker"`
	PoolOpen   bool             `json:"pool_open"`
	ProbeError string           `json:"probe_error,omitempty"`
}

// Monitor periodically probes every identity through its own pool,
// aggregates the vault and breaker views, and publishes an alert on the
// ops bus whenever the healthy-identity count drops.
type Monitor struct {
	manager *Manager
	vault   *vault.Vault
	breaker *breaker.Breaker
	bus     *opsbus.Bus
	logger  *zap.Logger

	mu          sync.Mutex
	last        HealthSnapshot
	lastHealthy int
	interval    time.Duration
}

// NewMonitor wires the monitor; Run starts it.
func NewMonitor(m *Manager, v *vault.Vault, b *breaker.Breaker, bus *opsbus.Bus, logger *zap.Logger) *Monitor {
	return &Monitor{
		manager:     m,
		vault:       v,
		breaker:     b,
		bus:         bus,
		logger:      logger,
		interval:    healthProbeInterval,
		lastHealthy: -1,
	}
}

// Run probes until the context is canceled. One probe cycle runs
// immediately on start.
func (mon *Monitor) Run(ctx context.Context) {
	mon.probe(ctx)
	ticker := time.NewTicker(mon.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mon.probe(ctx)
		}
	}
}

func (mon *Monitor) probe(ctx context.Context) {
	report := mon.vault.HealthReport()
	breakers := mon.breaker.Snapshot()
	pools := mon.manager.PoolStats()

	snap := HealthSnapshot{
		Identities: make(map[string]IdentityHealth, len(report)),
		ProbedAt:   time.Now().UTC(),
	}
	for username, vh := range report {
		ih := IdentityHealth{
			Vault:    vh,
			Breaker:  breakers[username],
			PoolOpen: pools[username],
		}
		// Only probe identities the breaker would admit; probing an
		// open identity would just burn its half-open budget.
		if vh.State != vault.OpenUntil && mon.breaker.CanExecute(username) {
			if err := mon.manager.ProbeIdentity(ctx, username); err != nil {
				ih.ProbeError = err.Error()
			}
		}
		switch {
		case ih.ProbeError != "" || vh.State == vault.OpenUntil:
			snap.Open++
		case vh.State == vault.Degraded:
			snap.Degraded++
		default:
			snap.Healthy++
		}
		snap.Identities[username] = ih
	}

	mon.mu.Lock()
	prev := mon.lastHealthy
	mon.last = snap
	mon.lastHealthy = snap.Healthy
	mon.mu.Unlock()

	if prev >= 0 && snap.Healthy < prev {
		mon.logger.Warn("warehouse health degraded",
			zap.Int("healthy", snap.Healthy),
			zap.Int("was", prev),
			zap.Int("open", snap.Open),
		)
		mon.bus.Publish(ctx, opsbus.SubjectWarehouseHealth, snap)
	}
}

// Snapshot returns the most recent probe cycle's aggregate.
func (mon *Monitor) Snapshot() HealthSnapshot {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	return mon.last
}
