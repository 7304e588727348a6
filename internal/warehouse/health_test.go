package warehouse

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMonitor_ProbeAggregatesBothIdentities(t *testing.T) {
	h := newHarness(t)
	mon := NewMonitor(h.manager, h.vault, h.breaker, nil, zaptest.NewLogger(t))

	mon.probe(context.Background())
	snap := mon.Snapshot()

	require.Len(t, snap.Identities, 2)
	assert.Equal(t, 2, snap.Healthy)
	assert.Zero(t, snap.Open)
	assert.False(t, snap.ProbedAt.IsZero())
	assert.True(t, snap.Identities["primary"].PoolOpen, "probe opened the pool lazily")
}

func TestMonitor_FailingIdentityCountsOpen(t *testing.T) {
	h := newHarness(t)
	h.dbs["primary"].failWith = errors.New("connection refused")
	mon := NewMonitor(h.manager, h.vault, h.breaker, nil, zaptest.NewLogger(t))

	mon.probe(context.Background())
	snap := mon.Snapshot()

	assert.Equal(t, 1, snap.Healthy)
	assert.Equal(t, 1, snap.Open)
	assert.NotEmpty(t, snap.Identities["primary"].ProbeError)
	assert.Empty(t, snap.Identities["backup_1"].ProbeError)
}

func TestMonitor_SkipsProbeWhileBreakerOpen(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.breaker.RecordFailure("primary")
	}
	mon := NewMonitor(h.manager, h.vault, h.breaker, nil, zaptest.NewLogger(t))

	mon.probe(context.Background())

	// No pool activity against the open identity: its fake saw nothing.
	assert.Empty(t, h.dbs["primary"].queries)
	assert.NotEmpty(t, h.dbs["backup_1"].queries)
}
