package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hindsight-io/hindsight/internal/config"
	"github.com/hindsight-io/hindsight/internal/event"
)

func newTwoTier(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	l2cfg := config.L2{Host: mr.Host(), Port: port, Prefix: "ctx"}

	l2 := NewL2(l2cfg, time.Minute, zaptest.NewLogger(t))
	c := New(NewL1(100, time.Minute), l2, zaptest.NewLogger(t))
	t.Cleanup(c.Close)
	return c, mr
}

func TestCache_L2PopulatesL1(t *testing.T) {
	c, mr := newTwoTier(t)
	ctx := context.Background()

	payload, err := json.Marshal(rec("cust_1"))
	require.NoError(t, err)
	require.NoError(t, mr.Set("ctx:cust_1", string(payload)))

	// Mark the key as previously inserted, then age it out of L1 so the
	// lookup falls through to L2.
	c.l1.Set("cust_1", nil)
	c.l1.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	got, ok := c.Get(ctx, "cust_1")
	require.True(t, ok)
	require.NotNil(t, got)
	assert.Equal(t, "cust_1", got.Customer)

	// Now in L1: reset the clock and confirm an L1 hit.
	c.l1.now = time.Now
	before := c.Snapshot().Hits
	_, ok = c.Get(ctx, "cust_1")
	assert.True(t, ok)
	assert.Equal(t, before+1, c.Snapshot().Hits)
}

func TestCache_PutWritesThroughToL2(t *testing.T) {
	c, mr := newTwoTier(t)

	c.Put("cust_9", rec("cust_9"))
	require.Eventually(t, func() bool {
		return mr.Exists("ctx:cust_9")
	}, time.Second, 5*time.Millisecond)

	raw, err := mr.Get("ctx:cust_9")
	require.NoError(t, err)
	var got event.ContextRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, "cust_9", got.Customer)
}

func TestCache_FilteredMissSkipsL2(t *testing.T) {
	c, mr := newTwoTier(t)

	payload, _ := json.Marshal(rec("stranger"))
	require.NoError(t, mr.Set("ctx:stranger", string(payload)))

	_, ok := c.Get(context.Background(), "stranger")
	assert.False(t, ok, "a never-inserted key misses without consulting L2")
	assert.Equal(t, int64(1), c.Snapshot().FilteredMiss)
}

func TestCache_L2DownDegradesSilently(t *testing.T) {
	c, mr := newTwoTier(t)
	mr.Close()

	c.l1.Set("cust_1", nil)
	c.l1.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	start := time.Now()
	_, ok := c.Get(context.Background(), "cust_1")
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 200*time.Millisecond, "a dead L2 cannot stall the read path")

	// Writes against a dead L2 must not error or block either.
	c.Put("cust_2", rec("cust_2"))
}

func TestCache_NegativeEntryIsAHit(t *testing.T) {
	c := New(NewL1(10, time.Minute), nil, zaptest.NewLogger(t))

	c.PutNegative("ghost")
	got, ok := c.Get(context.Background(), "ghost")
	assert.True(t, ok)
	assert.Nil(t, got, "known-absent customer resolves without a warehouse trip")
}

func TestCache_Snapshot(t *testing.T) {
	c := New(NewL1(10, time.Minute), nil, zaptest.NewLogger(t))
	ctx := context.Background()

	c.Put("a", rec("a"))
	c.Get(ctx, "a")     // hit
	c.Get(ctx, "ghost") // filtered miss

	s := c.Snapshot()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.FilteredMiss)
	assert.Equal(t, 1, s.Entries)
	assert.InDelta(t, 0.5, s.HitRate, 0.001)
}
