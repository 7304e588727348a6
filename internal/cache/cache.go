package cache

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/hindsight-io/hindsight/internal/event"
)

// Cache is the serve-path façade over both tiers. A hit may carry a
// nil record, meaning the warehouse is known to have no row for that
// customer.
type Cache struct {
	l1     *L1
	l2     *L2 // nil when no shared cache is configured
	logger *zap.Logger

	hits     atomic.Int64
	l2Hits   atomic.Int64
	misses   atomic.Int64
	filtered atomic.Int64
}

// Stats is the counter snapshot for the metrics endpoint.
type Stats struct {
	Hits         int64   `json:"hits"`
	L2Hits       int64   `json:"l2_hits"`
	Misses       int64   `json:"misses"`
	FilteredMiss int64   `json:"filtered_misses"`
	HitRate      float64 `json:"hit_rate"`
	Entries      int     `json:"entries"`
}

// New assembles the façade. l2 may be nil.
func New(l1 *L1, l2 *L2, logger *zap.Logger) *Cache {
	return &Cache{l1: l1, l2: l2, logger: logger}
}

// Get resolves a customer through L1 then L2. The second return is
// false on a miss; the caller decides whether to go to the warehouse.
func (c *Cache) Get(ctx context.Context, customer string) (*event.ContextRecord, bool) {
	rec, outcome := c.l1.Get(customer)
	switch outcome {
	case Hit:
		c.hits.Add(1)
		return rec, true
	case FilteredMiss:
		// Never inserted here; skip the L2 race entirely and let the
		// caller go to the warehouse.
		c.filtered.Add(1)
		return nil, false
	default:
		c.misses.Add(1)
	}
	if c.l2 != nil {
		if rec, ok := c.l2.Get(ctx, customer); ok {
			c.l2Hits.Add(1)
			c.l1.Set(customer, rec)
			return rec, true
		}
	}
	return nil, false
}

// Put records a warehouse read into both tiers.
func (c *Cache) Put(customer string, rec *event.ContextRecord) {
	c.l1.Set(customer, rec)
	if c.l2 != nil && rec != nil {
		c.l2.Set(customer, rec)
	}
}

// PutNegative records a confirmed absence so repeated lookups for an
// unknown customer stop hitting the warehouse. Negative entries stay
// local; L2 only ever holds real rows.
func (c *Cache) PutNegative(customer string) {
	c.l1.Set(customer, nil)
}

// L1Tier exposes the in-process tier for the warmer.
func (c *Cache) L1Tier() *L1 { return c.l1 }

// Snapshot returns the current counters.
func (c *Cache) Snapshot() Stats {
	s := Stats{
		Hits:         c.hits.Load(),
		L2Hits:       c.l2Hits.Load(),
		Misses:       c.misses.Load(),
		FilteredMiss: c.filtered.Load(),
		Entries:      c.l1.Len(),
	}
	total := s.Hits + s.L2Hits + s.Misses + s.FilteredMiss
	if total > 0 {
		s.HitRate = float64(s.Hits+s.L2Hits) / float64(total)
	}
	return s
}

// Close shuts the L2 worker down.
func (c *Cache) Close() {
	if c.l2 != nil {
		c.l2.Close()
	}
}
