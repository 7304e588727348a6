// Package cache is the two-tier context cache: an in-process bounded
// LRU (L1) optionally backed by a shared redis tier (L2). The read path
// never blocks on L2 for more than the race timeout and never surfaces
// an L2 error to a caller.
package cache

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/hindsight-io/hindsight/internal/event"
)

// Outcome classifies one L1 lookup.
type Outcome int

const (
	// Miss means the key was positively inserted at some point but is
	// absent or expired now.
	Miss Outcome = iota
	// Hit returns a live record. The record may be a negative entry
	// (nil) when the warehouse previously reported no row.
	Hit
	// FilteredMiss means the key was never inserted; the caller can
	// skip L2 entirely.
	FilteredMiss
)

type l1Entry struct {
	customer string
	rec      *event.ContextRecord // nil marks a known-absent customer
	expires  time.Time
}

// L1 is a bounded LRU with per-entry TTL, a never-inserted filter, and
// access-frequency tracking for the warmer. Values are treated as
// immutable after insertion and are returned without cloning.
type L1 struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	order   *list.List // front is most recently used
	entries map[string]*list.Element
	seen    map[string]struct{}
	freq    map[string]uint64

	now func() time.Time
}

// NewL1 builds the in-process tier. maxSize and ttl come straight from
// CACHE_MAX_SIZE and CACHE_TTL_MS.
func NewL1(maxSize int, ttl time.Duration) *L1 {
	if maxSize <= 0 {
		maxSize = 10_000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &L1{
		maxSize: maxSize,
		ttl:     ttl,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		seen:    make(map[string]struct{}),
		freq:    make(map[string]uint64),
		now:     time.Now,
	}
}

// Get looks the customer up and records the access for the warmer.
func (c *L1) Get(customer string) (*event.ContextRecord, Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freq[customer]++

	el, ok := c.entries[customer]
	if !ok {
		if _, inserted := c.seen[customer]; !inserted {
			return nil, FilteredMiss
		}
		return nil, Miss
	}
	ent := el.Value.(*l1Entry)
	if c.now().After(ent.expires) {
		c.removeLocked(el)
		return nil, Miss
	}
	c.order.MoveToFront(el)
	return ent.rec, Hit
}

// Set inserts or refreshes the record, evicting from the LRU tail when
// the tier is full. A nil record is a negative entry.
func (c *L1) Set(customer string, rec *event.ContextRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(c.ttl)
	if el, ok := c.entries[customer]; ok {
		ent := el.Value.(*l1Entry)
		ent.rec = rec
		ent.expires = expires
		c.order.MoveToFront(el)
		return
	}
	for len(c.entries) >= c.maxSize {
		if tail := c.order.Back(); tail != nil {
			c.removeLocked(tail)
		}
	}
	el := c.order.PushFront(&l1Entry{customer: customer, rec: rec, expires: expires})
	c.entries[customer] = el
	c.seen[customer] = struct{}{}
	c.pruneTrackersLocked()
}

func (c *L1) removeLocked(el *list.Element) {
	ent := el.Value.(*l1Entry)
	c.order.Remove(el)
	delete(c.entries, ent.customer)
}

// pruneTrackersLocked keeps the filter and frequency maps from growing
// without bound under a churning key space. The filter is rebuilt from
// the live entries, which reintroduces at most one extra L2 round trip
// per forgotten key.
func (c *L1) pruneTrackersLocked() {
	cap := 10 * c.maxSize
	if len(c.seen) > cap {
		c.seen = make(map[string]struct{}, len(c.entries))
		for k := range c.entries {
			c.seen[k] = struct{}{}
		}
	}
	if len(c.freq) > cap {
		kept := make(map[string]uint64, len(c.entries))
		for k := range c.entries {
			kept[k] = c.freq[k]
		}
		c.freq = kept
	}
}

// Len reports the number of live entries.
func (c *L1) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// TopK returns the k most frequently accessed customers.
func (c *L1) TopK(k int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	type kv struct {
		customer string
		count    uint64
	}
	all := make([]kv, 0, len(c.freq))
	for cust, n := range c.freq {
		all = append(all, kv{cust, n})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].customer < all[j].customer
	})
	if k > len(all) {
		k = len(all)
	}
	out := make([]string, 0, k)
	for _, e := range all[:k] {
		out = append(out, e.customer)
	}
	return out
}

// ExpiringSoon returns live customers whose TTL runs out within the
// buffer, for the warmer's refresh set.
func (c *L1) ExpiringSoon(buffer time.Duration) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(buffer)
	var out []string
	for cust, el := range c.entries {
		ent := el.Value.(*l1Entry)
		if ent.expires.Before(cutoff) {
			out = append(out, cust)
		}
	}
	sort.Strings(out)
	return out
}
