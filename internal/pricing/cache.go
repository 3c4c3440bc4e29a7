package pricing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketsync/internal/market"
	"marketsync/internal/metrics"
)

// Loader reads every provider's latest snapshot for one variant.
type Loader interface {
	ListLatestByVariant(ctx context.Context, sku, size, currency string) ([]market.Snapshot, error)
}

// Quote is the resolved read-side view of a variant.
type Quote struct {
	SKU        string
	Size       string
	Currency   string
	Snapshot   *market.Snapshot
	Price      *decimal.Decimal
	Candidates int
	Stale      bool
}

type variantKey struct {
	sku  string
	size string
}

type entry struct {
	snapshot   *market.Snapshot
	candidates int
	expiresAt  time.Time
}

// Cache is a read-through TTL cache of resolved prices. Entries are
// dropped on expiry or by Invalidate when a new snapshot is written.
type Cache struct {
	mu         sync.RWMutex
	entries    map[variantKey]map[string]entry
	// generation counts invalidations per variant; a load that raced one is
	// returned but not cached.
	generation map[variantKey]uint64
	loader     Loader
	ttl        time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

// NewCache creates a Cache. A zero ttl disables caching.
func NewCache(loader Loader, ttl, staleAfter time.Duration) *Cache {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Cache{
		entries:    make(map[variantKey]map[string]entry),
		generation: make(map[variantKey]uint64),
		loader:     loader,
		ttl:        ttl,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// WithClock overrides the time source.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Lookup returns the resolved quote, loading it on a miss.
func (c *Cache) Lookup(ctx context.Context, sku, size, currency string) (Quote, error) {
	key := variantKey{sku: strings.TrimSpace(sku), size: market.NormalizeSize(size)}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	now := c.now()

	c.mu.RLock()
	e, ok := c.entries[key][currency]
	gen := c.generation[key]
	c.mu.RUnlock()

	if ok && now.Before(e.expiresAt) {
		metrics.PriceCacheLookups.WithLabelValues("hit").Inc()
		return c.quote(key, currency, e, now), nil
	}
	metrics.PriceCacheLookups.WithLabelValues("miss").Inc()

	snaps, err := c.loader.ListLatestByVariant(ctx, key.sku, key.size, currency)
	if err != nil {
		return Quote{}, fmt.Errorf("load %s/%s: %w", key.sku, key.size, err)
	}
	e = entry{
		snapshot:   Resolve(snaps),
		candidates: len(snaps),
		expiresAt:  now.Add(c.ttl),
	}
	if c.ttl > 0 {
		c.mu.Lock()
		if c.generation[key] == gen {
			if c.entries[key] == nil {
				c.entries[key] = make(map[string]entry)
			}
			c.entries[key][currency] = e
		}
		c.mu.Unlock()
	}
	return c.quote(key, currency, e, now), nil
}

// Invalidate drops every currency cached for the variant.
func (c *Cache) Invalidate(sku, size string) {
	key := variantKey{sku: strings.TrimSpace(sku), size: market.NormalizeSize(size)}
	c.mu.Lock()
	delete(c.entries, key)
	c.generation[key]++
	c.mu.Unlock()
}

// Len reports the number of cached variant/currency pairs.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, byCurrency := range c.entries {
		n += len(byCurrency)
	}
	return n
}

func (c *Cache) quote(key variantKey, currency string, e entry, now time.Time) Quote {
	q := Quote{
		SKU:        key.sku,
		Size:       key.size,
		Currency:   currency,
		Candidates: e.candidates,
	}
	if e.snapshot != nil {
		snap := *e.snapshot
		q.Snapshot = &snap
		q.Price = market.MarketPrice(snap)
		q.Stale = IsStale(snap, now, c.staleAfter)
	}
	return q
}
