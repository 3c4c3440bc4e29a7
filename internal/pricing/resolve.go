// Package pricing picks one authoritative price among provider readings.
package pricing

import (
	"sort"
	"time"

	"marketsync/internal/market"
)

// DefaultStaleAfter is the age past which a latest snapshot is no longer current.
const DefaultStaleAfter = 24 * time.Hour

// Less orders a before b: lower provider rank first, then newer as_of.
func Less(a, b market.Snapshot) bool {
	ra, rb := a.Provider.Rank(), b.Provider.Rank()
	if ra != rb {
		return ra < rb
	}
	return a.AsOf.After(b.AsOf)
}

// Resolve returns the preferred snapshot or nil when none carries a price.
// The input slice is not reordered.
func Resolve(snapshots []market.Snapshot) *market.Snapshot {
	candidates := make([]market.Snapshot, 0, len(snapshots))
	for _, s := range snapshots {
		if s.HasPrice() {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return Less(candidates[i], candidates[j])
	})
	best := candidates[0]
	return &best
}

// IsStale reports whether s is older than threshold at now.
// A non-positive threshold falls back to DefaultStaleAfter.
func IsStale(s market.Snapshot, now time.Time, threshold time.Duration) bool {
	if threshold <= 0 {
		threshold = DefaultStaleAfter
	}
	return now.Sub(s.AsOf) > threshold
}
