// Package tier decides which tracked items are due for a refresh.
package tier

import (
	"sort"
	"time"

	"marketsync/internal/storage"
)

// Due reports whether item has aged past its tier interval at now.
// Never-synced items are always due.
func Due(now time.Time, item storage.TrackedItem) bool {
	if item.NotFound || item.Paused {
		return false
	}
	if item.LastSyncedAt == nil {
		return true
	}
	return now.Sub(*item.LastSyncedAt) >= item.Tier.Interval()
}

// EligibleKeys returns the items due at now, highest tier priority first
// and then by key, so enqueue order is deterministic. It does not mutate
// its input.
func EligibleKeys(now time.Time, items []storage.TrackedItem) []storage.TrackedItem {
	out := make([]storage.TrackedItem, 0, len(items))
	for _, item := range items {
		if Due(now, item) {
			out = append(out, item)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].Tier.Priority(), out[j].Tier.Priority()
		if pi != pj {
			return pi > pj
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}
