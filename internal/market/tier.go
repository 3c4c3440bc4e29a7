package market

import (
	"fmt"
	"strings"
	"time"
)

// Tier controls how often a tracked item is refreshed.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// ParseTier validates a tier name.
func ParseTier(name string) (Tier, error) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(name))); t {
	case TierHot, TierWarm, TierCold:
		return t, nil
	default:
		return "", fmt.Errorf("unknown tier %q", name)
	}
}

// Interval is the minimum age of the last sync before the item is eligible again.
// Unrecognised tiers fall back to the cold cadence.
func (t Tier) Interval() time.Duration {
	switch t {
	case TierHot:
		return time.Hour
	case TierWarm:
		return 6 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Priority is the job priority used when the tier classifier enqueues.
func (t Tier) Priority() int {
	switch t {
	case TierHot:
		return 10
	case TierWarm:
		return 5
	default:
		return 1
	}
}

// JobKey is the identity of a sync job.
type JobKey struct {
	Provider Provider
	ItemKey  string
	Size     string
}

func (k JobKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Provider, k.ItemKey, k.Size)
}

// Validate rejects incomplete identities.
func (k JobKey) Validate() error {
	if !k.Provider.Known() {
		return fmt.Errorf("unknown provider %q", k.Provider)
	}
	if strings.TrimSpace(k.ItemKey) == "" {
		return fmt.Errorf("item key is required")
	}
	if strings.TrimSpace(k.Size) == "" {
		return fmt.Errorf("size is required")
	}
	return nil
}
