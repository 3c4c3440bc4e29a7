// Package normalize maps provider-native market payloads onto market.Snapshot.
//
// Unit contract, pinned per provider by tests:
//   - stockx: decimal strings in major units ("150.00")
//   - alias:  integer strings in minor units ("15000" is 150.00)
//   - ebay:   {value, currency} objects with major-unit decimal strings
//   - seed:   JSON numbers in major units
//
// Every snapshot leaves this package in major units.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"marketsync/internal/fetcher"
	"marketsync/internal/market"
)

// NormalizationError reports a payload that violates the canonical contract.
type NormalizationError struct {
	Provider    market.Provider
	Field       string
	Reason      string
	Fingerprint string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s: %s: %s (payload %s)", e.Provider, e.Field, e.Reason, e.Fingerprint)
}

// Normalize converts a raw provider payload into a canonical snapshot.
func Normalize(raw fetcher.RawPayload) (market.Snapshot, error) {
	var (
		snap market.Snapshot
		err  error
	)
	switch raw.Provider {
	case market.ProviderStockX:
		snap, err = normalizeStockX(raw)
	case market.ProviderAlias:
		snap, err = normalizeAlias(raw)
	case market.ProviderEbay:
		snap, err = normalizeEbay(raw)
	case market.ProviderSeed:
		snap, err = normalizeSeed(raw)
	default:
		return market.Snapshot{}, fail(raw, "provider", "no normalizer registered")
	}
	if err != nil {
		return market.Snapshot{}, err
	}
	return finish(raw, snap)
}

// finish enforces the fields every provider must deliver.
func finish(raw fetcher.RawPayload, snap market.Snapshot) (market.Snapshot, error) {
	snap.Provider = raw.Provider
	snap.Size = market.NormalizeSize(snap.Size)
	snap.Currency = strings.ToUpper(strings.TrimSpace(snap.Currency))
	if snap.Condition == "" {
		snap.Condition = market.ConditionUnknown
	}

	switch {
	case strings.TrimSpace(snap.ItemKey) == "":
		return market.Snapshot{}, fail(raw, "item_key", "missing")
	case snap.Size == "":
		return market.Snapshot{}, fail(raw, "size", "missing")
	case snap.Currency == "":
		return market.Snapshot{}, fail(raw, "currency", "missing")
	case !snap.HasPrice():
		return market.Snapshot{}, fail(raw, "price", "no ask, bid or last sale present")
	case snap.AsOf.IsZero():
		return market.Snapshot{}, fail(raw, "timestamp", "missing")
	}

	prices := []struct {
		field string
		value *decimal.Decimal
	}{
		{"lowest_ask", snap.LowestAsk},
		{"highest_bid", snap.HighestBid},
		{"last_sale", snap.LastSale},
	}
	for _, p := range prices {
		if p.value != nil && p.value.IsNegative() {
			return market.Snapshot{}, fail(raw, p.field, "negative price")
		}
	}

	snap.AsOf = snap.AsOf.UTC().Truncate(time.Microsecond)
	return snap, nil
}

func fail(raw fetcher.RawPayload, field, reason string) *NormalizationError {
	return &NormalizationError{
		Provider:    raw.Provider,
		Field:       field,
		Reason:      reason,
		Fingerprint: Fingerprint(raw.Body),
	}
}

// Fingerprint is a short digest of a payload body for diagnostics.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:8])
}

// timestamp parses the upstream RFC3339 observation time. The fetch time is
// never substituted: a re-fetch of unchanged data must keep its as_of.
func timestamp(raw fetcher.RawPayload, field, value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fail(raw, field, "missing")
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fail(raw, field, "invalid timestamp "+value)
	}
	return ts, nil
}
