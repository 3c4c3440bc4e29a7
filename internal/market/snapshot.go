package market

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Condition is the canonical item condition.
type Condition string

const (
	ConditionNew            Condition = "new"
	ConditionNewWithDefects Condition = "new_with_defects"
	ConditionUsed           Condition = "used"
	ConditionUnknown        Condition = "unknown"
)

// Snapshot is a normalised, provider-attributed price reading.
// Prices are in major currency units (150.00 means £150.00).
type Snapshot struct {
	ItemKey    string
	Provider   Provider
	SKU        string
	Size       string
	Condition  Condition
	Currency   string
	LowestAsk  *decimal.Decimal
	HighestBid *decimal.Decimal
	LastSale   *decimal.Decimal
	AsOf       time.Time
}

// HasPrice reports whether any price field is populated.
func (s Snapshot) HasPrice() bool {
	return s.LowestAsk != nil || s.HighestBid != nil || s.LastSale != nil
}

// MarketPrice applies the canonical fallback chain: highest bid, else lowest ask.
// Last sale never substitutes for either.
func MarketPrice(s Snapshot) *decimal.Decimal {
	if s.HighestBid != nil {
		v := *s.HighestBid
		return &v
	}
	if s.LowestAsk != nil {
		v := *s.LowestAsk
		return &v
	}
	return nil
}

// Fingerprint is the history natural key: item, currency, price tuple and as_of.
func (s Snapshot) Fingerprint() string {
	parts := []string{
		s.ItemKey,
		strings.ToUpper(s.Currency),
		decimalKey(s.LowestAsk),
		decimalKey(s.HighestBid),
		decimalKey(s.LastSale),
		s.AsOf.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func decimalKey(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.String()
}

// CompositeKey synthesises an item key for providers without a stable variant id.
type CompositeKey struct {
	Provider  Provider
	CatalogID string
	Size      string
	Condition Condition
	Packaging string
	Consigned bool
	Region    string
}

func (c CompositeKey) String() string {
	packaging := strings.ToLower(strings.TrimSpace(c.Packaging))
	if packaging == "" {
		packaging = "any"
	}
	region := strings.ToLower(strings.TrimSpace(c.Region))
	if region == "" {
		region = "any"
	}
	return fmt.Sprintf("%s:%s:%s:%s:%s:%s:%s",
		c.Provider,
		strings.TrimSpace(c.CatalogID),
		NormalizeSize(c.Size),
		c.Condition,
		packaging,
		strconv.FormatBool(c.Consigned),
		region,
	)
}

// VariantKey builds the item key for providers exposing a per-size variant id.
func VariantKey(p Provider, variantID string) string {
	return fmt.Sprintf("%s:%s", p, strings.TrimSpace(variantID))
}

// NormalizeSize canonicalises size labels so "10.0", " 10 " and "US 10" agree.
func NormalizeSize(size string) string {
	s := strings.TrimSpace(strings.ToUpper(size))
	s = strings.TrimPrefix(s, "US ")
	s = strings.TrimPrefix(s, "UK ")
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return s
}
