package normalize

import (
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"marketsync/internal/fetcher"
)

// majorUnits parses a decimal string already expressed in major units.
func majorUnits(raw fetcher.RawPayload, field, value string) (*decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, fail(raw, field, "not a decimal: "+value)
	}
	return &d, nil
}

// minorUnits parses an integer string of minor units (cents) into major units.
func minorUnits(raw fetcher.RawPayload, field, value string) (*decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	// The text must be a plain integer; "150.00" is a major-unit amount in the
	// wrong field, not 150 cents.
	cents, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil, fail(raw, field, "not an integer cent amount: "+value)
	}
	major := decimal.New(cents, -2)
	return &major, nil
}

// nonZero drops zero prices; upstreams use 0 for "no ask" / "no bid".
func nonZero(d *decimal.Decimal) *decimal.Decimal {
	if d == nil || d.IsZero() {
		return nil
	}
	return d
}

// amount accepts a JSON string or number and keeps its literal text.
type amount string

func (a *amount) UnmarshalJSON(b []byte) error {
	text := strings.TrimSpace(string(b))
	if text == "null" {
		*a = ""
		return nil
	}
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = amount(s)
		return nil
	}
	*a = amount(text)
	return nil
}

func (a amount) String() string {
	return string(a)
}
