package normalize

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"marketsync/internal/fetcher"
	"marketsync/internal/market"
)

type ebayAmount struct {
	Value    amount `json:"value"`
	Currency string `json:"currency"`
}

type ebayItemSummary struct {
	ItemID           string     `json:"itemId"`
	Condition        string     `json:"condition"`
	ConditionID      string     `json:"conditionId"`
	Price            ebayAmount `json:"price"`
	ItemCreationDate string     `json:"itemCreationDate"`
}

type ebayOffer struct {
	price  *decimal.Decimal
	listed time.Time
}

type ebaySearch struct {
	SKU           string            `json:"sku"`
	Size          string            `json:"size"`
	MarketplaceID string            `json:"marketplaceId"`
	ItemSummaries []ebayItemSummary `json:"itemSummaries"`
}

// normalizeEbay reduces a listing search to its cheapest ask in the best
// available condition. eBay has no bids and no per-size variant id, and no
// market-level timestamp: as_of is the creation date of the listing that
// holds the ask, so an unchanged search result keeps its as_of.
func normalizeEbay(raw fetcher.RawPayload) (market.Snapshot, error) {
	var data ebaySearch
	if err := json.Unmarshal(raw.Body, &data); err != nil {
		return market.Snapshot{}, fail(raw, "body", "invalid json: "+err.Error())
	}

	// The search is scoped to the job's product and size when the response omits them.
	sku := strings.TrimSpace(data.SKU)
	if sku == "" {
		sku = raw.Key.ItemKey
	}
	size := strings.TrimSpace(data.Size)
	if size == "" {
		size = raw.Key.Size
	}
	if sku == "" {
		return market.Snapshot{}, fail(raw, "sku", "missing")
	}

	best := make(map[market.Condition]ebayOffer)
	currency := ""
	for _, item := range data.ItemSummaries {
		price, err := majorUnits(raw, "itemSummaries.price.value", item.Price.Value.String())
		if err != nil {
			return market.Snapshot{}, err
		}
		if price == nil || price.IsZero() {
			continue
		}
		cur := strings.ToUpper(strings.TrimSpace(item.Price.Currency))
		if cur == "" {
			return market.Snapshot{}, fail(raw, "itemSummaries.price.currency", "missing on item "+item.ItemID)
		}
		if currency == "" {
			currency = cur
		}
		if cur != currency {
			// Mixed-currency results are not comparable; keep the first currency seen.
			continue
		}
		listed, err := timestamp(raw, "itemSummaries.itemCreationDate", item.ItemCreationDate)
		if err != nil {
			return market.Snapshot{}, err
		}
		cond := ebayCondition(item.ConditionID, item.Condition)
		// Ties on price go to the oldest listing so the choice is stable.
		prev, ok := best[cond]
		if !ok || price.LessThan(*prev.price) || (price.Equal(*prev.price) && listed.Before(prev.listed)) {
			best[cond] = ebayOffer{price: price, listed: listed}
		}
	}

	condition := market.ConditionUnknown
	var offer ebayOffer
	for _, c := range []market.Condition{market.ConditionNew, market.ConditionNewWithDefects, market.ConditionUsed, market.ConditionUnknown} {
		if o, ok := best[c]; ok {
			condition, offer = c, o
			break
		}
	}

	key := market.CompositeKey{
		Provider:  market.ProviderEbay,
		CatalogID: sku,
		Size:      size,
		Condition: condition,
		Region:    data.MarketplaceID,
	}

	return market.Snapshot{
		ItemKey:   key.String(),
		SKU:       sku,
		Size:      size,
		Condition: condition,
		Currency:  currency,
		LowestAsk: offer.price,
		AsOf:      offer.listed,
	}, nil
}

func ebayCondition(id, label string) market.Condition {
	switch strings.TrimSpace(id) {
	case "1000":
		return market.ConditionNew
	case "1500", "1750":
		return market.ConditionNewWithDefects
	case "2750", "3000", "4000", "5000", "6000":
		return market.ConditionUsed
	}
	switch l := strings.ToLower(label); {
	case l == "new" || l == "new with box" || l == "brand new":
		return market.ConditionNew
	case strings.Contains(l, "defects") || strings.Contains(l, "new other") || strings.Contains(l, "without box"):
		return market.ConditionNewWithDefects
	case strings.Contains(l, "used") || strings.Contains(l, "pre-owned"):
		return market.ConditionUsed
	default:
		return market.ConditionUnknown
	}
}
