package normalize

import (
	"github.com/goccy/go-json"

	"marketsync/internal/fetcher"
	"marketsync/internal/market"
)

type stockxMarketData struct {
	ProductID        string `json:"productId"`
	VariantID        string `json:"variantId"`
	StyleID          string `json:"styleId"`
	VariantValue     amount `json:"variantValue"`
	CurrencyCode     string `json:"currencyCode"`
	LowestAskAmount  amount `json:"lowestAskAmount"`
	HighestBidAmount amount `json:"highestBidAmount"`
	LastSaleAmount   amount `json:"lastSaleAmount"`
	UpdatedAt        string `json:"updatedAt"`
}

func normalizeStockX(raw fetcher.RawPayload) (market.Snapshot, error) {
	var data stockxMarketData
	if err := json.Unmarshal(raw.Body, &data); err != nil {
		return market.Snapshot{}, fail(raw, "body", "invalid json: "+err.Error())
	}
	if data.VariantID == "" {
		return market.Snapshot{}, fail(raw, "variantId", "missing")
	}

	ask, err := majorUnits(raw, "lowestAskAmount", data.LowestAskAmount.String())
	if err != nil {
		return market.Snapshot{}, err
	}
	bid, err := majorUnits(raw, "highestBidAmount", data.HighestBidAmount.String())
	if err != nil {
		return market.Snapshot{}, err
	}
	last, err := majorUnits(raw, "lastSaleAmount", data.LastSaleAmount.String())
	if err != nil {
		return market.Snapshot{}, err
	}
	asOf, err := timestamp(raw, "updatedAt", data.UpdatedAt)
	if err != nil {
		return market.Snapshot{}, err
	}

	sku := data.StyleID
	if sku == "" {
		sku = raw.Key.ItemKey
	}

	return market.Snapshot{
		ItemKey:    market.VariantKey(market.ProviderStockX, data.VariantID),
		SKU:        sku,
		Size:       data.VariantValue.String(),
		Condition:  market.ConditionNew,
		Currency:   data.CurrencyCode,
		LowestAsk:  nonZero(ask),
		HighestBid: nonZero(bid),
		LastSale:   nonZero(last),
		AsOf:       asOf,
	}, nil
}
