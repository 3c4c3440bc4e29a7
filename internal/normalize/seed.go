package normalize

import (
	"strings"

	"github.com/goccy/go-json"

	"marketsync/internal/fetcher"
	"marketsync/internal/market"
)

type seedPrice struct {
	SKU        string `json:"sku"`
	Size       amount `json:"size"`
	Currency   string `json:"currency"`
	LowestAsk  amount `json:"lowest_ask"`
	HighestBid amount `json:"highest_bid"`
	LastSale   amount `json:"last_sale"`
	AsOf       string `json:"as_of"`
}

func normalizeSeed(raw fetcher.RawPayload) (market.Snapshot, error) {
	var data seedPrice
	if err := json.Unmarshal(raw.Body, &data); err != nil {
		return market.Snapshot{}, fail(raw, "body", "invalid json: "+err.Error())
	}
	sku := strings.TrimSpace(data.SKU)
	if sku == "" {
		return market.Snapshot{}, fail(raw, "sku", "missing")
	}
	if data.Size == "" {
		return market.Snapshot{}, fail(raw, "size", "missing")
	}

	ask, err := majorUnits(raw, "lowest_ask", data.LowestAsk.String())
	if err != nil {
		return market.Snapshot{}, err
	}
	bid, err := majorUnits(raw, "highest_bid", data.HighestBid.String())
	if err != nil {
		return market.Snapshot{}, err
	}
	last, err := majorUnits(raw, "last_sale", data.LastSale.String())
	if err != nil {
		return market.Snapshot{}, err
	}
	asOf, err := timestamp(raw, "as_of", data.AsOf)
	if err != nil {
		return market.Snapshot{}, err
	}

	return market.Snapshot{
		ItemKey:    market.VariantKey(market.ProviderSeed, sku+":"+market.NormalizeSize(data.Size.String())),
		SKU:        sku,
		Size:       data.Size.String(),
		Condition:  market.ConditionNew,
		Currency:   data.Currency,
		LowestAsk:  nonZero(ask),
		HighestBid: nonZero(bid),
		LastSale:   nonZero(last),
		AsOf:       asOf,
	}, nil
}
