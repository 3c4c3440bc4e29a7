package normalize

import (
	"strings"

	"github.com/goccy/go-json"

	"marketsync/internal/fetcher"
	"marketsync/internal/market"
)

type aliasAvailability struct {
	CatalogID                 string `json:"catalog_id"`
	SKU                       string `json:"sku"`
	Size                      amount `json:"size"`
	ProductCondition          string `json:"product_condition"`
	PackagingCondition        string `json:"packaging_condition"`
	Consigned                 bool   `json:"consigned"`
	RegionID                  string `json:"region_id"`
	Currency                  string `json:"currency"`
	LowestListingPriceCents   amount `json:"lowest_listing_price_cents"`
	HighestOfferPriceCents    amount `json:"highest_offer_price_cents"`
	LastSoldListingPriceCents amount `json:"last_sold_listing_price_cents"`
	UpdatedAt                 string `json:"updated_at"`
}

func normalizeAlias(raw fetcher.RawPayload) (market.Snapshot, error) {
	// Accept both object-wrapped and bare payloads.
	var wrapped struct {
		Availability *aliasAvailability `json:"availability"`
	}
	var data aliasAvailability
	if err := json.Unmarshal(raw.Body, &wrapped); err == nil && wrapped.Availability != nil {
		data = *wrapped.Availability
	} else if err := json.Unmarshal(raw.Body, &data); err != nil {
		return market.Snapshot{}, fail(raw, "body", "invalid json: "+err.Error())
	}

	catalogID := strings.TrimSpace(data.CatalogID)
	if catalogID == "" {
		catalogID = raw.Key.ItemKey
	}
	if catalogID == "" {
		return market.Snapshot{}, fail(raw, "catalog_id", "missing")
	}
	if data.Size == "" {
		return market.Snapshot{}, fail(raw, "size", "missing")
	}

	ask, err := minorUnits(raw, "lowest_listing_price_cents", data.LowestListingPriceCents.String())
	if err != nil {
		return market.Snapshot{}, err
	}
	bid, err := minorUnits(raw, "highest_offer_price_cents", data.HighestOfferPriceCents.String())
	if err != nil {
		return market.Snapshot{}, err
	}
	last, err := minorUnits(raw, "last_sold_listing_price_cents", data.LastSoldListingPriceCents.String())
	if err != nil {
		return market.Snapshot{}, err
	}
	asOf, err := timestamp(raw, "updated_at", data.UpdatedAt)
	if err != nil {
		return market.Snapshot{}, err
	}

	condition := aliasCondition(data.ProductCondition)
	key := market.CompositeKey{
		Provider:  market.ProviderAlias,
		CatalogID: catalogID,
		Size:      data.Size.String(),
		Condition: condition,
		Packaging: strings.TrimPrefix(strings.ToUpper(data.PackagingCondition), "PACKAGING_CONDITION_"),
		Consigned: data.Consigned,
		Region:    data.RegionID,
	}

	sku := data.SKU
	if sku == "" {
		sku = catalogID
	}

	return market.Snapshot{
		ItemKey:    key.String(),
		SKU:        sku,
		Size:       data.Size.String(),
		Condition:  condition,
		Currency:   data.Currency,
		LowestAsk:  nonZero(ask),
		HighestBid: nonZero(bid),
		LastSale:   nonZero(last),
		AsOf:       asOf,
	}, nil
}

func aliasCondition(v string) market.Condition {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "PRODUCT_CONDITION_NEW", "NEW":
		return market.ConditionNew
	case "PRODUCT_CONDITION_NEW_WITH_DEFECTS", "NEW_WITH_DEFECTS":
		return market.ConditionNewWithDefects
	case "PRODUCT_CONDITION_USED", "USED":
		return market.ConditionUsed
	default:
		return market.ConditionUnknown
	}
}
