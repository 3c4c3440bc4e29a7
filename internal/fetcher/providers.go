package fetcher

import "marketsync/internal/market"

// DefaultPathTemplate is the market-data path used when config leaves it blank.
func DefaultPathTemplate(p market.Provider) string {
	switch p {
	case market.ProviderStockX:
		return "/v2/catalog/products/{item}/variants/{size}/market-data"
	case market.ProviderAlias:
		return "/api/v1/pricing_insights/availability?catalog_id={item}&size={size}"
	case market.ProviderEbay:
		return "/buy/browse/v1/item_summary/search?q={item}&aspect_filter=US%20Shoe%20Size:{size}"
	default:
		return "/prices/{item}/{size}"
	}
}

// DefaultAPIKeyHeader is the credential header each provider expects.
func DefaultAPIKeyHeader(p market.Provider) string {
	switch p {
	case market.ProviderStockX:
		return "x-api-key"
	default:
		return "Authorization"
	}
}
