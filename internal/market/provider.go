package market

import "strings"

// Provider identifies a marketplace that supplies price readings.
type Provider string

const (
	ProviderStockX  Provider = "stockx"
	ProviderAlias   Provider = "alias"
	ProviderEbay    Provider = "ebay"
	ProviderSeed    Provider = "seed"
	ProviderUnknown Provider = "unknown"
)

// rankUnknown is assigned to every provider missing from providerRanks.
const rankUnknown = 999

// providerRanks is the single preference table; lower wins.
var providerRanks = map[Provider]int{
	ProviderStockX: 0,
	ProviderAlias:  1,
	ProviderEbay:   2,
	ProviderSeed:   3,
}

// KnownProviders lists registered providers in rank order.
func KnownProviders() []Provider {
	return []Provider{ProviderStockX, ProviderAlias, ProviderEbay, ProviderSeed}
}

// ParseProvider maps a free-form name onto the closed provider set.
func ParseProvider(name string) Provider {
	p := Provider(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := providerRanks[p]; ok {
		return p
	}
	return ProviderUnknown
}

// Rank returns the provider's preference rank.
func (p Provider) Rank() int {
	if r, ok := providerRanks[p]; ok {
		return r
	}
	return rankUnknown
}

// Known reports whether the provider is registered.
func (p Provider) Known() bool {
	_, ok := providerRanks[p]
	return ok
}

func (p Provider) String() string {
	return string(p)
}
