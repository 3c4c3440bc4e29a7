package webhook

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"marketsync/internal/market"
	"marketsync/internal/storage"
)

// ListingInput declares a listing we hold on a marketplace. Webhook updates
// are only applied to listings registered this way.
type ListingInput struct {
	ListingID string           `json:"listingId" validate:"required,max=200"`
	ItemKey   string           `json:"itemKey" validate:"required,max=500"`
	Status    string           `json:"status" validate:"required,max=50"`
	Price     *decimal.Decimal `json:"price"`
	Currency  string           `json:"currency" validate:"omitempty,len=3,alpha"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// RegisterListing creates or replaces the local state of one listing.
func (p *Processor) RegisterListing(ctx context.Context, provider market.Provider, in ListingInput) (storage.Listing, error) {
	if !provider.Known() {
		return storage.Listing{}, fmt.Errorf("%w: unknown provider %q", ErrMalformed, provider)
	}
	in.ListingID = strings.TrimSpace(in.ListingID)
	in.ItemKey = strings.TrimSpace(in.ItemKey)
	if err := p.validate.Struct(in); err != nil {
		return storage.Listing{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if in.Price != nil && in.Price.IsNegative() {
		return storage.Listing{}, fmt.Errorf("%w: price cannot be negative", ErrMalformed)
	}
	if in.Price != nil && in.Currency == "" {
		return storage.Listing{}, fmt.Errorf("%w: currency is required with a price", ErrMalformed)
	}

	updatedAt := in.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = p.now()
	}
	listing := storage.Listing{
		Provider:  provider,
		ListingID: in.ListingID,
		ItemKey:   in.ItemKey,
		Status:    strings.ToLower(strings.TrimSpace(in.Status)),
		Price:     in.Price,
		Currency:  strings.ToUpper(in.Currency),
		UpdatedAt: updatedAt.UTC(),
	}
	if err := p.store.UpsertListing(ctx, listing); err != nil {
		return storage.Listing{}, err
	}
	p.logger.Info().Str("provider", provider.String()).Str("listing_id", listing.ListingID).
		Str("status", listing.Status).Msg("listing registered")
	return listing, nil
}
