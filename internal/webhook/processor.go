// Package webhook ingests signed provider events and applies them to cached
// listing state.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"marketsync/internal/market"
	"marketsync/internal/metrics"
	"marketsync/internal/storage"
)

// ErrMalformed marks a payload that cannot be decoded into an event.
var ErrMalformed = errors.New("webhook: malformed event")

const (
	TypeListingStatusChanged = "listing.status.changed"
	TypeListingPriceChanged  = "listing.price.changed"
	TypePayoutCreated        = "payout.created"
)

// Result is what happened to an event.
type Result string

const (
	ResultApplied   Result = "applied"
	ResultDuplicate Result = "duplicate"
	// ResultOrphan is a listing update for a listing we do not hold. Orphans
	// are reported for manual review and never imported.
	ResultOrphan   Result = "orphan"
	ResultRecorded Result = "recorded"
)

// Event is the envelope every provider webhook uses.
type Event struct {
	ID        string          `json:"id" validate:"required,max=200"`
	Type      string          `json:"type" validate:"required,max=100"`
	CreatedAt time.Time       `json:"created_at" validate:"required"`
	Data      json.RawMessage `json:"data"`
}

type listingData struct {
	ListingID string           `json:"listing_id" validate:"required"`
	Status    *string          `json:"status"`
	Price     *decimal.Decimal `json:"price"`
	Currency  string           `json:"currency"`
	UpdatedAt *time.Time       `json:"updated_at"`
}

// Outcome describes a handled event.
type Outcome struct {
	EventID   string
	Type      string
	Result    Result
	ListingID string
}

// Processor records events idempotently and applies listing changes.
type Processor struct {
	store    storage.WebhookStore
	validate *validator.Validate
	logger   zerolog.Logger
	now      func() time.Time
}

// NewProcessor constructs a Processor.
func NewProcessor(store storage.WebhookStore, logger zerolog.Logger) *Processor {
	return &Processor{
		store:    store,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With().Str("component", "webhook").Logger(),
		now:      time.Now,
	}
}

// Handle processes one verified payload from provider. Replaying an event id
// is a no-op.
func (p *Processor) Handle(ctx context.Context, provider market.Provider, body []byte) (Outcome, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", "rejected").Inc()
		return Outcome{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := p.validate.Struct(ev); err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", "rejected").Inc()
		return Outcome{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	out := Outcome{EventID: ev.ID, Type: ev.Type, Result: ResultRecorded}
	log := p.logger.With().Str("provider", provider.String()).Str("event_id", ev.ID).Str("type", ev.Type).Logger()

	// Listing changes are applied before the event is recorded; a failed
	// record leaves the event retryable and re-applying is harmless.
	switch ev.Type {
	case TypeListingStatusChanged, TypeListingPriceChanged:
		update, err := p.listingUpdate(provider, ev)
		if err != nil {
			metrics.WebhookEvents.WithLabelValues(typeLabel(ev.Type), "rejected").Inc()
			return out, err
		}
		out.ListingID = update.ListingID
		exists, err := p.store.ApplyListingUpdate(ctx, update)
		if err != nil {
			return out, fmt.Errorf("apply listing update: %w", err)
		}
		if exists {
			out.Result = ResultApplied
		} else {
			out.Result = ResultOrphan
			log.Info().Str("listing_id", update.ListingID).Msg("update for unknown listing; left for manual review")
		}
	case TypePayoutCreated:
	default:
		if !strings.HasPrefix(ev.Type, "order.") {
			log.Debug().Msg("unhandled event type recorded")
		}
	}

	inserted, err := p.store.RecordWebhookEvent(ctx, storage.WebhookEvent{
		ID:         ev.ID,
		Provider:   provider,
		Type:       ev.Type,
		CreatedAt:  ev.CreatedAt,
		Payload:    body,
		ReceivedAt: p.now().UTC(),
	})
	if err != nil {
		return out, fmt.Errorf("record webhook event: %w", err)
	}
	if !inserted {
		out.Result = ResultDuplicate
	}

	metrics.WebhookEvents.WithLabelValues(typeLabel(ev.Type), string(out.Result)).Inc()
	log.Debug().Str("result", string(out.Result)).Msg("webhook handled")
	return out, nil
}

func (p *Processor) listingUpdate(provider market.Provider, ev Event) (storage.ListingUpdate, error) {
	var data listingData
	if len(ev.Data) == 0 {
		return storage.ListingUpdate{}, fmt.Errorf("%w: %s without data", ErrMalformed, ev.Type)
	}
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return storage.ListingUpdate{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := p.validate.Struct(data); err != nil {
		return storage.ListingUpdate{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	update := storage.ListingUpdate{
		Provider:  provider,
		ListingID: data.ListingID,
		Currency:  strings.ToUpper(strings.TrimSpace(data.Currency)),
	}
	switch ev.Type {
	case TypeListingStatusChanged:
		if data.Status == nil || strings.TrimSpace(*data.Status) == "" {
			return storage.ListingUpdate{}, fmt.Errorf("%w: status is required", ErrMalformed)
		}
		status := strings.ToLower(strings.TrimSpace(*data.Status))
		update.Status = &status
	case TypeListingPriceChanged:
		if data.Price == nil || data.Price.IsNegative() {
			return storage.ListingUpdate{}, fmt.Errorf("%w: non-negative price is required", ErrMalformed)
		}
		update.Price = data.Price
	}

	// Receipt time is never used: a late redelivery must not outrank newer state.
	update.UpdatedAt = ev.CreatedAt.UTC()
	if data.UpdatedAt != nil && !data.UpdatedAt.IsZero() {
		update.UpdatedAt = data.UpdatedAt.UTC()
	}
	return update, nil
}

func typeLabel(t string) string {
	switch {
	case t == TypeListingStatusChanged, t == TypeListingPriceChanged, t == TypePayoutCreated:
		return t
	case strings.HasPrefix(t, "order."):
		return "order"
	default:
		return "other"
	}
}
