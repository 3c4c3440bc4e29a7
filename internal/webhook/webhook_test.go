package webhook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"marketsync/internal/market"
	"marketsync/internal/storage"
)

var listedAt = time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

func seededStore(t *testing.T) *storage.MemoryStore {
	t.Helper()
	store := storage.NewMemoryStore()
	price := decimal.NewFromInt(150)
	err := store.UpsertListing(context.Background(), storage.Listing{
		Provider:  market.ProviderAlias,
		ListingID: "L-1",
		ItemKey:   "alias:air-jordan-1:10:new:good_condition:false:2",
		Status:    "active",
		Price:     &price,
		Currency:  "GBP",
		UpdatedAt: listedAt,
	})
	if err != nil {
		t.Fatalf("seed listing: %v", err)
	}
	return store
}

func TestVerify(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	sig := Sign("s3cret", body)

	if err := Verify("s3cret", body, sig); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := Verify("s3cret", body, "sha256="+sig); err != nil {
		t.Fatalf("prefixed signature rejected: %v", err)
	}

	cases := map[string]struct {
		secret string
		body   []byte
		sig    string
	}{
		"tampered body": {"s3cret", []byte(`{"id":"evt_2"}`), sig},
		"wrong secret":  {"other", body, sig},
		"not hex":       {"s3cret", body, "zz"},
		"truncated":     {"s3cret", body, sig[:10]},
		"no secret":     {"", body, sig},
	}
	for name, tc := range cases {
		if err := Verify(tc.secret, tc.body, tc.sig); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("%s: expected ErrInvalidSignature, got %v", name, err)
		}
	}
}

func TestStatusChangeAppliedOnce(t *testing.T) {
	store := seededStore(t)
	p := NewProcessor(store, zerolog.Nop())
	ctx := context.Background()
	body := []byte(`{"id":"evt_1","type":"listing.status.changed","created_at":"2025-01-10T10:00:00Z",
		"data":{"listing_id":"L-1","status":"SOLD"}}`)

	out, err := p.Handle(ctx, market.ProviderAlias, body)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out.Result != ResultApplied || out.ListingID != "L-1" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	l, err := store.GetListing(ctx, market.ProviderAlias, "L-1")
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if l.Status != "sold" || !l.UpdatedAt.Equal(time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("status should be applied: %+v", l)
	}

	again, err := p.Handle(ctx, market.ProviderAlias, body)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if again.Result != ResultDuplicate {
		t.Fatalf("replayed id should be a duplicate, got %s", again.Result)
	}
}

func TestPriceChangeIgnoresStaleEvents(t *testing.T) {
	store := seededStore(t)
	p := NewProcessor(store, zerolog.Nop())
	ctx := context.Background()

	fresh := []byte(`{"id":"evt_2","type":"listing.price.changed","created_at":"2025-01-10T11:00:00Z",
		"data":{"listing_id":"L-1","price":"140.00","currency":"gbp"}}`)
	stale := []byte(`{"id":"evt_3","type":"listing.price.changed","created_at":"2025-01-10T08:00:00Z",
		"data":{"listing_id":"L-1","price":"120.00"}}`)

	for _, body := range [][]byte{fresh, stale} {
		if _, err := p.Handle(ctx, market.ProviderAlias, body); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	l, err := store.GetListing(ctx, market.ProviderAlias, "L-1")
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if l.Price == nil || !l.Price.Equal(decimal.NewFromInt(140)) {
		t.Fatalf("older event must not overwrite a newer price, got %v", l.Price)
	}
}

func TestOrphanListingIsNotImported(t *testing.T) {
	store := seededStore(t)
	p := NewProcessor(store, zerolog.Nop())
	ctx := context.Background()
	body := []byte(`{"id":"evt_4","type":"listing.status.changed","created_at":"2025-01-10T10:00:00Z","data":{"listing_id":"L-404","status":"active"}}`)

	out, err := p.Handle(ctx, market.ProviderAlias, body)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out.Result != ResultOrphan {
		t.Fatalf("expected orphan, got %s", out.Result)
	}
	if _, err := store.GetListing(ctx, market.ProviderAlias, "L-404"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("orphan must not be created, got %v", err)
	}
}

func TestRecordOnlyEvents(t *testing.T) {
	p := NewProcessor(storage.NewMemoryStore(), zerolog.Nop())
	for _, body := range []string{
		`{"id":"o1","type":"order.created","created_at":"2025-01-10T10:00:00Z","data":{"order_id":"1"}}`,
		`{"id":"p1","type":"payout.created","created_at":"2025-01-10T10:00:00Z","data":{}}`,
		`{"id":"x1","type":"catalog.refreshed","created_at":"2025-01-10T10:00:00Z"}`,
	} {
		out, err := p.Handle(context.Background(), market.ProviderAlias, []byte(body))
		if err != nil {
			t.Fatalf("%s: %v", body, err)
		}
		if out.Result != ResultRecorded {
			t.Fatalf("%s: expected recorded, got %s", body, out.Result)
		}
	}
}

func TestMalformedEvents(t *testing.T) {
	p := NewProcessor(seededStore(t), zerolog.Nop())
	for name, body := range map[string]string{
		"not json":        `{`,
		"missing id":      `{"type":"order.created"}`,
		"missing type":    `{"id":"e","created_at":"2025-01-10T10:00:00Z"}`,
		"no created_at":   `{"id":"e","type":"listing.status.changed","data":{"listing_id":"L-1","status":"sold"}}`,
		"no listing id":   `{"id":"e","type":"listing.status.changed","created_at":"2025-01-10T10:00:00Z","data":{"status":"sold"}}`,
		"no status":       `{"id":"e","type":"listing.status.changed","created_at":"2025-01-10T10:00:00Z","data":{"listing_id":"L-1"}}`,
		"negative price":  `{"id":"e","type":"listing.price.changed","created_at":"2025-01-10T10:00:00Z","data":{"listing_id":"L-1","price":-1}}`,
		"listing no data": `{"id":"e","type":"listing.price.changed","created_at":"2025-01-10T10:00:00Z"}`,
	} {
		if _, err := p.Handle(context.Background(), market.ProviderAlias, []byte(body)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", name, err)
		}
	}
}

func TestLateRedeliveryDoesNotRegressListing(t *testing.T) {
	store := seededStore(t)
	p := NewProcessor(store, zerolog.Nop())
	ctx := context.Background()

	sold := []byte(`{"id":"evt_10","type":"listing.status.changed","created_at":"2025-01-10T12:00:00Z",
		"data":{"listing_id":"L-1","status":"sold"}}`)
	if _, err := p.Handle(ctx, market.ProviderAlias, sold); err != nil {
		t.Fatalf("handle: %v", err)
	}
	// Older event delivered late, carrying no data-level updated_at.
	late := []byte(`{"id":"evt_9","type":"listing.status.changed","created_at":"2025-01-10T11:00:00Z",
		"data":{"listing_id":"L-1","status":"active"}}`)
	if _, err := p.Handle(ctx, market.ProviderAlias, late); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, err := store.GetListing(ctx, market.ProviderAlias, "L-1")
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if got.Status != "sold" {
		t.Fatalf("late event must not regress status, got %s", got.Status)
	}
}

func TestRegisterListingMakesUpdatesApply(t *testing.T) {
	store := storage.NewMemoryStore()
	p := NewProcessor(store, zerolog.Nop())
	ctx := context.Background()
	price := decimal.NewFromInt(180)

	listing, err := p.RegisterListing(ctx, market.ProviderStockX, ListingInput{
		ListingID: " L-7 ",
		ItemKey:   "stockx:v-10",
		Status:    "Active",
		Price:     &price,
		Currency:  "gbp",
		UpdatedAt: listedAt,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if listing.ListingID != "L-7" || listing.Status != "active" || listing.Currency != "GBP" {
		t.Fatalf("listing not normalized: %+v", listing)
	}

	body := []byte(`{"id":"evt_20","type":"listing.status.changed","created_at":"2025-01-10T10:00:00Z",
		"data":{"listing_id":"L-7","status":"sold"}}`)
	out, err := p.Handle(ctx, market.ProviderStockX, body)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out.Result != ResultApplied {
		t.Fatalf("registered listing should take updates, got %s", out.Result)
	}
}

func TestRegisterListingValidation(t *testing.T) {
	p := NewProcessor(storage.NewMemoryStore(), zerolog.Nop())
	price := decimal.NewFromInt(-1)
	positive := decimal.NewFromInt(10)
	cases := map[string]struct {
		provider market.Provider
		in       ListingInput
	}{
		"unknown provider": {"goat", ListingInput{ListingID: "L", ItemKey: "k", Status: "active"}},
		"no listing id":    {market.ProviderAlias, ListingInput{ItemKey: "k", Status: "active"}},
		"no item key":      {market.ProviderAlias, ListingInput{ListingID: "L", Status: "active"}},
		"no status":        {market.ProviderAlias, ListingInput{ListingID: "L", ItemKey: "k"}},
		"bad currency":     {market.ProviderAlias, ListingInput{ListingID: "L", ItemKey: "k", Status: "active", Currency: "POUND"}},
		"negative price":   {market.ProviderAlias, ListingInput{ListingID: "L", ItemKey: "k", Status: "active", Price: &price, Currency: "GBP"}},
		"price no ccy":     {market.ProviderAlias, ListingInput{ListingID: "L", ItemKey: "k", Status: "active", Price: &positive}},
	}
	for name, tc := range cases {
		if _, err := p.RegisterListing(context.Background(), tc.provider, tc.in); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", name, err)
		}
	}
}
