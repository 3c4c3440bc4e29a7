package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"marketsync/internal/market"
)

const (
	recordWebhookEventSQL = `INSERT INTO webhook_events (provider, id, type, created_at, payload)
    VALUES ($1, $2, $3, $4, $5)
    ON CONFLICT (provider, id) DO NOTHING;`

	// Stale events (older than the listing's last update) are ignored but
	// still report the listing as existing.
	applyListingUpdateSQL = `WITH target AS (
        SELECT provider, listing_id, updated_at
        FROM listings
        WHERE provider = $1 AND listing_id = $2
    ), updated AS (
        UPDATE listings l
        SET status     = COALESCE($3::text, l.status),
            price      = COALESCE($4::numeric, l.price),
            currency   = CASE WHEN $5::text = '' THEN l.currency ELSE $5::text END,
            updated_at = $6::timestamptz
        FROM target t
        WHERE l.provider = t.provider
          AND l.listing_id = t.listing_id
          AND t.updated_at <= $6::timestamptz
        RETURNING 1
    )
    SELECT EXISTS (SELECT 1 FROM target);`

	upsertListingSQL = `INSERT INTO listings (provider, listing_id, item_key, status, price, currency, updated_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7)
    ON CONFLICT (provider, listing_id) DO UPDATE
    SET item_key   = EXCLUDED.item_key,
        status     = EXCLUDED.status,
        price      = EXCLUDED.price,
        currency   = EXCLUDED.currency,
        updated_at = EXCLUDED.updated_at;`

	getListingSQL = `SELECT provider, listing_id, item_key, status, price::text, currency, updated_at
    FROM listings
    WHERE provider = $1 AND listing_id = $2;`
)

// RecordWebhookEvent stores an event once per (provider, id).
func (s *Store) RecordWebhookEvent(ctx context.Context, event WebhookEvent) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	payload := event.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	tag, err := pool.Exec(ctx, recordWebhookEventSQL, string(event.Provider), event.ID, event.Type, event.CreatedAt, payload)
	if err != nil {
		return false, fmt.Errorf("record webhook event %s: %w", event.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ApplyListingUpdate mutates an existing listing. It never creates one.
func (s *Store) ApplyListingUpdate(ctx context.Context, update ListingUpdate) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var exists bool
	err = pool.QueryRow(ctx, applyListingUpdateSQL,
		string(update.Provider),
		update.ListingID,
		update.Status,
		decimalArg(update.Price),
		update.Currency,
		update.UpdatedAt,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("apply listing update %s: %w", update.ListingID, err)
	}
	return exists, nil
}

// UpsertListing creates or replaces a listing.
func (s *Store) UpsertListing(ctx context.Context, listing Listing) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, upsertListingSQL,
		string(listing.Provider),
		listing.ListingID,
		listing.ItemKey,
		listing.Status,
		decimalArg(listing.Price),
		listing.Currency,
		listing.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert listing %s: %w", listing.ListingID, err)
	}
	return nil
}

// GetListing loads one listing.
func (s *Store) GetListing(ctx context.Context, provider market.Provider, listingID string) (Listing, error) {
	pool, err := s.getPool()
	if err != nil {
		return Listing{}, err
	}
	var (
		l        Listing
		name     string
		priceStr *string
	)
	err = pool.QueryRow(ctx, getListingSQL, string(provider), listingID).Scan(
		&name, &l.ListingID, &l.ItemKey, &l.Status, &priceStr, &l.Currency, &l.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Listing{}, ErrNotFound
	}
	if err != nil {
		return Listing{}, fmt.Errorf("get listing %s: %w", listingID, err)
	}
	l.Provider = market.Provider(name)
	if l.Price, err = parseDecimal("price", priceStr); err != nil {
		return Listing{}, err
	}
	return l, nil
}
