package storage

import (
	"context"
	"fmt"
	"time"

	"marketsync/internal/market"
)

const (
	// Re-tracking an item clears a previous not-found verdict.
	upsertTrackedSQL = `INSERT INTO tracked_items (provider, item_key, size, tier, paused)
    VALUES ($1, $2, $3, $4, $5)
    ON CONFLICT (provider, item_key, size) DO UPDATE
    SET tier      = EXCLUDED.tier,
        paused    = EXCLUDED.paused,
        not_found = false;`

	listTrackedSQL = `SELECT provider, item_key, size, tier, last_synced_at, not_found, paused
    FROM tracked_items
    ORDER BY provider, item_key, size;`

	markSyncedSQL = `UPDATE tracked_items
    SET last_synced_at = GREATEST(COALESCE(last_synced_at, $4), $4),
        not_found      = false
    WHERE provider = $1 AND item_key = $2 AND size = $3;`

	markNotFoundSQL = `UPDATE tracked_items
    SET not_found = true
    WHERE provider = $1 AND item_key = $2 AND size = $3;`

	setTrackedPausedSQL = `UPDATE tracked_items
    SET paused = $4
    WHERE provider = $1 AND item_key = $2 AND size = $3;`
)

// UpsertTracked adds an item to the tracked set or updates its tier.
func (s *Store) UpsertTracked(ctx context.Context, item TrackedItem) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	k := item.Key
	if _, err := pool.Exec(ctx, upsertTrackedSQL, string(k.Provider), k.ItemKey, k.Size, string(item.Tier), item.Paused); err != nil {
		return fmt.Errorf("upsert tracked %s: %w", k, err)
	}
	return nil
}

// ListTracked returns every tracked item in key order.
func (s *Store) ListTracked(ctx context.Context) ([]TrackedItem, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listTrackedSQL)
	if err != nil {
		return nil, fmt.Errorf("list tracked: %w", err)
	}
	defer rows.Close()

	items := make([]TrackedItem, 0)
	for rows.Next() {
		var (
			item           TrackedItem
			provider, tier string
		)
		if err := rows.Scan(&provider, &item.Key.ItemKey, &item.Key.Size, &tier, &item.LastSyncedAt, &item.NotFound, &item.Paused); err != nil {
			return nil, fmt.Errorf("scan tracked: %w", err)
		}
		item.Key.Provider = market.Provider(provider)
		item.Tier = market.Tier(tier)
		items = append(items, item)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return items, nil
}

// MarkSynced records a successful refresh. Untracked keys are ignored.
func (s *Store) MarkSynced(ctx context.Context, key market.JobKey, at time.Time) error {
	return s.execTracked(ctx, "mark synced", markSyncedSQL, key, at)
}

// MarkNotFound flags an item the provider no longer knows.
func (s *Store) MarkNotFound(ctx context.Context, key market.JobKey) error {
	return s.execTracked(ctx, "mark not found", markNotFoundSQL, key)
}

// SetTrackedPaused pauses or resumes classification of an item.
func (s *Store) SetTrackedPaused(ctx context.Context, key market.JobKey, paused bool) error {
	return s.execTracked(ctx, "set paused", setTrackedPausedSQL, key, paused)
}

func (s *Store) execTracked(ctx context.Context, op, query string, key market.JobKey, extra ...any) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	args := append([]any{string(key.Provider), key.ItemKey, key.Size}, extra...)
	if _, err := pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("%s %s: %w", op, key, err)
	}
	return nil
}
