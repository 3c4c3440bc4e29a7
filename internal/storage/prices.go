package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"marketsync/internal/market"
)

const (
	snapshotColumns = `item_key, currency, provider, sku, size, condition,
        lowest_ask::text, highest_bid::text, last_sale::text, as_of`

	// Older readings never replace newer ones.
	upsertLatestSQL = `INSERT INTO market_snapshots (
        item_key, currency, provider, sku, size, condition,
        lowest_ask, highest_bid, last_sale, as_of, updated_at
    ) VALUES (
        $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now()
    )
    ON CONFLICT (item_key, currency) DO UPDATE
    SET provider    = EXCLUDED.provider,
        sku         = EXCLUDED.sku,
        size        = EXCLUDED.size,
        condition   = EXCLUDED.condition,
        lowest_ask  = EXCLUDED.lowest_ask,
        highest_bid = EXCLUDED.highest_bid,
        last_sale   = EXCLUDED.last_sale,
        as_of       = EXCLUDED.as_of,
        updated_at  = now()
    WHERE market_snapshots.as_of <= EXCLUDED.as_of;`

	appendHistorySQL = `INSERT INTO price_history (
        natural_key, item_key, currency, provider, sku, size, condition,
        lowest_ask, highest_bid, last_sale, as_of
    ) VALUES (
        $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
    )
    ON CONFLICT (natural_key) DO NOTHING
    RETURNING id;`

	getLatestSQL = `SELECT ` + snapshotColumns + `
    FROM market_snapshots
    WHERE item_key = $1 AND currency = $2;`

	listLatestByVariantSQL = `SELECT ` + snapshotColumns + `
    FROM market_snapshots
    WHERE sku = $1 AND size = $2 AND currency = $3;`

	listRecentLatestSQL = `SELECT ` + snapshotColumns + `
    FROM market_snapshots
    ORDER BY updated_at DESC
    LIMIT $1;`

	listHistorySQL = `SELECT id, ` + snapshotColumns + `, recorded_at
    FROM price_history
    WHERE item_key = $1
      AND currency = $2
      AND as_of >= $3
      AND as_of < $4
    ORDER BY as_of, id;`
)

// UpsertLatest replaces the latest snapshot for (item_key, currency).
func (s *Store) UpsertLatest(ctx context.Context, snap market.Snapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, upsertLatestSQL,
		snap.ItemKey,
		strings.ToUpper(snap.Currency),
		string(snap.Provider),
		snap.SKU,
		snap.Size,
		string(snap.Condition),
		decimalArg(snap.LowestAsk),
		decimalArg(snap.HighestBid),
		decimalArg(snap.LastSale),
		snap.AsOf,
	)
	if err != nil {
		return fmt.Errorf("upsert latest %s: %w", snap.ItemKey, err)
	}
	return nil
}

// AppendHistory inserts a history row keyed by the snapshot fingerprint.
func (s *Store) AppendHistory(ctx context.Context, snap market.Snapshot) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var id int64
	err = pool.QueryRow(ctx, appendHistorySQL,
		snap.Fingerprint(),
		snap.ItemKey,
		strings.ToUpper(snap.Currency),
		string(snap.Provider),
		snap.SKU,
		snap.Size,
		string(snap.Condition),
		decimalArg(snap.LowestAsk),
		decimalArg(snap.HighestBid),
		decimalArg(snap.LastSale),
		snap.AsOf,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("append history %s: %w", snap.ItemKey, err)
	}
	return true, nil
}

// GetLatest loads the latest snapshot for an item and currency.
func (s *Store) GetLatest(ctx context.Context, itemKey, currency string) (market.Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return market.Snapshot{}, err
	}
	snap, err := scanSnapshot(pool.QueryRow(ctx, getLatestSQL, itemKey, strings.ToUpper(currency)))
	if errors.Is(err, pgx.ErrNoRows) {
		return market.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return market.Snapshot{}, fmt.Errorf("get latest %s: %w", itemKey, err)
	}
	return snap, nil
}

// ListLatestByVariant returns every provider's latest snapshot for a sku and size.
func (s *Store) ListLatestByVariant(ctx context.Context, sku, size, currency string) ([]market.Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listLatestByVariantSQL, sku, market.NormalizeSize(size), strings.ToUpper(currency))
	if err != nil {
		return nil, fmt.Errorf("list latest by variant: %w", err)
	}
	return collectSnapshots(rows)
}

// ListRecentLatest returns the most recently refreshed snapshots.
func (s *Store) ListRecentLatest(ctx context.Context, limit int) ([]market.Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRecentLatestSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent latest: %w", err)
	}
	return collectSnapshots(rows)
}

// ListHistory lists history rows in [from, to) ordered by as_of.
func (s *Store) ListHistory(ctx context.Context, itemKey, currency string, from, to time.Time) ([]HistoryRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listHistorySQL, itemKey, strings.ToUpper(currency), from, to)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	records := make([]HistoryRecord, 0)
	for rows.Next() {
		var (
			rec  HistoryRecord
			cols snapshotCols
		)
		dest := append([]any{&rec.ID}, cols.dest()...)
		dest = append(dest, &rec.RecordedAt)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		snap, err := cols.snapshot()
		if err != nil {
			return nil, err
		}
		rec.Snapshot = snap
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

type snapshotCols struct {
	itemKey, currency, provider, sku, size, condition string
	ask, bid, last                                    *string
	asOf                                              time.Time
}

func (c *snapshotCols) dest() []any {
	return []any{
		&c.itemKey, &c.currency, &c.provider, &c.sku, &c.size, &c.condition,
		&c.ask, &c.bid, &c.last, &c.asOf,
	}
}

func (c *snapshotCols) snapshot() (market.Snapshot, error) {
	snap := market.Snapshot{
		ItemKey:   c.itemKey,
		Currency:  c.currency,
		Provider:  market.Provider(c.provider),
		SKU:       c.sku,
		Size:      c.size,
		Condition: market.Condition(c.condition),
		AsOf:      c.asOf.UTC(),
	}
	var err error
	if snap.LowestAsk, err = parseDecimal("lowest_ask", c.ask); err != nil {
		return market.Snapshot{}, err
	}
	if snap.HighestBid, err = parseDecimal("highest_bid", c.bid); err != nil {
		return market.Snapshot{}, err
	}
	if snap.LastSale, err = parseDecimal("last_sale", c.last); err != nil {
		return market.Snapshot{}, err
	}
	return snap, nil
}

func scanSnapshot(row rowScanner) (market.Snapshot, error) {
	var cols snapshotCols
	if err := row.Scan(cols.dest()...); err != nil {
		return market.Snapshot{}, err
	}
	return cols.snapshot()
}

func collectSnapshots(rows pgx.Rows) ([]market.Snapshot, error) {
	defer rows.Close()
	snaps := make([]market.Snapshot, 0)
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snaps, nil
}

func decimalArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseDecimal(field string, v *string) (*decimal.Decimal, error) {
	if v == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*v)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return &d, nil
}
