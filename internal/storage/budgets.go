package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"marketsync/internal/market"
)

const (
	// The conditional DO UPDATE makes check-and-increment a single statement:
	// no row comes back when the reservation would overflow the limit.
	reserveBudgetSQL = `INSERT INTO provider_budgets (provider, hour_window, rate_limit, used)
    VALUES ($1, $2, $3, $4)
    ON CONFLICT (provider, hour_window) DO UPDATE
    SET used       = provider_budgets.used + EXCLUDED.used,
        rate_limit = EXCLUDED.rate_limit
    WHERE provider_budgets.used + EXCLUDED.used <= EXCLUDED.rate_limit
    RETURNING used;`

	getBudgetSQL = `SELECT provider, hour_window, rate_limit, used
    FROM provider_budgets
    WHERE provider = $1 AND hour_window = $2;`

	exhaustBudgetSQL = `INSERT INTO provider_budgets (provider, hour_window, rate_limit, used)
    VALUES ($1, $2, $3, $3)
    ON CONFLICT (provider, hour_window) DO UPDATE
    SET used = provider_budgets.rate_limit;`
)

// ReserveBudget adds n units to the provider's window if the limit allows it.
func (s *Store) ReserveBudget(ctx context.Context, provider market.Provider, window time.Time, limit, n int) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	if n <= 0 {
		return false, fmt.Errorf("reserve budget: units must be positive, got %d", n)
	}
	if limit <= 0 || n > limit {
		return false, nil
	}

	var used int
	err = pool.QueryRow(ctx, reserveBudgetSQL, string(provider), window, limit, n).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reserve budget %s: %w", provider, err)
	}
	return true, nil
}

// GetBudget loads one provider window.
func (s *Store) GetBudget(ctx context.Context, provider market.Provider, window time.Time) (Budget, error) {
	pool, err := s.getPool()
	if err != nil {
		return Budget{}, err
	}
	var (
		b    Budget
		name string
	)
	err = pool.QueryRow(ctx, getBudgetSQL, string(provider), window).Scan(&name, &b.HourWindow, &b.RateLimit, &b.Used)
	if errors.Is(err, pgx.ErrNoRows) {
		return Budget{}, ErrNotFound
	}
	if err != nil {
		return Budget{}, fmt.Errorf("get budget %s: %w", provider, err)
	}
	b.Provider = market.Provider(name)
	return b, nil
}

// ExhaustBudget marks the window as fully used.
func (s *Store) ExhaustBudget(ctx context.Context, provider market.Provider, window time.Time, limit int) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if limit < 0 {
		limit = 0
	}
	if _, err := pool.Exec(ctx, exhaustBudgetSQL, string(provider), window, limit); err != nil {
		return fmt.Errorf("exhaust budget %s: %w", provider, err)
	}
	return nil
}
