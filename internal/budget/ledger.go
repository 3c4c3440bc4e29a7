// Package budget enforces per-provider hourly API quotas.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"marketsync/internal/market"
	"marketsync/internal/metrics"
	"marketsync/internal/storage"
)

// Window returns the hour-aligned budget window containing t.
func Window(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// Usage is one provider's quota state for the current window.
type Usage struct {
	Provider  market.Provider
	Window    time.Time
	Limit     int
	Used      int
	Remaining int
}

// Ledger reserves quota units against the current hour window.
// Windows are keyed, never reset, so unused quota does not roll over.
type Ledger struct {
	store  storage.BudgetStore
	limits map[market.Provider]int
	logger zerolog.Logger
	now    func() time.Time
}

// NewLedger creates a Ledger with per-provider requests-per-hour limits.
func NewLedger(store storage.BudgetStore, limits map[market.Provider]int, logger zerolog.Logger) *Ledger {
	copied := make(map[market.Provider]int, len(limits))
	for p, n := range limits {
		copied[p] = n
	}
	return &Ledger{
		store:  store,
		limits: copied,
		logger: logger.With().Str("component", "budget").Logger(),
		now:    time.Now,
	}
}

// WithClock overrides the time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Limit returns the configured hourly limit for p.
func (l *Ledger) Limit(p market.Provider) (int, bool) {
	n, ok := l.limits[p]
	return n, ok && n > 0
}

// TryReserve grants n units if the current window has room.
// Providers without a configured limit are always denied.
func (l *Ledger) TryReserve(ctx context.Context, p market.Provider, n int) (bool, error) {
	if n <= 0 {
		return false, fmt.Errorf("reserve %s: units must be positive, got %d", p, n)
	}
	limit, ok := l.Limit(p)
	if !ok {
		metrics.BudgetDenials.WithLabelValues(p.String()).Inc()
		return false, nil
	}
	granted, err := l.store.ReserveBudget(ctx, p, Window(l.now()), limit, n)
	if err != nil {
		return false, fmt.Errorf("reserve %s: %w", p, err)
	}
	if !granted {
		metrics.BudgetDenials.WithLabelValues(p.String()).Inc()
		l.logger.Debug().Str("provider", p.String()).Int("limit", limit).Msg("budget exhausted for window")
	}
	return granted, nil
}

// Usage reports the current window for p.
func (l *Ledger) Usage(ctx context.Context, p market.Provider) (Usage, error) {
	window := Window(l.now())
	limit, _ := l.Limit(p)
	u := Usage{Provider: p, Window: window, Limit: limit}

	b, err := l.store.GetBudget(ctx, p, window)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return Usage{}, fmt.Errorf("budget usage %s: %w", p, err)
	default:
		u.Used = b.Used
	}
	u.Remaining = u.Limit - u.Used
	if u.Remaining < 0 {
		u.Remaining = 0
	}
	return u, nil
}

// Available filters providers down to those with quota left this window.
func (l *Ledger) Available(ctx context.Context, providers []market.Provider) ([]market.Provider, error) {
	out := make([]market.Provider, 0, len(providers))
	for _, p := range providers {
		u, err := l.Usage(ctx, p)
		if err != nil {
			return nil, err
		}
		if u.Remaining > 0 {
			out = append(out, p)
		}
	}
	return out, nil
}

// Exhaust burns the rest of p's window, used after an upstream 429.
func (l *Ledger) Exhaust(ctx context.Context, p market.Provider) error {
	limit, _ := l.Limit(p)
	if err := l.store.ExhaustBudget(ctx, p, Window(l.now()), limit); err != nil {
		return fmt.Errorf("exhaust %s: %w", p, err)
	}
	l.logger.Warn().Str("provider", p.String()).Msg("provider rate limited; budget exhausted until next window")
	return nil
}

// NextWindow is the start of the following hour window.
func (l *Ledger) NextWindow() time.Time {
	return Window(l.now()).Add(time.Hour)
}
