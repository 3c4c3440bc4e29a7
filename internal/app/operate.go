package app

import (
	"context"
	"errors"
	"fmt"

	"marketsync/internal/market"
	"marketsync/internal/webhook"
)

// Enqueue adds a one-off job for key.
func (a *App) Enqueue(ctx context.Context, key market.JobKey, priority int) error {
	return a.withEngine(ctx, func(eng *engine) error {
		created, err := eng.service.Enqueue(ctx, key, priority)
		if err != nil {
			return err
		}
		if created {
			fmt.Fprintf(a.out(), "enqueued %s (priority %d)\n", key, priority)
		} else {
			fmt.Fprintf(a.out(), "%s already has an active job\n", key)
		}
		return nil
	})
}

// Track adds or re-tiers a tracked item.
func (a *App) Track(ctx context.Context, key market.JobKey, tier market.Tier) error {
	return a.withEngine(ctx, func(eng *engine) error {
		if err := eng.service.Track(ctx, key, tier); err != nil {
			return err
		}
		fmt.Fprintf(a.out(), "tracking %s as %s\n", key, tier)
		return nil
	})
}

// ResetFailed revives failed jobs.
func (a *App) ResetFailed(ctx context.Context) error {
	return a.withEngine(ctx, func(eng *engine) error {
		n, err := eng.service.ResetFailed(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out(), "reset %d failed jobs\n", n)
		return nil
	})
}

// RegisterListing records a listing we hold so webhook updates apply to it.
func (a *App) RegisterListing(ctx context.Context, provider market.Provider, in webhook.ListingInput) error {
	return a.withEngine(ctx, func(eng *engine) error {
		listing, err := webhook.NewProcessor(eng.repo, a.Logger).RegisterListing(ctx, provider, in)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out(), "listing %s/%s is %s\n", listing.Provider, listing.ListingID, listing.Status)
		return nil
	})
}

// Migrate applies pending schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database.dsn not configured; nothing to migrate")
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	applied, err := store.Migrate(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(a.out(), "schema up to date")
		return nil
	}
	for _, name := range applied {
		fmt.Fprintf(a.out(), "applied %s\n", name)
	}
	return nil
}
