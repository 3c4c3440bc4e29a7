package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"marketsync/internal/market"
	"marketsync/internal/pricing"
	"marketsync/internal/service"
	"marketsync/internal/storage"
)

// Show prints the most recent latest-price rows, or the resolved price of
// one variant.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	return a.withEngine(ctx, func(eng *engine) error {
		if opts.SKU != "" {
			return a.showVariant(ctx, eng, opts)
		}

		snaps, err := eng.repo.ListRecentLatest(ctx, opts.Limit)
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			fmt.Fprintln(a.out(), "no snapshots found")
			return nil
		}

		now := time.Now().UTC()
		writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "As Of (UTC)\tProvider\tSKU\tSize\tCcy\tAsk\tBid\tLast\tMarket\tStale\tItem Key")
		for _, s := range snaps {
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
				s.AsOf.Format(time.RFC3339),
				s.Provider,
				s.SKU,
				s.Size,
				s.Currency,
				formatPrice(s.LowestAsk),
				formatPrice(s.HighestBid),
				formatPrice(s.LastSale),
				formatPrice(market.MarketPrice(s)),
				pricing.IsStale(s, now, a.Config.Pricing.StaleAfter),
				s.ItemKey,
			)
		}
		return writer.Flush()
	})
}

func (a *App) showVariant(ctx context.Context, eng *engine, opts ShowOptions) error {
	if opts.Size == "" {
		return errors.New("--size is required with --sku")
	}
	currency := opts.Currency
	if currency == "" {
		currency = a.Config.Pricing.Currency
	}
	q, err := eng.cache.Lookup(ctx, opts.SKU, opts.Size, currency)
	if err != nil {
		return err
	}
	if q.Snapshot == nil {
		fmt.Fprintf(a.out(), "no price for %s size %s in %s\n", q.SKU, q.Size, q.Currency)
		return nil
	}

	s := q.Snapshot
	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Variant\t%s / %s (%s)\n", q.SKU, q.Size, q.Currency)
	fmt.Fprintf(writer, "Provider\t%s (%d candidates)\n", s.Provider, q.Candidates)
	fmt.Fprintf(writer, "Market price\t%s\n", formatPrice(q.Price))
	fmt.Fprintf(writer, "Ask / Bid / Last\t%s / %s / %s\n", formatPrice(s.LowestAsk), formatPrice(s.HighestBid), formatPrice(s.LastSale))
	fmt.Fprintf(writer, "As of\t%s\n", s.AsOf.Format(time.RFC3339))
	fmt.Fprintf(writer, "Stale\t%t\n", q.Stale)
	return writer.Flush()
}

// Runs prints recent scheduler runs.
func (a *App) Runs(ctx context.Context, limit int) error {
	return a.withEngine(ctx, func(eng *engine) error {
		runs, err := eng.repo.ListRecentRuns(ctx, limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(a.out(), "no runs recorded")
			return nil
		}
		writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Started (UTC)\tRun\tDuration\tEligible\tEnqueued\tSelected\tSynced\tErrors\tSkipped\tDeferred\tReclaimed\tError")
		for _, r := range runs {
			duration := "running"
			if r.FinishedAt != nil {
				duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
			}
			errMsg := ""
			if r.Error != nil {
				errMsg = sanitizeInline(*r.Error)
			}
			fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
				r.StartedAt.UTC().Format(time.RFC3339), r.ID, duration,
				r.Eligible, r.Enqueued, r.Selected, r.Succeeded, r.Failed, r.Skipped, r.Deferred, r.Reclaimed,
				errMsg)
		}
		return writer.Flush()
	})
}

// Status prints job counts and this hour's budget usage.
func (a *App) Status(ctx context.Context) error {
	return a.withEngine(ctx, func(eng *engine) error {
		counts, err := eng.repo.CountJobs(ctx)
		if err != nil {
			return err
		}
		writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Status\tJobs")
		for _, st := range []storage.JobStatus{storage.JobPending, storage.JobRunning, storage.JobSucceeded, storage.JobFailed, storage.JobSkipped} {
			fmt.Fprintf(writer, "%s\t%d\n", st, counts[st])
		}
		fmt.Fprintln(writer)
		fmt.Fprintln(writer, "Provider\tWindow (UTC)\tUsed\tLimit\tRemaining")
		for _, p := range market.KnownProviders() {
			if _, ok := eng.ledger.Limit(p); !ok {
				continue
			}
			u, err := eng.ledger.Usage(ctx, p)
			if err != nil {
				return err
			}
			fmt.Fprintf(writer, "%s\t%s\t%d\t%d\t%d\n", p, u.Window.Format(time.RFC3339), u.Used, u.Limit, u.Remaining)
		}
		return writer.Flush()
	})
}

func printReport(w io.Writer, r service.RunReport) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if r.DryRun {
		fmt.Fprintln(writer, "Dry run\tno jobs were enqueued or dispatched")
		for _, key := range r.Planned {
			fmt.Fprintf(writer, "would enqueue\t%s\n", key)
		}
	} else {
		fmt.Fprintf(writer, "Run\t%s\n", r.RunID)
	}
	fmt.Fprintf(writer, "Eligible\t%d\n", r.Eligible)
	fmt.Fprintf(writer, "Enqueued\t%d\n", r.Enqueued)
	fmt.Fprintf(writer, "Reclaimed\t%d\n", r.Reclaimed)
	fmt.Fprintf(writer, "Selected\t%d\n", r.Selected)
	fmt.Fprintf(writer, "Synced\t%d\n", r.Succeeded)
	fmt.Fprintf(writer, "Errors\t%d\n", r.Errors())
	fmt.Fprintf(writer, "Skipped\t%d\n", r.Skipped)
	fmt.Fprintf(writer, "Deferred\t%d\n", r.Deferred)
	fmt.Fprintf(writer, "Duration\t%s\n", r.Duration.Round(time.Millisecond))
	_ = writer.Flush()
}

func formatPrice(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.StringFixed(2)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
