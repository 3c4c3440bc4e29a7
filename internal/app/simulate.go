package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"marketsync/internal/fetcher"
	"marketsync/internal/market"
	"marketsync/internal/normalize"
	"marketsync/internal/service"
	"marketsync/internal/storage"
)

// Simulate runs a captured provider payload through the full dispatch path
// against an in-memory store and prints the snapshot it would write.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if !opts.Provider.Known() {
		return fmt.Errorf("unknown provider %q", opts.Provider)
	}
	body, err := os.ReadFile(opts.PayloadPath)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	key := market.JobKey{Provider: opts.Provider, ItemKey: opts.ItemKey, Size: market.NormalizeSize(opts.Size)}
	if err := key.Validate(); err != nil {
		return err
	}

	static := fetcher.NewStatic(opts.Provider)
	static.Set(key, body)

	// Only the canned adapter is registered, with a single budget unit.
	eng := a.buildEngine(storage.NewMemoryStore(), fetcher.NewRegistry(static), map[market.Provider]int{opts.Provider: 1})
	if _, err := eng.service.Enqueue(ctx, key, market.TierHot.Priority()); err != nil {
		return err
	}
	report, err := eng.service.RunOnce(ctx, service.RunOptions{BatchSize: 1})
	if err != nil {
		return err
	}
	if len(report.Results) != 1 {
		return errors.New("simulation did not dispatch the job")
	}

	res := report.Results[0]
	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Outcome\t%s\n", res.Outcome)
	if res.Err != nil {
		var nerr *normalize.NormalizationError
		if errors.As(res.Err, &nerr) {
			fmt.Fprintf(writer, "Field\t%s\n", nerr.Field)
			fmt.Fprintf(writer, "Reason\t%s\n", nerr.Reason)
			fmt.Fprintf(writer, "Fingerprint\t%s\n", nerr.Fingerprint)
		} else {
			fmt.Fprintf(writer, "Error\t%s\n", res.Err)
		}
		return writer.Flush()
	}
	if s := res.Snapshot; s != nil {
		fmt.Fprintf(writer, "Item key\t%s\n", s.ItemKey)
		fmt.Fprintf(writer, "SKU / size\t%s / %s\n", s.SKU, s.Size)
		fmt.Fprintf(writer, "Condition\t%s\n", s.Condition)
		fmt.Fprintf(writer, "Currency\t%s\n", s.Currency)
		fmt.Fprintf(writer, "Ask / Bid / Last\t%s / %s / %s\n", formatPrice(s.LowestAsk), formatPrice(s.HighestBid), formatPrice(s.LastSale))
		fmt.Fprintf(writer, "Market price\t%s\n", formatPrice(market.MarketPrice(*s)))
		fmt.Fprintf(writer, "As of\t%s\n", s.AsOf.Format(time.RFC3339))
		fmt.Fprintf(writer, "Fingerprint\t%s\n", s.Fingerprint())
	}
	return writer.Flush()
}
