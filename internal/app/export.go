package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"marketsync/internal/market"
	"marketsync/internal/storage"
)

// Export renders the price history of one item as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if strings.TrimSpace(opts.ItemKey) == "" {
		return errors.New("--item is required")
	}
	if opts.Currency == "" {
		opts.Currency = a.Config.Pricing.Currency
	}
	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.AddDate(0, 0, -30)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	return a.withEngine(ctx, func(eng *engine) error {
		records, err := eng.repo.ListHistory(ctx, opts.ItemKey, opts.Currency, from, to)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			a.Logger.Info().Str("item_key", opts.ItemKey).Msg("no history found for export window")
			return nil
		}

		downsampled := downsampleHistory(records, opts.MaxPoints)
		a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting history")

		if opts.CSVPath != "" {
			if err := writeHistoryCSV(opts.CSVPath, downsampled); err != nil {
				return err
			}
		}
		if opts.PNGPath != "" {
			if err := writeHistoryPNG(opts.PNGPath, opts.ItemKey, downsampled); err != nil {
				return err
			}
		}
		return nil
	})
}

func downsampleHistory(records []storage.HistoryRecord, max int) []storage.HistoryRecord {
	if max <= 1 || len(records) <= max {
		return records
	}

	result := make([]storage.HistoryRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeHistoryCSV(path string, records []storage.HistoryRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"as_of", "recorded_at", "provider", "item_key", "sku", "size", "condition", "currency", "lowest_ask", "highest_bid", "last_sale", "market_price"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		s := rec.Snapshot
		row := []string{
			s.AsOf.UTC().Format(time.RFC3339),
			rec.RecordedAt.UTC().Format(time.RFC3339),
			s.Provider.String(),
			s.ItemKey,
			s.SKU,
			s.Size,
			string(s.Condition),
			s.Currency,
			csvDecimal(s.LowestAsk),
			csvDecimal(s.HighestBid),
			csvDecimal(s.LastSale),
			csvDecimal(market.MarketPrice(s)),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeHistoryPNG(path, itemKey string, records []storage.HistoryRecord) error {
	type line struct {
		name string
		pick func(market.Snapshot) *decimal.Decimal
	}
	lines := []line{
		{"Lowest ask", func(s market.Snapshot) *decimal.Decimal { return s.LowestAsk }},
		{"Highest bid", func(s market.Snapshot) *decimal.Decimal { return s.HighestBid }},
		{"Last sale", func(s market.Snapshot) *decimal.Decimal { return s.LastSale }},
	}

	var series []chart.Series
	for _, l := range lines {
		var xs []time.Time
		var ys []float64
		for _, rec := range records {
			if v := l.pick(rec.Snapshot); v != nil {
				xs = append(xs, rec.Snapshot.AsOf)
				ys = append(ys, v.InexactFloat64())
			}
		}
		if len(xs) < 2 {
			continue
		}
		series = append(series, chart.TimeSeries{Name: l.name, XValues: xs, YValues: ys})
	}
	if len(series) == 0 {
		return fmt.Errorf("not enough priced points to chart %s", itemKey)
	}

	if err := ensureDir(path); err != nil {
		return err
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  itemKey,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (" + records[0].Snapshot.Currency + ")",
			ValueFormatter: priceFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func csvDecimal(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}
