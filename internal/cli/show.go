package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"marketsync/internal/app"
)

var (
	showLimit    int
	showSKU      string
	showSize     string
	showCurrency string
	runsLimit    int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent snapshots or the resolved price of one variant",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:    showLimit,
			SKU:      showSKU,
			Size:     showSize,
			Currency: showCurrency,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Display recent scheduler runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if runsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Runs(cmd.Context(), runsLimit)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display job counts and this hour's budget usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Status(cmd.Context())
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of snapshots to display")
	showCmd.Flags().StringVar(&showSKU, "sku", "", "Resolve the price of this SKU")
	showCmd.Flags().StringVar(&showSize, "size", "", "Size to resolve (with --sku)")
	showCmd.Flags().StringVar(&showCurrency, "currency", "", "Currency to resolve in (defaults to config)")

	runsCmd.Flags().IntVar(&runsLimit, "limit", 10, "Number of runs to display")
}
