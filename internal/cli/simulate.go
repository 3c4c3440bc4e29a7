package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"marketsync/internal/app"
	"marketsync/internal/market"
)

var (
	simulateProvider string
	simulateItem     string
	simulateSize     string
	simulatePayload  string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a captured provider payload through fetch, normalize and store",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePayload == "" {
			return errors.New("--payload is required")
		}
		return getApp().Simulate(cmd.Context(), app.SimulateOptions{
			Provider:    market.ParseProvider(simulateProvider),
			ItemKey:     simulateItem,
			Size:        simulateSize,
			PayloadPath: simulatePayload,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateProvider, "provider", "", "Provider whose payload format to apply")
	simulateCmd.Flags().StringVar(&simulateItem, "item", "", "Provider item key")
	simulateCmd.Flags().StringVar(&simulateSize, "size", "", "Variant size")
	simulateCmd.Flags().StringVar(&simulatePayload, "payload", "", "Path to a JSON payload captured from the provider")
}
