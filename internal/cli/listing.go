package cli

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"marketsync/internal/market"
	"marketsync/internal/webhook"
)

var (
	listingProvider  string
	listingID        string
	listingItem      string
	listingStatus    string
	listingPrice     string
	listingCurrency  string
	listingUpdatedAt string
)

var listingCmd = &cobra.Command{
	Use:   "listing",
	Short: "Register a marketplace listing so webhook updates apply to it",
	RunE: func(cmd *cobra.Command, args []string) error {
		in := webhook.ListingInput{
			ListingID: listingID,
			ItemKey:   listingItem,
			Status:    listingStatus,
			Currency:  listingCurrency,
		}
		if listingPrice != "" {
			price, err := decimal.NewFromString(listingPrice)
			if err != nil {
				return fmt.Errorf("invalid --price value: %w", err)
			}
			in.Price = &price
		}
		if listingUpdatedAt != "" {
			at, err := time.Parse(time.RFC3339, listingUpdatedAt)
			if err != nil {
				return fmt.Errorf("invalid --updated-at value: %w", err)
			}
			in.UpdatedAt = at
		}
		return getApp().RegisterListing(cmd.Context(), market.ParseProvider(listingProvider), in)
	},
}

func init() {
	listingCmd.Flags().StringVar(&listingProvider, "provider", "", "Marketplace provider")
	listingCmd.Flags().StringVar(&listingID, "id", "", "Provider listing id")
	listingCmd.Flags().StringVar(&listingItem, "item", "", "Canonical item key the listing sells")
	listingCmd.Flags().StringVar(&listingStatus, "status", "active", "Listing status")
	listingCmd.Flags().StringVar(&listingPrice, "price", "", "Listing price in major units")
	listingCmd.Flags().StringVar(&listingCurrency, "currency", "", "Price currency")
	listingCmd.Flags().StringVar(&listingUpdatedAt, "updated-at", "", "State timestamp (RFC3339, defaults to now)")
	_ = listingCmd.MarkFlagRequired("provider")
	_ = listingCmd.MarkFlagRequired("id")
	_ = listingCmd.MarkFlagRequired("item")
}
