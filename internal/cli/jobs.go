package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"marketsync/internal/market"
)

var (
	jobProvider string
	jobItem     string
	jobSize     string
	jobPriority int
	trackTier   string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue a one-off sync job for a variant",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := jobKey()
		if err != nil {
			return err
		}
		return getApp().Enqueue(cmd.Context(), key, jobPriority)
	},
}

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Track a variant so it is refreshed on its tier cadence",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := jobKey()
		if err != nil {
			return err
		}
		tier, err := market.ParseTier(trackTier)
		if err != nil {
			return err
		}
		return getApp().Track(cmd.Context(), key, tier)
	},
}

var resetFailedCmd = &cobra.Command{
	Use:   "reset-failed",
	Short: "Return failed jobs to pending and resume their items",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ResetFailed(cmd.Context())
	},
}

func jobKey() (market.JobKey, error) {
	p := market.ParseProvider(jobProvider)
	if p == market.ProviderUnknown {
		return market.JobKey{}, errors.New("--provider must be one of stockx, alias, ebay, seed")
	}
	key := market.JobKey{Provider: p, ItemKey: jobItem, Size: market.NormalizeSize(jobSize)}
	return key, key.Validate()
}

func addKeyFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&jobProvider, "provider", "", "Marketplace provider")
	cmd.Flags().StringVar(&jobItem, "item", "", "Provider item key (product id, style id or catalog id)")
	cmd.Flags().StringVar(&jobSize, "size", "", "Variant size")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("item")
	_ = cmd.MarkFlagRequired("size")
}

func init() {
	addKeyFlags(enqueueCmd)
	enqueueCmd.Flags().IntVar(&jobPriority, "priority", market.TierHot.Priority(), "Job priority; higher runs first")

	addKeyFlags(trackCmd)
	trackCmd.Flags().StringVar(&trackTier, "tier", string(market.TierWarm), "Refresh tier: hot, warm or cold")
}
