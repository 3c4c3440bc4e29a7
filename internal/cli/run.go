package cli

import (
	"github.com/spf13/cobra"

	"marketsync/internal/app"
)

var (
	syncBatchSize int
	syncDryRun    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync loop without the HTTP surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the trigger, webhook and price API alongside the sync loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Serve(cmd.Context())
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a single sync run and print its report",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SyncOnce(cmd.Context(), app.SyncOptions{
			BatchSize: syncBatchSize,
			DryRun:    syncDryRun,
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

func init() {
	syncCmd.Flags().IntVar(&syncBatchSize, "batch-size", 0, "Maximum jobs to dispatch (defaults to config)")
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "Report what would be enqueued without writing")
}
