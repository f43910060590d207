package cli

import (
	"github.com/spf13/cobra"

	"risk-sentinel/internal/app"
)

var (
	replayLimit int
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-scan stored snapshots through the configured rules (dry run)",
	Long: `Replay walks recent snapshots oldest-first and applies the configured
rule thresholds with a cold quieting table, printing the alerts that would
have been emitted. Nothing is written, so it is safe to run against a live
database while tuning thresholds.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ReplayOptions{
			Limit: replayLimit,
		}
		return getApp().Replay(cmd.Context(), opts)
	},
}

func init() {
	replayCmd.Flags().IntVar(&replayLimit, "limit", 240, "Number of recent snapshots to re-scan")
}
