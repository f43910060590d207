package cli

import (
	"github.com/spf13/cobra"

	"risk-sentinel/internal/app"
)

var (
	verifyBatch int
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Audit the event and memo logs for ordering violations",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.VerifyOptions{
			BatchSize: verifyBatch,
		}
		return getApp().Verify(cmd.Context(), opts)
	},
}

func init() {
	verifyCmd.Flags().IntVar(&verifyBatch, "batch", 500, "Events fetched per page while walking the log")
}
