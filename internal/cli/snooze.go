package cli

import (
	"github.com/spf13/cobra"

	"risk-sentinel/internal/app"
)

var (
	snoozeMinutes int
	snoozeUntil   string
)

var snoozeCmd = &cobra.Command{
	Use:   "snooze <uid> <rule>",
	Short: "Silence one alert subject for a while",
	Long: `Silence the (uid, rule) subject until the expiry. The command writes a
snooze memo to the store; a running sentinel picks it up on its next scan,
and the quiet period survives restarts.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SnoozeOptions{
			UID:     args[0],
			Rule:    args[1],
			Minutes: snoozeMinutes,
			Until:   snoozeUntil,
		}
		return getApp().Snooze(cmd.Context(), opts)
	},
}

func init() {
	snoozeCmd.Flags().IntVar(&snoozeMinutes, "minutes", 0, "Quiet period length from now")
	snoozeCmd.Flags().StringVar(&snoozeUntil, "until", "", "Quiet until timestamp (RFC3339)")
}
