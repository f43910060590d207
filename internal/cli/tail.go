package cli

import (
	"github.com/spf13/cobra"

	"risk-sentinel/internal/app"
)

var (
	tailFrom  int64
	tailLimit int
	tailKind  string
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print persisted events after a cursor as JSON lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.TailOptions{
			From:  tailFrom,
			Limit: tailLimit,
			Kind:  tailKind,
		}
		return getApp().Tail(cmd.Context(), opts)
	},
}

func init() {
	tailCmd.Flags().Int64Var(&tailFrom, "from", 0, "Print events with id greater than this cursor")
	tailCmd.Flags().IntVar(&tailLimit, "limit", 100, "Maximum events to print")
	tailCmd.Flags().StringVar(&tailKind, "kind", "", "Only print events of this kind (snapshot, diff, breach, health)")
}
