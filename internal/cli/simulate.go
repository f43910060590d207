package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"risk-sentinel/internal/app"
)

var (
	simulateVaR      float64
	simulateGross    float64
	simulateTheta    float64
	simulateDrawdown float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-breach",
	Short: "Run one rule scan against a fabricated risk surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateVaR == 0 && simulateGross == 0 && simulateTheta == 0 && simulateDrawdown == 0 {
			return errors.New("provide at least one of --var95, --gross, --theta, --drawdown")
		}

		opts := app.SimulateOptions{
			VaR95:       simulateVaR,
			Gross:       simulateGross,
			Theta:       simulateTheta,
			DrawdownPct: simulateDrawdown,
		}
		return getApp().SimulateAlert(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulateVaR, "var95", 0, "Fabricated 95% VaR")
	simulateCmd.Flags().Float64Var(&simulateGross, "gross", 0, "Fabricated gross exposure")
	simulateCmd.Flags().Float64Var(&simulateTheta, "theta", 0, "Fabricated total theta (negative means decay)")
	simulateCmd.Flags().Float64Var(&simulateDrawdown, "drawdown", 0, "Fabricated drawdown percentage")
}
