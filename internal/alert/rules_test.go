package alert

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"risk-sentinel/internal/combo"
	"risk-sentinel/internal/config"
	"risk-sentinel/internal/model"
)

func riskSnapshot(risk map[string]float64) *model.Snapshot {
	return &model.Snapshot{TS: 1000, Risk: risk}
}

func testRules() config.RulesConfig {
	return config.RulesConfig{
		MaxVaR:           50000,
		MaxGrossExposure: 500000,
		ThetaBudget:      300,
		MaxDrawdownPct:   10,
	}
}

func alertByRule(t *testing.T, alerts []Alert, rule string) Alert {
	t.Helper()
	for _, a := range alerts {
		if a.Rule == rule {
			return a
		}
	}
	t.Fatalf("no alert for rule %q in %v", rule, alerts)
	return Alert{}
}

func TestThresholdsQuietPortfolio(t *testing.T) {
	ev := NewThresholds(testRules())
	alerts, err := ev.Evaluate(riskSnapshot(map[string]float64{
		"var_95":         40000,
		"gross_exposure": 400000,
		"theta_total":    -100,
		"drawdown_pct":   3,
	}))
	require.NoError(t, err)
	require.Empty(t, alerts)
}

func TestThresholdsAllBreached(t *testing.T) {
	ev := NewThresholds(testRules())
	alerts, err := ev.Evaluate(riskSnapshot(map[string]float64{
		"var_95":         80000,
		"gross_exposure": 600000,
		"theta_total":    -450,
		"drawdown_pct":   12.5,
	}))
	require.NoError(t, err)
	require.Len(t, alerts, 4)

	varAlert := alertByRule(t, alerts, "risk.var_95")
	require.Equal(t, PortfolioUID, varAlert.UID)
	require.Equal(t, SeverityCritical, varAlert.Severity)
	require.Equal(t, 80000.0, varAlert.Data["value"])
	require.Equal(t, 50000.0, varAlert.Data["limit"])
	require.NotEmpty(t, varAlert.Suggestion)

	require.Equal(t, SeverityWarning, alertByRule(t, alerts, "risk.gross_exposure").Severity)
	require.Equal(t, SeverityWarning, alertByRule(t, alerts, "risk.theta_budget").Severity)
	require.Equal(t, SeverityCritical, alertByRule(t, alerts, "risk.drawdown").Severity)
}

func TestThresholdsDisabledLimitsStaySilent(t *testing.T) {
	ev := NewThresholds(config.RulesConfig{})
	alerts, err := ev.Evaluate(riskSnapshot(map[string]float64{
		"var_95":         1e9,
		"gross_exposure": 1e9,
		"theta_total":    -1e6,
		"drawdown_pct":   99,
	}))
	require.NoError(t, err)
	require.Empty(t, alerts)
}

func TestThetaBudgetIgnoresPositiveTheta(t *testing.T) {
	ev := NewThresholds(testRules())
	alerts, err := ev.Evaluate(riskSnapshot(map[string]float64{"theta_total": 450}))
	require.NoError(t, err)
	require.Empty(t, alerts, "net positive theta decay is not a breach")
}

func optionRow(uid, underlying, expiry, right string, strike, qty int64) model.PositionRow {
	return model.PositionRow{
		UID:        uid,
		Symbol:     underlying,
		SecType:    "OPT",
		Underlying: underlying,
		Expiry:     expiry,
		Strike:     decimal.NewFromInt(strike),
		Right:      right,
		Currency:   "USD",
		Position:   decimal.NewFromInt(qty),
	}
}

func TestOrphanLegsFlagsUnpairedOptions(t *testing.T) {
	ev := NewOrphanLegs(combo.NewLegGrouper())
	snap := &model.Snapshot{
		TS: 1000,
		Positions: []model.PositionRow{
			// Paired vertical, not orphaned.
			optionRow("SPY|20261218|400|C", "SPY", "20261218", "C", 400, 1),
			optionRow("SPY|20261218|420|C", "SPY", "20261218", "C", 420, -1),
			// Lone short put.
			optionRow("TSLA|20261218|200|P", "TSLA", "20261218", "P", 200, -2),
			// Stocks never orphan.
			{UID: "AAPL|STK", Symbol: "AAPL", SecType: "STK", Position: decimal.NewFromInt(100)},
		},
	}

	alerts, err := ev.Evaluate(snap)
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	a := alerts[0]
	require.Equal(t, "TSLA|20261218|200|P", a.UID)
	require.Equal(t, "combo.orphan", a.Rule)
	require.Equal(t, SeverityCritical, a.Severity, "naked short leg is critical")
	require.Equal(t, -2.0, a.Data["position"])
}

func TestOrphanLegsLongLegIsWarning(t *testing.T) {
	ev := NewOrphanLegs(combo.NewLegGrouper())
	snap := &model.Snapshot{
		TS:        1000,
		Positions: []model.PositionRow{optionRow("NVDA|20261218|900|C", "NVDA", "20261218", "C", 900, 3)},
	}

	alerts, err := ev.Evaluate(snap)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, SeverityWarning, alerts[0].Severity)
}
