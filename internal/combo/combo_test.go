package combo

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"risk-sentinel/internal/model"
)

func optionLeg(underlying, expiry string, strike float64, right string, qty int64) model.PositionRow {
	return model.PositionRow{
		UID:        underlying + "|" + expiry + "|" + right,
		Symbol:     underlying,
		SecType:    "OPT",
		Underlying: underlying,
		Expiry:     expiry,
		Strike:     decimal.NewFromFloat(strike),
		Right:      right,
		Currency:   "USD",
		Position:   decimal.NewFromInt(qty),
	}
}

func stock(symbol string, qty int64) model.PositionRow {
	return model.PositionRow{
		UID:      symbol + "|STK",
		Symbol:   symbol,
		SecType:  "STK",
		Currency: "USD",
		Position: decimal.NewFromInt(qty),
	}
}

func TestRecognizeVertical(t *testing.T) {
	g := NewLegGrouper()
	combos, orphans := g.Recognize([]model.PositionRow{
		optionLeg("SPX", "20260918", 5000, "C", 1),
		optionLeg("SPX", "20260918", 5100, "C", -1),
		stock("AAPL", 100),
	})

	require.Len(t, combos, 1)
	require.Empty(t, orphans)
	require.Equal(t, "vertical", combos[0].Kind)
	require.Equal(t, "SPX", combos[0].Underlying)
	require.Len(t, combos[0].Legs, 2)
	// Legs come back strike-ordered.
	require.True(t, combos[0].Legs[0].Strike.LessThan(combos[0].Legs[1].Strike))
}

func TestRecognizeCalendar(t *testing.T) {
	g := NewLegGrouper()
	combos, _ := g.Recognize([]model.PositionRow{
		optionLeg("NDX", "20261218", 18000, "P", 1),
		optionLeg("NDX", "20260918", 18000, "P", -1),
	})

	require.Len(t, combos, 1)
	require.Equal(t, "calendar", combos[0].Kind)
	require.Equal(t, "20260918", combos[0].Legs[0].Expiry, "earlier expiry sorts first")
}

func TestRecognizeStraddleAndStrangle(t *testing.T) {
	g := NewLegGrouper()

	combos, _ := g.Recognize([]model.PositionRow{
		optionLeg("TSLA", "20260918", 250, "C", 1),
		optionLeg("TSLA", "20260918", 250, "P", 1),
	})
	require.Len(t, combos, 1)
	require.Equal(t, "straddle", combos[0].Kind)

	combos, _ = g.Recognize([]model.PositionRow{
		optionLeg("TSLA", "20260918", 240, "P", -1),
		optionLeg("TSLA", "20260918", 260, "C", -1),
	})
	require.Len(t, combos, 1)
	require.Equal(t, "strangle", combos[0].Kind)
}

func TestRecognizeOrphansAndCustom(t *testing.T) {
	g := NewLegGrouper()
	combos, orphans := g.Recognize([]model.PositionRow{
		optionLeg("AAPL", "20260918", 190, "C", 1),
		optionLeg("MSFT", "20260918", 400, "C", 1),
		optionLeg("MSFT", "20261218", 420, "P", -1),
		optionLeg("MSFT", "20270319", 450, "C", 2),
	})

	require.Len(t, orphans, 1)
	require.Equal(t, "AAPL", orphans[0].Underlying)

	require.Len(t, combos, 1)
	require.Equal(t, "custom", combos[0].Kind, "three legs have no two-leg name")
	require.Len(t, combos[0].Legs, 3)
}

func TestRecognizeEmptyInput(t *testing.T) {
	g := NewLegGrouper()
	combos, orphans := g.Recognize(nil)
	require.Empty(t, combos)
	require.Empty(t, orphans)
}
