package provider

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"risk-sentinel/internal/config"
	"risk-sentinel/internal/pacing"
)

func testGate() *pacing.Gate {
	return pacing.NewGate(config.PacingConfig{
		WebCapacity: 100, WebRefillPerSec: 100,
		HistCapacity: 100, HistRefillPerSec: 100,
		DedupeWindow: 15 * time.Second,
		BurstWindow:  2 * time.Second,
		BurstMax:     5,
		MaxRetries:   2,
		BackoffBase:  time.Millisecond,
		BackoffCap:   5 * time.Millisecond,
	}, zerolog.Nop())
}

func TestSimFetchProducesValidSnapshot(t *testing.T) {
	sim := NewSim(config.SimConfig{Seed: 42, Legs: 8, Stock: 3}, testGate(), zerolog.Nop())

	snap, err := sim.Fetch(context.Background())
	require.NoError(t, err)
	require.NoError(t, snap.Validate())
	require.Len(t, snap.Positions, 11)
	require.Len(t, snap.Quotes, 11)

	options, stocks := 0, 0
	for _, row := range snap.Positions {
		if row.IsOption() {
			options++
		} else {
			stocks++
		}
		quote, ok := snap.Quotes[row.UID]
		require.True(t, ok, "every position carries a quote")
		require.Equal(t, snap.TS, quote.TS)
		require.True(t, quote.Bid.LessThanOrEqual(quote.Ask))
	}
	require.Equal(t, 8, options)
	require.Equal(t, 3, stocks)

	for _, key := range []string{"gross_exposure", "net_liquidation", "var_95", "theta_total", "drawdown_pct"} {
		require.Contains(t, snap.Risk, key)
	}
	require.Greater(t, snap.Risk["gross_exposure"], 0.0)
	require.LessOrEqual(t, snap.Risk["theta_total"], 0.0)
}

func TestSimBookIsDeterministicPerSeed(t *testing.T) {
	a := NewSim(config.SimConfig{Seed: 7, Legs: 4, Stock: 2}, testGate(), zerolog.Nop())
	b := NewSim(config.SimConfig{Seed: 7, Legs: 4, Stock: 2}, testGate(), zerolog.Nop())

	require.Len(t, a.legs, len(b.legs))
	for i := range a.legs {
		require.Equal(t, a.legs[i].row.UID, b.legs[i].row.UID)
		require.True(t, a.legs[i].row.AvgCost.Equal(b.legs[i].row.AvgCost))
		require.True(t, a.legs[i].row.Position.Equal(b.legs[i].row.Position))
	}
}

func TestSimPricesRandomWalk(t *testing.T) {
	sim := NewSim(config.SimConfig{Seed: 99, Legs: 6, Stock: 3}, testGate(), zerolog.Nop())
	ctx := context.Background()

	first, err := sim.Fetch(ctx)
	require.NoError(t, err)
	second, err := sim.Fetch(ctx)
	require.NoError(t, err)

	moved := false
	for i := range first.Positions {
		if !first.Positions[i].MktPrice.Equal(second.Positions[i].MktPrice) {
			moved = true
			break
		}
	}
	require.True(t, moved, "consecutive fetches must move at least one price")
}
