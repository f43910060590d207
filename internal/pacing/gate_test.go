package pacing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"risk-sentinel/internal/config"
)

func testPacingConfig() config.PacingConfig {
	return config.PacingConfig{
		WebCapacity:      30,
		WebRefillPerSec:  10,
		HistCapacity:     60,
		HistRefillPerSec: 10,
		DedupeWindow:     15 * time.Second,
		BurstWindow:      2 * time.Second,
		BurstMax:         5,
		MaxRetries:       3,
		BackoffBase:      time.Second,
		BackoffCap:       30 * time.Second,
	}
}

func newTestGate() (*Gate, *int) {
	g := NewGate(testPacingConfig(), zerolog.Nop())
	sleeps := 0
	g.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		return nil
	}
	return g, &sleeps
}

func TestGateRunsWebRequests(t *testing.T) {
	g, _ := newTestGate()

	calls := 0
	executed, err := g.Do(context.Background(), Request{Kind: "web", Key: "positions"}, func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.True(t, executed)
	require.Equal(t, 1, calls)
	require.Equal(t, int64(1), g.Stats().Granted)
}

func TestGateSkipsSuppressedHistorical(t *testing.T) {
	g, _ := newTestGate()
	ctx := context.Background()

	calls := 0
	fn := func(context.Context) error { calls++; return nil }

	executed, err := g.Do(ctx, Request{Kind: KindHistorical, Key: "hist:AAPL"}, fn)
	require.NoError(t, err)
	require.True(t, executed)

	executed, err = g.Do(ctx, Request{Kind: KindHistorical, Key: "hist:AAPL"}, fn)
	require.NoError(t, err)
	require.False(t, executed, "a deduped request is skipped, not failed")
	require.Equal(t, 1, calls)
	require.Equal(t, int64(1), g.Stats().Suppressed)
}

func TestGateRetriesPacedThenSucceeds(t *testing.T) {
	g, sleeps := newTestGate()

	calls := 0
	executed, err := g.Do(context.Background(), Request{Kind: "web", Key: "quotes"}, func(context.Context) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("fetch quotes: %w", ErrPaced)
		}
		return nil
	})
	require.NoError(t, err)
	require.True(t, executed)
	require.Equal(t, 2, calls)
	require.Equal(t, 1, *sleeps)
	require.Equal(t, int64(1), g.Stats().Retries)
}

func TestGateGivesUpWithViolation(t *testing.T) {
	g, sleeps := newTestGate()

	calls := 0
	executed, err := g.Do(context.Background(), Request{Kind: "web", Key: "quotes", MaxRetries: 2}, func(context.Context) error {
		calls++
		return ErrPaced
	})
	require.True(t, executed)
	require.Equal(t, 3, calls, "initial attempt plus two retries")
	require.Equal(t, 2, *sleeps)

	var violation *ViolationError
	require.ErrorAs(t, err, &violation)
	require.Equal(t, 3, violation.Attempts)
	require.ErrorIs(t, err, ErrPaced)
	require.Equal(t, int64(1), g.Stats().Violations)
}

func TestGatePropagatesOtherErrors(t *testing.T) {
	g, sleeps := newTestGate()

	boom := errors.New("connection refused")
	calls := 0
	executed, err := g.Do(context.Background(), Request{Kind: "web", Key: "positions"}, func(context.Context) error {
		calls++
		return boom
	})
	require.True(t, executed)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls, "non-pacing errors are never retried")
	require.Equal(t, 0, *sleeps)
}

func TestPacingSignalFromBrokerText(t *testing.T) {
	require.True(t, isPacingSignal(errors.New("historical data request: pacing violation")))
	require.True(t, isPacingSignal(fmt.Errorf("wrapped: %w", ErrPaced)))
	require.False(t, isPacingSignal(errors.New("no security definition found")))
}

func TestBackoffDelayJitterAndCap(t *testing.T) {
	g := NewGate(testPacingConfig(), zerolog.Nop())

	for i := 0; i < 20; i++ {
		d := g.backoffDelay(0)
		require.GreaterOrEqual(t, d, 850*time.Millisecond)
		require.LessOrEqual(t, d, 1150*time.Millisecond)
	}
	for i := 0; i < 20; i++ {
		require.LessOrEqual(t, g.backoffDelay(10), 30*time.Second)
	}
}
