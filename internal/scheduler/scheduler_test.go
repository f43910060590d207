package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestLoopStopsAtTickBound(t *testing.T) {
	loop := New(Options{Name: "test", Interval: time.Millisecond, MaxTicks: 4}, zerolog.Nop())

	var seqs []int
	err := loop.Run(context.Background(), func(ctx context.Context, seq int) error {
		seqs = append(seqs, seq)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3, 4}, seqs)
}

func TestLoopContinuesPastTickErrors(t *testing.T) {
	loop := New(Options{Name: "test", Interval: time.Millisecond, MaxTicks: 3}, zerolog.Nop())

	ticks := 0
	err := loop.Run(context.Background(), func(ctx context.Context, seq int) error {
		ticks++
		return errors.New("transient")
	})
	require.NoError(t, err, "tick errors must not abort the loop")
	require.Equal(t, 3, ticks)
}

func TestLoopStopsOnCancel(t *testing.T) {
	loop := New(Options{Name: "test", Interval: time.Hour}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		done <- loop.Run(ctx, func(ctx context.Context, seq int) error {
			if seq == 1 {
				close(started)
			}
			return nil
		})
	}()

	<-started
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after cancellation")
	}
}

func TestLoopKeepsCadenceUnderSlowTicks(t *testing.T) {
	loop := New(Options{Name: "test", Interval: 10 * time.Millisecond, MaxTicks: 3}, zerolog.Nop())

	start := time.Now()
	err := loop.Run(context.Background(), func(ctx context.Context, seq int) error {
		time.Sleep(15 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)
	// Each tick overruns the interval, so the sleep floors at zero and the
	// loop runs back to back instead of accumulating interval on top.
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestLoopStartupDelay(t *testing.T) {
	loop := New(Options{Name: "test", Interval: time.Millisecond, StartupDelay: 30 * time.Millisecond, MaxTicks: 1}, zerolog.Nop())

	start := time.Now()
	err := loop.Run(context.Background(), func(ctx context.Context, seq int) error { return nil })
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestNewPanicsOnBadInterval(t *testing.T) {
	require.Panics(t, func() {
		New(Options{Name: "test"}, zerolog.Nop())
	})
}
