package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per heartbeat with a 1-based tick sequence.
type TickFunc func(ctx context.Context, seq int) error

// Options tune loop behaviour.
type Options struct {
	Name         string
	Interval     time.Duration
	StartupDelay time.Duration
	// MaxTicks bounds the run for tests and one-shot commands; 0 means run
	// until ctx is cancelled.
	MaxTicks int
}

// Loop drives a periodic job on a fixed heartbeat: the sleep after each tick
// is interval minus tick duration, floored at zero, so a slow tick does not
// shift the cadence. Tick errors are logged and the loop continues; only ctx
// cancellation or the MaxTicks bound stops it.
type Loop struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Loop instance.
func New(opts Options, logger zerolog.Logger) *Loop {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Loop{opts: opts, logger: logger.With().Str("component", "scheduler").Str("loop", opts.Name).Logger()}
}

// Run blocks, invoking tick every heartbeat until ctx is cancelled or
// MaxTicks is reached. A tick in progress always finishes before Run returns.
func (l *Loop) Run(ctx context.Context, tick TickFunc) error {
	if l.opts.StartupDelay > 0 {
		if err := sleepUnlessDone(ctx, l.opts.StartupDelay); err != nil {
			return err
		}
	}

	for seq := 1; ; seq++ {
		started := time.Now()
		l.logger.Debug().Int("seq", seq).Msg("tick")

		if err := tick(ctx, seq); err != nil {
			l.logger.Error().Err(err).Int("seq", seq).Msg("tick failed")
		}

		if l.opts.MaxTicks > 0 && seq >= l.opts.MaxTicks {
			l.logger.Debug().Int("ticks", seq).Msg("tick bound reached")
			return nil
		}

		delay := l.opts.Interval - time.Since(started)
		if delay < 0 {
			delay = 0
		}
		if err := sleepUnlessDone(ctx, delay); err != nil {
			return err
		}
	}
}

func sleepUnlessDone(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
