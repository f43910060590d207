package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"risk-sentinel/internal/alert"
)

// Snooze silences one (uid, rule) subject until the given expiry. The memo
// is written straight to the store; a running engine absorbs it on its next
// tick.
func (a *App) Snooze(ctx context.Context, opts SnoozeOptions) error {
	if opts.UID == "" || opts.Rule == "" {
		return errors.New("uid and rule must be provided")
	}

	now := time.Now().UTC()
	var until time.Time
	switch {
	case opts.Until != "":
		t, err := time.Parse(time.RFC3339, opts.Until)
		if err != nil {
			return fmt.Errorf("invalid --until value: %w", err)
		}
		until = t.UTC()
	case opts.Minutes > 0:
		until = now.Add(time.Duration(opts.Minutes) * time.Minute)
	default:
		return errors.New("one of --minutes or --until must be provided")
	}

	st, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	memo, err := alert.Snooze(ctx, st, opts.UID, opts.Rule, until, now)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Int64("memo_id", memo.ID).
		Str("uid", opts.UID).
		Str("rule", opts.Rule).
		Time("until", until).
		Msg("snooze recorded")
	fmt.Fprintf(os.Stdout, "snoozed %s/%s until %s (memo %d)\n",
		opts.UID, opts.Rule, until.Format(time.RFC3339), memo.ID)
	return nil
}
