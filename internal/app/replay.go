package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"risk-sentinel/internal/alert"
)

// Replay re-scans persisted snapshots through the configured rules without
// writing anything back, so thresholds can be tuned against real history.
// The scan starts cold: persisted snoozes and debounce anchors are ignored,
// which makes the output a function of the thresholds and the data alone.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	if opts.Limit <= 0 {
		return fmt.Errorf("--limit must be greater than zero")
	}

	st, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	snaps, err := st.RecentSnapshots(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Fprintln(os.Stdout, "no snapshots to replay")
		return nil
	}

	evaluators := a.newEvaluators()
	quieting := alert.NewQuieting()
	debounce := a.Config.Alert.Debounce.Seconds()

	type emission struct {
		at time.Time
		a  alert.Alert
	}
	var emitted []emission
	suppressed := 0

	for _, snap := range snaps {
		for _, ev := range evaluators {
			alerts, err := ev.Evaluate(snap)
			if err != nil {
				a.Logger.Error().Err(err).Str("evaluator", ev.Name()).Msg("evaluator failed")
				continue
			}
			for _, al := range alerts {
				decision, _ := quieting.Decide(snap.TS, al.UID, al.Rule, debounce)
				switch decision {
				case alert.DecideEmit:
					quieting.MarkEmitted(snap.TS, al.UID, al.Rule)
					emitted = append(emitted, emission{at: snap.Time(), a: al})
				case alert.DecideSuppress:
					suppressed++
				}
			}
		}
	}

	if len(emitted) > 0 {
		writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Time\tRule\tUID\tSeverity\tMessage")
		for _, em := range emitted {
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
				em.at.UTC().Format(time.RFC3339), em.a.Rule, em.a.UID, em.a.Severity, sanitizeInline(em.a.Message))
		}
		if err := writer.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintf(os.Stdout, "replayed %d snapshots: %d emitted, %d suppressed (debounce %s)\n",
		len(snaps), len(emitted), suppressed, a.Config.Alert.Debounce)
	return nil
}
