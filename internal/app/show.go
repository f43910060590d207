package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"risk-sentinel/internal/store"
)

// Show prints the latest snapshot summary and recent alert memos.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	st, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := a.showSnapshot(ctx, st); err != nil {
		return err
	}
	return a.showMemos(ctx, st, opts.Limit)
}

func (a *App) showSnapshot(ctx context.Context, st store.Store) error {
	snap, err := st.LatestSnapshot(ctx)
	if errors.Is(err, store.ErrNoSnapshot) {
		fmt.Fprintln(os.Stdout, "no snapshot recorded yet")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "snapshot %s  positions=%d  quotes=%d\n",
		snap.Time().Format(time.RFC3339), len(snap.Positions), len(snap.Quotes))

	if len(snap.Risk) == 0 {
		return nil
	}
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Risk\tValue")
	for _, key := range sortedKeys(snap.Risk) {
		fmt.Fprintf(writer, "%s\t%.2f\n", key, snap.Risk[key])
	}
	return writer.Flush()
}

func (a *App) showMemos(ctx context.Context, st store.Store, limit int) error {
	memos, err := st.RecentMemos(ctx, limit)
	if err != nil {
		return err
	}
	if len(memos) == 0 {
		fmt.Fprintln(os.Stdout, "no alert memos recorded")
		return nil
	}

	fmt.Fprintln(os.Stdout)
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tUID\tRule\tKind\tSeverity\tNext Eligible")

	for _, memo := range memos {
		next := ""
		if memo.NextEligible > 0 {
			next = tsTime(memo.NextEligible).Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			tsTime(memo.TS).Format(time.RFC3339),
			sanitizeInline(memo.UID),
			memo.Rule,
			memo.Kind,
			memo.Severity,
			next,
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func tsTime(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
