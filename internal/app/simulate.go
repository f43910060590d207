package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"risk-sentinel/internal/alert"
	"risk-sentinel/internal/config"
	"risk-sentinel/internal/metrics"
	"risk-sentinel/internal/model"
	"risk-sentinel/internal/store"
)

// SimulateAlert fabricates a snapshot carrying the given risk surface and
// runs one scan with the configured rules against a throwaway in-memory
// store. Nothing durable is touched, so it is safe to rehearse thresholds
// against a live deployment's config.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	st, err := store.NewSQLiteStore(config.StoreConfig{
		Driver:      "sqlite",
		Path:        ":memory:",
		BusyTimeout: time.Second,
	}, a.Logger)
	if err != nil {
		return err
	}
	if err := st.Init(ctx); err != nil {
		return err
	}
	defer st.Close()

	now := time.Now().UTC()
	snap := &model.Snapshot{
		TS: float64(now.UnixNano()) / float64(time.Second),
		Risk: map[string]float64{
			"var_95":         opts.VaR95,
			"gross_exposure": opts.Gross,
			"theta_total":    opts.Theta,
			"drawdown_pct":   opts.DrawdownPct,
		},
	}
	if _, err := st.WriteSnapshot(ctx, snap); err != nil {
		return err
	}

	engine := alert.New(st, a.newEvaluators(), nil, metrics.New(), a.Config.Alert, a.Logger)
	if err := engine.Rebuild(ctx); err != nil {
		return err
	}
	res, err := engine.ScanOnce(ctx)
	if err != nil {
		return err
	}

	if len(res.Emitted) == 0 {
		fmt.Fprintln(os.Stdout, "no rules breached")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Rule\tUID\tSeverity\tMessage\tSuggestion")
	for _, em := range res.Emitted {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			em.Rule, em.UID, em.Severity, sanitizeInline(em.Message), sanitizeInline(em.Suggestion))
	}
	return writer.Flush()
}
