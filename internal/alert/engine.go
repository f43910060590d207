package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"risk-sentinel/internal/alerting"
	"risk-sentinel/internal/config"
	"risk-sentinel/internal/metrics"
	"risk-sentinel/internal/model"
	"risk-sentinel/internal/scheduler"
	"risk-sentinel/internal/store"
)

// Store is the slice of the event store the engine touches.
type Store interface {
	LatestSnapshot(ctx context.Context) (*model.Snapshot, error)
	AppendEvent(ctx context.Context, kind store.EventKind, payload []byte) (int64, error)
	store.MemoLog
}

const memoBatch = 500

// breachPayload is the event body streaming clients receive for an emission.
type breachPayload struct {
	TS         float64            `json:"ts"`
	UID        string             `json:"uid"`
	Rule       string             `json:"rule"`
	Severity   string             `json:"severity"`
	Message    string             `json:"message"`
	Suggestion string             `json:"suggestion,omitempty"`
	Data       map[string]float64 `json:"data,omitempty"`
}

// ScanResult summarizes one rule pass.
type ScanResult struct {
	SnapshotTS float64
	Emitted    []Alert
	Suppressed int
	Snoozed    int
}

// Engine runs the periodic rule scan. All coordination with the ingest loop
// and with snooze commands goes through the store: snapshots in, memos and
// breach events out, and the memo log tailed back in to pick up snoozes
// issued from other processes.
type Engine struct {
	store      Store
	evaluators []Evaluator
	notifier   alerting.Notifier
	quieting   *Quieting
	metrics    *metrics.Metrics
	cfg        config.AlertConfig
	log        zerolog.Logger

	lastMemoID int64
	now        func() time.Time
}

// New constructs the engine. A nil notifier disables external dispatch.
func New(st Store, evaluators []Evaluator, notifier alerting.Notifier, m *metrics.Metrics, cfg config.AlertConfig, logger zerolog.Logger) *Engine {
	return &Engine{
		store:      st,
		evaluators: evaluators,
		notifier:   notifier,
		quieting:   NewQuieting(),
		metrics:    m,
		cfg:        cfg,
		log:        logger.With().Str("component", "alert").Logger(),
		now:        time.Now,
	}
}

// Run rebuilds quieting state from the memo log, then scans until ctx is
// cancelled or the configured tick bound is reached.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Rebuild(ctx); err != nil {
		return err
	}
	loop := scheduler.New(scheduler.Options{
		Name:     "alert",
		Interval: e.cfg.Interval,
		MaxTicks: e.cfg.MaxTicks,
	}, e.log)
	return loop.Run(ctx, e.Tick)
}

// Rebuild replays the persisted memo log into the quieting table so a
// restart does not re-fire recently debounced or snoozed alerts.
func (e *Engine) Rebuild(ctx context.Context) error {
	var cursor int64
	for {
		memos, err := e.store.TailMemos(ctx, cursor, memoBatch)
		if err != nil {
			return fmt.Errorf("alert: replay memo log: %w", err)
		}
		for _, m := range memos {
			e.quieting.Apply(m)
			cursor = m.ID
		}
		if len(memos) < memoBatch {
			break
		}
	}
	e.lastMemoID = cursor
	e.log.Info().
		Int64("last_memo_id", cursor).
		Int("subjects", e.quieting.Len()).
		Msg("quieting state rebuilt")
	return nil
}

// Tick absorbs memos written since the last pass, then scans the latest
// snapshot.
func (e *Engine) Tick(ctx context.Context, seq int) error {
	start := time.Now()
	err := e.tick(ctx)
	e.metrics.ObserveTick("alert", start, err)
	return err
}

func (e *Engine) tick(ctx context.Context) error {
	if err := e.absorbMemos(ctx); err != nil {
		return err
	}
	res, err := e.ScanOnce(ctx)
	if err != nil {
		return err
	}
	if len(res.Emitted) > 0 || res.Suppressed > 0 || res.Snoozed > 0 {
		e.log.Info().
			Int("emitted", len(res.Emitted)).
			Int("suppressed", res.Suppressed).
			Int("snoozed", res.Snoozed).
			Msg("scan complete")
	}
	return nil
}

// absorbMemos folds memos appended since the engine's cursor into the
// quieting table. This is how snoozes issued by the CLI reach a running
// engine; the engine's own memos replay as no-ops.
func (e *Engine) absorbMemos(ctx context.Context) error {
	for {
		memos, err := e.store.TailMemos(ctx, e.lastMemoID, memoBatch)
		if err != nil {
			return fmt.Errorf("alert: tail memo log: %w", err)
		}
		for _, m := range memos {
			e.quieting.Apply(m)
			e.lastMemoID = m.ID
		}
		if len(memos) < memoBatch {
			return nil
		}
	}
}

// ScanOnce evaluates every rule against the latest snapshot and applies
// quieting to each candidate breach. Every decision is recorded as a memo;
// only emissions additionally produce a breach event.
func (e *Engine) ScanOnce(ctx context.Context) (ScanResult, error) {
	snap, err := e.store.LatestSnapshot(ctx)
	if errors.Is(err, store.ErrNoSnapshot) {
		e.log.Debug().Msg("no snapshot yet")
		return ScanResult{}, nil
	}
	if err != nil {
		return ScanResult{}, fmt.Errorf("alert: load snapshot: %w", err)
	}

	now := e.now()
	res := ScanResult{SnapshotTS: snap.TS}

	for _, ev := range e.evaluators {
		alerts, err := ev.Evaluate(snap)
		if err != nil {
			// One broken rule must not silence the others.
			e.log.Error().Err(err).Str("evaluator", ev.Name()).Msg("evaluator failed")
			continue
		}
		for _, a := range alerts {
			if err := e.apply(ctx, now, a, &res); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

func (e *Engine) apply(ctx context.Context, now time.Time, a Alert, res *ScanResult) error {
	nowTS := timeToTS(now)
	decision, next := e.quieting.Decide(nowTS, a.UID, a.Rule, e.cfg.Debounce.Seconds())
	e.metrics.AlertDecisions.WithLabelValues(a.Rule, decision.String()).Inc()

	memo := store.Memo{
		TS:           nowTS,
		UID:          a.UID,
		Rule:         a.Rule,
		Severity:     a.Severity,
		Suggestion:   a.Suggestion,
		NextEligible: next,
	}

	switch decision {
	case DecideSnooze:
		memo.Kind = store.MemoSnoozed
		res.Snoozed++
		e.log.Debug().Str("uid", a.UID).Str("rule", a.Rule).Float64("next", next).Msg("alert snoozed")
	case DecideSuppress:
		memo.Kind = store.MemoSuppressed
		res.Suppressed++
		e.log.Debug().Str("uid", a.UID).Str("rule", a.Rule).Float64("next", next).Msg("alert suppressed")
	case DecideEmit:
		memo.Kind = store.MemoEmitted
		if len(a.Data) > 0 {
			excerpt, err := json.Marshal(a.Data)
			if err != nil {
				return fmt.Errorf("alert: marshal excerpt: %w", err)
			}
			memo.Excerpt = excerpt
		}
	}

	if _, err := e.store.AppendMemo(ctx, memo); err != nil {
		return fmt.Errorf("alert: append memo: %w", err)
	}
	if decision != DecideEmit {
		return nil
	}

	payload, err := json.Marshal(breachPayload{
		TS:         nowTS,
		UID:        a.UID,
		Rule:       a.Rule,
		Severity:   a.Severity,
		Message:    a.Message,
		Suggestion: a.Suggestion,
		Data:       a.Data,
	})
	if err != nil {
		return fmt.Errorf("alert: marshal breach: %w", err)
	}
	if _, err := e.store.AppendEvent(ctx, store.EventBreach, payload); err != nil {
		// The emitted memo is already durable; the rebuilt anchor comes
		// from it even though the event append failed.
		return fmt.Errorf("alert: append breach event: %w", err)
	}
	e.metrics.EventsAppended.WithLabelValues(string(store.EventBreach)).Inc()
	e.quieting.MarkEmitted(nowTS, a.UID, a.Rule)

	e.log.Warn().
		Str("uid", a.UID).
		Str("rule", a.Rule).
		Str("severity", a.Severity).
		Msg(a.Message)
	res.Emitted = append(res.Emitted, a)

	if e.notifier != nil {
		note := alerting.Notification{
			At:         now,
			UID:        a.UID,
			Rule:       a.Rule,
			Severity:   a.Severity,
			Message:    a.Message,
			Suggestion: a.Suggestion,
			Data:       a.Data,
		}
		if err := e.notifier.Notify(ctx, note); err != nil {
			e.log.Error().Err(err).Str("uid", a.UID).Str("rule", a.Rule).Msg("failed to dispatch alert")
		}
	}
	return nil
}

// Snooze appends an operator snooze to the memo log. The memo is the whole
// command transport: a running engine absorbs it on its next tick, and a
// restarted one replays it, so no channel beyond the store is needed.
func Snooze(ctx context.Context, log store.MemoLog, uid, rule string, until, now time.Time) (store.Memo, error) {
	if !until.After(now) {
		return store.Memo{}, fmt.Errorf("alert: snooze expiry %s is not in the future", until.Format(time.RFC3339))
	}
	memo := store.Memo{
		TS:           timeToTS(now),
		UID:          uid,
		Rule:         rule,
		Kind:         store.MemoSnoozed,
		Suggestion:   "operator snooze",
		NextEligible: timeToTS(until),
	}
	id, err := log.AppendMemo(ctx, memo)
	if err != nil {
		return store.Memo{}, fmt.Errorf("alert: append snooze memo: %w", err)
	}
	memo.ID = id
	return memo, nil
}

func timeToTS(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
