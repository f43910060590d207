package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"risk-sentinel/internal/config"
	"risk-sentinel/internal/metrics"
	"risk-sentinel/internal/provider"
	"risk-sentinel/internal/scheduler"
	"risk-sentinel/internal/store"
)

// Store is the slice of the event store the capture loop needs.
type Store interface {
	store.SnapshotStore
	store.EventLog
	store.HealthStore
	Checkpoint(ctx context.Context, mode store.CheckpointMode) error
}

// Ingestor drives the capture loop: fetch a snapshot through the provider,
// validate it, persist it together with a lightweight diff event, then record
// health. The health write runs every tick regardless of outcome, so
// data_age_s keeps growing across consecutive failures until a fetch lands.
type Ingestor struct {
	store    Store
	provider provider.SnapshotProvider
	metrics  *metrics.Metrics
	cfg      config.IngestConfig
	log      zerolog.Logger

	started  time.Time
	lastGood time.Time

	now func() time.Time
}

// New wires the capture loop. The provider owns all paced-gate usage.
func New(st Store, prov provider.SnapshotProvider, m *metrics.Metrics, cfg config.IngestConfig, logger zerolog.Logger) *Ingestor {
	return &Ingestor{
		store:    st,
		provider: prov,
		metrics:  m,
		cfg:      cfg,
		log:      logger.With().Str("component", "ingest").Str("provider", prov.Name()).Logger(),
		now:      time.Now,
	}
}

// Run blocks until ctx is cancelled or the configured tick bound is reached.
func (i *Ingestor) Run(ctx context.Context) error {
	i.started = i.now()
	i.seed(ctx)

	loop := scheduler.New(scheduler.Options{
		Name:         "ingest",
		Interval:     i.cfg.Interval,
		StartupDelay: i.cfg.StartupDelay,
		MaxTicks:     i.cfg.MaxTicks,
	}, i.log)
	return loop.Run(ctx, i.Tick)
}

// seed anchors the health age to the last snapshot already on disk, so a
// restart does not report a freshly-zeroed age for data that is hours old.
func (i *Ingestor) seed(ctx context.Context) {
	snap, err := i.store.LatestSnapshot(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNoSnapshot) {
			i.log.Warn().Err(err).Msg("could not seed health age from store")
		}
		return
	}
	i.lastGood = snap.Time()
	i.log.Info().Time("last_snapshot", i.lastGood).Msg("resuming from persisted snapshot")
}

// Tick runs one FETCH -> VALIDATE -> PERSIST -> HEALTH pass.
func (i *Ingestor) Tick(ctx context.Context, seq int) error {
	start := i.now()
	err := i.capture(ctx)
	i.updateHealth(ctx, err == nil)

	if i.cfg.CheckpointEvery > 0 && seq%i.cfg.CheckpointEvery == 0 {
		if cerr := i.store.Checkpoint(ctx, store.CheckpointPassive); cerr != nil {
			i.log.Warn().Err(cerr).Msg("checkpoint failed")
		}
	}

	i.metrics.ObserveTick("ingest", start, err)
	return err
}

func (i *Ingestor) capture(ctx context.Context) error {
	snap, err := i.provider.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch snapshot: %w", err)
	}
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("validate snapshot: %w", err)
	}

	id, err := i.store.WriteSnapshot(ctx, snap)
	if err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	i.metrics.EventsAppended.WithLabelValues(string(store.EventSnapshot)).Inc()

	// The diff event carries just the timestamp: consumers that only care
	// that something changed need not read the full payload.
	diff, err := json.Marshal(struct {
		TS float64 `json:"ts"`
	}{TS: snap.TS})
	if err != nil {
		return fmt.Errorf("encode diff: %w", err)
	}
	if _, err := i.store.AppendEvent(ctx, store.EventDiff, diff); err != nil {
		return fmt.Errorf("append diff event: %w", err)
	}
	i.metrics.EventsAppended.WithLabelValues(string(store.EventDiff)).Inc()

	i.lastGood = snap.Time()
	i.log.Info().Int64("event_id", id).Int("positions", len(snap.Positions)).
		Float64("ts", snap.TS).Msg("snapshot persisted")
	return nil
}

// updateHealth always runs, success or failure. A failed health write is
// logged and otherwise dropped; it must not mask the tick's own outcome.
func (i *Ingestor) updateHealth(ctx context.Context, ok bool) {
	anchor := i.lastGood
	if anchor.IsZero() {
		anchor = i.started
	}
	age := i.now().Sub(anchor).Seconds()
	if age < 0 {
		age = 0
	}

	if err := i.store.WriteHealth(ctx, ok, age); err != nil {
		i.log.Error().Err(err).Msg("health write failed")
		return
	}
	i.metrics.EventsAppended.WithLabelValues(string(store.EventHealth)).Inc()
	i.metrics.DataAge.Set(age)
	if ok {
		i.metrics.FeedConnected.Set(1)
	} else {
		i.metrics.FeedConnected.Set(0)
	}
}
