package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"risk-sentinel/internal/config"
	"risk-sentinel/internal/metrics"
	"risk-sentinel/internal/model"
	"risk-sentinel/internal/provider"
	"risk-sentinel/internal/store"
)

type fakeProvider struct {
	fetch func(ctx context.Context) (*model.Snapshot, error)
	calls int
}

func (p *fakeProvider) Fetch(ctx context.Context) (*model.Snapshot, error) {
	p.calls++
	return p.fetch(ctx)
}

func (p *fakeProvider) Name() string { return "fake" }

type checkpointSpy struct {
	*store.SQLiteStore
	checkpoints []store.CheckpointMode
}

func (s *checkpointSpy) Checkpoint(ctx context.Context, mode store.CheckpointMode) error {
	s.checkpoints = append(s.checkpoints, mode)
	return s.SQLiteStore.Checkpoint(ctx, mode)
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(config.StoreConfig{Driver: "sqlite", Path: ":memory:", BusyTimeout: time.Second}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func snapshotAt(ts float64) *model.Snapshot {
	return &model.Snapshot{
		TS: ts,
		Positions: []model.PositionRow{
			{UID: "AAPL|STK", Symbol: "AAPL", SecType: "STK", Position: decimal.NewFromInt(10)},
		},
		Quotes: map[string]model.QuoteInfo{"AAPL|STK": {TS: ts}},
		Risk:   map[string]float64{"gross_exposure": 1900},
	}
}

func newIngestor(st Store, prov provider.SnapshotProvider, cfg config.IngestConfig) *Ingestor {
	return New(st, prov, metrics.New(), cfg, zerolog.Nop())
}

func TestTickPersistsSnapshotDiffAndHealth(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	ts := float64(time.Now().Unix())
	prov := &fakeProvider{fetch: func(context.Context) (*model.Snapshot, error) {
		return snapshotAt(ts), nil
	}}
	ing := newIngestor(st, prov, config.IngestConfig{Interval: time.Second})
	ing.started = time.Now()

	require.NoError(t, ing.Tick(ctx, 1))

	events, err := st.TailEvents(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, store.EventSnapshot, events[0].Kind)
	require.Equal(t, store.EventDiff, events[1].Kind)
	require.Equal(t, store.EventHealth, events[2].Kind)

	var diff struct {
		TS float64 `json:"ts"`
	}
	require.NoError(t, json.Unmarshal(events[1].Payload, &diff))
	require.Equal(t, ts, diff.TS)

	h, err := st.ReadHealth(ctx)
	require.NoError(t, err)
	require.True(t, h.FeedConnected)
	require.Less(t, h.DataAgeS, 5.0)
}

func TestFailedFetchStillWritesHealth(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	prov := &fakeProvider{fetch: func(context.Context) (*model.Snapshot, error) {
		return nil, provider.ErrUnavailable
	}}
	ing := newIngestor(st, prov, config.IngestConfig{Interval: time.Second})

	clock := time.Unix(1700000000, 0)
	ing.now = func() time.Time { return clock }
	ing.started = clock

	require.Error(t, ing.Tick(ctx, 1))

	events, err := st.TailEvents(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1, "no snapshot or diff on a failed tick")
	require.Equal(t, store.EventHealth, events[0].Kind)

	h, err := st.ReadHealth(ctx)
	require.NoError(t, err)
	require.False(t, h.FeedConnected)
}

func TestHealthAgeGrowsAcrossConsecutiveFailures(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	good := true
	ts := float64(1700000000)
	prov := &fakeProvider{fetch: func(context.Context) (*model.Snapshot, error) {
		if good {
			return snapshotAt(ts), nil
		}
		return nil, provider.ErrUnavailable
	}}
	ing := newIngestor(st, prov, config.IngestConfig{Interval: time.Second})

	clock := time.Unix(1700000000, 0)
	ing.now = func() time.Time { return clock }
	ing.started = clock

	require.NoError(t, ing.Tick(ctx, 1))
	h, err := st.ReadHealth(ctx)
	require.NoError(t, err)
	require.Equal(t, 0.0, h.DataAgeS)

	good = false
	clock = clock.Add(15 * time.Second)
	require.Error(t, ing.Tick(ctx, 2))
	h, err = st.ReadHealth(ctx)
	require.NoError(t, err)
	require.Equal(t, 15.0, h.DataAgeS)

	clock = clock.Add(15 * time.Second)
	require.Error(t, ing.Tick(ctx, 3))
	h, err = st.ReadHealth(ctx)
	require.NoError(t, err)
	require.Equal(t, 30.0, h.DataAgeS, "age anchors to the last good snapshot, not the last attempt")
}

func TestInvalidSnapshotFailsTick(t *testing.T) {
	st := newTestStore(t)

	prov := &fakeProvider{fetch: func(context.Context) (*model.Snapshot, error) {
		return &model.Snapshot{TS: 0}, nil
	}}
	ing := newIngestor(st, prov, config.IngestConfig{Interval: time.Second})
	ing.started = time.Now()

	err := ing.Tick(context.Background(), 1)
	require.ErrorIs(t, err, model.ErrInvalidSnapshot)

	_, err = st.LatestSnapshot(context.Background())
	require.ErrorIs(t, err, store.ErrNoSnapshot)
}

func TestRunStopsAtTickBound(t *testing.T) {
	st := newTestStore(t)

	prov := &fakeProvider{fetch: func(context.Context) (*model.Snapshot, error) {
		return snapshotAt(float64(time.Now().Unix())), nil
	}}
	ing := newIngestor(st, prov, config.IngestConfig{Interval: time.Millisecond, MaxTicks: 3})

	require.NoError(t, ing.Run(context.Background()))
	require.Equal(t, 3, prov.calls)
}

func TestPeriodicCheckpoint(t *testing.T) {
	spy := &checkpointSpy{SQLiteStore: newTestStore(t)}

	prov := &fakeProvider{fetch: func(context.Context) (*model.Snapshot, error) {
		return snapshotAt(float64(time.Now().Unix())), nil
	}}
	ing := newIngestor(spy, prov, config.IngestConfig{Interval: time.Millisecond, MaxTicks: 4, CheckpointEvery: 2})

	require.NoError(t, ing.Run(context.Background()))
	require.Equal(t, []store.CheckpointMode{store.CheckpointPassive, store.CheckpointPassive}, spy.checkpoints)
}

func TestSeedAnchorsAgeToPersistedSnapshot(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	old := float64(1700000000)
	_, err := st.WriteSnapshot(ctx, snapshotAt(old))
	require.NoError(t, err)

	prov := &fakeProvider{fetch: func(context.Context) (*model.Snapshot, error) {
		return nil, provider.ErrUnavailable
	}}
	ing := newIngestor(st, prov, config.IngestConfig{Interval: time.Second})

	clock := time.Unix(1700000000, 0).Add(42 * time.Second)
	ing.now = func() time.Time { return clock }
	ing.started = clock
	ing.seed(ctx)

	require.Error(t, ing.Tick(ctx, 1))
	h, err := st.ReadHealth(ctx)
	require.NoError(t, err)
	require.Equal(t, 42.0, h.DataAgeS)
}
