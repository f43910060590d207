package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"risk-sentinel/internal/config"
	"risk-sentinel/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	return newTestStoreAt(t, ":memory:")
}

func newTestStoreAt(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	cfg := config.StoreConfig{Driver: "sqlite", Path: path, BusyTimeout: time.Second}
	s, err := NewSQLiteStore(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSnapshot(ts float64) *model.Snapshot {
	return &model.Snapshot{
		TS: ts,
		Positions: []model.PositionRow{
			{
				UID:      "AAPL|STK",
				Symbol:   "AAPL",
				SecType:  "STK",
				Currency: "USD",
				Position: decimal.NewFromInt(100),
				AvgCost:  decimal.NewFromFloat(182.5),
				MktPrice: decimal.NewFromFloat(190.25),
				MktValue: decimal.NewFromFloat(19025),
			},
		},
		Quotes: map[string]model.QuoteInfo{
			"AAPL|STK": {Bid: decimal.NewFromFloat(190.2), Ask: decimal.NewFromFloat(190.3), TS: ts},
		},
		Risk: map[string]float64{"var_95": 1250.0, "gross_exposure": 19025.0},
	}
}

func TestAppendEventAssignsSequentialIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		id, err := s.AppendEvent(ctx, EventDiff, []byte(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
		require.Equal(t, int64(i), id)
	}

	maxID, err := s.MaxEventID(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(5), maxID)
}

func TestAppendEventRejectsUnknownKind(t *testing.T) {
	s := newTestStore(t)

	_, err := s.AppendEvent(context.Background(), EventKind("bogus"), []byte(`{}`))
	require.ErrorIs(t, err, ErrBadKind)

	// A rejected append must not burn an id.
	id, err := s.AppendEvent(context.Background(), EventDiff, []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, int64(1), id)
}

func TestConcurrentAppendsStayGapFree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	ids := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := s.AppendEvent(ctx, EventHealth, []byte(`{"feed_connected":true}`))
			if err == nil {
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool, n)
	for id := range ids {
		require.False(t, seen[id], "id %d assigned twice", id)
		seen[id] = true
	}
	require.Len(t, seen, n)
	for i := int64(1); i <= n; i++ {
		require.True(t, seen[i], "id %d missing from sequence", i)
	}
}

func TestWriteSnapshotAppendsMatchingEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap := testSnapshot(1700000000)
	id, err := s.WriteSnapshot(ctx, snap)
	require.NoError(t, err)
	require.Equal(t, int64(1), id)

	events, err := s.TailEvents(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, EventSnapshot, events[0].Kind)

	var decoded model.Snapshot
	require.NoError(t, json.Unmarshal(events[0].Payload, &decoded))
	require.Equal(t, snap.TS, decoded.TS)
	require.Len(t, decoded.Positions, 1)

	latest, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, snap.TS, latest.TS)
	require.True(t, latest.Positions[0].MktValue.Equal(snap.Positions[0].MktValue))
}

func TestWriteSnapshotRejectsInvalid(t *testing.T) {
	s := newTestStore(t)

	_, err := s.WriteSnapshot(context.Background(), &model.Snapshot{TS: 0})
	require.ErrorIs(t, err, model.ErrInvalidSnapshot)

	// The failed write must not consume an event id.
	id, err := s.AppendEvent(context.Background(), EventDiff, []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, int64(1), id)
}

func TestLatestSnapshotEmptyStore(t *testing.T) {
	s := newTestStore(t)

	_, err := s.LatestSnapshot(context.Background())
	require.ErrorIs(t, err, ErrNoSnapshot)
}

func TestTailEventsResumesAfterCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := s.AppendEvent(ctx, EventDiff, []byte(`{}`))
		require.NoError(t, err)
	}

	tail, err := s.TailEvents(ctx, 4, 10)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	require.Equal(t, int64(5), tail[0].ID)
	require.Equal(t, int64(6), tail[1].ID)

	limited, err := s.TailEvents(ctx, 0, 3)
	require.NoError(t, err)
	require.Len(t, limited, 3)
	for i, ev := range limited {
		require.Equal(t, int64(i+1), ev.ID)
	}

	empty, err := s.TailEvents(ctx, 6, 10)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestRecentEventsAscending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.AppendEvent(ctx, EventBreach, []byte(`{}`))
		require.NoError(t, err)
	}

	recent, err := s.RecentEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, int64(4), recent[0].ID)
	require.Equal(t, int64(5), recent[1].ID)
}

func TestWriteHealthMirrorsEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteHealth(ctx, true, 2.5))
	require.NoError(t, s.WriteHealth(ctx, false, 17.0))

	h, err := s.ReadHealth(ctx)
	require.NoError(t, err)
	require.False(t, h.FeedConnected)
	require.Equal(t, 17.0, h.DataAgeS)
	require.False(t, h.UpdatedAt.IsZero())

	events, err := s.TailEvents(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, ev := range events {
		require.Equal(t, EventHealth, ev.Kind)
	}

	var mirrored Health
	require.NoError(t, json.Unmarshal(events[1].Payload, &mirrored))
	require.Equal(t, 17.0, mirrored.DataAgeS)
	require.False(t, mirrored.FeedConnected)
}

func TestReadHealthBeforeFirstWrite(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ReadHealth(context.Background())
	require.ErrorIs(t, err, ErrNoHealth)
}

func TestMemoAppendAndTail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	memos := []Memo{
		{TS: 100, UID: "AAPL|STK", Rule: "risk.var", Kind: MemoEmitted, NextEligible: 400},
		{TS: 130, UID: "AAPL|STK", Rule: "risk.var", Kind: MemoSuppressed, NextEligible: 400},
		{TS: 200, UID: "AAPL|STK", Rule: "risk.var", Kind: MemoSnoozed, NextEligible: 900, Suggestion: "operator snooze"},
	}
	for i, m := range memos {
		id, err := s.AppendMemo(ctx, m)
		require.NoError(t, err)
		require.Equal(t, int64(i+1), id)
	}

	tail, err := s.TailMemos(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	require.Equal(t, MemoSuppressed, tail[0].Kind)
	require.Equal(t, MemoSnoozed, tail[1].Kind)
	require.Equal(t, 900.0, tail[1].NextEligible)

	recent, err := s.RecentMemos(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, int64(2), recent[0].ID)
	require.Equal(t, int64(3), recent[1].ID)
}

func TestCheckpointModes(t *testing.T) {
	s := newTestStoreAt(t, filepath.Join(t.TempDir(), "sentinel.db"))
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := s.AppendEvent(ctx, EventDiff, []byte(`{"seq":1}`))
		require.NoError(t, err)
	}

	require.NoError(t, s.Checkpoint(ctx, CheckpointPassive))
	require.NoError(t, s.Checkpoint(ctx, CheckpointTruncate))
	require.Error(t, s.Checkpoint(ctx, CheckpointMode("AGGRESSIVE")))

	// Reads keep working across checkpoints.
	events, err := s.TailEvents(ctx, 0, 50)
	require.NoError(t, err)
	require.Len(t, events, 20)
}

func TestIDCounterSeedsFromExistingLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.db")
	ctx := context.Background()

	first := newTestStoreAt(t, path)
	for i := 0; i < 3; i++ {
		_, err := first.AppendEvent(ctx, EventDiff, []byte(`{}`))
		require.NoError(t, err)
	}
	_, err := first.AppendMemo(ctx, Memo{TS: 1, UID: "u", Rule: "r", Kind: MemoEmitted})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := newTestStoreAt(t, path)
	id, err := second.AppendEvent(ctx, EventDiff, []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, int64(4), id)

	memoID, err := second.AppendMemo(ctx, Memo{TS: 2, UID: "u", Rule: "r", Kind: MemoEmitted})
	require.NoError(t, err)
	require.Equal(t, int64(2), memoID)
}

func TestRecentSnapshotsAscending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := s.WriteSnapshot(ctx, testSnapshot(float64(1700000000+i*15)))
		require.NoError(t, err)
	}

	snaps, err := s.RecentSnapshots(ctx, 3)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	require.Equal(t, float64(1700000015), snaps[0].TS)
	require.Equal(t, float64(1700000045), snaps[2].TS)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(config.StoreConfig{Driver: "redis"}, zerolog.Nop())
	require.Error(t, err)
}
