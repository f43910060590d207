package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"risk-sentinel/internal/config"
	"risk-sentinel/internal/model"
)

var (
	// ErrNoSnapshot is returned by LatestSnapshot when the store is empty.
	ErrNoSnapshot = errors.New("store: no snapshot recorded")
	// ErrNoHealth is returned by ReadHealth before the first health write.
	ErrNoHealth = errors.New("store: no health recorded")
	// ErrNotOwner is returned when another process already owns the event log.
	ErrNotOwner = errors.New("store: event log owned by another process")
	// ErrBadKind is returned for appends with an unknown event kind.
	ErrBadKind = errors.New("store: unknown event kind")
)

// CheckpointMode selects how aggressively Checkpoint folds the write-ahead
// log back into the main database file. Backends without a WAL treat every
// mode as a no-op.
type CheckpointMode string

const (
	CheckpointPassive  CheckpointMode = "PASSIVE"
	CheckpointFull     CheckpointMode = "FULL"
	CheckpointRestart  CheckpointMode = "RESTART"
	CheckpointTruncate CheckpointMode = "TRUNCATE"
)

func validCheckpointMode(mode CheckpointMode) bool {
	switch mode {
	case CheckpointPassive, CheckpointFull, CheckpointRestart, CheckpointTruncate:
		return true
	}
	return false
}

// EventLog is the append-and-tail surface of the event store. Ids are
// store-assigned, strictly monotonic and gap-free; TailEvents returns events
// with id > lastID in ascending order, at most limit of them.
type EventLog interface {
	AppendEvent(ctx context.Context, kind EventKind, payload []byte) (int64, error)
	TailEvents(ctx context.Context, lastID int64, limit int) ([]Event, error)
	RecentEvents(ctx context.Context, limit int) ([]Event, error)
	MaxEventID(ctx context.Context) (int64, error)
}

// SnapshotStore persists full portfolio snapshots. WriteSnapshot stores the
// snapshot and appends the matching snapshot event in one transaction,
// returning the event id.
type SnapshotStore interface {
	WriteSnapshot(ctx context.Context, snap *model.Snapshot) (int64, error)
	LatestSnapshot(ctx context.Context) (*model.Snapshot, error)
	RecentSnapshots(ctx context.Context, limit int) ([]*model.Snapshot, error)
}

// HealthStore maintains the feed-health singleton. WriteHealth also mirrors
// the row into the event log as a health event so stream consumers observe
// liveness transitions in order.
type HealthStore interface {
	WriteHealth(ctx context.Context, connected bool, dataAgeS float64) error
	ReadHealth(ctx context.Context) (*Health, error)
}

// MemoLog records alert decisions. Memo ids are monotonic per store so the
// alert engine can tail newly appended memos the same way stream clients
// tail events.
type MemoLog interface {
	AppendMemo(ctx context.Context, memo Memo) (int64, error)
	TailMemos(ctx context.Context, lastID int64, limit int) ([]Memo, error)
	RecentMemos(ctx context.Context, limit int) ([]Memo, error)
}

// Store is the full persistence contract the sentinel runs against.
type Store interface {
	EventLog
	SnapshotStore
	HealthStore
	MemoLog

	Init(ctx context.Context) error
	Checkpoint(ctx context.Context, mode CheckpointMode) error
	Close() error
}

// Open builds the store backend named by cfg.Driver. The caller owns the
// returned store and must Init it before use.
func Open(cfg config.StoreConfig, logger zerolog.Logger) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return NewSQLiteStore(cfg, logger)
	case "postgres":
		return NewPostgresStore(cfg, logger)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
	}
}
