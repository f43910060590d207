package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"risk-sentinel/internal/config"
	"risk-sentinel/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY,
	created_at TIMESTAMP NOT NULL,
	kind       TEXT NOT NULL,
	payload    BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, id);

CREATE TABLE IF NOT EXISTS snapshots (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at TIMESTAMP NOT NULL,
	payload    BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS health (
	id             INTEGER PRIMARY KEY CHECK (id = 1),
	feed_connected INTEGER NOT NULL,
	data_age_s     REAL NOT NULL,
	updated_at     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS memos (
	id            INTEGER PRIMARY KEY,
	ts            REAL NOT NULL,
	uid           TEXT NOT NULL,
	rule          TEXT NOT NULL,
	severity      TEXT NOT NULL DEFAULT '',
	kind          TEXT NOT NULL,
	excerpt       BLOB,
	suggestion    TEXT NOT NULL DEFAULT '',
	next_eligible REAL NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL
);
`

const (
	insertEventSQL = `INSERT INTO events (id, created_at, kind, payload) VALUES (?, ?, ?, ?)`

	insertSnapshotSQL = `INSERT INTO snapshots (created_at, payload) VALUES (?, ?)`

	latestSnapshotSQL = `SELECT payload FROM snapshots ORDER BY id DESC LIMIT 1`

	recentSnapshotsSQL = `SELECT payload FROM snapshots ORDER BY id DESC LIMIT ?`

	tailEventsSQL = `SELECT id, created_at, kind, payload FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`

	recentEventsSQL = `SELECT id, created_at, kind, payload FROM events ORDER BY id DESC LIMIT ?`

	maxEventIDSQL = `SELECT COALESCE(MAX(id), 0) FROM events`

	maxMemoIDSQL = `SELECT COALESCE(MAX(id), 0) FROM memos`

	upsertHealthSQL = `INSERT INTO health (id, feed_connected, data_age_s, updated_at) VALUES (1, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET feed_connected = excluded.feed_connected,
	data_age_s = excluded.data_age_s, updated_at = excluded.updated_at`

	readHealthSQL = `SELECT feed_connected, data_age_s, updated_at FROM health WHERE id = 1`

	insertMemoSQL = `INSERT INTO memos (id, ts, uid, rule, severity, kind, excerpt, suggestion, next_eligible, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	tailMemosSQL = `SELECT id, ts, uid, rule, severity, kind, excerpt, suggestion, next_eligible, created_at
FROM memos WHERE id > ? ORDER BY id ASC LIMIT ?`

	recentMemosSQL = `SELECT id, ts, uid, rule, severity, kind, excerpt, suggestion, next_eligible, created_at
FROM memos ORDER BY id DESC LIMIT ?`
)

const defaultTailLimit = 100

// SQLiteStore keeps the event log in a single WAL-mode database file.
// Event and memo ids are handed out by an in-process counter guarded by mu,
// seeded from MAX(id) at Init and advanced only after a successful commit,
// which keeps the sequence gap-free across rollbacks.
type SQLiteStore struct {
	db  *sqlx.DB
	cfg config.StoreConfig
	log zerolog.Logger

	mu        sync.Mutex
	lastEvent int64
	lastMemo  int64
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database file at cfg.Path.
func NewSQLiteStore(cfg config.StoreConfig, logger zerolog.Logger) (*SQLiteStore, error) {
	dsn := cfg.Path
	if dsn != ":memory:" {
		// Connection-scoped pragmas go on the DSN so every pooled
		// connection picks them up, not just the first one.
		dsn = fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on",
			cfg.Path, cfg.BusyTimeout.Milliseconds())
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	if cfg.Path == ":memory:" {
		// Each pooled connection would otherwise see its own private
		// in-memory database.
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return &SQLiteStore{
		db:  db,
		cfg: cfg,
		log: logger.With().Str("component", "store").Str("driver", "sqlite").Logger(),
	}, nil
}

// Init creates the schema and seeds the id counters.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite store: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if s.cfg.AutocheckpointPages > 0 {
		pragma := fmt.Sprintf("PRAGMA wal_autocheckpoint=%d", s.cfg.AutocheckpointPages)
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("set wal_autocheckpoint: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.GetContext(ctx, &s.lastEvent, maxEventIDSQL); err != nil {
		return fmt.Errorf("seed event id counter: %w", err)
	}
	if err := s.db.GetContext(ctx, &s.lastMemo, maxMemoIDSQL); err != nil {
		return fmt.Errorf("seed memo id counter: %w", err)
	}
	s.log.Debug().Int64("last_event_id", s.lastEvent).Int64("last_memo_id", s.lastMemo).Msg("store initialized")
	return nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, kind EventKind, payload []byte) (int64, error) {
	if !ValidEventKind(kind) {
		return 0, fmt.Errorf("%w: %q", ErrBadKind, kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.lastEvent + 1
	if _, err := s.db.ExecContext(ctx, insertEventSQL, id, time.Now().UTC(), string(kind), payload); err != nil {
		return 0, fmt.Errorf("append %s event: %w", kind, err)
	}
	s.lastEvent = id
	return id, nil
}

func (s *SQLiteStore) WriteSnapshot(ctx context.Context, snap *model.Snapshot) (int64, error) {
	if err := snap.Validate(); err != nil {
		return 0, err
	}
	payload, err := snap.Marshal()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.lastEvent + 1
	now := time.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, insertSnapshotSQL, now, payload); err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insertEventSQL, id, now, string(EventSnapshot), payload); err != nil {
		return 0, fmt.Errorf("insert snapshot event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit snapshot: %w", err)
	}
	s.lastEvent = id
	return id, nil
}

func (s *SQLiteStore) LatestSnapshot(ctx context.Context) (*model.Snapshot, error) {
	var payload []byte
	if err := s.db.GetContext(ctx, &payload, latestSnapshotSQL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("read latest snapshot: %w", err)
	}
	return model.UnmarshalSnapshot(payload)
}

func (s *SQLiteStore) RecentSnapshots(ctx context.Context, limit int) ([]*model.Snapshot, error) {
	if limit <= 0 {
		limit = defaultTailLimit
	}
	var payloads [][]byte
	if err := s.db.SelectContext(ctx, &payloads, recentSnapshotsSQL, limit); err != nil {
		return nil, fmt.Errorf("read recent snapshots: %w", err)
	}
	snaps := make([]*model.Snapshot, 0, len(payloads))
	for i := len(payloads) - 1; i >= 0; i-- {
		snap, err := model.UnmarshalSnapshot(payloads[i])
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

type eventRow struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	Kind      string    `db:"kind"`
	Payload   []byte    `db:"payload"`
}

func (r eventRow) toEvent() Event {
	return Event{
		ID:        r.ID,
		CreatedAt: r.CreatedAt.UTC(),
		Kind:      EventKind(r.Kind),
		Payload:   json.RawMessage(r.Payload),
	}
}

func (s *SQLiteStore) TailEvents(ctx context.Context, lastID int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultTailLimit
	}
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, tailEventsSQL, lastID, limit); err != nil {
		return nil, fmt.Errorf("tail events after %d: %w", lastID, err)
	}
	events := make([]Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, r.toEvent())
	}
	return events, nil
}

func (s *SQLiteStore) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultTailLimit
	}
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, recentEventsSQL, limit); err != nil {
		return nil, fmt.Errorf("read recent events: %w", err)
	}
	events := make([]Event, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		events = append(events, rows[i].toEvent())
	}
	return events, nil
}

func (s *SQLiteStore) MaxEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.GetContext(ctx, &id, maxEventIDSQL); err != nil {
		return 0, fmt.Errorf("read max event id: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) WriteHealth(ctx context.Context, connected bool, dataAgeS float64) error {
	h := Health{FeedConnected: connected, DataAgeS: dataAgeS, UpdatedAt: time.Now().UTC()}
	payload, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal health: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.lastEvent + 1

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin health tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, upsertHealthSQL, connected, dataAgeS, h.UpdatedAt); err != nil {
		return fmt.Errorf("upsert health: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insertEventSQL, id, h.UpdatedAt, string(EventHealth), payload); err != nil {
		return fmt.Errorf("insert health event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit health: %w", err)
	}
	s.lastEvent = id
	return nil
}

func (s *SQLiteStore) ReadHealth(ctx context.Context) (*Health, error) {
	var row struct {
		FeedConnected bool      `db:"feed_connected"`
		DataAgeS      float64   `db:"data_age_s"`
		UpdatedAt     time.Time `db:"updated_at"`
	}
	if err := s.db.GetContext(ctx, &row, readHealthSQL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoHealth
		}
		return nil, fmt.Errorf("read health: %w", err)
	}
	return &Health{FeedConnected: row.FeedConnected, DataAgeS: row.DataAgeS, UpdatedAt: row.UpdatedAt.UTC()}, nil
}

type memoRow struct {
	ID           int64     `db:"id"`
	TS           float64   `db:"ts"`
	UID          string    `db:"uid"`
	Rule         string    `db:"rule"`
	Severity     string    `db:"severity"`
	Kind         string    `db:"kind"`
	Excerpt      []byte    `db:"excerpt"`
	Suggestion   string    `db:"suggestion"`
	NextEligible float64   `db:"next_eligible"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r memoRow) toMemo() Memo {
	return Memo{
		ID:           r.ID,
		TS:           r.TS,
		UID:          r.UID,
		Rule:         r.Rule,
		Severity:     r.Severity,
		Kind:         MemoKind(r.Kind),
		Excerpt:      json.RawMessage(r.Excerpt),
		Suggestion:   r.Suggestion,
		NextEligible: r.NextEligible,
		CreatedAt:    r.CreatedAt.UTC(),
	}
}

func (s *SQLiteStore) AppendMemo(ctx context.Context, memo Memo) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.lastMemo + 1
	created := memo.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, insertMemoSQL,
		id, memo.TS, memo.UID, memo.Rule, memo.Severity, string(memo.Kind),
		[]byte(memo.Excerpt), memo.Suggestion, memo.NextEligible, created)
	if err != nil {
		return 0, fmt.Errorf("append %s memo: %w", memo.Kind, err)
	}
	s.lastMemo = id
	return id, nil
}

func (s *SQLiteStore) TailMemos(ctx context.Context, lastID int64, limit int) ([]Memo, error) {
	if limit <= 0 {
		limit = defaultTailLimit
	}
	var rows []memoRow
	if err := s.db.SelectContext(ctx, &rows, tailMemosSQL, lastID, limit); err != nil {
		return nil, fmt.Errorf("tail memos after %d: %w", lastID, err)
	}
	memos := make([]Memo, 0, len(rows))
	for _, r := range rows {
		memos = append(memos, r.toMemo())
	}
	return memos, nil
}

func (s *SQLiteStore) RecentMemos(ctx context.Context, limit int) ([]Memo, error) {
	if limit <= 0 {
		limit = defaultTailLimit
	}
	var rows []memoRow
	if err := s.db.SelectContext(ctx, &rows, recentMemosSQL, limit); err != nil {
		return nil, fmt.Errorf("read recent memos: %w", err)
	}
	memos := make([]Memo, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		memos = append(memos, rows[i].toMemo())
	}
	return memos, nil
}

// Checkpoint folds WAL pages into the main file. PASSIVE never blocks
// writers, so the ingest loop can run it between ticks.
func (s *SQLiteStore) Checkpoint(ctx context.Context, mode CheckpointMode) error {
	if !validCheckpointMode(mode) {
		return fmt.Errorf("store: unknown checkpoint mode %q", mode)
	}
	var busy, logPages, moved int
	pragma := fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode)
	if err := s.db.QueryRowxContext(ctx, pragma).Scan(&busy, &logPages, &moved); err != nil {
		return fmt.Errorf("wal_checkpoint %s: %w", mode, err)
	}
	s.log.Debug().Str("mode", string(mode)).Int("busy", busy).
		Int("log_pages", logPages).Int("checkpointed", moved).Msg("wal checkpoint")
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
