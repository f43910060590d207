package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"risk-sentinel/internal/config"
	"risk-sentinel/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS events (
	id         BIGINT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL,
	kind       TEXT NOT NULL,
	payload    BYTEA NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, id);

CREATE TABLE IF NOT EXISTS snapshots (
	id         BIGSERIAL PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL,
	payload    BYTEA NOT NULL
);

CREATE TABLE IF NOT EXISTS health (
	id             SMALLINT PRIMARY KEY CHECK (id = 1),
	feed_connected BOOLEAN NOT NULL,
	data_age_s     DOUBLE PRECISION NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS memos (
	id            BIGINT PRIMARY KEY,
	ts            DOUBLE PRECISION NOT NULL,
	uid           TEXT NOT NULL,
	rule          TEXT NOT NULL,
	severity      TEXT NOT NULL DEFAULT '',
	kind          TEXT NOT NULL,
	excerpt       BYTEA,
	suggestion    TEXT NOT NULL DEFAULT '',
	next_eligible DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL
);
`

const (
	pgInsertEventSQL = `INSERT INTO events (id, created_at, kind, payload) VALUES ($1, $2, $3, $4);`

	pgInsertSnapshotSQL = `INSERT INTO snapshots (created_at, payload) VALUES ($1, $2);`

	pgLatestSnapshotSQL = `SELECT payload FROM snapshots ORDER BY id DESC LIMIT 1;`

	pgRecentSnapshotsSQL = `SELECT payload FROM snapshots ORDER BY id DESC LIMIT $1;`

	pgTailEventsSQL = `SELECT id, created_at, kind, payload FROM events WHERE id > $1 ORDER BY id ASC LIMIT $2;`

	pgRecentEventsSQL = `SELECT id, created_at, kind, payload FROM events ORDER BY id DESC LIMIT $1;`

	pgMaxEventIDSQL = `SELECT COALESCE(MAX(id), 0) FROM events;`

	pgMaxMemoIDSQL = `SELECT COALESCE(MAX(id), 0) FROM memos;`

	pgUpsertHealthSQL = `INSERT INTO health (id, feed_connected, data_age_s, updated_at) VALUES (1, $1, $2, $3)
    ON CONFLICT (id) DO UPDATE
    SET feed_connected = EXCLUDED.feed_connected,
        data_age_s     = EXCLUDED.data_age_s,
        updated_at     = EXCLUDED.updated_at;`

	pgReadHealthSQL = `SELECT feed_connected, data_age_s, updated_at FROM health WHERE id = 1;`

	pgInsertMemoSQL = `INSERT INTO memos (
        id, ts, uid, rule, severity, kind, excerpt, suggestion, next_eligible, created_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10);`

	pgTailMemosSQL = `SELECT id, ts, uid, rule, severity, kind, excerpt, suggestion, next_eligible, created_at
    FROM memos WHERE id > $1 ORDER BY id ASC LIMIT $2;`

	pgRecentMemosSQL = `SELECT id, ts, uid, rule, severity, kind, excerpt, suggestion, next_eligible, created_at
    FROM memos ORDER BY id DESC LIMIT $1;`

	pgTryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	pgAdvisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PostgresStore keeps the event log in PostgreSQL. Single-writer ownership is
// enforced with a session advisory lock held on a dedicated connection for
// the life of the store, so a second sentinel pointed at the same database
// fails fast at Init instead of interleaving ids.
type PostgresStore struct {
	pool *pgxpool.Pool
	cfg  config.StoreConfig
	log  zerolog.Logger

	mu        sync.Mutex
	lastEvent int64
	lastMemo  int64

	lockConn *pgxpool.Conn
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore configures a pgx pool from cfg.DSN.
func NewPostgresStore(cfg config.StoreConfig, logger zerolog.Logger) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required for the postgres driver")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse store dsn: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return &PostgresStore{
		pool: pool,
		cfg:  cfg,
		log:  logger.With().Str("component", "store").Str("driver", "postgres").Logger(),
	}, nil
}

// Init acquires the ownership lock, creates the schema and seeds the id
// counters.
func (s *PostgresStore) Init(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres store: %w", err)
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire lock connection: %w", err)
	}
	var acquired bool
	if err := conn.QueryRow(ctx, pgTryAdvisoryLockSQL, s.cfg.OwnershipLockKey).Scan(&acquired); err != nil {
		conn.Release()
		return fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return fmt.Errorf("%w (lock key %d)", ErrNotOwner, s.cfg.OwnershipLockKey)
	}
	s.lockConn = conn

	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pool.QueryRow(ctx, pgMaxEventIDSQL).Scan(&s.lastEvent); err != nil {
		return fmt.Errorf("seed event id counter: %w", err)
	}
	if err := s.pool.QueryRow(ctx, pgMaxMemoIDSQL).Scan(&s.lastMemo); err != nil {
		return fmt.Errorf("seed memo id counter: %w", err)
	}
	s.log.Debug().Int64("last_event_id", s.lastEvent).Int64("last_memo_id", s.lastMemo).Msg("store initialized")
	return nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, kind EventKind, payload []byte) (int64, error) {
	if !ValidEventKind(kind) {
		return 0, fmt.Errorf("%w: %q", ErrBadKind, kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.lastEvent + 1
	if _, err := s.pool.Exec(ctx, pgInsertEventSQL, id, time.Now().UTC(), string(kind), payload); err != nil {
		return 0, fmt.Errorf("append %s event: %w", kind, err)
	}
	s.lastEvent = id
	return id, nil
}

func (s *PostgresStore) WriteSnapshot(ctx context.Context, snap *model.Snapshot) (int64, error) {
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, pgInsertSnapshotSQL, now, payload); err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	if _, err := tx.Exec(ctx, pgInsertEventSQL, id, now, string(EventSnapshot), payload); err != nil {
		return 0, fmt.Errorf("insert snapshot event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit snapshot: %w", err)
	}
	s.lastEvent = id
	return id, nil
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context) (*model.Snapshot, error) {
	var payload []byte
	if err := s.pool.QueryRow(ctx, pgLatestSnapshotSQL).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("read latest snapshot: %w", err)
	}
	return model.UnmarshalSnapshot(payload)
}

func (s *PostgresStore) RecentSnapshots(ctx context.Context, limit int) ([]*model.Snapshot, error) {
	if limit <= 0 {
		limit = defaultTailLimit
	}
	rows, err := s.pool.Query(ctx, pgRecentSnapshotsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("read recent snapshots: %w", err)
	}
	defer rows.Close()

	payloads := make([][]byte, 0, limit)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		payloads = append(payloads, payload)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
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

func (s *PostgresStore) TailEvents(ctx context.Context, lastID int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultTailLimit
	}
	rows, err := s.pool.Query(ctx, pgTailEventsSQL, lastID, limit)
	if err != nil {
		return nil, fmt.Errorf("tail events after %d: %w", lastID, err)
	}
	defer rows.Close()
	return collectEvents(rows, limit, false)
}

func (s *PostgresStore) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultTailLimit
	}
	rows, err := s.pool.Query(ctx, pgRecentEventsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("read recent events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows, limit, true)
}

func collectEvents(rows pgx.Rows, limit int, reverse bool) ([]Event, error) {
	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			ev      Event
			kind    string
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.CreatedAt, &kind, &payload); err != nil {
			return nil, err
		}
		ev.CreatedAt = ev.CreatedAt.UTC()
		ev.Kind = EventKind(kind)
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	if reverse {
		for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
			events[i], events[j] = events[j], events[i]
		}
	}
	return events, nil
}

func (s *PostgresStore) MaxEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, pgMaxEventIDSQL).Scan(&id); err != nil {
		return 0, fmt.Errorf("read max event id: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) WriteHealth(ctx context.Context, connected bool, dataAgeS float64) error {
	h := Health{FeedConnected: connected, DataAgeS: dataAgeS, UpdatedAt: time.Now().UTC()}
	payload, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal health: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.lastEvent + 1

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin health tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, pgUpsertHealthSQL, connected, dataAgeS, h.UpdatedAt); err != nil {
		return fmt.Errorf("upsert health: %w", err)
	}
	if _, err := tx.Exec(ctx, pgInsertEventSQL, id, h.UpdatedAt, string(EventHealth), payload); err != nil {
		return fmt.Errorf("insert health event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit health: %w", err)
	}
	s.lastEvent = id
	return nil
}

func (s *PostgresStore) ReadHealth(ctx context.Context) (*Health, error) {
	var h Health
	if err := s.pool.QueryRow(ctx, pgReadHealthSQL).Scan(&h.FeedConnected, &h.DataAgeS, &h.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoHealth
		}
		return nil, fmt.Errorf("read health: %w", err)
	}
	h.UpdatedAt = h.UpdatedAt.UTC()
	return &h, nil
}

func (s *PostgresStore) AppendMemo(ctx context.Context, memo Memo) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.lastMemo + 1
	created := memo.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, pgInsertMemoSQL,
		id, memo.TS, memo.UID, memo.Rule, memo.Severity, string(memo.Kind),
		[]byte(memo.Excerpt), memo.Suggestion, memo.NextEligible, created)
	if err != nil {
		return 0, fmt.Errorf("append %s memo: %w", memo.Kind, err)
	}
	s.lastMemo = id
	return id, nil
}

func (s *PostgresStore) TailMemos(ctx context.Context, lastID int64, limit int) ([]Memo, error) {
	if limit <= 0 {
		limit = defaultTailLimit
	}
	rows, err := s.pool.Query(ctx, pgTailMemosSQL, lastID, limit)
	if err != nil {
		return nil, fmt.Errorf("tail memos after %d: %w", lastID, err)
	}
	defer rows.Close()
	return collectMemos(rows, limit, false)
}

func (s *PostgresStore) RecentMemos(ctx context.Context, limit int) ([]Memo, error) {
	if limit <= 0 {
		limit = defaultTailLimit
	}
	rows, err := s.pool.Query(ctx, pgRecentMemosSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("read recent memos: %w", err)
	}
	defer rows.Close()
	return collectMemos(rows, limit, true)
}

func collectMemos(rows pgx.Rows, limit int, reverse bool) ([]Memo, error) {
	memos := make([]Memo, 0, limit)
	for rows.Next() {
		var (
			m       Memo
			kind    string
			excerpt []byte
		)
		if err := rows.Scan(&m.ID, &m.TS, &m.UID, &m.Rule, &m.Severity, &kind,
			&excerpt, &m.Suggestion, &m.NextEligible, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Kind = MemoKind(kind)
		m.Excerpt = json.RawMessage(excerpt)
		m.CreatedAt = m.CreatedAt.UTC()
		memos = append(memos, m)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	if reverse {
		for i, j := 0, len(memos)-1; i < j; i, j = i+1, j-1 {
			memos[i], memos[j] = memos[j], memos[i]
		}
	}
	return memos, nil
}

// Checkpoint is a no-op here. PostgreSQL manages its own WAL lifecycle and
// exposes nothing equivalent to sqlite's incremental checkpoint.
func (s *PostgresStore) Checkpoint(ctx context.Context, mode CheckpointMode) error {
	if !validCheckpointMode(mode) {
		return fmt.Errorf("store: unknown checkpoint mode %q", mode)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.lockConn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if _, err := s.lockConn.Exec(ctx, pgAdvisoryUnlockSQL, s.cfg.OwnershipLockKey); err != nil {
			s.log.Warn().Err(err).Msg("advisory unlock failed")
		}
		cancel()
		s.lockConn.Release()
		s.lockConn = nil
	}
	s.pool.Close()
	return nil
}
