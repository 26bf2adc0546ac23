package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"camvault/internal/segment"
)

// PostgresConfig describes the connection pool backing PostgresStore.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	AcquireTimeout  time.Duration
	ApplicationName string
}

const defaultPostgresTimeout = 5 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS camvault_cursors (
	stream_id     TEXT PRIMARY KEY,
	next_sequence BIGINT NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS camvault_tasks (
	stream_id  TEXT NOT NULL,
	sequence   BIGINT NOT NULL,
	path       TEXT NOT NULL,
	size       BIGINT NOT NULL,
	bucket     TEXT NOT NULL,
	object_key TEXT NOT NULL,
	digest     TEXT NOT NULL DEFAULT '',
	state      TEXT NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (stream_id, sequence)
);
`

// PostgresStore shares ledger state through Postgres so operators can inspect
// retained segments with SQL.
type PostgresStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgresStore opens a pool and ensures the ledger tables exist.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres ledger dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres ledger config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if name := strings.TrimSpace(cfg.ApplicationName); name != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = name
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres ledger pool: %w", err)
	}
	store := &PostgresStore{pool: pool, timeout: cfg.AcquireTimeout}
	if store.timeout <= 0 {
		store.timeout = defaultPostgresTimeout
	}
	migrateCtx, cancel := store.withTimeout(ctx)
	defer cancel()
	if _, err := pool.Exec(migrateCtx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres ledger: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *PostgresStore) Load(ctx context.Context, streamID string) (Snapshot, error) {
	if err := segment.ValidateStreamID(streamID); err != nil {
		return Snapshot{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	snap := Snapshot{StreamID: streamID}
	var next int64
	err := s.pool.QueryRow(ctx, `SELECT next_sequence, updated_at FROM camvault_cursors WHERE stream_id = $1`, streamID).
		Scan(&next, &snap.UpdatedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return Snapshot{}, fmt.Errorf("load cursor %s: %w", streamID, err)
	default:
		snap.NextSequence = uint64(next)
		snap.HasCursor = true
	}

	rows, err := s.pool.Query(ctx, `
SELECT sequence, path, size, bucket, object_key, digest, state, attempts, last_error, created_at, updated_at
FROM camvault_tasks
WHERE stream_id = $1
ORDER BY sequence
`, streamID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load tasks %s: %w", streamID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			task  TaskRecord
			seq   int64
			state string
		)
		if err := rows.Scan(&seq, &task.Path, &task.Size, &task.Bucket, &task.Key, &task.Digest, &state, &task.Attempts, &task.LastError, &task.CreatedAt, &task.UpdatedAt); err != nil {
			return Snapshot{}, fmt.Errorf("scan task %s: %w", streamID, err)
		}
		task.Sequence = uint64(seq)
		task.State = segment.State(state)
		snap.Tasks = append(snap.Tasks, task)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("iterate tasks %s: %w", streamID, err)
	}
	return snap, nil
}

func (s *PostgresStore) SaveCursor(ctx context.Context, streamID string, next uint64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
INSERT INTO camvault_cursors (stream_id, next_sequence, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (stream_id) DO UPDATE
SET next_sequence = GREATEST(camvault_cursors.next_sequence, EXCLUDED.next_sequence),
    updated_at = EXCLUDED.updated_at
`, streamID, int64(next), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", streamID, err)
	}
	return nil
}

func (s *PostgresStore) PutTask(ctx context.Context, streamID string, task TaskRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	updated := task.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	created := task.CreatedAt
	if created.IsZero() {
		created = updated
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO camvault_tasks (stream_id, sequence, path, size, bucket, object_key, digest, state, attempts, last_error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (stream_id, sequence) DO UPDATE
SET path = EXCLUDED.path,
    size = EXCLUDED.size,
    bucket = EXCLUDED.bucket,
    object_key = EXCLUDED.object_key,
    digest = EXCLUDED.digest,
    state = EXCLUDED.state,
    attempts = EXCLUDED.attempts,
    last_error = EXCLUDED.last_error,
    updated_at = EXCLUDED.updated_at
`, streamID, int64(task.Sequence), task.Path, task.Size, task.Bucket, task.Key, task.Digest, string(task.State), task.Attempts, task.LastError, created.UTC(), updated.UTC())
	if err != nil {
		return fmt.Errorf("save task %s/%d: %w", streamID, task.Sequence, err)
	}
	return nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, streamID string, sequence uint64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.pool.Exec(ctx, `DELETE FROM camvault_tasks WHERE stream_id = $1 AND sequence = $2`, streamID, int64(sequence)); err != nil {
		return fmt.Errorf("delete task %s/%d: %w", streamID, sequence, err)
	}
	return nil
}

// Close releases the pool, giving up when ctx expires first.
func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
