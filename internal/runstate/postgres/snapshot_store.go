// Package postgres persists run snapshots in Postgres so interrupted runs
// can resume from another process.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ksuzuki/jancollect/internal/runstate"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// SnapshotStoreConfig controls the Postgres connection pool for snapshots.
type SnapshotStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// SnapshotStore upserts one JSONB snapshot row per run.
type SnapshotStore struct {
	pool  pgxPool
	table string
}

// NewSnapshotStore connects a pool and returns a store over the configured
// table.
func NewSnapshotStore(ctx context.Context, cfg SnapshotStoreConfig) (*SnapshotStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewSnapshotStoreWithPool(pool, cfg.Table)
}

// NewSnapshotStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewSnapshotStoreWithPool(pool pgxPool, table string) (*SnapshotStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "run_snapshots"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &SnapshotStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *SnapshotStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Save upserts the run's snapshot row.
func (s *SnapshotStore) Save(ctx context.Context, snap runstate.Snapshot) error {
	if snap.RunID == "" {
		return fmt.Errorf("snapshot has no run id")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (run_id, phase, snapshot, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (run_id) DO UPDATE SET
	phase = EXCLUDED.phase,
	snapshot = EXCLUDED.snapshot,
	updated_at = EXCLUDED.updated_at
`, s.table)
	if _, err := s.pool.Exec(ctx, query, snap.RunID, string(snap.Phase), payload, snap.UpdatedAt); err != nil {
		return fmt.Errorf("save run snapshot: %w", err)
	}
	return nil
}

// Load returns the latest snapshot of a run.
func (s *SnapshotStore) Load(ctx context.Context, runID string) (runstate.Snapshot, error) {
	if runID == "" {
		return runstate.Snapshot{}, fmt.Errorf("run id is required")
	}
	query := fmt.Sprintf(`SELECT snapshot FROM %s WHERE run_id = $1`, s.table)
	var payload []byte
	if err := s.pool.QueryRow(ctx, query, runID).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return runstate.Snapshot{}, runstate.ErrRunNotFound
		}
		return runstate.Snapshot{}, fmt.Errorf("load run snapshot: %w", err)
	}
	var snap runstate.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return runstate.Snapshot{}, fmt.Errorf("decode run snapshot: %w", err)
	}
	return snap, nil
}
