// Package writer persists aggregate records into the durable product table.
// Writes are idempotent upserts keyed by the identifier; an acknowledged
// write means the row is durable.
package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ksuzuki/jancollect/internal/collect"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for product rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ProductStore writes aggregate records into Postgres.
type ProductStore struct {
	pool  execCloser
	table string
}

// NewProductStore creates a Postgres-backed ProductStore.
func NewProductStore(ctx context.Context, cfg Config) (*ProductStore, error) {
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
	return NewProductStoreWithPool(pool, cfg.Table)
}

// NewProductStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewProductStoreWithPool(pool execCloser, table string) (*ProductStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "products"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ProductStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *ProductStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Upsert writes one aggregate record, replacing any prior row for the
// identifier. Failures come back as a *collect.WriteError so the pipeline
// returns the identifier to pending with the aggregate cached.
func (s *ProductStore) Upsert(ctx context.Context, rec collect.AggregateRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("product store is not configured")
	}
	if rec.Code.IsZero() {
		return fmt.Errorf("aggregate record has no identifier")
	}
	if len(rec.Fields) == 0 {
		return fmt.Errorf("aggregate record %s has no fields", rec.Code)
	}

	provenance, err := json.Marshal(rec.Fields)
	if err != nil {
		return &collect.WriteError{Code: rec.Code, Err: fmt.Errorf("marshal provenance: %w", err)}
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	jan_code,
	title,
	price,
	shop,
	brand,
	maker,
	genre,
	review_average,
	image_urls,
	detail_url,
	provenance,
	sources,
	completeness,
	updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (jan_code) DO UPDATE SET
	title = EXCLUDED.title,
	price = EXCLUDED.price,
	shop = EXCLUDED.shop,
	brand = EXCLUDED.brand,
	maker = EXCLUDED.maker,
	genre = EXCLUDED.genre,
	review_average = EXCLUDED.review_average,
	image_urls = EXCLUDED.image_urls,
	detail_url = EXCLUDED.detail_url,
	provenance = EXCLUDED.provenance,
	sources = EXCLUDED.sources,
	completeness = EXCLUDED.completeness,
	updated_at = EXCLUDED.updated_at
`, s.table)

	_, err = s.pool.Exec(ctx, query,
		rec.Code.String(),
		fieldValue(rec, collect.FieldTitle),
		fieldValue(rec, collect.FieldPrice),
		fieldValue(rec, collect.FieldShop),
		fieldValue(rec, collect.FieldBrand),
		fieldValue(rec, collect.FieldMaker),
		fieldValue(rec, collect.FieldGenre),
		fieldValue(rec, collect.FieldReviewAverage),
		fieldValue(rec, collect.FieldImageURLs),
		fieldValue(rec, collect.FieldDetailURL),
		provenance,
		rec.Sources,
		string(rec.Completeness),
		rec.BuiltAt,
	)
	if err != nil {
		return &collect.WriteError{Code: rec.Code, Err: fmt.Errorf("upsert product: %w", err)}
	}
	return nil
}

func fieldValue(rec collect.AggregateRecord, name collect.Field) string {
	return rec.Fields[name].Value
}
