package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/whatworked/distengine/internal/merge"
	"github.com/whatworked/distengine/internal/storage/migrations"
	"github.com/whatworked/distengine/internal/types"
)

// PostgresStorage keeps pairs, raw reports and aggregate documents in
// PostgreSQL. Aggregate documents are stored as JSONB.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	HealthCheck     time.Duration
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		Database:        "distengine",
		User:            "distengine",
		SSLMode:         "prefer",
		MaxConns:        10,
		MinConns:        1,
		MaxConnLifetime: 1 * time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		HealthCheck:     1 * time.Minute,
	}
}

// ConnString builds the connection URL
func (c *Config) ConnString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

// New creates a new PostgreSQL storage backend with connection pooling
func New(ctx context.Context, cfg *Config) (*PostgresStorage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return NewFromConnString(ctx, cfg.ConnString(), cfg)
}

// NewFromConnString connects using a DSN. Pool limits are taken from cfg
// when it is non-nil.
func NewFromConnString(ctx context.Context, connString string, cfg *Config) (*PostgresStorage, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if cfg != nil {
		if cfg.MaxConns > 0 {
			poolConfig.MaxConns = cfg.MaxConns
		}
		if cfg.MinConns > 0 {
			poolConfig.MinConns = cfg.MinConns
		}
		if cfg.MaxConnLifetime > 0 {
			poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
		}
		if cfg.MaxConnIdleTime > 0 {
			poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
		}
		if cfg.HealthCheck > 0 {
			poolConfig.HealthCheckPeriod = cfg.HealthCheck
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrations.Postgres().ApplyPostgres(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &PostgresStorage{pool: pool}, nil
}

// Close closes the connection pool
func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

// UpsertPair creates or updates a pair
func (s *PostgresStorage) UpsertPair(ctx context.Context, pair *types.Pair) error {
	if err := pair.Key.Validate(); err != nil {
		return fmt.Errorf("invalid pair: %w", err)
	}
	if pair.Category == "" {
		return fmt.Errorf("invalid pair %s: category is required", pair.Key)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO pairs (goal_id, variant_id, category, solution_title)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (goal_id, variant_id) DO UPDATE SET
			category = EXCLUDED.category,
			solution_title = EXCLUDED.solution_title,
			updated_at = now()
	`, pair.Key.GoalID, pair.Key.VariantID, pair.Category, pair.SolutionTitle)
	if err != nil {
		return fmt.Errorf("failed to upsert pair %s: %w", pair.Key, err)
	}
	return nil
}

// GetPair returns a pair, or nil if it does not exist
func (s *PostgresStorage) GetPair(ctx context.Context, key types.PairKey) (*types.Pair, error) {
	pair := &types.Pair{Key: key}
	err := s.pool.QueryRow(ctx, `
		SELECT category, solution_title FROM pairs
		WHERE goal_id = $1 AND variant_id = $2
	`, key.GoalID, key.VariantID).Scan(&pair.Category, &pair.SolutionTitle)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pair %s: %w", key, err)
	}
	return pair, nil
}

// ListPairs returns pairs in key order
func (s *PostgresStorage) ListPairs(ctx context.Context, filter types.PairFilter) ([]*types.Pair, error) {
	var where []string
	var args []any
	if filter.Category != "" {
		args = append(args, filter.Category)
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if filter.GoalID != "" {
		args = append(args, filter.GoalID)
		where = append(where, fmt.Sprintf("goal_id = $%d", len(args)))
	}

	query := "SELECT goal_id, variant_id, category, solution_title FROM pairs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY goal_id, variant_id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pairs: %w", err)
	}
	defer rows.Close()

	var pairs []*types.Pair
	for rows.Next() {
		p := &types.Pair{}
		if err := rows.Scan(&p.Key.GoalID, &p.Key.VariantID, &p.Category, &p.SolutionTitle); err != nil {
			return nil, fmt.Errorf("failed to scan pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pairs: %w", err)
	}
	return pairs, nil
}

// AddReport stores a raw report. The pair must exist.
func (s *PostgresStorage) AddReport(ctx context.Context, report *types.RawReport) error {
	if err := report.Validate(); err != nil {
		return fmt.Errorf("invalid report: %w", err)
	}
	if report.ID == "" {
		return fmt.Errorf("invalid report: id is required")
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now()
	}

	fields, err := json.Marshal(report.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode report fields: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO reports (id, goal_id, variant_id, fields, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, report.ID, report.Key.GoalID, report.Key.VariantID, string(fields), report.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to add report %s: %w", report.ID, err)
	}
	return nil
}

// GetReports returns the reports of a pair, oldest first
func (s *PostgresStorage) GetReports(ctx context.Context, key types.PairKey) ([]types.RawReport, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, fields, created_at FROM reports
		WHERE goal_id = $1 AND variant_id = $2
		ORDER BY created_at ASC, id ASC
	`, key.GoalID, key.VariantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports for %s: %w", key, err)
	}
	defer rows.Close()

	var reports []types.RawReport
	for rows.Next() {
		r := types.RawReport{Key: key}
		var fields []byte
		if err := rows.Scan(&r.ID, &fields, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		if err := json.Unmarshal(fields, &r.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode report %s: %w", r.ID, err)
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reports: %w", err)
	}
	return reports, nil
}

// GetRecord returns the aggregate document of a pair, or nil if none exists
func (s *PostgresStorage) GetRecord(ctx context.Context, key types.PairKey) (*types.AggregateRecord, error) {
	return getRecord(ctx, s.pool, key, false)
}

// ListRecords returns the aggregate documents of the pairs matching filter
func (s *PostgresStorage) ListRecords(ctx context.Context, filter types.PairFilter) ([]*types.AggregateRecord, error) {
	pairs, err := s.ListPairs(ctx, filter)
	if err != nil {
		return nil, err
	}
	var records []*types.AggregateRecord
	for _, p := range pairs {
		r, err := s.GetRecord(ctx, p.Key)
		if err != nil {
			return nil, err
		}
		if r != nil {
			records = append(records, r)
		}
	}
	return records, nil
}

// ApplyUpdates merges updates into the stored document of key inside one
// transaction holding a per-pair advisory lock. It is the only path that
// writes aggregate documents.
func (s *PostgresStorage) ApplyUpdates(ctx context.Context, key types.PairKey, updates map[string]*types.Distribution, opts merge.Options) (*merge.Result, error) {
	var result *merge.Result
	err := s.withPairLock(ctx, key, func(tx pgx.Tx) error {
		existing, err := getRecord(ctx, tx, key, true)
		if err != nil {
			return err
		}
		result, err = merge.Merge(key, existing, updates, opts)
		if err != nil {
			return err
		}
		return putRecord(ctx, tx, result.Record)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RenameField moves a stored field to a new key. It reports whether the
// record held the source field.
func (s *PostgresStorage) RenameField(ctx context.Context, key types.PairKey, from, to string) (bool, error) {
	var renamed bool
	err := s.withPairLock(ctx, key, func(tx pgx.Tx) error {
		existing, err := getRecord(ctx, tx, key, true)
		if err != nil {
			return err
		}
		out, ok, err := merge.RenameField(existing, from, to, time.Now())
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if !ok {
			return nil
		}
		renamed = true
		return putRecord(ctx, tx, out)
	})
	return renamed, err
}

// withPairLock runs fn in a transaction that holds an advisory lock on the
// pair. The lock also covers pairs that have no row yet, which SELECT ...
// FOR UPDATE alone cannot.
func (s *PostgresStorage) withPairLock(ctx context.Context, key types.PairKey, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", key.String()); err != nil {
		return fmt.Errorf("failed to lock %s: %w", key, err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// rowQuerier is satisfied by *pgxpool.Pool and pgx.Tx
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getRecord(ctx context.Context, q rowQuerier, key types.PairKey, forUpdate bool) (*types.AggregateRecord, error) {
	query := `SELECT document FROM aggregates WHERE goal_id = $1 AND variant_id = $2`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var doc []byte
	err := q.QueryRow(ctx, query, key.GoalID, key.VariantID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get aggregate %s: %w", key, err)
	}

	r := types.NewRecord(key)
	if err := json.Unmarshal(doc, r); err != nil {
		if !errors.Is(err, types.ErrMalformedRecord) {
			err = fmt.Errorf("%w: %w", types.ErrMalformedRecord, err)
		}
		return nil, fmt.Errorf("aggregate %s: %w", key, err)
	}
	r.Key = key
	return r, nil
}

func putRecord(ctx context.Context, tx pgx.Tx, r *types.AggregateRecord) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode aggregate %s: %w", r.Key, err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO aggregates (goal_id, variant_id, document, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (goal_id, variant_id) DO UPDATE SET
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at
	`, r.Key.GoalID, r.Key.VariantID, string(doc))
	if err != nil {
		return fmt.Errorf("failed to write aggregate %s: %w", r.Key, err)
	}
	return nil
}
