package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/whatworked/distengine/internal/merge"
	"github.com/whatworked/distengine/internal/storage/migrations"
	"github.com/whatworked/distengine/internal/types"
)

// SQLiteStorage keeps pairs, raw reports and aggregate documents in a
// single SQLite file. Aggregate documents are stored verbatim as JSON.
type SQLiteStorage struct {
	db *sql.DB
}

// querier is satisfied by *sql.DB and *sql.Conn
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// New creates a new SQLite storage backend. The special path ":memory:"
// opens a private in-memory database.
func New(path string) (*SQLiteStorage, error) {
	dsn := "file::memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = "file:" + path
	}

	// WAL for concurrent readers during batch writes
	db, err := sql.Open("sqlite3", dsn+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// every connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrations.SQLite().ApplySQLite(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close closes the database
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// UpsertPair creates or updates a pair
func (s *SQLiteStorage) UpsertPair(ctx context.Context, pair *types.Pair) error {
	if err := pair.Key.Validate(); err != nil {
		return fmt.Errorf("invalid pair: %w", err)
	}
	if pair.Category == "" {
		return fmt.Errorf("invalid pair %s: category is required", pair.Key)
	}

	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pairs (goal_id, variant_id, category, solution_title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(goal_id, variant_id) DO UPDATE SET
			category = excluded.category,
			solution_title = excluded.solution_title,
			updated_at = excluded.updated_at
	`, pair.Key.GoalID, pair.Key.VariantID, pair.Category, pair.SolutionTitle, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert pair %s: %w", pair.Key, err)
	}
	return nil
}

// GetPair returns a pair, or nil if it does not exist
func (s *SQLiteStorage) GetPair(ctx context.Context, key types.PairKey) (*types.Pair, error) {
	pair := &types.Pair{Key: key}
	err := s.db.QueryRowContext(ctx, `
		SELECT category, solution_title FROM pairs
		WHERE goal_id = ? AND variant_id = ?
	`, key.GoalID, key.VariantID).Scan(&pair.Category, &pair.SolutionTitle)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pair %s: %w", key, err)
	}
	return pair, nil
}

// ListPairs returns pairs in key order
func (s *SQLiteStorage) ListPairs(ctx context.Context, filter types.PairFilter) ([]*types.Pair, error) {
	var where []string
	var args []any
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.GoalID != "" {
		where = append(where, "goal_id = ?")
		args = append(args, filter.GoalID)
	}

	query := "SELECT goal_id, variant_id, category, solution_title FROM pairs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY goal_id, variant_id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pairs: %w", err)
	}
	defer func() { _ = rows.Close() }()

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
func (s *SQLiteStorage) AddReport(ctx context.Context, report *types.RawReport) error {
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

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reports (id, goal_id, variant_id, fields, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, report.ID, report.Key.GoalID, report.Key.VariantID, string(fields), formatTime(report.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to add report %s: %w", report.ID, err)
	}
	return nil
}

// GetReports returns the reports of a pair, oldest first
func (s *SQLiteStorage) GetReports(ctx context.Context, key types.PairKey) ([]types.RawReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fields, created_at FROM reports
		WHERE goal_id = ? AND variant_id = ?
		ORDER BY created_at ASC, id ASC
	`, key.GoalID, key.VariantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports for %s: %w", key, err)
	}
	defer func() { _ = rows.Close() }()

	var reports []types.RawReport
	for rows.Next() {
		var (
			r         = types.RawReport{Key: key}
			fields    string
			createdAt string
		)
		if err := rows.Scan(&r.ID, &fields, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode report %s: %w", r.ID, err)
		}
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("report %s: %w", r.ID, err)
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reports: %w", err)
	}
	return reports, nil
}

// GetRecord returns the aggregate document of a pair, or nil if none exists
func (s *SQLiteStorage) GetRecord(ctx context.Context, key types.PairKey) (*types.AggregateRecord, error) {
	return getRecord(ctx, s.db, key)
}

// ListRecords returns the aggregate documents of the pairs matching filter
func (s *SQLiteStorage) ListRecords(ctx context.Context, filter types.PairFilter) ([]*types.AggregateRecord, error) {
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
// write transaction. It is the only path that writes aggregate documents.
func (s *SQLiteStorage) ApplyUpdates(ctx context.Context, key types.PairKey, updates map[string]*types.Distribution, opts merge.Options) (*merge.Result, error) {
	var result *merge.Result
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		existing, err := getRecord(ctx, conn, key)
		if err != nil {
			return err
		}
		result, err = merge.Merge(key, existing, updates, opts)
		if err != nil {
			return err
		}
		return putRecord(ctx, conn, result.Record)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RenameField moves a stored field to a new key. It reports whether the
// record held the source field.
func (s *SQLiteStorage) RenameField(ctx context.Context, key types.PairKey, from, to string) (bool, error) {
	var renamed bool
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		existing, err := getRecord(ctx, conn, key)
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
		return putRecord(ctx, conn, out)
	})
	return renamed, err
}

// withImmediateTx runs fn inside BEGIN IMMEDIATE on a dedicated connection.
// IMMEDIATE takes the write lock up front, so read-merge-write cycles from
// concurrent workers and processes are serialized.
func (s *SQLiteStorage) withImmediateTx(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to begin immediate transaction: %w", err)
	}

	// ROLLBACK uses a fresh context so cleanup happens even if ctx is canceled
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(conn); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

func getRecord(ctx context.Context, q querier, key types.PairKey) (*types.AggregateRecord, error) {
	var doc string
	err := q.QueryRowContext(ctx, `
		SELECT document FROM aggregates
		WHERE goal_id = ? AND variant_id = ?
	`, key.GoalID, key.VariantID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get aggregate %s: %w", key, err)
	}

	r := types.NewRecord(key)
	if err := json.Unmarshal([]byte(doc), r); err != nil {
		if !errors.Is(err, types.ErrMalformedRecord) {
			err = fmt.Errorf("%w: %w", types.ErrMalformedRecord, err)
		}
		return nil, fmt.Errorf("aggregate %s: %w", key, err)
	}
	r.Key = key
	return r, nil
}

func putRecord(ctx context.Context, q querier, r *types.AggregateRecord) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode aggregate %s: %w", r.Key, err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO aggregates (goal_id, variant_id, document, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(goal_id, variant_id) DO UPDATE SET
			document = excluded.document,
			updated_at = excluded.updated_at
	`, r.Key.GoalID, r.Key.VariantID, string(doc), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to write aggregate %s: %w", r.Key, err)
	}
	return nil
}

// timeLayout has fixed-width fractions so stored timestamps sort as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}
