package storage

import (
	"context"
	"fmt"

	"github.com/whatworked/distengine/internal/merge"
	"github.com/whatworked/distengine/internal/storage/postgres"
	"github.com/whatworked/distengine/internal/storage/sqlite"
	"github.com/whatworked/distengine/internal/types"
)

// Storage defines the interface for pair, report and aggregate storage
type Storage interface {
	// Pairs
	UpsertPair(ctx context.Context, pair *types.Pair) error
	GetPair(ctx context.Context, key types.PairKey) (*types.Pair, error)
	ListPairs(ctx context.Context, filter types.PairFilter) ([]*types.Pair, error)

	// Raw reports (append-only)
	AddReport(ctx context.Context, report *types.RawReport) error
	GetReports(ctx context.Context, key types.PairKey) ([]types.RawReport, error)

	// Aggregate documents. GetRecord returns nil when the pair has none.
	GetRecord(ctx context.Context, key types.PairKey) (*types.AggregateRecord, error)
	ListRecords(ctx context.Context, filter types.PairFilter) ([]*types.AggregateRecord, error)

	// ApplyUpdates is the only write path for aggregate documents: it runs
	// the merge engine against the stored document inside one transaction.
	ApplyUpdates(ctx context.Context, key types.PairKey, updates map[string]*types.Distribution, opts merge.Options) (*merge.Result, error)
	// RenameField is the explicit migration that moves a field to a new key
	RenameField(ctx context.Context, key types.PairKey, from, to string) (bool, error)

	// Lifecycle
	Close() error
}

var (
	_ Storage = (*sqlite.SQLiteStorage)(nil)
	_ Storage = (*postgres.PostgresStorage)(nil)
)

// Supported drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds database configuration
type Config struct {
	// Driver is "sqlite" (default) or "postgres"
	Driver string

	// Path is the SQLite database file path
	// Default: "distengine.db"
	// Special value ":memory:" creates an in-memory database (useful for tests)
	Path string

	// Postgres is used when Driver is "postgres"
	Postgres *postgres.Config
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Driver:   DriverSQLite,
		Path:     "distengine.db",
		Postgres: postgres.DefaultConfig(),
	}
}

// NewStorage opens the configured backend
func NewStorage(ctx context.Context, cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch cfg.Driver {
	case "", DriverSQLite:
		path := cfg.Path
		if path == "" {
			path = "distengine.db"
		}
		return sqlite.New(path)
	case DriverPostgres:
		return postgres.New(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
