package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/whatworked/distengine/internal/ai"
	"github.com/whatworked/distengine/internal/config"
	"github.com/whatworked/distengine/internal/fallback"
	"github.com/whatworked/distengine/internal/logging"
	"github.com/whatworked/distengine/internal/schema"
	"github.com/whatworked/distengine/internal/storage"
)

var (
	cfgFile  string
	cfg      *config.Config
	registry *schema.Registry
	store    storage.Storage
)

var rootCmd = &cobra.Command{
	Use:   "distengine",
	Short: "Field distribution aggregation and quality audit",
	Long: `distengine turns contributor reports about solutions into per-field
distributions ("40% reported Once daily"), fills gaps from curated evidence
or a generative provider, and audits the stored aggregates for defects.

Configuration is read from distengine.yaml (or --config), then DISTENGINE_*
environment variables, then flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile, cmd.Flags())
		if err != nil {
			return err
		}
		if err := logging.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
			return err
		}
		if cfg.Schema.File != "" {
			registry, err = schema.LoadFile(cfg.Schema.File)
		} else {
			registry, err = schema.Default()
		}
		if err != nil {
			return fmt.Errorf("loading category schema: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		defer logging.Sync()
		return closeStore()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (default: ./"+config.DefaultFile+" if present)")
	flags.String("db", "", "SQLite database path (overrides storage.path)")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flags.String("log-format", "console", "Log format: console or json")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address while a batch runs (e.g. :9464)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		_ = closeStore()
		if !errors.Is(err, errIssuesFound) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// openStore opens the configured backend once per process
func openStore(ctx context.Context) (storage.Storage, error) {
	if store != nil {
		return store, nil
	}
	s, err := storage.NewStorage(ctx, cfg.StorageConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	store = s
	return store, nil
}

func closeStore() error {
	if store == nil {
		return nil
	}
	err := store.Close()
	store = nil
	return err
}

// buildEstimator wires curated evidence and, unless the provider is
// "none", the rate-limited and cached generative provider. The returned
// cleanup must be called when the batch ends.
func buildEstimator(ctx context.Context) (*fallback.Adapter, func(), error) {
	log := logging.New("fallback")

	var (
		evidence *fallback.EvidenceTable
		err      error
	)
	if cfg.Fallback.EvidenceFile != "" {
		evidence, err = fallback.LoadEvidence(cfg.Fallback.EvidenceFile)
	} else {
		evidence, err = fallback.DefaultEvidence()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading evidence table: %w", err)
	}

	opts := fallback.Options{Evidence: evidence, Logger: log}
	cleanup := func() {}

	if cfg.FallbackEnabled() {
		client, err := ai.New(ctx, cfg.AIConfig(logging.New("ai")))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create %s client: %w (set --provider none to use evidence only)",
				cfg.Fallback.Provider, err)
		}
		cache, err := fallback.NewResponseCache(cfg.Fallback.CacheMaxEntries, cfg.Fallback.CacheTTL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create response cache: %w", err)
		}
		opts.Provider = client
		opts.Cache = cache
		opts.Bucket = fallback.NewTokenBucket(cfg.Fallback.Quota, cfg.Fallback.Window)
		cleanup = cache.Close

		log.Info("generative fallback enabled",
			zap.String("provider", client.Provider()),
			zap.String("model", client.Model()),
			zap.Int("quota", cfg.Fallback.Quota),
			zap.Duration("window", cfg.Fallback.Window))
	} else {
		log.Info("generative fallback disabled, using evidence only", zap.Int("entries", evidence.Len()))
	}

	return fallback.NewAdapter(opts), cleanup, nil
}
