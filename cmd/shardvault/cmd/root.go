package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/wesm/shardvault/internal/backend"
	"github.com/wesm/shardvault/internal/bridge"
	"github.com/wesm/shardvault/internal/catalog"
	"github.com/wesm/shardvault/internal/config"
	"github.com/wesm/shardvault/internal/metrics"
	"github.com/wesm/shardvault/internal/query"
	"github.com/wesm/shardvault/internal/shardcache"
	"github.com/wesm/shardvault/internal/store"
)

var (
	cfgFile string
	homeDir string
	verbose bool
	cfg     *config.Config
	logger  *slog.Logger

	registry *prometheus.Registry
	meter    *metrics.Metrics
)

var rootCmd = &cobra.Command{
	Use:   "shardvault",
	Short: "Read-only query tool for sharded conversation stores",
	Long: `shardvault reads a messaging account whose conversations are spread
across numbered SQLite shards, and answers paging, export and statistics
queries as if the account were a single database.

Plain shards are read directly. Page-encrypted accounts are read through
the decrypt bridge (backend = "bridge" with a hex key in config.toml).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))

		var err error
		cfg, err = config.Load(cfgFile, homeDir)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if accountDir != "" {
			cfg.Account.Dir = accountDir
		}

		registry = prometheus.NewRegistry()
		meter = metrics.New(registry)
		return nil
	},
}

// accountDir overrides [account] dir for one invocation.
var accountDir string

// Execute runs the root command with a background context.
// Prefer ExecuteContext for signal-aware execution.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with the given context,
// enabling graceful shutdown when the context is cancelled.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// catalogOptions maps the [account] and [layout] sections onto catalog
// options.
func catalogOptions() catalog.Options {
	return catalog.Options{
		AccountDir:   cfg.Account.Dir,
		MessageDir:   cfg.Layout.MessageDir,
		ShardPattern: cfg.Layout.ShardPattern,
		SessionDB:    cfg.Layout.SessionDB,
		ContactDB:    cfg.Layout.ContactDB,
		MaxShards:    cfg.Layout.MaxShards,
		TTL:          cfg.Cache.CatalogTTL,
	}
}

// openBackend opens the configured backend. The caller closes it.
func openBackend(ctx context.Context) (backend.Backend, error) {
	if cfg.Account.Dir == "" {
		return nil, fmt.Errorf("no account directory: set [account] dir in %s or pass --account", cfg.ConfigFilePath())
	}

	switch cfg.Account.Backend {
	case config.BackendBridge:
		b := bridge.NewLocal(bridge.Options{
			Catalog:     catalogOptions(),
			SnapshotDir: cfg.SnapshotDir(),
			BatchSize:   cfg.Query.BatchSize,
			Logger:      logger,
			Metrics:     meter,
		})
		return backend.OpenBridged(ctx, b, cfg.Account.Dir, cfg.Account.Key, cfg.Query.BatchSize, logger)
	default:
		return backend.OpenFile(store.Options{
			Catalog: catalogOptions(),
			Cache: shardcache.Options{
				IdleTTL:       cfg.Cache.IdleTTL,
				SweepInterval: cfg.Cache.SweepInterval,
			},
			SelfID:           cfg.Account.SelfID,
			ResolveTimeout:   cfg.Query.ResolveTimeout,
			AggregateTimeout: cfg.Query.AggregateTimeout,
			Concurrency:      cfg.Query.Concurrency,
			Logger:           logger,
			Metrics:          meter,
		})
	}
}

// newService wraps b in a query service tuned from [query].
func newService(b backend.Backend) *query.Service {
	return query.NewService(b, query.Options{
		BatchSize:        cfg.Query.BatchSize,
		AggregateTimeout: cfg.Query.AggregateTimeout,
		Concurrency:      cfg.Query.Concurrency,
		SelfID:           cfg.Account.SelfID,
		Logger:           logger,
		Metrics:          meter,
	})
}

// withService opens the backend, runs fn and closes the backend.
func withService(ctx context.Context, fn func(*query.Service) error) error {
	b, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("close backend", "error", err)
		}
	}()
	return fn(newService(b))
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.shardvault/config.toml)")
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "home directory (overrides SHARDVAULT_HOME)")
	rootCmd.PersistentFlags().StringVar(&accountDir, "account", "", "account directory (overrides [account] dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
