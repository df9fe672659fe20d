// Package store exposes an account's plain shard files as shard.Sources. It
// ties the catalog, the connection cache and the table resolver together
// and is the file-backed half of every query path.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wesm/shardvault/internal/aggregate"
	"github.com/wesm/shardvault/internal/catalog"
	"github.com/wesm/shardvault/internal/metrics"
	"github.com/wesm/shardvault/internal/resolve"
	"github.com/wesm/shardvault/internal/shard"
	"github.com/wesm/shardvault/internal/shardcache"
)

const (
	DefaultResolveTimeout = 30 * time.Second
	DefaultConcurrency    = 4
)

// Options configures a Store.
type Options struct {
	Catalog catalog.Options
	Cache   shardcache.Options

	// SelfID is the account's own identifier; see aggregate.Self.
	SelfID           string
	ResolveTimeout   time.Duration
	AggregateTimeout time.Duration // bounds Count
	Concurrency      int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Store resolves conversations to sources across every shard of one
// account directory.
type Store struct {
	catalog  *catalog.Catalog
	cache    *shardcache.Cache
	resolver *resolve.Resolver
	counter  *aggregate.Service

	selfID         string
	resolveTimeout time.Duration
	concurrency    int
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

// Open creates a Store and starts the cache's idle sweeper.
func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ResolveTimeout == 0 {
		opts.ResolveTimeout = DefaultResolveTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	cacheOpts := opts.Cache
	if cacheOpts.Logger == nil {
		cacheOpts.Logger = opts.Logger
	}
	if cacheOpts.Metrics == nil {
		cacheOpts.Metrics = opts.Metrics
	}

	s := &Store{
		catalog:        catalog.New(opts.Catalog, opts.Logger),
		cache:          shardcache.New(cacheOpts),
		resolver:       resolve.New(opts.Logger, opts.Metrics),
		selfID:         opts.SelfID,
		resolveTimeout: opts.ResolveTimeout,
		concurrency:    opts.Concurrency,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
	}
	s.counter = aggregate.New(s, aggregate.Options{
		Timeout:     opts.AggregateTimeout,
		Concurrency: opts.Concurrency,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
	})
	if err := s.cache.Start(); err != nil {
		return nil, fmt.Errorf("start shard cache: %w", err)
	}
	return s, nil
}

// Close waits for in-flight readers and closes every shard connection.
func (s *Store) Close() error {
	return s.cache.Close()
}

// Layout returns the account's current shard layout.
func (s *Store) Layout(ctx context.Context) (*catalog.Layout, error) {
	return s.catalog.List(ctx)
}

// Refresh forgets the cached layout and any connection to path, so the next
// call sees a replaced file. A still-referenced connection closes on its
// last release.
func (s *Store) Refresh(path string) {
	s.catalog.Invalidate()
	if path != "" {
		s.cache.Evict(path)
	}
}

// CacheLen reports how many shard connections are open.
func (s *Store) CacheLen() int { return s.cache.Len() }

// Sources returns one source per shard holding conversationID, in shard
// order. A conversation found nowhere yields no sources and no error.
// Callers must Release every returned source.
func (s *Store) Sources(ctx context.Context, conversationID string) ([]shard.Source, error) {
	return s.collect(ctx, "resolve", func(ctx context.Context, d *shardcache.Descriptor) ([]string, error) {
		table, ok, err := s.resolver.Resolve(ctx, conversationID, d)
		if err != nil || !ok {
			return nil, err
		}
		return []string{table}, nil
	})
}

// AllSources returns every message table of every shard.
func (s *Store) AllSources(ctx context.Context) ([]shard.Source, error) {
	return s.collect(ctx, "list", s.resolver.MessageTables)
}

// Count returns the number of records of conversationID within rng, or of
// the whole store when conversationID is empty. Unreachable shards are
// skipped; exceeding the aggregate timeout fails with shard.ErrTimeout.
func (s *Store) Count(ctx context.Context, conversationID string, rng shard.TimeRange) (int64, error) {
	p, err := s.counter.Aggregate(ctx, conversationID, shard.MetricCount, rng)
	if err != nil {
		return 0, err
	}
	return p.Count, nil
}

// ReleaseAll releases every source in sources.
func ReleaseAll(sources []shard.Source) {
	for _, src := range sources {
		src.Release()
	}
}

type tableLister func(ctx context.Context, d *shardcache.Descriptor) ([]string, error)

// collect acquires every shard concurrently, asks tables which of its tables
// contribute, and returns the sources in shard order then table order.
// Unreachable shards are skipped and logged.
func (s *Store) collect(ctx context.Context, op string, tables tableLister) ([]shard.Source, error) {
	ctx, cancel := shard.WithTimeout(ctx, s.resolveTimeout)
	defer cancel()

	layout, err := s.catalog.List(ctx)
	if err != nil {
		return nil, shard.TimeoutErr(ctx, op, err)
	}

	perShard := make([][]shard.Source, len(layout.Shards))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, path := range layout.Shards {
		g.Go(func() error {
			d, err := s.cache.Acquire(gctx, path)
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, shardcache.ErrClosed) {
					return err
				}
				s.skip(op, path, err)
				return nil
			}
			names, err := tables(gctx, d)
			if err != nil || len(names) == 0 {
				s.cache.Release(d)
				if err != nil {
					if gctx.Err() != nil {
						return err
					}
					s.skip(op, path, err)
				}
				return nil
			}
			var self aggregate.Self
			self.RowID, self.OK = s.resolver.SelfRowID(gctx, d, s.selfID)
			l := &lease{cache: s.cache, d: d}
			l.refs.Store(int32(len(names)))
			for _, table := range names {
				perShard[i] = append(perShard[i], &sqlSource{
					lease:   l,
					table:   table,
					caps:    s.resolver.Introspect(gctx, d, table),
					self:    self,
					metrics: s.metrics,
				})
			}
			return nil
		})
	}
	err = g.Wait()

	var out []shard.Source
	for _, srcs := range perShard {
		out = append(out, srcs...)
	}
	if err != nil {
		ReleaseAll(out)
		return nil, shard.TimeoutErr(ctx, op, err)
	}
	return out, nil
}

func (s *Store) skip(stage, path string, err error) {
	if !errors.Is(err, shard.ErrShardUnavailable) {
		err = shard.Unavailable(path, err)
	}
	s.metrics.Unavailable(stage)
	s.logger.Warn("skipping shard", "stage", stage, "shard", path, "error", err)
}
