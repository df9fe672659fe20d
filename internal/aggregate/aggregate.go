// Package aggregate fans pushdown aggregate queries out across resolved
// sources and folds the partial results.
package aggregate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wesm/shardvault/internal/metrics"
	"github.com/wesm/shardvault/internal/shard"
)

const (
	DefaultTimeout     = 5 * time.Minute
	DefaultConcurrency = 4
)

// SourceProvider resolves the sources an aggregate runs against.
type SourceProvider interface {
	// Sources returns the (shard, table) pairs holding conversationID.
	Sources(ctx context.Context, conversationID string) ([]shard.Source, error)
	// AllSources returns every message table of every shard.
	AllSources(ctx context.Context) ([]shard.Source, error)
}

// Options configures a Service.
type Options struct {
	Timeout     time.Duration
	Concurrency int
	SelfID      string
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Service answers per-conversation and whole-store aggregates.
type Service struct {
	provider    SourceProvider
	timeout     time.Duration
	concurrency int
	selfID      string
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// New creates a Service over provider.
func New(provider SourceProvider, opts Options) *Service {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		provider:    provider,
		timeout:     opts.Timeout,
		concurrency: opts.Concurrency,
		selfID:      opts.SelfID,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
}

// Aggregate computes metric over conversationID, or over the whole store
// when conversationID is empty. Unreachable shards are skipped and logged;
// bridge failures and timeouts fail the call.
func (s *Service) Aggregate(ctx context.Context, conversationID string, metric shard.Metric, rng shard.TimeRange) (*shard.Partial, error) {
	ctx, cancel := shard.WithTimeout(ctx, s.timeout)
	defer cancel()
	s.metrics.Aggregated(metric.String())

	var (
		sources []shard.Source
		err     error
	)
	if conversationID == "" {
		sources, err = s.provider.AllSources(ctx)
	} else {
		sources, err = s.provider.Sources(ctx, conversationID)
	}
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	defer func() {
		for _, src := range sources {
			src.Release()
		}
	}()

	p, err := s.Fold(ctx, sources, shard.AggregateQuery{Metric: metric, Range: rng, SelfID: s.selfID})
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	return p, nil
}

// Fold runs q against every source concurrently and merges the partials.
// The result does not depend on source order.
func (s *Service) Fold(ctx context.Context, sources []shard.Source, q shard.AggregateQuery) (*shard.Partial, error) {
	partials := make([]*shard.Partial, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, src := range sources {
		g.Go(func() error {
			p, err := src.Aggregate(gctx, q)
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, shard.ErrBridge) || errors.Is(err, shard.ErrTimeout) {
					return err
				}
				s.metrics.Unavailable("aggregate")
				s.logger.Warn("skipping shard during aggregate",
					"source", src.Name(), "metric", q.Metric.String(),
					"error", shard.Unavailable(src.Name(), err))
				return nil
			}
			partials[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := shard.NewPartial()
	for _, p := range partials {
		out.Merge(p)
	}
	return out, nil
}

func (s *Service) fail(ctx context.Context, err error) error {
	err = shard.TimeoutErr(ctx, "aggregate", err)
	if shard.IsTimeout(err) {
		s.metrics.Timeout("aggregate")
	}
	return err
}
