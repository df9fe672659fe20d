// Package merge combines per-shard cursors into one globally ordered stream
// with a K-way merge over a heap frontier.
package merge

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/wesm/shardvault/internal/cursor"
	"github.com/wesm/shardvault/internal/metrics"
	"github.com/wesm/shardvault/internal/shard"
)

// DefaultChunkSize is the export chunk size handed to MergeAll callbacks.
const DefaultChunkSize = 500

// errStop ends a merge early without reporting an error.
var errStop = errors.New("stop merge")

// Options controls a windowed merge.
type Options struct {
	Order  shard.Order
	Limit  int // <= 0 means unbounded
	Offset int
	Range  shard.TimeRange
}

// Engine runs merges. It holds no per-merge state and is safe for
// concurrent use; each call builds its own cursors.
type Engine struct {
	batchSize int
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// New creates an Engine. batchSize <= 0 uses cursor.DefaultBatchSize.
func New(batchSize int, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{batchSize: batchSize, logger: logger, metrics: m}
}

// EffectiveCaps returns the ordering capabilities shared by every source, so
// each shard's keyset order agrees with the frontier comparator.
func EffectiveCaps(sources []shard.Source) shard.Capabilities {
	if len(sources) == 0 {
		return shard.RowIDOnly()
	}
	caps := sources[0].Capabilities()
	for _, s := range sources[1:] {
		caps = caps.Intersect(s.Capabilities())
	}
	return caps
}

// Merge returns the window [Offset, Offset+Limit) of the globally ordered
// records across sources.
func (e *Engine) Merge(ctx context.Context, sources []shard.Source, opts Options) ([]shard.Record, error) {
	var out []shard.Record
	skip := opts.Offset
	err := e.run(ctx, sources, opts.Order, opts.Range, func(r shard.Record) error {
		if skip > 0 {
			skip--
			return nil
		}
		out = append(out, r)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			return errStop
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MergeAll streams every record in order, handing them to fn in chunks of
// chunkSize. Returning an error from fn stops the export and releases the
// cursors; at most one batch per shard is read ahead.
func (e *Engine) MergeAll(ctx context.Context, sources []shard.Source, order shard.Order, rng shard.TimeRange, chunkSize int, fn func([]shard.Record) error) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	chunk := make([]shard.Record, 0, chunkSize)
	err := e.run(ctx, sources, order, rng, func(r shard.Record) error {
		chunk = append(chunk, r)
		if len(chunk) < chunkSize {
			return nil
		}
		if err := fn(chunk); err != nil {
			return err
		}
		chunk = make([]shard.Record, 0, chunkSize)
		return nil
	})
	if err != nil {
		return err
	}
	if len(chunk) > 0 {
		return fn(chunk)
	}
	return nil
}

// run seeds the frontier concurrently, then drains it one record at a
// time, pulling the replacement from the cursor that was just popped.
func (e *Engine) run(ctx context.Context, sources []shard.Source, order shard.Order, rng shard.TimeRange, emit func(shard.Record) error) error {
	if len(sources) == 0 {
		return nil
	}
	caps := EffectiveCaps(sources)
	spec := shard.FetchSpec{Order: order, Range: rng, Caps: caps}

	cursors := make([]*cursor.Cursor, len(sources))
	for i, s := range sources {
		cursors[i] = cursor.New(s.Fetcher(spec), spec, e.batchSize)
	}

	type seed struct {
		rec shard.Record
		ok  bool
		err error
	}
	seeds := make([]seed, len(cursors))
	var g errgroup.Group
	for i := range cursors {
		g.Go(func() error {
			rec, ok, err := cursors[i].Next(ctx)
			seeds[i] = seed{rec, ok, err}
			return nil
		})
	}
	_ = g.Wait()

	f := newFrontier(len(cursors), caps, order)
	for i, s := range seeds {
		if s.err != nil {
			if err := e.absorb(ctx, sources[i], s.err); err != nil {
				return err
			}
			continue
		}
		if s.ok {
			f.push(head{rec: s.rec, src: i})
		}
	}

	emitted := 0
	defer func() { e.metrics.Merged(emitted) }()
	for f.len() > 0 {
		if err := ctx.Err(); err != nil {
			return shard.TimeoutErr(ctx, "merge", err)
		}
		top := f.pop()
		emitted++
		if err := emit(top.rec); err != nil {
			if errors.Is(err, errStop) {
				return nil
			}
			return err
		}
		rec, ok, err := cursors[top.src].Next(ctx)
		if err != nil {
			if err := e.absorb(ctx, sources[top.src], err); err != nil {
				return err
			}
			continue
		}
		if ok {
			f.push(head{rec: rec, src: top.src})
		}
	}
	return nil
}

// absorb decides whether a source failure is skipped or fatal. Cancellation,
// deadlines and bridge failures propagate; everything else drops the source
// from the frontier and is logged as an unavailable shard.
func (e *Engine) absorb(ctx context.Context, src shard.Source, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return shard.TimeoutErr(ctx, "merge", ctxErr)
	}
	if errors.Is(err, shard.ErrBridge) || errors.Is(err, shard.ErrTimeout) {
		return err
	}
	e.metrics.Unavailable("fetch")
	e.logger.Warn("skipping shard during merge",
		"source", src.Name(), "error", shard.Unavailable(src.Name(), err))
	return nil
}
