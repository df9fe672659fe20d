package backend

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/wesm/shardvault/internal/bridge"
	"github.com/wesm/shardvault/internal/cursor"
	"github.com/wesm/shardvault/internal/shard"
	"github.com/wesm/shardvault/internal/store"
)

// bridgeCaps orders bridge records by their position in the bridge's
// ascending stream.
var bridgeCaps = shard.Capabilities{
	Positional:  true,
	HasTime:     true,
	RowIDColumn: "local_id",
	HasSender:   true,
	HasType:     true,
	HasStatus:   true,
	HasContent:  true,
	HasCodec:    true,
}

// Bridged serves queries from one bridge handle. Each conversation is a
// single positional source; descending order and time ranges are applied
// on top of the bridge's ascending offset windows.
type Bridged struct {
	bridge    bridge.Bridge
	handle    bridge.Handle
	batchSize int
	logger    *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// OpenBridged opens path through b and wraps the handle.
func OpenBridged(ctx context.Context, b bridge.Bridge, path, key string, batchSize int, logger *slog.Logger) (*Bridged, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = cursor.DefaultBatchSize
	}
	h, err := b.Open(ctx, path, key)
	if err != nil {
		return nil, err
	}
	return &Bridged{bridge: b, handle: h, batchSize: batchSize, logger: logger}, nil
}

func (b *Bridged) Sources(ctx context.Context, conversationID string) ([]shard.Source, error) {
	return []shard.Source{b.source(conversationID)}, nil
}

// AllSources returns one source per listed session.
func (b *Bridged) AllSources(ctx context.Context) ([]shard.Source, error) {
	sessions, err := b.bridge.Sessions(ctx, b.handle)
	if err != nil {
		return nil, err
	}
	out := make([]shard.Source, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, b.source(s.Username))
	}
	return out, nil
}

func (b *Bridged) Count(ctx context.Context, conversationID string, rng shard.TimeRange) (int64, error) {
	p, err := b.source(conversationID).Aggregate(ctx, shard.AggregateQuery{Metric: shard.MetricCount, Range: rng})
	if err != nil {
		return 0, err
	}
	return p.Count, nil
}

func (b *Bridged) Sessions(ctx context.Context) ([]store.Session, error) {
	return b.bridge.Sessions(ctx, b.handle)
}

func (b *Bridged) DisplayNames(ctx context.Context, ids []string) (map[string]string, error) {
	return b.bridge.DisplayNames(ctx, b.handle, ids)
}

// Close releases the bridge handle once.
func (b *Bridged) Close() error {
	b.closeOnce.Do(func() { b.closeErr = b.bridge.Close(b.handle) })
	return b.closeErr
}

func (b *Bridged) source(conversationID string) *bridgeSource {
	return &bridgeSource{b: b, id: conversationID}
}

// bridgeSource is one conversation behind the bridge.
type bridgeSource struct {
	b  *Bridged
	id string
}

func (s *bridgeSource) Name() string                     { return "bridge:" + s.id }
func (s *bridgeSource) Capabilities() shard.Capabilities { return bridgeCaps }
func (s *bridgeSource) Release()                         {}

func (s *bridgeSource) Fetcher(spec shard.FetchSpec) shard.Fetcher {
	return &bridgeFetcher{src: s, spec: spec}
}

// Aggregate counts through the bridge when no range is set and otherwise
// folds the record stream.
func (s *bridgeSource) Aggregate(ctx context.Context, q shard.AggregateQuery) (*shard.Partial, error) {
	p := shard.NewPartial()
	if q.Metric == shard.MetricCount && q.Range.IsZero() {
		n, err := s.b.bridge.MessageCount(ctx, s.b.handle, s.id)
		if err != nil {
			return nil, err
		}
		p.Count = n
		return p, nil
	}
	for offset := 0; ; offset += s.b.batchSize {
		recs, err := s.b.bridge.Messages(ctx, s.b.handle, s.id, s.b.batchSize, offset)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if q.Range.Contains(r.Time) {
				// Sender ids are per shard and not exposed by the bridge, so
				// every record counts as received.
				p.Observe(r, 0, false)
			}
		}
		if len(recs) < s.b.batchSize {
			return p, nil
		}
	}
}

// bridgeFetcher pages through the bridge with offset windows. Positions are
// indexes into the ascending stream, so descending walks count down from
// the total.
type bridgeFetcher struct {
	src  *bridgeSource
	spec shard.FetchSpec

	total    int64
	hasTotal bool
}

func (f *bridgeFetcher) FetchBatch(ctx context.Context, limit int, after *shard.Key) ([]shard.Record, error) {
	if f.spec.Order == shard.Descending {
		return f.fetchDesc(ctx, limit, after)
	}
	start := int64(0)
	if after != nil {
		start = after.Pos + 1
	}
	for {
		recs, err := f.window(ctx, start, limit)
		if err != nil {
			return nil, err
		}
		kept := f.filter(recs)
		if len(kept) > 0 || len(recs) < limit {
			return kept, nil
		}
		start += int64(len(recs))
	}
}

func (f *bridgeFetcher) fetchDesc(ctx context.Context, limit int, after *shard.Key) ([]shard.Record, error) {
	if !f.hasTotal {
		n, err := f.src.b.bridge.MessageCount(ctx, f.src.b.handle, f.src.id)
		if err != nil {
			return nil, err
		}
		f.total, f.hasTotal = n, true
	}
	end := f.total // exclusive
	if after != nil {
		end = after.Pos
	}
	for end > 0 {
		start := max(0, end-int64(limit))
		recs, err := f.window(ctx, start, int(end-start))
		if err != nil {
			return nil, err
		}
		slices.Reverse(recs)
		if kept := f.filter(recs); len(kept) > 0 {
			return kept, nil
		}
		end = start
	}
	return nil, nil
}

// window fetches limit records at offset start and stamps their positions.
func (f *bridgeFetcher) window(ctx context.Context, start int64, limit int) ([]shard.Record, error) {
	recs, err := f.src.b.bridge.Messages(ctx, f.src.b.handle, f.src.id, limit, int(start))
	if err != nil {
		return nil, err
	}
	for i := range recs {
		recs[i].Pos = start + int64(i)
	}
	return recs, nil
}

func (f *bridgeFetcher) filter(recs []shard.Record) []shard.Record {
	if f.spec.Range.IsZero() {
		return recs
	}
	kept := recs[:0]
	for _, r := range recs {
		if f.spec.Range.Contains(r.Time) {
			kept = append(kept, r)
		}
	}
	return kept
}
