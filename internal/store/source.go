package store

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/wesm/shardvault/internal/aggregate"
	"github.com/wesm/shardvault/internal/cursor"
	"github.com/wesm/shardvault/internal/metrics"
	"github.com/wesm/shardvault/internal/shard"
	"github.com/wesm/shardvault/internal/shardcache"
)

// lease shares one cache reference between the sources of a shard. The
// descriptor goes back to the cache when the last source is released.
type lease struct {
	cache *shardcache.Cache
	d     *shardcache.Descriptor
	refs  atomic.Int32
}

func (l *lease) release() {
	if l.refs.Add(-1) == 0 {
		l.cache.Release(l.d)
	}
}

// sqlSource is one message table in one shard file.
type sqlSource struct {
	lease   *lease
	table   string
	caps    shard.Capabilities
	self    aggregate.Self
	metrics *metrics.Metrics

	once sync.Once
}

func (s *sqlSource) Name() string { return s.lease.d.Path() + "#" + s.table }

func (s *sqlSource) Capabilities() shard.Capabilities { return s.caps }

func (s *sqlSource) Fetcher(spec shard.FetchSpec) shard.Fetcher {
	return cursor.NewSQLFetcher(s.lease.d.DB(), s.lease.d.Path(), s.table, s.caps, spec, s.metrics)
}

func (s *sqlSource) Aggregate(ctx context.Context, q shard.AggregateQuery) (*shard.Partial, error) {
	return aggregate.Pushdown(ctx, s.lease.d.DB(), s.table, s.caps, q, s.self)
}

func (s *sqlSource) Release() { s.once.Do(s.lease.release) }
