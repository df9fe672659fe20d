// Package shardcache memoizes one read-only connection per shard file and
// evicts idle connections after a TTL. Close drains in-flight users before
// any handle is released.
package shardcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/wesm/shardvault/internal/metrics"
	"github.com/wesm/shardvault/internal/shard"
)

// ErrClosed is returned by Acquire after Close has been called.
var ErrClosed = errors.New("shard cache closed")

const (
	DefaultIdleTTL       = 5 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Options configures a Cache.
type Options struct {
	IdleTTL       time.Duration
	SweepInterval time.Duration
	Open          OpenFunc
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Cache maps canonical shard paths to descriptors. It is the only shared
// mutable state in a query session.
type Cache struct {
	ttl     time.Duration
	sweep   time.Duration
	open    OpenFunc
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	drained  *sync.Cond
	entries  map[string]*Descriptor
	inflight int // outstanding references plus opens in progress
	closed   bool

	cron *cron.Cron
}

// New creates a Cache. Call Start to enable periodic idle eviction.
func New(opts Options) *Cache {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultIdleTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Open == nil {
		opts.Open = OpenReadOnly
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Cache{
		ttl:     opts.IdleTTL,
		sweep:   opts.SweepInterval,
		open:    opts.Open,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     time.Now,
		entries: make(map[string]*Descriptor),
	}
	c.drained = sync.NewCond(&c.mu)
	return c
}

// Start schedules the idle sweeper. It is a no-op after Close.
func (c *Cache) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.cron != nil {
		return nil
	}
	cr := cron.New()
	if _, err := cr.AddFunc(fmt.Sprintf("@every %s", c.sweep), func() { c.Sweep() }); err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}
	cr.Start()
	c.cron = cr
	return nil
}

// Acquire returns the descriptor for path, opening it on first use. Every
// successful Acquire must be paired with Release.
func (c *Cache) Acquire(ctx context.Context, path string) (*Descriptor, error) {
	canon, err := Canonical(path)
	if err != nil {
		return nil, shard.Unavailable(path, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	var stale *Descriptor
	if d, ok := c.entries[canon]; ok && d.evictOnRelease {
		// Evicted while in use: current holders keep it until their
		// release closes it, new users get a fresh connection.
		delete(c.entries, canon)
	} else if ok {
		if d.refs > 0 || c.now().Sub(d.lastAccess) < c.ttl {
			d.refs++
			d.lastAccess = c.now()
			c.inflight++
			c.mu.Unlock()
			c.metrics.Hit()
			return d, nil
		}
		// Idle past the TTL: replace it with a fresh connection.
		delete(c.entries, canon)
		d.closed = true
		stale = d
	}
	c.inflight++
	c.mu.Unlock()

	if stale != nil {
		c.closeDescriptor(stale, true)
	}

	db, err := c.open(ctx, canon)

	c.mu.Lock()
	if err != nil {
		c.doneLocked()
		c.mu.Unlock()
		return nil, shard.Unavailable(canon, err)
	}
	if c.closed {
		c.doneLocked()
		c.mu.Unlock()
		_ = db.Close()
		return nil, ErrClosed
	}
	if winner, ok := c.entries[canon]; ok {
		if !winner.evictOnRelease {
			// Lost a population race: reuse the first opener's handle.
			winner.refs++
			winner.lastAccess = c.now()
			c.mu.Unlock()
			_ = db.Close()
			c.metrics.Raced()
			return winner, nil
		}
		// The winner was evicted while in use; its holders close it on
		// release and this handle takes its place.
		delete(c.entries, canon)
	}
	d := newDescriptor(canon, db, c.now())
	d.refs = 1
	c.entries[canon] = d
	c.mu.Unlock()

	c.metrics.Opened()
	c.logger.Debug("opened shard", "path", canon)
	return d, nil
}

// Release returns a descriptor obtained from Acquire.
func (c *Cache) Release(d *Descriptor) {
	if d == nil {
		return
	}
	c.mu.Lock()
	d.refs--
	d.lastAccess = c.now()
	var evict bool
	if d.refs == 0 && d.evictOnRelease && !d.closed {
		if c.entries[d.path] == d {
			delete(c.entries, d.path)
		}
		d.closed = true
		evict = true
	}
	c.doneLocked()
	c.mu.Unlock()

	if evict {
		c.closeDescriptor(d, true)
	}
}

// Evict closes the descriptor for path. A descriptor still referenced is
// marked and closed when its last reference is released; Evict then
// reports false.
func (c *Cache) Evict(path string) bool {
	canon, err := Canonical(path)
	if err != nil {
		return false
	}
	c.mu.Lock()
	d, ok := c.entries[canon]
	if !ok {
		c.mu.Unlock()
		return false
	}
	if d.refs > 0 {
		d.evictOnRelease = true
		c.mu.Unlock()
		return false
	}
	delete(c.entries, canon)
	d.closed = true
	c.mu.Unlock()

	c.closeDescriptor(d, true)
	return true
}

// Sweep closes every unreferenced descriptor idle for at least the TTL and
// returns how many were evicted.
func (c *Cache) Sweep() int {
	now := c.now()
	var victims []*Descriptor

	c.mu.Lock()
	for p, d := range c.entries {
		if d.refs == 0 && now.Sub(d.lastAccess) >= c.ttl {
			delete(c.entries, p)
			d.closed = true
			victims = append(victims, d)
		}
	}
	c.mu.Unlock()

	for _, d := range victims {
		c.closeDescriptor(d, true)
	}
	if len(victims) > 0 {
		c.logger.Debug("evicted idle shards", "count", len(victims))
	}
	return len(victims)
}

// Len returns the number of cached descriptors.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the sweeper, rejects new acquisitions, waits until every
// in-flight user has released its descriptor, then closes each handle once.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cr := c.cron
	c.mu.Unlock()

	if cr != nil {
		<-cr.Stop().Done()
	}

	c.mu.Lock()
	for c.inflight > 0 {
		c.drained.Wait()
	}
	victims := make([]*Descriptor, 0, len(c.entries))
	for p, d := range c.entries {
		delete(c.entries, p)
		d.closed = true
		victims = append(victims, d)
	}
	c.mu.Unlock()

	var errs []error
	for _, d := range victims {
		if err := c.closeDescriptor(d, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Cache) doneLocked() {
	c.inflight--
	if c.inflight == 0 {
		c.drained.Broadcast()
	}
}

func (c *Cache) closeDescriptor(d *Descriptor, evicted bool) error {
	err := d.close()
	c.metrics.Closed(evicted)
	if err != nil {
		c.logger.Warn("close shard", "path", d.path, "error", err)
		return fmt.Errorf("close %s: %w", d.path, err)
	}
	return nil
}
