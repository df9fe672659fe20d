// Package catalog enumerates the database files that make up one account's
// message store: the primary session and contact stores plus the numbered
// message shards.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Defaults for the conventional account layout.
const (
	DefaultMessageDir   = "db_storage/message"
	DefaultShardPattern = "message_%d.db"
	DefaultSessionDB    = "db_storage/session/session.db"
	DefaultContactDB    = "db_storage/contact/contact.db"
	DefaultMaxShards    = 200
	DefaultTTL          = 30 * time.Second
)

// Options configures a Catalog. Relative paths are resolved against AccountDir.
type Options struct {
	AccountDir   string
	MessageDir   string
	ShardPattern string // fmt pattern with a single %d
	SessionDB    string
	ContactDB    string
	MaxShards    int
	TTL          time.Duration
}

func (o Options) withDefaults() Options {
	if o.MessageDir == "" {
		o.MessageDir = DefaultMessageDir
	}
	if o.ShardPattern == "" {
		o.ShardPattern = DefaultShardPattern
	}
	if o.SessionDB == "" {
		o.SessionDB = DefaultSessionDB
	}
	if o.ContactDB == "" {
		o.ContactDB = DefaultContactDB
	}
	if o.MaxShards <= 0 {
		o.MaxShards = DefaultMaxShards
	}
	if o.TTL == 0 {
		o.TTL = DefaultTTL
	}
	return o
}

// Layout is the result of one filesystem scan. SessionDB and ContactDB are
// empty when the file does not exist.
type Layout struct {
	AccountDir string
	SessionDB  string
	ContactDB  string
	Shards     []string
	ScannedAt  time.Time
}

// Catalog caches the account layout for a short TTL so repeated calls do not
// rescan the filesystem. Concurrent rescans collapse into one.
type Catalog struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	group  singleflight.Group
	onScan func() // test hook, runs once a scan has listed the files

	mu     sync.Mutex
	cached *Layout
	gen    uint64 // bumped by Invalidate
}

// New creates a Catalog for the account described by opts.
func New(opts Options, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		opts:   opts.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

// List returns the current layout, rescanning when the cached copy is older
// than the TTL or has been invalidated. A shared scan is not tied to any one
// caller's context; a canceled caller stops waiting and the others still get
// the result.
func (c *Catalog) List(ctx context.Context) (*Layout, error) {
	c.mu.Lock()
	if c.cached != nil && c.now().Sub(c.cached.ScannedAt) < c.opts.TTL {
		l := c.cached
		c.mu.Unlock()
		return l, nil
	}
	gen := c.gen
	c.mu.Unlock()

	// Keyed by generation so callers after an Invalidate never join a scan
	// that started before it.
	ch := c.group.DoChan(strconv.FormatUint(gen, 10), func() (interface{}, error) {
		l, err := c.scan()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gen == gen {
			c.cached = l
		}
		c.mu.Unlock()
		return l, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Layout), nil
	}
}

// Invalidate drops the cached layout; the next List rescans. A scan in
// flight when Invalidate runs does not repopulate the cache.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.gen++
	c.mu.Unlock()
}

func (c *Catalog) scan() (*Layout, error) {
	info, err := os.Stat(c.opts.AccountDir)
	if err != nil {
		return nil, fmt.Errorf("stat account dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("account dir %s is not a directory", c.opts.AccountDir)
	}

	l := &Layout{
		AccountDir: c.opts.AccountDir,
		SessionDB:  c.existing(c.opts.SessionDB),
		ContactDB:  c.existing(c.opts.ContactDB),
		ScannedAt:  c.now(),
	}

	dir := c.resolve(c.opts.MessageDir)
	for n := 0; n < c.opts.MaxShards; n++ {
		p := filepath.Join(dir, fmt.Sprintf(c.opts.ShardPattern, n))
		if !isFile(p) {
			// Some layouts number shards from 1.
			if n == 0 {
				continue
			}
			break
		}
		l.Shards = append(l.Shards, p)
	}

	c.logger.Debug("scanned account layout",
		"dir", c.opts.AccountDir, "shards", len(l.Shards),
		"session", l.SessionDB != "", "contact", l.ContactDB != "")
	if c.onScan != nil {
		c.onScan()
	}
	return l, nil
}

func (c *Catalog) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.opts.AccountDir, filepath.FromSlash(p))
}

func (c *Catalog) existing(p string) string {
	p = c.resolve(p)
	if isFile(p) {
		return p
	}
	return ""
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}
