package shardcache

import (
	"database/sql"
	"sync"
	"time"

	"github.com/wesm/shardvault/internal/shard"
)

// Descriptor is one open, read-only connection to a shard file. Exactly one
// descriptor exists per canonical path while it is cached.
type Descriptor struct {
	path string
	db   *sql.DB

	// Guarded by the owning cache's mutex.
	refs           int
	lastAccess     time.Time
	evictOnRelease bool

	closeOnce sync.Once
	closeErr  error
	closed    bool // guarded by the cache mutex

	memoMu   sync.Mutex
	tables   []string
	tablesOK bool
	resolved map[string]string
	caps     map[string]shard.Capabilities
}

func newDescriptor(path string, db *sql.DB, now time.Time) *Descriptor {
	return &Descriptor{
		path:       path,
		db:         db,
		lastAccess: now,
		resolved:   make(map[string]string),
		caps:       make(map[string]shard.Capabilities),
	}
}

// Path returns the canonical path of the shard.
func (d *Descriptor) Path() string { return d.path }

// DB returns the read-only connection. It must only be used between
// Acquire and Release.
func (d *Descriptor) DB() *sql.DB { return d.db }

func (d *Descriptor) close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.db.Close()
	})
	return d.closeErr
}

// Tables returns the memoized table list, loading it with load on first use.
// Shards are frozen for the lifetime of a descriptor.
func (d *Descriptor) Tables(load func() ([]string, error)) ([]string, error) {
	d.memoMu.Lock()
	defer d.memoMu.Unlock()
	if d.tablesOK {
		return d.tables, nil
	}
	tables, err := load()
	if err != nil {
		return nil, err
	}
	d.tables = tables
	d.tablesOK = true
	return tables, nil
}

// Resolution returns the memoized table for a conversation. known reports
// whether a resolution (including "no table") was recorded.
func (d *Descriptor) Resolution(conversationID string) (table string, known bool) {
	d.memoMu.Lock()
	defer d.memoMu.Unlock()
	table, known = d.resolved[conversationID]
	return table, known
}

// SetResolution records the resolved table ("" for no match).
func (d *Descriptor) SetResolution(conversationID, table string) {
	d.memoMu.Lock()
	d.resolved[conversationID] = table
	d.memoMu.Unlock()
}

// Caps returns memoized capabilities for a table.
func (d *Descriptor) Caps(table string) (shard.Capabilities, bool) {
	d.memoMu.Lock()
	defer d.memoMu.Unlock()
	c, ok := d.caps[table]
	return c, ok
}

// SetCaps memoizes capabilities for a table.
func (d *Descriptor) SetCaps(table string, caps shard.Capabilities) {
	d.memoMu.Lock()
	d.caps[table] = caps
	d.memoMu.Unlock()
}
