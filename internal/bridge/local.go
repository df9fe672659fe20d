package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/wesm/shardvault/internal/catalog"
	"github.com/wesm/shardvault/internal/fileutil"
	"github.com/wesm/shardvault/internal/merge"
	"github.com/wesm/shardvault/internal/metrics"
	"github.com/wesm/shardvault/internal/pagecrypt"
	"github.com/wesm/shardvault/internal/shard"
	"github.com/wesm/shardvault/internal/store"
)

// Options configures a Local bridge.
type Options struct {
	// Catalog describes the account layout; AccountDir is ignored and
	// taken from Open.
	Catalog catalog.Options
	// SnapshotDir is the parent of each handle's private snapshot
	// directory. Empty uses the system temp dir.
	SnapshotDir string
	BatchSize   int
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Local is an in-process Bridge. Each handle keeps owner-only decrypted
// snapshots of the account's files and decrypts a file again whenever its
// size or modification time changes.
type Local struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	drained *sync.Cond
	next    Handle
	handles map[Handle]*account
}

// NewLocal creates a Local bridge.
func NewLocal(opts Options) *Local {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	l := &Local{
		opts:    opts,
		logger:  opts.Logger,
		handles: make(map[Handle]*account),
	}
	l.drained = sync.NewCond(&l.mu)
	return l
}

type fileState struct {
	size  int64
	mtime time.Time
}

// account is the per-handle state.
type account struct {
	dir     string
	snapDir string
	key     pagecrypt.Key
	source  *catalog.Catalog
	store   *store.Store
	engine  *merge.Engine

	inflight int // guarded by Local.mu
	closing  bool

	syncMu sync.Mutex
	files  map[string]fileState // relative path -> state at last decrypt
}

func (l *Local) Open(ctx context.Context, path, key string) (Handle, error) {
	var k pagecrypt.Key
	if key != "" {
		var err error
		if k, err = pagecrypt.ParseKey(key); err != nil {
			return 0, wrap("open", err)
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, wrap("open", err)
	}
	if !info.IsDir() {
		return 0, wrap("open", fmt.Errorf("%s is not a directory", path))
	}

	snapDir, err := fileutil.TempDir(l.opts.SnapshotDir, "shardvault-snap-")
	if err != nil {
		return 0, wrap("open", fmt.Errorf("create snapshot dir: %w", err))
	}

	srcOpts := l.opts.Catalog
	srcOpts.AccountDir = path
	snapOpts := l.opts.Catalog
	snapOpts.AccountDir = snapDir
	st, err := store.Open(store.Options{
		Catalog: snapOpts,
		Logger:  l.logger,
		Metrics: l.opts.Metrics,
	})
	if err != nil {
		os.RemoveAll(snapDir)
		return 0, wrap("open", err)
	}

	a := &account{
		dir:     path,
		snapDir: snapDir,
		key:     k,
		source:  catalog.New(srcOpts, l.logger),
		store:   st,
		engine:  merge.New(l.opts.BatchSize, l.logger, l.opts.Metrics),
		files:   make(map[string]fileState),
	}
	if err := a.sync(ctx, l.logger); err != nil {
		st.Close()
		os.RemoveAll(snapDir)
		return 0, wrap("open", err)
	}

	l.mu.Lock()
	l.next++
	h := l.next
	l.handles[h] = a
	l.mu.Unlock()

	l.logger.Info("bridge opened", "account", path, "handle", uint64(h), "encrypted", !k.IsZero())
	return h, nil
}

// enter pins the account behind h for one call.
func (l *Local) enter(h Handle) (*account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.handles[h]
	if !ok || a.closing {
		return nil, ErrInvalidHandle
	}
	a.inflight++
	return a, nil
}

func (l *Local) leave(a *account) {
	l.mu.Lock()
	a.inflight--
	if a.inflight == 0 {
		l.drained.Broadcast()
	}
	l.mu.Unlock()
}

// call runs fn against the freshly synced account behind h.
func (l *Local) call(ctx context.Context, h Handle, op string, fn func(a *account) error) error {
	a, err := l.enter(h)
	if err != nil {
		return err
	}
	defer l.leave(a)
	if err := a.sync(ctx, l.logger); err != nil {
		return wrap(op, err)
	}
	if err := fn(a); err != nil {
		if errors.Is(err, shard.ErrBridge) {
			return err
		}
		return wrap(op, err)
	}
	return nil
}

func (l *Local) Sessions(ctx context.Context, h Handle) ([]store.Session, error) {
	var out []store.Session
	err := l.call(ctx, h, "sessions", func(a *account) error {
		var err error
		out, err = a.store.Sessions(ctx)
		return err
	})
	return out, err
}

func (l *Local) Messages(ctx context.Context, h Handle, conversationID string, limit, offset int) ([]shard.Record, error) {
	if limit <= 0 || offset < 0 {
		return nil, wrap("messages", fmt.Errorf("invalid window limit=%d offset=%d", limit, offset))
	}
	var out []shard.Record
	err := l.call(ctx, h, "messages", func(a *account) error {
		sources, err := a.store.Sources(ctx, conversationID)
		if err != nil {
			return err
		}
		defer store.ReleaseAll(sources)
		recs, err := a.engine.Merge(ctx, sources, merge.Options{
			Order:  shard.Ascending,
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			return err
		}
		for i := range recs {
			recs[i].Source = a.original(recs[i].Source)
		}
		out = recs
		return nil
	})
	return out, err
}

func (l *Local) MessageCount(ctx context.Context, h Handle, conversationID string) (int64, error) {
	var n int64
	err := l.call(ctx, h, "count", func(a *account) error {
		var err error
		n, err = a.store.Count(ctx, conversationID, shard.TimeRange{})
		return err
	})
	return n, err
}

func (l *Local) DisplayNames(ctx context.Context, h Handle, ids []string) (map[string]string, error) {
	var out map[string]string
	err := l.call(ctx, h, "display names", func(a *account) error {
		var err error
		out, err = a.store.DisplayNames(ctx, ids)
		return err
	})
	return out, err
}

// Close invalidates h, waits for its calls in flight, then closes its
// connections and removes its snapshots.
func (l *Local) Close(h Handle) error {
	l.mu.Lock()
	a, ok := l.handles[h]
	if !ok || a.closing {
		l.mu.Unlock()
		return ErrInvalidHandle
	}
	a.closing = true
	for a.inflight > 0 {
		l.drained.Wait()
	}
	delete(l.handles, h)
	l.mu.Unlock()

	err := a.store.Close()
	if rerr := os.RemoveAll(a.snapDir); rerr != nil {
		err = errors.Join(err, rerr)
	}
	l.logger.Info("bridge closed", "account", a.dir, "handle", uint64(h))
	return wrap("close", err)
}

// original maps a snapshot path back to the account file it mirrors.
func (a *account) original(p string) string {
	if rel, err := filepath.Rel(a.snapDir, p); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.Join(a.dir, rel)
	}
	return p
}

// sync brings every snapshot up to date with the account files.
func (a *account) sync(ctx context.Context, logger *slog.Logger) error {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()

	layout, err := a.source.List(ctx)
	if err != nil {
		return err
	}
	files := append([]string(nil), layout.Shards...)
	for _, p := range []string{layout.SessionDB, layout.ContactDB} {
		if p != "" {
			files = append(files, p)
		}
	}

	seen := make(map[string]bool, len(files))
	changed := false
	for _, p := range files {
		rel, err := filepath.Rel(a.dir, p)
		if err != nil {
			return err
		}
		seen[rel] = true
		info, err := os.Stat(p)
		if err != nil {
			// Vanished since the scan; the snapshot store skips it too.
			logger.Warn("account file unavailable", "path", p, "error", err)
			continue
		}
		state := fileState{size: info.Size(), mtime: info.ModTime()}
		if prev, ok := a.files[rel]; ok && prev == state {
			continue
		}
		dst := filepath.Join(a.snapDir, rel)
		start := time.Now()
		if err := a.materialize(ctx, p, dst); err != nil {
			return fmt.Errorf("snapshot %s: %w", rel, err)
		}
		a.files[rel] = state
		a.store.Refresh(dst)
		changed = true
		logger.Debug("decrypted snapshot", "file", rel, "bytes", state.size, "took", time.Since(start))
	}

	for rel := range a.files {
		if seen[rel] {
			continue
		}
		dst := filepath.Join(a.snapDir, rel)
		a.store.Refresh(dst)
		os.Remove(dst)
		delete(a.files, rel)
		changed = true
	}
	if changed {
		a.store.Refresh("")
	}
	return nil
}

// materialize atomically replaces dst with the plain image of src.
func (a *account) materialize(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	return fileutil.WriteAtomic(dst, func(w io.Writer) error {
		return a.decrypt(ctx, in, info.Size(), w)
	})
}

func (a *account) decrypt(ctx context.Context, in *os.File, size int64, out io.Writer) error {
	if a.key.IsZero() {
		_, err := io.Copy(out, in)
		return err
	}
	header := make([]byte, pagecrypt.SaltSize)
	if _, err := in.ReadAt(header, 0); err != nil {
		return err
	}
	if _, err := pagecrypt.Salt(header); errors.Is(err, pagecrypt.ErrNotEncrypted) {
		_, err := io.Copy(out, io.NewSectionReader(in, 0, size))
		return err
	}
	_, err := pagecrypt.DecryptStream(ctx, a.key, in, size, out)
	return err
}
