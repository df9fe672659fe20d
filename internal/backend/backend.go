// Package backend selects how an account is read: straight from plain
// shard files, or through a live-decrypt bridge. Merge and aggregation code
// depends only on the Backend interface.
package backend

import (
	"context"
	"fmt"

	"github.com/wesm/shardvault/internal/aggregate"
	"github.com/wesm/shardvault/internal/shard"
	"github.com/wesm/shardvault/internal/store"
)

// Kinds accepted by the account.backend setting.
const (
	KindFile   = "file"
	KindBridge = "bridge"
)

// Backend resolves conversations to sources and counts their records.
type Backend interface {
	aggregate.SourceProvider
	Count(ctx context.Context, conversationID string, rng shard.TimeRange) (int64, error)
	Close() error
}

// SessionLister is implemented by backends that can list conversations and
// resolve display names.
type SessionLister interface {
	Sessions(ctx context.Context) ([]store.Session, error)
	DisplayNames(ctx context.Context, ids []string) (map[string]string, error)
}

// File reads plain shard files through a store.Store.
type File struct {
	*store.Store
}

// OpenFile opens a file backend.
func OpenFile(opts store.Options) (*File, error) {
	st, err := store.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open file backend: %w", err)
	}
	return &File{Store: st}, nil
}

var (
	_ Backend       = (*File)(nil)
	_ SessionLister = (*File)(nil)
	_ Backend       = (*Bridged)(nil)
	_ SessionLister = (*Bridged)(nil)
)
