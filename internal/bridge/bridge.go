// Package bridge defines the live-decrypt backend contract: a long-lived
// handle to an encrypted account that answers session, message, count and
// name queries directly. Every failure is a bridge failure.
package bridge

import (
	"context"
	"fmt"

	"github.com/wesm/shardvault/internal/shard"
	"github.com/wesm/shardvault/internal/store"
)

// ErrInvalidHandle is returned for handles that were never opened or have
// been closed.
var ErrInvalidHandle = fmt.Errorf("invalid handle: %w", shard.ErrBridge)

// Handle identifies an open account.
type Handle uint64

// Bridge answers queries against an encrypted account.
type Bridge interface {
	// Open decrypts enough of the account at path to serve queries. key is
	// the account key in the form accepted by pagecrypt.ParseKey, or empty
	// for a plain account.
	Open(ctx context.Context, path, key string) (Handle, error)
	Sessions(ctx context.Context, h Handle) ([]store.Session, error)
	// Messages returns up to limit records of conversationID starting at
	// offset, ascending by composite key.
	Messages(ctx context.Context, h Handle, conversationID string, limit, offset int) ([]shard.Record, error)
	MessageCount(ctx context.Context, h Handle, conversationID string) (int64, error)
	DisplayNames(ctx context.Context, h Handle, ids []string) (map[string]string, error)
	// Close waits for calls in flight on h and releases it.
	Close(h Handle) error
}

// wrap marks err as a bridge failure for op.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("bridge %s: %w: %w", op, shard.ErrBridge, err)
}
