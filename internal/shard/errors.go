package shard

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrShardUnavailable marks a shard that is missing, locked, or fails to
	// open. Callers skip the shard and continue with the rest.
	ErrShardUnavailable = errors.New("shard unavailable")

	// ErrSchemaUnsupported marks a table without any ordering column. It is
	// logged and the table degrades to row-id ordering.
	ErrSchemaUnsupported = errors.New("schema unsupported")

	// ErrBridge marks a failure inside the decrypt bridge. It is never
	// absorbed: the operation fails as a whole.
	ErrBridge = errors.New("bridge failure")

	// ErrTimeout marks a scan that exceeded its ceiling.
	ErrTimeout = errors.New("operation timed out")
)

// UnavailableError carries the path of a shard that could not be read.
type UnavailableError struct {
	Path string
	Err  error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("shard %s unavailable: %v", e.Path, e.Err)
}

func (e *UnavailableError) Unwrap() []error { return []error{ErrShardUnavailable, e.Err} }

// Unavailable wraps err as a ShardUnavailable error for path.
func Unavailable(path string, err error) error {
	return &UnavailableError{Path: path, Err: err}
}

// IsTimeout reports whether err is a timeout surfaced by this package.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// WithTimeout derives a context bounded by d. A non-positive d returns a
// cancelable context without a deadline.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// TimeoutErr converts a context deadline into ErrTimeout so callers can tell
// a ceiling hit apart from a generic failure. Other errors pass through.
func TimeoutErr(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	return err
}
