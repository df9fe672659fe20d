// Package cursor implements bounded-memory keyset cursors over a single
// shard source. A cursor buffers at most one batch and resumes strictly
// after the last key it returned.
package cursor

import (
	"context"

	"github.com/wesm/shardvault/internal/shard"
)

// DefaultBatchSize is the number of records fetched per round trip.
const DefaultBatchSize = 200

// Cursor walks one source in composite-key order.
type Cursor struct {
	fetcher   shard.Fetcher
	spec      shard.FetchSpec
	batchSize int

	buf       []shard.Record
	pos       int
	last      shard.Key
	hasLast   bool
	exhausted bool
}

// New creates a cursor over f. batchSize <= 0 uses DefaultBatchSize.
func New(f shard.Fetcher, spec shard.FetchSpec, batchSize int) *Cursor {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Cursor{fetcher: f, spec: spec, batchSize: batchSize}
}

// Next returns the next record. ok is false once the source is exhausted.
// A fetch error exhausts the cursor and is returned once.
func (c *Cursor) Next(ctx context.Context) (rec shard.Record, ok bool, err error) {
	if c.pos >= len(c.buf) {
		if c.exhausted {
			return shard.Record{}, false, nil
		}
		if err := c.fill(ctx); err != nil {
			return shard.Record{}, false, err
		}
		if c.exhausted {
			return shard.Record{}, false, nil
		}
	}
	rec = c.buf[c.pos]
	c.buf[c.pos] = shard.Record{}
	c.pos++
	c.last, c.hasLast = rec.Key(), true
	return rec, true, nil
}

// Exhausted reports whether the cursor will issue no further fetches.
func (c *Cursor) Exhausted() bool { return c.exhausted && c.pos >= len(c.buf) }

// Last returns the last key handed out.
func (c *Cursor) Last() (shard.Key, bool) { return c.last, c.hasLast }

func (c *Cursor) fill(ctx context.Context) error {
	var after *shard.Key
	if c.hasLast {
		k := c.last
		after = &k
	}
	batch, err := c.fetcher.FetchBatch(ctx, c.batchSize, after)
	c.buf, c.pos = nil, 0
	if err != nil {
		c.exhausted = true
		return err
	}

	// Keep only records strictly beyond the resume key and each other, so
	// the monotonic invariant holds for any fetcher implementation.
	kept := batch[:0]
	prev, hasPrev := c.last, c.hasLast
	for _, r := range batch {
		if hasPrev && !c.beyond(r.Key(), prev) {
			continue
		}
		kept = append(kept, r)
		prev, hasPrev = r.Key(), true
	}
	if len(kept) == 0 {
		c.exhausted = true
		return nil
	}
	c.buf = kept
	return nil
}

func (c *Cursor) beyond(k, prev shard.Key) bool {
	cmp := shard.Compare(k, prev, c.spec.Caps)
	if c.spec.Order == shard.Descending {
		return cmp < 0
	}
	return cmp > 0
}
