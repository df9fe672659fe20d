// Package shard defines the data model shared by every layer of shardvault:
// message records, composite ordering keys, per-table capability flags, and
// the Source/Fetcher contracts that backends implement.
package shard

import (
	"context"
	"fmt"
)

// Order is the direction of a merge or pagination walk.
type Order int

const (
	Ascending Order = iota
	Descending
)

func (o Order) String() string {
	if o == Descending {
		return "desc"
	}
	return "asc"
}

// Capabilities describes which ordering and payload columns a message table
// carries. It is computed once per table and threaded through query building.
type Capabilities struct {
	HasSeq  bool // native ordering column (sort_seq)
	HasTime bool // unix timestamp column (create_time)

	// RowIDColumn is the integer primary key used as final tiebreaker.
	// "rowid" when the table has no explicit local_id column.
	RowIDColumn string

	HasSender  bool
	HasType    bool
	HasStatus  bool
	HasContent bool
	HasCodec   bool

	// Positional sources number their records by stream position and are
	// ordered by that position alone.
	Positional bool
}

// RowIDOnly returns the degraded capability set used when introspection fails
// or the table exposes neither ordering column.
func RowIDOnly() Capabilities {
	return Capabilities{RowIDColumn: "rowid"}
}

// Intersect returns the ordering capabilities shared by c and o. Payload
// flags are kept from c since they only affect projection.
func (c Capabilities) Intersect(o Capabilities) Capabilities {
	out := c
	out.HasSeq = c.HasSeq && o.HasSeq
	out.HasTime = c.HasTime && o.HasTime
	out.Positional = c.Positional && o.Positional
	return out
}

// Key is the composite ordering key (native sequence, timestamp, row id).
// Only the components enabled by the active Capabilities participate in
// comparisons.
type Key struct {
	Seq   int64
	Time  int64
	RowID int64
	Pos   int64
}

// Compare orders a and b over the columns enabled in caps, returning -1, 0
// or 1. Row id is always compared last. Positional capabilities compare the
// stream position only.
func Compare(a, b Key, caps Capabilities) int {
	if caps.Positional {
		return cmpInt(a.Pos, b.Pos)
	}
	if caps.HasSeq {
		if c := cmpInt(a.Seq, b.Seq); c != 0 {
			return c
		}
	}
	if caps.HasTime {
		if c := cmpInt(a.Time, b.Time); c != 0 {
			return c
		}
	}
	return cmpInt(a.RowID, b.RowID)
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// TimeRange bounds records by timestamp: Begin inclusive, End exclusive.
// Zero values mean unbounded on that side.
type TimeRange struct {
	Begin int64
	End   int64
}

// IsZero reports whether the range is unbounded on both sides.
func (r TimeRange) IsZero() bool { return r.Begin == 0 && r.End == 0 }

// Contains reports whether ts falls inside the range.
func (r TimeRange) Contains(ts int64) bool {
	if r.Begin != 0 && ts < r.Begin {
		return false
	}
	if r.End != 0 && ts >= r.End {
		return false
	}
	return true
}

// Record is one message row read from a shard table.
type Record struct {
	Seq      int64
	Time     int64
	RowID    int64
	SenderID int64
	Type     int64
	Status   int64
	Content  []byte
	Codec    int64 // content compression marker (WCDB_CT_message_content)
	Pos      int64 // stream position, set by positional sources only

	Source string // canonical shard path or bridge handle name
	Table  string
}

// Key returns the record's composite ordering key.
func (r Record) Key() Key {
	return Key{Seq: r.Seq, Time: r.Time, RowID: r.RowID, Pos: r.Pos}
}

func (r Record) String() string {
	return fmt.Sprintf("%s/%s#%d@%d", r.Source, r.Table, r.RowID, r.Time)
}

// Fetcher pulls bounded batches of records ordered by the composite key.
// after is nil for the first batch; otherwise only records strictly beyond
// it in the fetcher's direction are returned.
type Fetcher interface {
	FetchBatch(ctx context.Context, limit int, after *Key) ([]Record, error)
}

// FetchSpec configures a Fetcher: direction, pushed-down time range and the
// effective capabilities shared by every source in the operation.
type FetchSpec struct {
	Order Order
	Range TimeRange
	Caps  Capabilities
}

// Source is one (shard, table) pair contributing records for a conversation.
type Source interface {
	// Name identifies the source in logs; stable for the lifetime of the source.
	Name() string
	Capabilities() Capabilities
	Fetcher(spec FetchSpec) Fetcher
	// Aggregate runs a pushdown aggregate over the source.
	Aggregate(ctx context.Context, q AggregateQuery) (*Partial, error)
	// Release returns any resources (connection references) held by the source.
	Release()
}
