package cursor

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/wesm/shardvault/internal/shard"
	"github.com/wesm/shardvault/internal/shardcache"
	"github.com/wesm/shardvault/internal/testutil/dbtest"
)

// sliceFetcher serves records from memory with keyset semantics and counts calls.
type sliceFetcher struct {
	recs  []shard.Record
	caps  shard.Capabilities
	order shard.Order
	calls int
	err   error
}

func (f *sliceFetcher) FetchBatch(_ context.Context, limit int, after *shard.Key) ([]shard.Record, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	sorted := append([]shard.Record(nil), f.recs...)
	sort.Slice(sorted, func(i, j int) bool {
		c := shard.Compare(sorted[i].Key(), sorted[j].Key(), f.caps)
		if f.order == shard.Descending {
			return c > 0
		}
		return c < 0
	})
	var out []shard.Record
	for _, r := range sorted {
		if after != nil {
			c := shard.Compare(r.Key(), *after, f.caps)
			if (f.order == shard.Ascending && c <= 0) || (f.order == shard.Descending && c >= 0) {
				continue
			}
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func drain(t *testing.T, c *Cursor) []int64 {
	t.Helper()
	var out []int64
	for {
		r, ok, err := c.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			return out
		}
		out = append(out, r.Time)
	}
}

func timeCaps() shard.Capabilities {
	return shard.Capabilities{HasTime: true, RowIDColumn: "local_id"}
}

func TestCursor_BatchesAndExhaustion(t *testing.T) {
	f := &sliceFetcher{caps: timeCaps()}
	for i := int64(1); i <= 5; i++ {
		f.recs = append(f.recs, shard.Record{RowID: i, Time: 100 + i})
	}
	c := New(f, shard.FetchSpec{Caps: timeCaps()}, 2)

	got := drain(t, c)
	if diff := cmp.Diff([]int64{101, 102, 103, 104, 105}, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	// 3 full/partial batches plus the empty one that marks exhaustion.
	if f.calls != 4 {
		t.Errorf("fetch calls = %d, want 4", f.calls)
	}
	if !c.Exhausted() {
		t.Error("cursor not exhausted")
	}
	// No further fetches once exhausted.
	if _, ok, _ := c.Next(context.Background()); ok || f.calls != 4 {
		t.Errorf("fetch after exhaustion: ok=%v calls=%d", ok, f.calls)
	}
}

func TestCursor_Descending(t *testing.T) {
	f := &sliceFetcher{caps: timeCaps(), order: shard.Descending}
	for i, ts := range []int64{5, 1, 3, 3} {
		f.recs = append(f.recs, shard.Record{RowID: int64(i + 1), Time: ts})
	}
	c := New(f, shard.FetchSpec{Order: shard.Descending, Caps: timeCaps()}, 3)
	if diff := cmp.Diff([]int64{5, 3, 3, 1}, drain(t, c)); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

// staleFetcher ignores the resume key, which would loop forever without
// the cursor's monotonic guard.
type staleFetcher struct{ calls int }

func (f *staleFetcher) FetchBatch(context.Context, int, *shard.Key) ([]shard.Record, error) {
	f.calls++
	return []shard.Record{{RowID: 1, Time: 10}, {RowID: 2, Time: 20}}, nil
}

func TestCursor_DropsNonAdvancingRecords(t *testing.T) {
	f := &staleFetcher{}
	c := New(f, shard.FetchSpec{Caps: timeCaps()}, 2)
	if diff := cmp.Diff([]int64{10, 20}, drain(t, c)); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	if f.calls != 2 {
		t.Errorf("calls = %d, want 2", f.calls)
	}
}

func TestCursor_FetchErrorExhausts(t *testing.T) {
	boom := errors.New("disk gone")
	f := &sliceFetcher{err: boom}
	c := New(f, shard.FetchSpec{}, 10)
	if _, _, err := c.Next(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if _, ok, err := c.Next(context.Background()); ok || err != nil {
		t.Errorf("after error: ok=%v err=%v, want exhausted", ok, err)
	}
}

func TestCursor_SQLFetcherKeysetAcrossBatches(t *testing.T) {
	tests := []struct {
		name  string
		opts  dbtest.TableOpts
		order shard.Order
	}{
		{"full asc", dbtest.TableOpts{}, shard.Ascending},
		{"full desc", dbtest.TableOpts{}, shard.Descending},
		{"time only asc", dbtest.TableOpts{NoSeq: true}, shard.Ascending},
		{"row id only desc", dbtest.TableOpts{NoSeq: true, NoTime: true, NoLocal: true}, shard.Descending},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := dbtest.NewShard(t, t.TempDir()+"/message_0.db")
			table := s.AddConversation("abc", tc.opts)
			// Duplicate timestamps force the row id tiebreaker.
			s.AddTimestamps(table, 100, 100, 100, 101, 102, 102, 103)

			cache := shardcache.New(shardcache.Options{})
			defer cache.Close()
			d, err := cache.Acquire(context.Background(), s.Path)
			if err != nil {
				t.Fatal(err)
			}
			defer cache.Release(d)

			caps := shard.Capabilities{
				HasSeq: !tc.opts.NoSeq, HasTime: !tc.opts.NoTime, RowIDColumn: "local_id",
				HasSender: true, HasType: true, HasStatus: true, HasContent: true, HasCodec: true,
			}
			if tc.opts.NoLocal {
				caps.RowIDColumn = "rowid"
			}
			spec := shard.FetchSpec{Order: tc.order, Caps: caps}
			c := New(NewSQLFetcher(d.DB(), d.Path(), table, caps, spec, nil), spec, 2)

			var ids []int64
			var prev *shard.Key
			for {
				r, ok, err := c.Next(context.Background())
				if err != nil {
					t.Fatalf("Next: %v", err)
				}
				if !ok {
					break
				}
				if prev != nil {
					cmpv := shard.Compare(r.Key(), *prev, caps)
					if (tc.order == shard.Ascending && cmpv <= 0) || (tc.order == shard.Descending && cmpv >= 0) {
						t.Fatalf("non-monotonic: %+v after %+v", r.Key(), *prev)
					}
				}
				k := r.Key()
				prev = &k
				ids = append(ids, r.RowID)
			}
			if len(ids) != 7 {
				t.Errorf("got %d records, want 7 (ids %v)", len(ids), ids)
			}
			seen := map[int64]bool{}
			for _, id := range ids {
				if seen[id] {
					t.Errorf("duplicate row id %d", id)
				}
				seen[id] = true
			}
		})
	}
}

func TestSQLFetcher_TimeRangePushdown(t *testing.T) {
	s := dbtest.NewShard(t, t.TempDir()+"/message_0.db")
	table := s.AddConversation("abc", dbtest.TableOpts{})
	s.AddTimestamps(table, 100, 105, 110, 115)

	cache := shardcache.New(shardcache.Options{})
	defer cache.Close()
	d, err := cache.Acquire(context.Background(), s.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Release(d)

	caps := shard.Capabilities{HasSeq: true, HasTime: true, RowIDColumn: "local_id", HasContent: true}
	spec := shard.FetchSpec{Caps: caps, Range: shard.TimeRange{Begin: 105, End: 115}}
	c := New(NewSQLFetcher(d.DB(), d.Path(), table, caps, spec, nil), spec, 10)
	if diff := cmp.Diff([]int64{105, 110}, drain(t, c)); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}

	// A table without timestamps contributes nothing to a bounded range.
	noTime := shard.Capabilities{RowIDColumn: "local_id"}
	f := NewSQLFetcher(d.DB(), d.Path(), table, noTime, shard.FetchSpec{Caps: noTime, Range: spec.Range}, nil)
	recs, err := f.FetchBatch(context.Background(), 10, nil)
	if err != nil || len(recs) != 0 {
		t.Errorf("FetchBatch without time column = (%d, %v), want empty", len(recs), err)
	}
}

func TestBuildQuery(t *testing.T) {
	full := shard.Capabilities{HasSeq: true, HasTime: true, RowIDColumn: "local_id",
		HasSender: true, HasType: true, HasStatus: true, HasContent: true, HasCodec: true}
	bare := shard.Capabilities{RowIDColumn: "rowid"}

	tests := []struct {
		name      string
		tableCaps shard.Capabilities
		spec      shard.FetchSpec
		after     *shard.Key
		wantSQL   string
		wantArgs  []interface{}
	}{
		{
			name:      "first batch ascending",
			tableCaps: full,
			spec:      shard.FetchSpec{Caps: full},
			wantSQL: `SELECT sort_seq, create_time, local_id, real_sender_id, local_type, status, message_content, WCDB_CT_message_content FROM "Msg_x"` +
				` ORDER BY COALESCE(sort_seq, 0) ASC, COALESCE(create_time, 0) ASC, local_id ASC LIMIT ?`,
			wantArgs: []interface{}{200},
		},
		{
			name:      "resume descending with range",
			tableCaps: full,
			spec:      shard.FetchSpec{Order: shard.Descending, Caps: full, Range: shard.TimeRange{Begin: 10, End: 20}},
			after:     &shard.Key{Seq: 7, Time: 15, RowID: 3},
			wantSQL: `SELECT sort_seq, create_time, local_id, real_sender_id, local_type, status, message_content, WCDB_CT_message_content FROM "Msg_x"` +
				` WHERE COALESCE(create_time, 0) >= ? AND COALESCE(create_time, 0) < ?` +
				` AND (COALESCE(sort_seq, 0), COALESCE(create_time, 0), local_id) < (?, ?, ?)` +
				` ORDER BY COALESCE(sort_seq, 0) DESC, COALESCE(create_time, 0) DESC, local_id DESC LIMIT ?`,
			wantArgs: []interface{}{int64(10), int64(20), int64(7), int64(15), int64(3), 200},
		},
		{
			name:      "effective caps narrower than table",
			tableCaps: full,
			spec:      shard.FetchSpec{Caps: shard.Capabilities{HasTime: true}},
			after:     &shard.Key{Seq: 7, Time: 15, RowID: 3},
			wantSQL: `SELECT sort_seq, create_time, local_id, real_sender_id, local_type, status, message_content, WCDB_CT_message_content FROM "Msg_x"` +
				` WHERE (COALESCE(create_time, 0), local_id) > (?, ?) ORDER BY COALESCE(create_time, 0) ASC, local_id ASC LIMIT ?`,
			wantArgs: []interface{}{int64(15), int64(3), 200},
		},
		{
			name:      "row id only",
			tableCaps: bare,
			spec:      shard.FetchSpec{Caps: bare},
			after:     &shard.Key{RowID: 9},
			wantSQL:   `SELECT 0, 0, rowid, 0, 0, 0, NULL, 0 FROM "Msg_x" WHERE rowid > ? ORDER BY rowid ASC LIMIT ?`,
			wantArgs:  []interface{}{int64(9), 200},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gotSQL, gotArgs := BuildQuery("Msg_x", tc.tableCaps, tc.spec, 200, tc.after)
			if gotSQL != tc.wantSQL {
				t.Errorf("SQL:\n got %s\nwant %s", gotSQL, tc.wantSQL)
			}
			if diff := cmp.Diff(tc.wantArgs, gotArgs); diff != "" {
				t.Errorf("args mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestQuoteIdent(t *testing.T) {
	if got := QuoteIdent(`we"ird`); got != `"we""ird"` {
		t.Errorf("QuoteIdent = %s", got)
	}
}
