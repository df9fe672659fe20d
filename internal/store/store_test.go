package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/wesm/shardvault/internal/aggregate"
	"github.com/wesm/shardvault/internal/catalog"
	"github.com/wesm/shardvault/internal/merge"
	"github.com/wesm/shardvault/internal/shard"
	"github.com/wesm/shardvault/internal/shardcache"
	"github.com/wesm/shardvault/internal/testutil/dbtest"
)

func newStore(t *testing.T, acct *dbtest.Account, selfID string) *Store {
	t.Helper()
	st, err := Open(Options{Catalog: catalog.Options{AccountDir: acct.Dir}, SelfID: selfID})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return st
}

// scenarioAccount builds three shards holding conversation "abc" at
// [100,105], [102] and [101,110].
func scenarioAccount(t *testing.T) *dbtest.Account {
	acct := dbtest.NewAccount(t)
	for i, times := range [][]int64{{100, 105}, {102}, {101, 110}} {
		s := acct.Shard(i)
		table := s.AddConversation("abc", dbtest.TableOpts{})
		s.AddTimestamps(table, times...)
	}
	return acct
}

func mergeTimes(t *testing.T, st *Store, id string, opts merge.Options) []int64 {
	t.Helper()
	ctx := context.Background()
	sources, err := st.Sources(ctx, id)
	if err != nil {
		t.Fatalf("Sources: %v", err)
	}
	defer ReleaseAll(sources)
	recs, err := merge.New(1, nil, nil).Merge(ctx, sources, opts)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	out := []int64{}
	for _, r := range recs {
		out = append(out, r.Time)
	}
	return out
}

func TestStore_ThreeShardScenario(t *testing.T) {
	st := newStore(t, scenarioAccount(t), "")

	if diff := cmp.Diff([]int64{100, 101, 102, 105, 110}, mergeTimes(t, st, "abc", merge.Options{})); diff != "" {
		t.Errorf("ascending (-want +got):\n%s", diff)
	}
	got := mergeTimes(t, st, "abc", merge.Options{Order: shard.Descending, Limit: 2, Offset: 1})
	if diff := cmp.Diff([]int64{105, 102}, got); diff != "" {
		t.Errorf("descending window (-want +got):\n%s", diff)
	}
	n, err := st.Count(context.Background(), "abc", shard.TimeRange{})
	if err != nil || n != 5 {
		t.Errorf("Count = (%d, %v), want 5", n, err)
	}
	if st.CacheLen() != 3 {
		t.Errorf("CacheLen = %d, want 3", st.CacheLen())
	}
}

func TestStore_NoMatchingTable(t *testing.T) {
	st := newStore(t, scenarioAccount(t), "")
	ctx := context.Background()

	sources, err := st.Sources(ctx, "nobody")
	if err != nil || len(sources) != 0 {
		t.Fatalf("Sources = (%v, %v), want none", sources, err)
	}
	n, err := st.Count(ctx, "nobody", shard.TimeRange{})
	if err != nil || n != 0 {
		t.Errorf("Count = (%d, %v), want 0", n, err)
	}
	if got := mergeTimes(t, st, "nobody", merge.Options{}); len(got) != 0 {
		t.Errorf("merge = %v, want empty", got)
	}
}

func TestStore_MergeCompletenessAcrossSchemas(t *testing.T) {
	acct := dbtest.NewAccount(t)
	full := acct.Shard(0)
	full.AddTimestamps(full.AddConversation("peer", dbtest.TableOpts{}), 10, 20, 30, 30)
	noSeq := acct.Shard(1)
	noSeq.AddTimestamps(noSeq.AddConversation("peer", dbtest.TableOpts{NoSeq: true}), 15, 30)
	noLocal := acct.Shard(2)
	noLocal.AddTimestamps(noLocal.AddConversation("peer", dbtest.TableOpts{NoLocal: true}), 5, 25)

	st := newStore(t, acct, "")
	ctx := context.Background()
	for _, rng := range []shard.TimeRange{{}, {Begin: 15, End: 30}} {
		n, err := st.Count(ctx, "peer", rng)
		if err != nil {
			t.Fatal(err)
		}
		for _, order := range []shard.Order{shard.Ascending, shard.Descending} {
			got := mergeTimes(t, st, "peer", merge.Options{Order: order, Range: rng})
			if int64(len(got)) != n {
				t.Errorf("range %+v %s: merged %d records, count says %d", rng, order, len(got), n)
			}
			for i := 1; i < len(got); i++ {
				if (order == shard.Ascending && got[i] < got[i-1]) || (order == shard.Descending && got[i] > got[i-1]) {
					t.Errorf("range %+v %s: out of order at %d: %v", rng, order, i, got)
					break
				}
			}
		}
	}
}

func TestStore_MergeKeepsNullOrderingColumns(t *testing.T) {
	acct := dbtest.NewAccount(t)
	s := acct.Shard(0)
	table := s.AddConversation("peer", dbtest.TableOpts{})
	s.AddTimestamps(table, 10, 20, 30, 40, 50)
	if _, err := s.DB.Exec(`UPDATE "`+table+`" SET sort_seq = NULL, create_time = NULL WHERE local_id IN (2, 4)`); err != nil {
		t.Fatal(err)
	}
	other := acct.Shard(1)
	other.AddTimestamps(other.AddConversation("peer", dbtest.TableOpts{}), 25)

	st := newStore(t, acct, "")
	n, err := st.Count(context.Background(), "peer", shard.TimeRange{})
	if err != nil || n != 6 {
		t.Fatalf("Count = (%d, %v), want 6", n, err)
	}
	tests := []struct {
		order shard.Order
		want  []int64
	}{
		{shard.Ascending, []int64{0, 0, 10, 25, 30, 50}},
		{shard.Descending, []int64{50, 30, 25, 10, 0, 0}},
	}
	for _, tt := range tests {
		got := mergeTimes(t, st, "peer", merge.Options{Order: tt.order})
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("%s (-want +got):\n%s", tt.order, diff)
		}
	}

	// NULL times read as 0 and fall outside any range that starts later.
	n, err = st.Count(context.Background(), "peer", shard.TimeRange{Begin: 5})
	if err != nil || n != 4 {
		t.Errorf("ranged Count = (%d, %v), want 4", n, err)
	}
	if got := mergeTimes(t, st, "peer", merge.Options{Range: shard.TimeRange{Begin: 5}}); len(got) != 4 {
		t.Errorf("ranged merge = %v, want 4 records", got)
	}
}

func TestStore_ResolvesDriftedIdentifier(t *testing.T) {
	acct := dbtest.NewAccount(t)
	s := acct.Shard(0)
	table := s.AddConversation("wxid_Peer", dbtest.TableOpts{})
	s.AddTimestamps(table, 1, 2)

	st := newStore(t, acct, "")
	n, err := st.Count(context.Background(), "wxid_peer", shard.TimeRange{})
	if err != nil || n != 2 {
		t.Errorf("Count(case-drifted id) = (%d, %v), want 2", n, err)
	}
}

func TestStore_ShardDeletedMidAggregate(t *testing.T) {
	acct := scenarioAccount(t)
	st := newStore(t, acct, "")
	ctx := context.Background()

	// Warm the layout so the deleted shard is still listed.
	if _, err := st.Layout(ctx); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(acct.ShardPath(2)); err != nil {
		t.Fatal(err)
	}

	svc := aggregate.New(st, aggregate.Options{})
	p, err := svc.Aggregate(ctx, "abc", shard.MetricCount, shard.TimeRange{})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if p.Count != 3 {
		t.Errorf("Count = %d, want 3 from the two reachable shards", p.Count)
	}
}

func TestStore_WholeStoreAggregates(t *testing.T) {
	acct := dbtest.NewAccount(t)
	s0 := acct.Shard(0)
	self := s0.AddName("wxid_me")
	a := s0.AddConversation("alice", dbtest.TableOpts{})
	s0.AddMessages(a,
		dbtest.Message{Time: 1609459200, Type: 1, Sender: self}, // 2021-01-01
		dbtest.Message{Time: 1640995200, Type: 3},               // 2022-01-01
	)
	s1 := acct.Shard(1)
	b := s1.AddConversation("bob", dbtest.TableOpts{})
	s1.AddMessages(b, dbtest.Message{Time: 1640995300, Type: 1})

	st := newStore(t, acct, "wxid_me")
	svc := aggregate.New(st, aggregate.Options{SelfID: "wxid_me"})
	ctx := context.Background()

	years, err := svc.Aggregate(ctx, "", shard.MetricActiveYears, shard.TimeRange{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{2021, 2022}, years.SortedYears()); diff != "" {
		t.Errorf("years (-want +got):\n%s", diff)
	}
	types, err := svc.Aggregate(ctx, "", shard.MetricTypeDistribution, shard.TimeRange{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[int64]int64{1: 2, 3: 1}, types.Types); diff != "" {
		t.Errorf("types (-want +got):\n%s", diff)
	}
	sr, err := svc.Aggregate(ctx, "alice", shard.MetricSentReceived, shard.TimeRange{})
	if err != nil {
		t.Fatal(err)
	}
	if sr.Sent != 1 || sr.Received != 1 {
		t.Errorf("sent/received = %d/%d, want 1/1", sr.Sent, sr.Received)
	}
}

func TestStore_SessionsAndDisplayNames(t *testing.T) {
	acct := scenarioAccount(t)
	acct.WriteSessions(
		dbtest.Session{Username: "abc", Summary: "hi", LastTimestamp: 110, UnreadCount: 2},
		dbtest.Session{Username: "old", Summary: "bye", LastTimestamp: 50},
	)
	acct.WriteContacts(
		dbtest.Contact{Username: "abc", Remark: "Alice", NickName: "ally"},
		dbtest.Contact{Username: "bob", NickName: "Bobby", Alias: "b0b"},
		dbtest.Contact{Username: "carol", Alias: "c4"},
	)
	st := newStore(t, acct, "")
	ctx := context.Background()

	sessions, err := st.Sessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []Session{
		{Username: "abc", Summary: "hi", LastTimestamp: 110, UnreadCount: 2},
		{Username: "old", Summary: "bye", LastTimestamp: 50},
	}
	if diff := cmp.Diff(want, sessions); diff != "" {
		t.Errorf("sessions (-want +got):\n%s", diff)
	}

	names, err := st.DisplayNames(ctx, []string{"abc", "bob", "carol", "dave"})
	if err != nil {
		t.Fatal(err)
	}
	wantNames := map[string]string{"abc": "Alice", "bob": "Bobby", "carol": "c4", "dave": "dave"}
	if diff := cmp.Diff(wantNames, names); diff != "" {
		t.Errorf("display names (-want +got):\n%s", diff)
	}
}

func TestStore_NoSessionOrContactStore(t *testing.T) {
	st := newStore(t, scenarioAccount(t), "")
	ctx := context.Background()
	if s, err := st.Sessions(ctx); err != nil || s != nil {
		t.Errorf("Sessions = (%v, %v), want none", s, err)
	}
	names, err := st.DisplayNames(ctx, []string{"x"})
	if err != nil || names["x"] != "x" {
		t.Errorf("DisplayNames = (%v, %v), want identity", names, err)
	}
}

func TestStore_CloseRejectsNewQueries(t *testing.T) {
	acct := scenarioAccount(t)
	st, err := Open(Options{Catalog: catalog.Options{AccountDir: acct.Dir}})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	sources, err := st.Sources(ctx, "abc")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- st.Close() }()
	// Close waits for the outstanding sources.
	ReleaseAll(sources)
	if err := <-done; err != nil {
		t.Fatalf("Close: %v", err)
	}
	if st.CacheLen() != 0 {
		t.Errorf("CacheLen after Close = %d, want 0", st.CacheLen())
	}
	if _, err := st.Sources(ctx, "abc"); !errors.Is(err, shardcache.ErrClosed) {
		t.Errorf("Sources after Close: err = %v, want ErrClosed", err)
	}
}
