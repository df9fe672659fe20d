package cursor

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/wesm/shardvault/internal/metrics"
	"github.com/wesm/shardvault/internal/shard"
)

// Column names of the message table schema.
const (
	colSeq     = "sort_seq"
	colTime    = "create_time"
	colSender  = "real_sender_id"
	colType    = "local_type"
	colStatus  = "status"
	colContent = "message_content"
	colCodec   = "WCDB_CT_message_content"
)

// NULL ordering values read as 0, so every SQL comparison and sort uses
// the same value the scanned Key carries.
var (
	seqKey  = "COALESCE(" + colSeq + ", 0)"
	timeKey = "COALESCE(" + colTime + ", 0)"
)

// QuoteIdent quotes a SQLite identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// KeyColumns returns the ordering columns for the effective capabilities,
// always ending with the row id column of the table.
func KeyColumns(effective, table shard.Capabilities) []string {
	var cols []string
	if effective.HasSeq {
		cols = append(cols, seqKey)
	}
	if effective.HasTime {
		cols = append(cols, timeKey)
	}
	rowid := table.RowIDColumn
	if rowid == "" {
		rowid = "rowid"
	}
	return append(cols, rowid)
}

func keyArgs(k shard.Key, effective shard.Capabilities) []interface{} {
	var args []interface{}
	if effective.HasSeq {
		args = append(args, k.Seq)
	}
	if effective.HasTime {
		args = append(args, k.Time)
	}
	return append(args, k.RowID)
}

// projection selects the Record fields in scan order, substituting
// constants for columns the table lacks.
func projection(c shard.Capabilities) string {
	col := func(ok bool, name, fallback string) string {
		if ok {
			return name
		}
		return fallback
	}
	rowid := c.RowIDColumn
	if rowid == "" {
		rowid = "rowid"
	}
	return strings.Join([]string{
		col(c.HasSeq, colSeq, "0"),
		col(c.HasTime, colTime, "0"),
		rowid,
		col(c.HasSender, colSender, "0"),
		col(c.HasType, colType, "0"),
		col(c.HasStatus, colStatus, "0"),
		col(c.HasContent, colContent, "NULL"),
		col(c.HasCodec, colCodec, "0"),
	}, ", ")
}

// RangeClause returns the WHERE fragments and args for a time range.
func RangeClause(rng shard.TimeRange) ([]string, []interface{}) {
	var where []string
	var args []interface{}
	if rng.Begin != 0 {
		where = append(where, timeKey+" >= ?")
		args = append(args, rng.Begin)
	}
	if rng.End != 0 {
		where = append(where, timeKey+" < ?")
		args = append(args, rng.End)
	}
	return where, args
}

// BuildQuery builds one keyset-paginated batch query. The resume predicate
// is a single row-value inequality over the key columns, so successive
// batches neither skip nor repeat rows and never use OFFSET.
func BuildQuery(table string, tableCaps shard.Capabilities, spec shard.FetchSpec, limit int, after *shard.Key) (string, []interface{}) {
	cols := KeyColumns(spec.Caps, tableCaps)
	where, args := RangeClause(spec.Range)

	if after != nil {
		op := ">"
		if spec.Order == shard.Descending {
			op = "<"
		}
		ph := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
		if len(cols) == 1 {
			where = append(where, fmt.Sprintf("%s %s ?", cols[0], op))
		} else {
			where = append(where, fmt.Sprintf("(%s) %s (%s)", strings.Join(cols, ", "), op, ph))
		}
		args = append(args, keyArgs(*after, spec.Caps)...)
	}

	dir := "ASC"
	if spec.Order == shard.Descending {
		dir = "DESC"
	}
	order := make([]string, len(cols))
	for i, c := range cols {
		order[i] = c + " " + dir
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", projection(tableCaps), QuoteIdent(table))
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	fmt.Fprintf(&b, " ORDER BY %s LIMIT ?", strings.Join(order, ", "))
	args = append(args, limit)
	return b.String(), args
}

// SQLFetcher fetches keyset batches from one table of one shard connection.
type SQLFetcher struct {
	db        *sql.DB
	source    string
	table     string
	tableCaps shard.Capabilities
	spec      shard.FetchSpec
	metrics   *metrics.Metrics
}

// NewSQLFetcher creates a fetcher over table. spec.Caps must be a subset of
// tableCaps.
func NewSQLFetcher(db *sql.DB, source, table string, tableCaps shard.Capabilities, spec shard.FetchSpec, m *metrics.Metrics) *SQLFetcher {
	return &SQLFetcher{db: db, source: source, table: table, tableCaps: tableCaps, spec: spec, metrics: m}
}

// FetchBatch implements shard.Fetcher.
func (f *SQLFetcher) FetchBatch(ctx context.Context, limit int, after *shard.Key) ([]shard.Record, error) {
	if !f.spec.Range.IsZero() && !f.tableCaps.HasTime {
		// Membership in the range cannot be established without timestamps.
		return nil, nil
	}
	query, args := BuildQuery(f.table, f.tableCaps, f.spec, limit, after)

	start := time.Now()
	rows, err := f.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch batch %s: %w", f.table, err)
	}
	defer rows.Close()

	out := make([]shard.Record, 0, limit)
	for rows.Next() {
		var (
			seq, ts, sender, typ, status, codec sql.NullInt64
			r                                   shard.Record
		)
		if err := rows.Scan(&seq, &ts, &r.RowID, &sender, &typ, &status, &r.Content, &codec); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Seq, r.Time = seq.Int64, ts.Int64
		r.SenderID, r.Type, r.Status, r.Codec = sender.Int64, typ.Int64, status.Int64, codec.Int64
		r.Source, r.Table = f.source, f.table
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch batch %s: %w", f.table, err)
	}
	f.metrics.Fetched(time.Since(start).Seconds())
	return out, nil
}
