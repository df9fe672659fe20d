package aggregate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/wesm/shardvault/internal/cursor"
	"github.com/wesm/shardvault/internal/shard"
)

// Self identifies the account's own sender row in one shard.
type Self struct {
	RowID int64
	OK    bool
}

// Pushdown runs q as a single aggregate query against table and returns the
// partial result. Tables without a timestamp column contribute nothing to a
// time-bounded query and no span, date or year data.
func Pushdown(ctx context.Context, db *sql.DB, table string, caps shard.Capabilities, q shard.AggregateQuery, self Self) (*shard.Partial, error) {
	p := shard.NewPartial()
	if !q.Range.IsZero() && !caps.HasTime {
		return p, nil
	}
	where, args := cursor.RangeClause(q.Range)
	from := " FROM " + cursor.QuoteIdent(table)
	if len(where) > 0 {
		from += " WHERE " + strings.Join(where, " AND ")
	}

	switch q.Metric {
	case shard.MetricCount:
		err := db.QueryRowContext(ctx, "SELECT COUNT(*)"+from, args...).Scan(&p.Count)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}

	case shard.MetricTypeDistribution:
		typeCol := "0"
		if caps.HasType {
			typeCol = "COALESCE(local_type, 0)"
		}
		err := scanRows(ctx, db, "SELECT "+typeCol+" AS t, COUNT(*)"+from+" GROUP BY t", args, func(rows *sql.Rows) error {
			var typ, n int64
			if err := rows.Scan(&typ, &n); err != nil {
				return err
			}
			p.Types[typ] += n
			p.Count += n
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("type distribution %s: %w", table, err)
		}

	case shard.MetricTimeSpan:
		if !caps.HasTime {
			err := db.QueryRowContext(ctx, "SELECT COUNT(*)"+from, args...).Scan(&p.Count)
			if err != nil {
				return nil, fmt.Errorf("count %s: %w", table, err)
			}
			return p, nil
		}
		var lo, hi sql.NullInt64
		err := db.QueryRowContext(ctx, "SELECT COUNT(*), MIN(create_time), MAX(create_time)"+from, args...).
			Scan(&p.Count, &lo, &hi)
		if err != nil {
			return nil, fmt.Errorf("time span %s: %w", table, err)
		}
		if lo.Valid && hi.Valid {
			p.HasSpan, p.MinTime, p.MaxTime = true, lo.Int64, hi.Int64
		}

	case shard.MetricSentReceived:
		sentExpr := "0"
		sargs := args
		if self.OK && caps.HasSender {
			sentExpr = "COALESCE(SUM(CASE WHEN real_sender_id = ? THEN 1 ELSE 0 END), 0)"
			sargs = append([]interface{}{self.RowID}, args...)
		}
		err := db.QueryRowContext(ctx, "SELECT COUNT(*), "+sentExpr+from, sargs...).Scan(&p.Count, &p.Sent)
		if err != nil {
			return nil, fmt.Errorf("sent/received %s: %w", table, err)
		}
		p.Received = p.Count - p.Sent

	case shard.MetricActiveDates, shard.MetricDateCounts:
		if !caps.HasTime {
			return p, nil
		}
		err := scanRows(ctx, db, "SELECT strftime('%Y-%m-%d', create_time, 'unixepoch') AS d, COUNT(*)"+from+" GROUP BY d", args, func(rows *sql.Rows) error {
			var day sql.NullString
			var n int64
			if err := rows.Scan(&day, &n); err != nil {
				return err
			}
			if day.Valid {
				p.Dates[day.String] += n
				p.Count += n
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("dates %s: %w", table, err)
		}

	case shard.MetricActiveYears:
		if !caps.HasTime {
			return p, nil
		}
		err := scanRows(ctx, db, "SELECT CAST(strftime('%Y', create_time, 'unixepoch') AS INTEGER) AS y, COUNT(*)"+from+" GROUP BY y", args, func(rows *sql.Rows) error {
			var year sql.NullInt64
			var n int64
			if err := rows.Scan(&year, &n); err != nil {
				return err
			}
			if year.Valid {
				p.Years[int(year.Int64)] += n
				p.Count += n
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("years %s: %w", table, err)
		}

	default:
		return nil, fmt.Errorf("unsupported metric %s", q.Metric)
	}
	return p, nil
}

func scanRows(ctx context.Context, db *sql.DB, query string, args []interface{}, fn func(*sql.Rows) error) error {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
