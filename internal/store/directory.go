package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/wesm/shardvault/internal/shardcache"
)

// Session is one row of the session list.
type Session struct {
	Username      string `json:"username"`
	Summary       string `json:"summary"`
	LastTimestamp int64  `json:"last_timestamp"`
	UnreadCount   int64  `json:"unread_count"`
}

// Sessions returns the conversation list from the session store, most
// recent first. A missing session store yields no sessions.
func (s *Store) Sessions(ctx context.Context) ([]Session, error) {
	layout, err := s.catalog.List(ctx)
	if err != nil {
		return nil, err
	}
	if layout.SessionDB == "" {
		return nil, nil
	}
	d, err := s.cache.Acquire(ctx, layout.SessionDB)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	defer s.cache.Release(d)

	rows, err := d.DB().QueryContext(ctx, `
		SELECT username, COALESCE(summary, ''), COALESCE(last_timestamp, 0), COALESCE(unread_count, 0)
		FROM SessionTable
		ORDER BY COALESCE(sort_timestamp, last_timestamp) DESC, username`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.Username, &sess.Summary, &sess.LastTimestamp, &sess.UnreadCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DisplayNames maps each identifier to its best display name: remark, then
// nickname, then alias. Identifiers without a contact row map to
// themselves.
func (s *Store) DisplayNames(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		out[id] = id
	}
	if len(ids) == 0 {
		return out, nil
	}
	layout, err := s.catalog.List(ctx)
	if err != nil {
		return nil, err
	}
	if layout.ContactDB == "" {
		return out, nil
	}
	d, err := s.cache.Acquire(ctx, layout.ContactDB)
	if err != nil {
		return nil, fmt.Errorf("open contact store: %w", err)
	}
	defer s.cache.Release(d)

	err = queryInChunks(ctx, d, ids,
		`SELECT username, COALESCE(remark, ''), COALESCE(nick_name, ''), COALESCE(alias, '')
		 FROM contact WHERE username IN (%s)`,
		func(rows *sql.Rows) error {
			var user, remark, nick, alias string
			if err := rows.Scan(&user, &remark, &nick, &alias); err != nil {
				return err
			}
			for _, name := range []string{remark, nick, alias} {
				if name != "" {
					out[user] = name
					break
				}
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	return out, nil
}

// queryInChunks runs an IN-query in chunks to stay within SQLite's
// parameter limit. queryTemplate must contain a single %s placeholder for
// the "?" list.
func queryInChunks(ctx context.Context, d *shardcache.Descriptor, ids []string, queryTemplate string, fn func(*sql.Rows) error) error {
	const chunkSize = 500
	for i := 0; i < len(ids); i += chunkSize {
		chunk := ids[i:min(i+chunkSize, len(ids))]
		args := make([]interface{}, len(chunk))
		for j, id := range chunk {
			args[j] = id
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		rows, err := d.DB().QueryContext(ctx, fmt.Sprintf(queryTemplate, placeholders), args...)
		if err != nil {
			return err
		}
		for rows.Next() {
			if err := fn(rows); err != nil {
				rows.Close()
				return err
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
	}
	return nil
}
