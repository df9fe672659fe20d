// Package resolve maps conversation identifiers to the message table that
// holds them inside a shard, and introspects each table's ordering columns.
package resolve

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/wesm/shardvault/internal/metrics"
	"github.com/wesm/shardvault/internal/shard"
	"github.com/wesm/shardvault/internal/shardcache"
)

// TablePrefix is the fixed prefix of per-conversation message tables.
const TablePrefix = "Msg_"

// IndexTable maps identifiers to row ids inside each shard.
const IndexTable = "Name2Id"

// partialHashLen is how many leading hex characters the truncated-name
// fallback matches on.
const partialHashLen = 24

// maxFuzzyMatches bounds how many index rows a substring lookup retries.
const maxFuzzyMatches = 8

// Column names recognized by Introspect.
const (
	ColSeq     = "sort_seq"
	ColTime    = "create_time"
	ColRowID   = "local_id"
	ColSender  = "real_sender_id"
	ColType    = "local_type"
	ColStatus  = "status"
	ColContent = "message_content"
	ColCodec   = "WCDB_CT_message_content"
)

// Resolver resolves (conversation, shard) pairs to table names.
type Resolver struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Resolver. Both arguments may be nil.
func New(logger *slog.Logger, m *metrics.Metrics) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger, metrics: m}
}

// HashID returns the lowercase hex MD5 digest used to name a conversation's table.
func HashID(conversationID string) string {
	sum := md5.Sum([]byte(conversationID))
	return hex.EncodeToString(sum[:])
}

// TableName returns the canonical table name for a conversation.
func TableName(conversationID string) string {
	return TablePrefix + HashID(conversationID)
}

// Resolve returns the table holding conversationID's records in the shard
// behind d. ok is false when the shard has no such table; that is not an
// error. Results are memoized on the descriptor.
func (r *Resolver) Resolve(ctx context.Context, conversationID string, d *shardcache.Descriptor) (string, bool, error) {
	if table, known := d.Resolution(conversationID); known {
		return table, table != "", nil
	}

	tables, err := d.Tables(func() ([]string, error) { return listTables(ctx, d.DB()) })
	if err != nil {
		return "", false, fmt.Errorf("list tables: %w", err)
	}

	hash := HashID(conversationID)
	table, step := matchHash(tables, hash, true)
	if table == "" {
		var lerr error
		table, lerr = r.resolveViaIndex(ctx, d.DB(), conversationID, tables)
		if lerr != nil {
			return "", false, lerr
		}
		if table != "" {
			step = "index"
		}
	}
	if table == "" {
		step = "none"
	}

	r.metrics.Resolved(step)
	r.logger.Debug("resolved conversation table",
		"conversation", conversationID, "shard", d.Path(), "table", table, "step", step)
	d.SetResolution(conversationID, table)
	return table, table != "", nil
}

// matchHash runs the name-based fallback chain. withTruncated enables the
// partial-hash and casing-variant steps; the index retry only uses the
// exact and substring steps.
func matchHash(tables []string, hash string, withTruncated bool) (table, step string) {
	want := strings.ToLower(TablePrefix + hash)
	for _, t := range tables {
		if strings.ToLower(t) == want {
			return t, "exact"
		}
	}
	for _, t := range tables {
		if strings.Contains(strings.ToLower(t), hash) {
			return t, "contains"
		}
	}
	if !withTruncated {
		return "", ""
	}
	if len(hash) >= partialHashLen {
		prefix := hash[:partialHashLen]
		for _, t := range tables {
			if strings.Contains(strings.ToLower(t), prefix) {
				return t, "partial"
			}
		}
	}
	upper := strings.ToUpper(hash)
	variants := []string{
		"Msg_" + upper, "msg_" + upper, "MSG_" + upper,
		"Chat_" + hash, "chat_" + hash, "Chat_" + upper,
	}
	set := make(map[string]bool, len(tables))
	for _, t := range tables {
		set[t] = true
	}
	for _, v := range variants {
		if set[v] {
			return v, "variant"
		}
	}
	return "", ""
}

// resolveViaIndex looks conversationID up in the shard's identifier index,
// tolerating normalization drift, and retries the hash match with each
// identifier it finds.
func (r *Resolver) resolveViaIndex(ctx context.Context, db *sql.DB, conversationID string, tables []string) (string, error) {
	queries := []struct {
		sql string
		arg string
	}{
		{`SELECT user_name FROM ` + IndexTable + ` WHERE user_name = ? LIMIT 1`, conversationID},
		{`SELECT user_name FROM ` + IndexTable + ` WHERE user_name = ? COLLATE NOCASE LIMIT 1`, conversationID},
		{fmt.Sprintf(`SELECT user_name FROM %s WHERE user_name LIKE ? ESCAPE '\' ORDER BY rowid LIMIT %d`,
			IndexTable, maxFuzzyMatches), "%" + escapeLike(conversationID) + "%"},
	}
	for _, q := range queries {
		ids, err := queryStrings(ctx, db, q.sql, q.arg)
		if err != nil {
			if isSQLiteError(err, "no such table") || isSQLiteError(err, "no such column") {
				return "", nil
			}
			return "", fmt.Errorf("lookup %s: %w", IndexTable, err)
		}
		for _, id := range ids {
			if id == conversationID {
				continue
			}
			if t, _ := matchHash(tables, HashID(id), false); t != "" {
				return t, nil
			}
		}
	}
	return "", nil
}

// MessageTables returns every per-conversation message table in the shard.
func (r *Resolver) MessageTables(ctx context.Context, d *shardcache.Descriptor) ([]string, error) {
	tables, err := d.Tables(func() ([]string, error) { return listTables(ctx, d.DB()) })
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	var out []string
	prefix := strings.ToLower(TablePrefix)
	for _, t := range tables {
		if strings.HasPrefix(strings.ToLower(t), prefix) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Introspect reports which ordering and payload columns table has. Failures
// are logged and degrade to row-id-only ordering; they are never fatal.
func (r *Resolver) Introspect(ctx context.Context, d *shardcache.Descriptor, table string) shard.Capabilities {
	if caps, ok := d.Caps(table); ok {
		return caps
	}
	cols, err := queryStrings(ctx, d.DB(), `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil || len(cols) == 0 {
		if err == nil {
			err = fmt.Errorf("table %s has no columns", table)
		}
		r.logger.Warn("introspect table", "shard", d.Path(), "table", table, "error", err)
		return shard.RowIDOnly()
	}

	have := make(map[string]bool, len(cols))
	for _, c := range cols {
		have[strings.ToLower(c)] = true
	}
	caps := shard.Capabilities{
		HasSeq:      have[ColSeq],
		HasTime:     have[ColTime],
		RowIDColumn: "rowid",
		HasSender:   have[ColSender],
		HasType:     have[ColType],
		HasStatus:   have[ColStatus],
		HasContent:  have[ColContent],
		HasCodec:    have[strings.ToLower(ColCodec)],
	}
	if have[ColRowID] {
		caps.RowIDColumn = ColRowID
	}
	if !caps.HasSeq && !caps.HasTime {
		r.logger.Warn("table has no ordering columns; using row id",
			"shard", d.Path(), "table", table, "error", shard.ErrSchemaUnsupported)
	}
	d.SetCaps(table, caps)
	return caps
}

// SelfRowID returns the index row id of the account's own identifier, used
// to tell sent messages from received ones.
func (r *Resolver) SelfRowID(ctx context.Context, d *shardcache.Descriptor, selfID string) (int64, bool) {
	if selfID == "" {
		return 0, false
	}
	var id int64
	err := d.DB().QueryRowContext(ctx,
		`SELECT rowid FROM `+IndexTable+` WHERE user_name = ?`, selfID).Scan(&id)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) && !isSQLiteError(err, "no such table") {
			r.logger.Warn("lookup self id", "shard", d.Path(), "error", err)
		}
		return 0, false
	}
	return id, true
}

func listTables(ctx context.Context, db *sql.DB) ([]string, error) {
	return queryStrings(ctx, db, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE ? ORDER BY name`, "sqlite_%")
}

func queryStrings(ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

// isSQLiteError checks if err is a sqlite3.Error with a message containing substr.
func isSQLiteError(err error, substr string) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return strings.Contains(sqliteErr.Error(), substr)
	}
	var sqliteErrPtr *sqlite3.Error
	if errors.As(err, &sqliteErrPtr) && sqliteErrPtr != nil {
		return strings.Contains(sqliteErrPtr.Error(), substr)
	}
	return false
}
