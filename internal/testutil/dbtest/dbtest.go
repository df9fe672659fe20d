// Package dbtest provides shared helpers for building on-disk account
// layouts and shard databases in tests. It does not import the packages
// under test, so any test package can use it without import cycles.
package dbtest

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/mattn/go-sqlite3"
)

// fcntlReserveBytes is SQLITE_FCNTL_RESERVE_BYTES.
const fcntlReserveBytes = 38

// Account is a temporary account directory following the default layout.
type Account struct {
	Dir string
	T   testing.TB
}

// NewAccount creates an empty account directory under t.TempDir().
func NewAccount(t testing.TB) *Account {
	t.Helper()
	return &Account{Dir: t.TempDir(), T: t}
}

// ShardPath returns the path of message shard n.
func (a *Account) ShardPath(n int) string {
	return filepath.Join(a.Dir, "db_storage", "message", fmt.Sprintf("message_%d.db", n))
}

// Shard creates (or reopens) message shard n.
func (a *Account) Shard(n int) *Shard {
	a.T.Helper()
	return NewShard(a.T, a.ShardPath(n))
}

// SessionPath returns the path of the primary session store.
func (a *Account) SessionPath() string {
	return filepath.Join(a.Dir, "db_storage", "session", "session.db")
}

// ContactPath returns the path of the contact store.
func (a *Account) ContactPath() string {
	return filepath.Join(a.Dir, "db_storage", "contact", "contact.db")
}

// Session describes a SessionTable row.
type Session struct {
	Username      string
	Summary       string
	LastTimestamp int64
	UnreadCount   int64
}

// WriteSessions creates the session store with the given rows.
func (a *Account) WriteSessions(sessions ...Session) {
	a.T.Helper()
	db := openWritable(a.T, a.SessionPath())
	defer db.Close()
	mustExec(a.T, db, `CREATE TABLE IF NOT EXISTS SessionTable (
		username TEXT PRIMARY KEY, type INTEGER, unread_count INTEGER, summary TEXT,
		last_timestamp INTEGER, sort_timestamp INTEGER, last_msg_type INTEGER, last_msg_sender TEXT)`)
	for _, s := range sessions {
		mustExec(a.T, db, `INSERT INTO SessionTable (username, unread_count, summary, last_timestamp, sort_timestamp)
			VALUES (?, ?, ?, ?, ?)`, s.Username, s.UnreadCount, s.Summary, s.LastTimestamp, s.LastTimestamp)
	}
}

// Contact describes a contact row.
type Contact struct {
	Username string
	Alias    string
	Remark   string
	NickName string
}

// WriteContacts creates the contact store with the given rows.
func (a *Account) WriteContacts(contacts ...Contact) {
	a.T.Helper()
	db := openWritable(a.T, a.ContactPath())
	defer db.Close()
	mustExec(a.T, db, `CREATE TABLE IF NOT EXISTS contact (
		id INTEGER PRIMARY KEY, username TEXT, alias TEXT, remark TEXT, nick_name TEXT, local_type INTEGER)`)
	for _, c := range contacts {
		mustExec(a.T, db, `INSERT INTO contact (username, alias, remark, nick_name) VALUES (?, ?, ?, ?)`,
			c.Username, c.Alias, c.Remark, c.NickName)
	}
}

// Shard wraps a writable connection to a message shard file.
type Shard struct {
	Path string
	DB   *sql.DB
	T    testing.TB

	nextLocalID int64
}

// NewShard creates a shard database at path with an empty Name2Id index.
// The writer connection is closed by t.Cleanup.
func NewShard(t testing.TB, path string) *Shard {
	t.Helper()
	db := openWritable(t, path)
	t.Cleanup(func() { db.Close() })
	mustExec(t, db, `CREATE TABLE IF NOT EXISTS Name2Id (user_name TEXT NOT NULL PRIMARY KEY, is_session INTEGER)`)
	return &Shard{Path: path, DB: db, T: t, nextLocalID: 1}
}

// NewReservedShard is NewShard for a fresh file whose pages keep reserve
// bytes free at the end, the layout the page encryption expects.
func NewReservedShard(t testing.TB, path string, reserve int) *Shard {
	t.Helper()
	db := openWritable(t, path)
	t.Cleanup(func() { db.Close() })
	mustExec(t, db, `PRAGMA page_size = 4096`)
	conn, err := db.Conn(context.Background())
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	err = conn.Raw(func(dc interface{}) error {
		c, ok := dc.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("unexpected driver conn %T", dc)
		}
		return c.SetFileControlInt("main", fcntlReserveBytes, reserve)
	})
	conn.Close()
	if err != nil {
		t.Fatalf("reserve bytes: %v", err)
	}
	mustExec(t, db, `CREATE TABLE IF NOT EXISTS Name2Id (user_name TEXT NOT NULL PRIMARY KEY, is_session INTEGER)`)
	return &Shard{Path: path, DB: db, T: t, nextLocalID: 1}
}

// Hash returns the lowercase hex MD5 of id, as used in table names.
func Hash(id string) string {
	sum := md5.Sum([]byte(id))
	return hex.EncodeToString(sum[:])
}

// TableOpts controls which columns a message table gets.
type TableOpts struct {
	Name    string // overrides the default Msg_<hash> name
	NoSeq   bool   // omit sort_seq
	NoTime  bool   // omit create_time
	NoLocal bool   // omit local_id (row id falls back to rowid)
	NoIndex bool   // do not register the identifier in Name2Id
}

// AddConversation creates a message table for id and registers id in the
// Name2Id index. It returns the table name.
func (s *Shard) AddConversation(id string, opts TableOpts) string {
	s.T.Helper()
	name := opts.Name
	if name == "" {
		name = "Msg_" + Hash(id)
	}
	cols := []string{}
	if !opts.NoLocal {
		cols = append(cols, "local_id INTEGER PRIMARY KEY AUTOINCREMENT")
	}
	cols = append(cols, "server_id INTEGER", "local_type INTEGER")
	if !opts.NoSeq {
		cols = append(cols, "sort_seq INTEGER")
	}
	cols = append(cols, "real_sender_id INTEGER")
	if !opts.NoTime {
		cols = append(cols, "create_time INTEGER")
	}
	cols = append(cols, "status INTEGER", "message_content TEXT", "WCDB_CT_message_content INTEGER DEFAULT NULL")

	stmt := fmt.Sprintf("CREATE TABLE %q (", name)
	for i, c := range cols {
		if i > 0 {
			stmt += ", "
		}
		stmt += c
	}
	stmt += ")"
	mustExec(s.T, s.DB, stmt)

	if !opts.NoIndex {
		s.AddName(id)
	}
	return name
}

// AddName registers an identifier in Name2Id and returns its row id.
func (s *Shard) AddName(id string) int64 {
	s.T.Helper()
	mustExec(s.T, s.DB, `INSERT OR IGNORE INTO Name2Id (user_name) VALUES (?)`, id)
	var rowid int64
	if err := s.DB.QueryRow(`SELECT rowid FROM Name2Id WHERE user_name = ?`, id).Scan(&rowid); err != nil {
		s.T.Fatalf("AddName(%q): %v", id, err)
	}
	return rowid
}

// Message is one row to insert into a message table. Zero LocalID assigns
// the next id; zero Seq derives one from Time.
type Message struct {
	LocalID int64
	Seq     int64
	Time    int64
	Sender  int64
	Type    int64
	Status  int64
	Content []byte
	Codec   int64
}

// AddMessages inserts messages into table, adapting to the table's columns.
func (s *Shard) AddMessages(table string, msgs ...Message) {
	s.T.Helper()
	cols := s.columns(table)
	for _, m := range msgs {
		if m.LocalID == 0 {
			m.LocalID = s.nextLocalID
		}
		if m.LocalID >= s.nextLocalID {
			s.nextLocalID = m.LocalID + 1
		}
		if m.Seq == 0 {
			m.Seq = m.Time*1000 + m.LocalID%1000
		}
		if m.Type == 0 {
			m.Type = 1
		}
		names := []string{"local_type", "real_sender_id", "status", "message_content"}
		args := []interface{}{m.Type, m.Sender, m.Status, m.Content}
		if cols["local_id"] {
			names = append(names, "local_id")
		} else {
			names = append(names, "rowid")
		}
		args = append(args, m.LocalID)
		if cols["sort_seq"] {
			names = append(names, "sort_seq")
			args = append(args, m.Seq)
		}
		if cols["create_time"] {
			names = append(names, "create_time")
			args = append(args, m.Time)
		}
		if m.Codec != 0 {
			names = append(names, "WCDB_CT_message_content")
			args = append(args, m.Codec)
		}
		q := fmt.Sprintf("INSERT INTO %q (", table)
		ph := ""
		for i, n := range names {
			if i > 0 {
				q += ", "
				ph += ", "
			}
			q += n
			ph += "?"
		}
		q += ") VALUES (" + ph + ")"
		mustExec(s.T, s.DB, q, args...)
	}
}

// AddTimestamps is shorthand for inserting text messages at the given times.
func (s *Shard) AddTimestamps(table string, times ...int64) {
	s.T.Helper()
	msgs := make([]Message, len(times))
	for i, ts := range times {
		msgs[i] = Message{Time: ts, Content: []byte(fmt.Sprintf("msg@%d", ts))}
	}
	s.AddMessages(table, msgs...)
}

func (s *Shard) columns(table string) map[string]bool {
	s.T.Helper()
	rows, err := s.DB.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		s.T.Fatalf("table_info(%s): %v", table, err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			s.T.Fatalf("scan column: %v", err)
		}
		out[n] = true
	}
	return out
}

func openWritable(t testing.TB, path string) *sql.DB {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	// One connection keeps writes visible to readers opened later.
	db.SetMaxOpenConns(1)
	return db
}

func mustExec(t testing.TB, db *sql.DB, query string, args ...interface{}) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}
