package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/convogate/convogate/internal/sessions"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS session_entries (
	key        TEXT PRIMARY KEY,
	entry      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_entries_updated ON session_entries(updated_at);
`

// SQLiteStore persists entries in a single sqlite database file, one row per
// session key with the entry serialized as JSON.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the sqlite-backed store at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite session store requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite store dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// The gateway serializes writes per key; a single connection avoids
	// SQLITE_BUSY churn under concurrent sessions.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(key string) (*sessions.Entry, bool) {
	var raw string
	err := s.db.QueryRow(`SELECT entry FROM session_entries WHERE key = ?`, key).Scan(&raw)
	if err != nil {
		if err != sql.ErrNoRows {
			slog.Warn("sqlite session read failed", "session", key, "error", err)
		}
		return nil, false
	}
	var e sessions.Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		slog.Warn("skipping corrupt session row", "session", key, "error", err)
		return nil, false
	}
	return &e, true
}

func (s *SQLiteStore) Put(key string, e *sessions.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal session entry: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO session_entries (key, entry, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET entry = excluded.entry, updated_at = excluded.updated_at`,
		key, string(data), e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("write session entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM session_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete session entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List() []sessions.Info {
	rows, err := s.db.Query(`SELECT key, entry FROM session_entries ORDER BY updated_at DESC`)
	if err != nil {
		slog.Warn("sqlite session list failed", "error", err)
		return nil
	}
	defer rows.Close()

	var out []sessions.Info
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			continue
		}
		var e sessions.Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, sessions.Info{
			Key:       key,
			SessionID: e.SessionID,
			UpdatedAt: e.UpdatedAt,
			ChatType:  string(e.ChatType),
		})
	}
	return out
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
