package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convogate/convogate/internal/sessions"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS session_entries (
	key        TEXT PRIMARY KEY,
	entry      JSONB NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_entries_updated ON session_entries(updated_at);
`

// PostgresStore persists entries in postgres, for deployments where several
// gateway hosts share one session database. Same last-writer-wins semantics
// as the file store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to the DSN and ensures the schema exists.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres session store requires a DSN")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init postgres schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Get(key string) (*sessions.Entry, bool) {
	ctx, cancel := opCtx()
	defer cancel()

	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT entry FROM session_entries WHERE key = $1`, key).Scan(&raw)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			slog.Warn("postgres session read failed", "session", key, "error", err)
		}
		return nil, false
	}
	var e sessions.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		slog.Warn("skipping corrupt session row", "session", key, "error", err)
		return nil, false
	}
	return &e, true
}

func (s *PostgresStore) Put(key string, e *sessions.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal session entry: %w", err)
	}
	ctx, cancel := opCtx()
	defer cancel()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO session_entries (key, entry, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET entry = EXCLUDED.entry, updated_at = EXCLUDED.updated_at`,
		key, data, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("write session entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(key string) error {
	ctx, cancel := opCtx()
	defer cancel()
	if _, err := s.pool.Exec(ctx, `DELETE FROM session_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete session entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) List() []sessions.Info {
	ctx, cancel := opCtx()
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT key, entry FROM session_entries ORDER BY updated_at DESC`)
	if err != nil {
		slog.Warn("postgres session list failed", "error", err)
		return nil
	}
	defer rows.Close()

	var out []sessions.Info
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			continue
		}
		var e sessions.Entry
		if err := json.Unmarshal(raw, &e); err != nil {
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

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
