// Package store defines the durable session-entry store interface and its
// factory. Backends: file (default), sqlite, postgres.
package store

import (
	"fmt"

	"github.com/convogate/convogate/internal/sessions"
)

// SessionStore is the durable mapping session key → entry. Every logical
// operation is read-modify-write with last-writer-wins semantics; callers
// serialize writes per key (the gateway's single-flight-per-session property
// provides this for run-triggered writes).
type SessionStore interface {
	sessions.EntryStore
	Delete(key string) error
	List() []sessions.Info
	Close() error
}

// Config selects and configures a store backend.
type Config struct {
	Backend     string // "file" (default), "sqlite", "postgres"
	Path        string // file: storage dir; sqlite: db file path
	PostgresDSN string // postgres only, from env
}

// Open creates the configured backend. An unknown backend is an error; a
// missing or corrupt backing file is not (degrades to an empty store).
func Open(cfg Config) (SessionStore, error) {
	switch cfg.Backend {
	case "", "file":
		return OpenFile(cfg.Path)
	case "sqlite":
		return OpenSQLite(cfg.Path)
	case "postgres":
		return OpenPostgres(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown session store backend %q", cfg.Backend)
	}
}
