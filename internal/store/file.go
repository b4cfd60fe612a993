package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/convogate/convogate/internal/sessions"
)

// FileStore keeps entries in memory and mirrors every write to one JSON file
// per session key under a storage directory. Writes are atomic (temp file +
// rename). Corrupt files are skipped at load so a damaged store degrades to
// empty instead of failing the gateway.
type FileStore struct {
	mu      sync.RWMutex
	entries map[string]*sessions.Entry
	dir     string // empty = memory only
}

// OpenFile opens (and if needed creates) a file-backed store at dir.
// An empty dir yields a memory-only store, used by tests and ephemeral runs.
func OpenFile(dir string) (*FileStore, error) {
	s := &FileStore{entries: make(map[string]*sessions.Entry), dir: dir}
	if dir == "" {
		return s, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session store dir: %w", err)
	}
	s.loadAll()
	return s, nil
}

func (s *FileStore) Get(key string) (*sessions.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

func (s *FileStore) Put(key string, e *sessions.Entry) error {
	cp := *e
	s.mu.Lock()
	s.entries[key] = &cp
	s.mu.Unlock()

	if s.dir == "" {
		return nil
	}
	return s.writeFile(key, &cp)
}

func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()

	if s.dir == "" {
		return nil
	}
	path := filepath.Join(s.dir, fileName(key))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session file: %w", err)
	}
	return nil
}

func (s *FileStore) List() []sessions.Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]sessions.Info, 0, len(s.entries))
	for key, e := range s.entries {
		out = append(out, sessions.Info{
			Key:       key,
			SessionID: e.SessionID,
			UpdatedAt: e.UpdatedAt,
			ChatType:  string(e.ChatType),
		})
	}
	return out
}

func (s *FileStore) Close() error { return nil }

// persisted wraps an entry with its key, so files are self-describing.
type persisted struct {
	Key string `json:"key"`
	sessions.Entry
}

func (s *FileStore) writeFile(key string, e *sessions.Entry) error {
	name := fileName(key)
	if name == "." || !filepath.IsLocal(name) || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("session key %q maps to invalid file name", key)
	}

	data, err := json.MarshalIndent(persisted{Key: key, Entry: *e}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session entry: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "session-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync session file: %w", err)
	}
	tmp.Close()

	if err := os.Rename(tmpPath, filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("rename session file: %w", err)
	}
	cleanup = false
	return nil
}

func (s *FileStore) loadAll() {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, f.Name()))
		if err != nil {
			continue
		}
		var p persisted
		if err := json.Unmarshal(data, &p); err != nil || p.Key == "" {
			slog.Warn("skipping corrupt session file", "file", f.Name())
			continue
		}
		e := p.Entry
		s.entries[p.Key] = &e
	}
}

func fileName(key string) string {
	return strings.ReplaceAll(key, ":", "_") + ".json"
}
