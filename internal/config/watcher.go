package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file on change and hands the new config to a
// callback. Editors replace files with rename/create sequences, so the
// watcher observes the parent directory and debounces the event burst.
type Watcher struct {
	path     string
	onChange func(*Config)

	mu       sync.Mutex
	lastHash string
	fsw      *fsnotify.Watcher
	debounce *time.Timer
	stopCh   chan struct{}
}

const watchDebounce = 500 * time.Millisecond

func NewWatcher(path string, current *Config, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:     ExpandHome(path),
		onChange: onChange,
		fsw:      fsw,
		stopCh:   make(chan struct{}),
	}
	if current != nil {
		w.lastHash = current.Hash()
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return nil, err
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(watchDebounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Error("config reload failed, keeping previous config", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	hash := cfg.Hash()
	if hash == w.lastHash {
		w.mu.Unlock()
		return
	}
	w.lastHash = hash
	w.mu.Unlock()

	slog.Info("config reloaded", "path", w.path)
	w.onChange(cfg)
}

func (w *Watcher) Close() error {
	close(w.stopCh)
	w.mu.Lock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.mu.Unlock()
	return w.fsw.Close()
}
