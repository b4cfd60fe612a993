package followup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/convogate/convogate/internal/sessions"
)

type activeRun struct {
	runID  string
	cancel context.CancelFunc
}

// AbortController tracks the active run per session key and cancels it on
// demand. Abort is cooperative: it signals the external runner through the
// run context and does not guarantee output stops instantly — a late payload
// from the cancelled stream is still delivered normally.
type AbortController struct {
	mu     sync.Mutex
	byKey  map[string]activeRun
	byID   map[string]string // run id → session key
	queues *Registry
	store  sessions.EntryStore
}

func NewAbortController(queues *Registry, store sessions.EntryStore) *AbortController {
	return &AbortController{
		byKey:  make(map[string]activeRun),
		byID:   make(map[string]string),
		queues: queues,
		store:  store,
	}
}

// Register records runID as the session's active run for abort lookups.
func (a *AbortController) Register(sessionKey, runID string, cancel context.CancelFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if prev, ok := a.byKey[sessionKey]; ok {
		delete(a.byID, prev.runID)
	}
	a.byKey[sessionKey] = activeRun{runID: runID, cancel: cancel}
	a.byID[runID] = sessionKey
}

// Unregister clears the active-run record, but only when runID is still the
// session's current run (a newer run may have replaced it).
func (a *AbortController) Unregister(sessionKey, runID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.byKey[sessionKey]; ok && cur.runID == runID {
		delete(a.byKey, sessionKey)
	}
	delete(a.byID, runID)
}

// ActiveRunID returns the session's in-flight run id, if any. Used by the
// gateway's steer admission path.
func (a *AbortController) ActiveRunID(sessionKey string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	run, ok := a.byKey[sessionKey]
	return run.runID, ok
}

// Abort cancels the active run for a session key or run id, marks the
// session entry abortedLastRun, and clears the session's follow-up queue —
// queued work is presumed stale once the user explicitly interrupts.
// Returns true when an in-flight run was actually cancelled; a session with
// nothing active is a no-op, not an error.
func (a *AbortController) Abort(sessionKeyOrID string) bool {
	a.mu.Lock()
	key := sessionKeyOrID
	if mapped, ok := a.byID[sessionKeyOrID]; ok {
		key = mapped
	}
	run, active := a.byKey[key]
	if active {
		delete(a.byKey, key)
		delete(a.byID, run.runID)
	}
	a.mu.Unlock()

	if active {
		run.cancel()
		slog.Info("aborted in-flight run", "session", key, "run_id", run.runID)
	}

	if cleared := a.queues.Clear(key); cleared > 0 {
		slog.Info("cleared follow-up queue on abort", "session", key, "dropped", cleared)
	}

	if entry, ok := a.store.Get(key); ok {
		entry.AbortedLastRun = true
		now := time.Now().UnixMilli()
		if now <= entry.UpdatedAt {
			now = entry.UpdatedAt + 1
		}
		entry.UpdatedAt = now
		if err := a.store.Put(key, entry); err != nil {
			slog.Error("abort: persist failed", "session", key, "error", err)
		}
	}

	return active
}
