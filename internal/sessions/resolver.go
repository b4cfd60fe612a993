package sessions

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Inbound carries the identity fields of one normalized inbound message.
type Inbound struct {
	Provider     string // channel name: "telegram", "discord", "webchat", ...
	Surface      string // sub-surface within the provider, when it has one
	SenderID     string
	GroupID      string
	GroupSubject string
	AccountID    string
	ThreadID     string
	MessageID    string
	ChatType     ChatType
	Body         string
}

// ResolverConfig is the session-continuity configuration surface.
type ResolverConfig struct {
	Scope         Scope
	IdleMinutes   int
	ResetTriggers []string
}

// Resolver derives session keys and makes the continuity decision for every
// inbound message. It always writes the entry back with a fresh UpdatedAt so
// queue admission downstream sees current state.
type Resolver struct {
	store EntryStore
	cfg   ResolverConfig
	now   func() time.Time
}

func NewResolver(store EntryStore, cfg ResolverConfig) *Resolver {
	if cfg.Scope == "" {
		cfg.Scope = ScopePerChannelPeer
	}
	return &Resolver{store: store, cfg: cfg, now: time.Now}
}

// Resolution is the outcome of resolving one inbound message.
type Resolution struct {
	Key   string
	Entry *Entry
	// Fresh is true when a new SessionID was minted, either because no entry
	// existed, the idle window lapsed, or a reset trigger matched.
	Fresh bool
	// Reset is true when a reset trigger forced the fresh session.
	Reset bool
}

// Resolve maps an inbound message to its session, applying reset triggers
// and the idle timeout, and persists the updated entry before returning.
// It never fails: malformed identities get a best-effort fallback key and a
// missing store entry is treated as a new session.
func (r *Resolver) Resolve(agentID string, in Inbound) Resolution {
	if in.ChatType == "" {
		in.ChatType = ChatDirect
	}
	if in.SenderID == "" && in.GroupID == "" {
		// Best-effort fallback key; never fail the message on bad identity.
		in.SenderID = "unknown"
		slog.Warn("session resolve: missing identity fields, using fallback key",
			"provider", in.Provider)
	}

	key := BuildKey(agentID, in, r.cfg.Scope)
	now := r.now().UnixMilli()

	entry, ok := r.store.Get(key)
	if !ok {
		entry = &Entry{}
	}

	reset := MatchesResetTrigger(in.Body, r.cfg.ResetTriggers)
	expired := ok && r.cfg.IdleMinutes > 0 &&
		now-entry.UpdatedAt > int64(r.cfg.IdleMinutes)*60_000

	fresh := !ok || reset || expired || entry.SessionID == ""
	if fresh {
		entry.SessionID = uuid.NewString()
		entry.SystemSent = false
		entry.AbortedLastRun = false
		entry.InputTokens = 0
		entry.OutputTokens = 0
		entry.TotalTokens = 0
	}

	entry.ChatType = in.ChatType
	entry.LastChannel = in.Provider
	if in.ChatType == ChatDirect {
		entry.LastTo = in.SenderID
	} else {
		entry.LastTo = in.GroupID
	}
	if in.AccountID != "" {
		entry.LastAccountID = in.AccountID
	}
	entry.LastThreadID = in.ThreadID

	// UpdatedAt strictly increases even when two writes land on the same
	// millisecond.
	if now <= entry.UpdatedAt {
		now = entry.UpdatedAt + 1
	}
	entry.UpdatedAt = now

	if err := r.store.Put(key, entry); err != nil {
		slog.Error("session resolve: persist failed", "session", key, "error", err)
	}

	return Resolution{Key: key, Entry: entry, Fresh: fresh, Reset: reset}
}

// MatchesResetTrigger reports whether body matches a configured reset
// trigger: exact match, or the trigger followed by a space.
func MatchesResetTrigger(body string, triggers []string) bool {
	trimmed := strings.TrimSpace(body)
	for _, trig := range triggers {
		if trig == "" {
			continue
		}
		if trimmed == trig || strings.HasPrefix(trimmed, trig+" ") {
			return true
		}
	}
	return false
}
