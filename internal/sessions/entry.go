// Package sessions owns conversation continuity: the durable per-key session
// entry, the scoped session key builder, and the resolver that decides
// whether an inbound message continues an existing run of conversation or
// starts a fresh one.
package sessions

// ChatType classifies the conversation surface a session is bound to.
type ChatType string

const (
	ChatDirect  ChatType = "direct"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
)

// Entry is the durable state for one session key. At most one entry exists
// per key; UpdatedAt strictly increases on every write.
type Entry struct {
	// SessionID is the opaque run-continuity id handed to the agent runner.
	// A fresh id means the runner starts a new conversation context.
	SessionID string `json:"sessionId"`
	UpdatedAt int64  `json:"updatedAt"` // epoch ms

	ModelOverride    string `json:"modelOverride,omitempty"`
	ProviderOverride string `json:"providerOverride,omitempty"`

	// Model is the model the last completed run actually used.
	Model string `json:"model,omitempty"`

	ContextTokens int   `json:"contextTokens,omitempty"`
	InputTokens   int64 `json:"inputTokens,omitempty"`
	OutputTokens  int64 `json:"outputTokens,omitempty"`
	TotalTokens   int64 `json:"totalTokens,omitempty"`

	ThinkingLevel  string `json:"thinkingLevel,omitempty"`
	VerboseLevel   string `json:"verboseLevel,omitempty"`
	ReasoningLevel string `json:"reasoningLevel,omitempty"`
	ElevatedLevel  string `json:"elevatedLevel,omitempty"`

	// SystemSent records that the bootstrap prompt was already delivered for
	// the current SessionID. Cleared whenever a fresh SessionID is minted.
	SystemSent     bool     `json:"systemSent,omitempty"`
	AbortedLastRun bool     `json:"abortedLastRun,omitempty"`
	SkillsSnapshot []string `json:"skillsSnapshot,omitempty"`

	ChatType ChatType `json:"chatType,omitempty"`

	// Last-delivery target, reused when a run needs to reach the surface
	// without a triggering inbound message (heartbeats, announcements).
	LastChannel   string `json:"lastChannel,omitempty"`
	LastTo        string `json:"lastTo,omitempty"`
	LastAccountID string `json:"lastAccountId,omitempty"`
	LastThreadID  string `json:"lastThreadId,omitempty"`
}

// EntryStore is the durable mapping session key → entry. Implementations
// live in internal/store; a missing or corrupt backing file behaves as an
// empty store rather than an error.
type EntryStore interface {
	Get(key string) (*Entry, bool)
	Put(key string, e *Entry) error
}

// Info is lightweight session metadata for listing.
type Info struct {
	Key       string `json:"key"`
	SessionID string `json:"sessionId"`
	UpdatedAt int64  `json:"updatedAt"`
	ChatType  string `json:"chatType,omitempty"`
}
