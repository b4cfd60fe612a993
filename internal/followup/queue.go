// Package followup implements the per-session follow-up queue: bounded,
// ordered, deduplicated agent-run requests awaiting their turn on a session's
// single-flight run slot, plus the runner that drains them and the abort
// controller that cancels in-flight runs.
package followup

import (
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// DropPolicy selects how a full queue sheds load.
type DropPolicy string

const (
	DropOld       DropPolicy = "old"       // evict from the front
	DropNew       DropPolicy = "new"       // reject the incoming run
	DropSummarize DropPolicy = "summarize" // evict from the front, keep summary lines
)

// DedupeMode selects how duplicate enqueues are detected.
type DedupeMode string

const (
	DedupeMessageID DedupeMode = "message-id"
	DedupePrompt    DedupeMode = "prompt"
	DedupeNone      DedupeMode = "none"
)

// Mode is the queue admission mode, consumed by the gateway's consume loop
// (not by the queue itself — cap/drop/dedupe behave identically across modes).
type Mode string

const (
	ModeSteer        Mode = "steer"
	ModeCollect      Mode = "collect"
	ModeInterrupt    Mode = "interrupt"
	ModeFollowup     Mode = "followup"
	ModeQueue        Mode = "queue"
	ModeSteerBacklog Mode = "steer-backlog"
	// ModeSteerPlusBacklog is the legacy spelling of steer-backlog.
	ModeSteerPlusBacklog Mode = "steer+backlog"
)

// Routing is the delivery target a queued run replies to.
type Routing struct {
	Channel   string `json:"channel"`
	To        string `json:"to"`
	AccountID string `json:"accountId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
}

// Descriptor carries everything the runner needs to execute a queued run.
type Descriptor struct {
	AgentID    string
	SessionID  string
	SessionKey string
	Workspace  string
	TimeoutMs  int
	Provider   string
	Model      string
	Routing    Routing
	// IdempotencyKey guards the external runner against double invocation.
	IdempotencyKey string
}

// Run is one queued unit of work. Owned exclusively by the queue; moved,
// never copied, into the runner when dequeued.
type Run struct {
	Prompt      string
	EnqueuedAt  time.Time
	MessageID   string // origin dedupe key
	SummaryLine string // used when evicted under DropSummarize
	Descriptor  Descriptor
}

// Settings is the per-channel queue configuration applied at enqueue time.
type Settings struct {
	Mode       Mode
	DebounceMs int
	Cap        int // 0 = unbounded
	Drop       DropPolicy
	Dedupe     DedupeMode
}

const summaryLineMaxChars = 80

// queue holds one session key's pending runs. Created lazily on first
// enqueue, drained to empty by the runner; lives in process memory only.
type queue struct {
	items        []Run
	summaryLines []string
	droppedCount int
}

// Registry owns every session's follow-up queue. It is an explicit object
// injected into the gateway rather than ambient package state, so tests get
// isolated instances.
type Registry struct {
	mu     sync.Mutex
	queues map[string]*queue
}

func NewRegistry() *Registry {
	return &Registry{queues: make(map[string]*queue)}
}

// Enqueue admits run into key's queue under settings. Returns false when the
// run was dropped: detected as a duplicate, or rejected by DropNew at cap.
// A DropNew rejection leaves no trace — the rejected run's dedupe key is not
// recorded as seen.
func (r *Registry) Enqueue(key string, run Run, st Settings) bool {
	if run.EnqueuedAt.IsZero() {
		run.EnqueuedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	q := r.queues[key]
	if q == nil {
		q = &queue{}
		r.queues[key] = q
	}

	if mode := st.Dedupe; mode == "" || mode == DedupeMessageID || mode == DedupePrompt {
		if mode == "" {
			mode = DedupeMessageID
		}
		for _, existing := range q.items {
			if existing.Descriptor.Routing != run.Descriptor.Routing {
				continue
			}
			switch mode {
			case DedupeMessageID:
				if run.MessageID != "" && existing.MessageID == run.MessageID {
					slog.Debug("followup enqueue: duplicate message id", "session", key, "message_id", run.MessageID)
					return false
				}
			case DedupePrompt:
				if existing.Prompt == run.Prompt {
					slog.Debug("followup enqueue: duplicate prompt", "session", key)
					return false
				}
			}
		}
	}

	if st.Cap > 0 && len(q.items) >= st.Cap {
		switch st.Drop {
		case DropNew:
			q.droppedCount++
			slog.Debug("followup enqueue: queue full, rejecting newest", "session", key, "cap", st.Cap)
			return false
		case DropSummarize:
			evict := len(q.items) - st.Cap + 1
			for _, victim := range q.items[:evict] {
				q.summaryLines = append(q.summaryLines, summarize(victim))
			}
			if over := len(q.summaryLines) - st.Cap; over > 0 {
				q.summaryLines = q.summaryLines[over:]
			}
			q.droppedCount += evict
			q.items = q.items[evict:]
		default: // DropOld
			evict := len(q.items) - st.Cap + 1
			q.droppedCount += evict
			q.items = q.items[evict:]
		}
	}

	q.items = append(q.items, run)
	return true
}

// Depth returns the current item count, 0 when no queue exists for the key.
func (r *Registry) Depth(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q := r.queues[key]; q != nil {
		return len(q.items)
	}
	return 0
}

// Dequeue removes and returns the front run.
func (r *Registry) Dequeue(key string) (Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queues[key]
	if q == nil || len(q.items) == 0 {
		return Run{}, false
	}
	run := q.items[0]
	q.items = q.items[1:]
	return run, true
}

// DrainSummaries returns and clears the dropped-item summary lines for key.
// The caller prepends them to the next run's prompt so the agent knows what
// load shedding discarded.
func (r *Registry) DrainSummaries(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queues[key]
	if q == nil || len(q.summaryLines) == 0 {
		return nil
	}
	lines := q.summaryLines
	q.summaryLines = nil
	return lines
}

// Clear empties key's queue and returns the number of discarded runs.
func (r *Registry) Clear(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queues[key]
	if q == nil {
		return 0
	}
	n := len(q.items)
	q.items = nil
	q.summaryLines = nil
	return n
}

// DroppedCount returns the total runs shed from key's queue so far.
func (r *Registry) DroppedCount(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q := r.queues[key]; q != nil {
		return q.droppedCount
	}
	return 0
}

func summarize(run Run) string {
	line := run.SummaryLine
	if line == "" {
		line = strings.TrimSpace(run.Prompt)
	}
	line = strings.ReplaceAll(line, "\n", " ")
	if len(line) > summaryLineMaxChars {
		cut := summaryLineMaxChars
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		line = line[:cut] + "..."
	}
	return line
}
