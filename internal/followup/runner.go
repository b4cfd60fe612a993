package followup

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/convogate/convogate/internal/agent"
	"github.com/convogate/convogate/internal/reply"
	"github.com/convogate/convogate/internal/sessions"
)

// Deliverer is the runner's downstream: the typing/reply dispatcher. A nil
// deliverer is logged and skipped, never fatal.
type Deliverer interface {
	Deliver(ctx context.Context, route Routing, runID string, payloads []reply.Payload)
}

// Streamer receives blocks during an active run for incremental delivery.
// Optional; nil disables block streaming for the run. FinishStream is called
// exactly once when the run's stream ends, before final payload delivery,
// so buffered chunks flush ahead of any trailing media or error payloads.
type Streamer interface {
	StreamBlock(route Routing, runID string, block reply.Block)
	FinishStream(route Routing, runID string)
}

// RunnerConfig tunes invocation defaults and context-size resolution for
// usage accounting.
type RunnerConfig struct {
	// ContextOverride, when >0, wins over every other context-size source.
	ContextOverride int
	// ModelContext maps model name → known context window size.
	ModelContext map[string]int
	// DefaultContextTokens is the fallback when nothing else resolves.
	DefaultContextTokens int
	// SystemPrompt is sent with the first run of each session id, tracked
	// via the entry's SystemSent flag.
	SystemPrompt string
	// BlockReplyBreak asks the agent to emit block boundaries for streaming.
	BlockReplyBreak bool
}

// Runner drains a session's follow-up queue one item at a time: it invokes
// the external agent runner, post-processes the streamed output, updates the
// session's token accounting, and hands surviving payloads to the
// dispatcher. The caller guarantees single-flight per session key; the
// runner holds no lock of its own.
type Runner struct {
	agent    agent.Runner
	store    sessions.EntryStore
	aborts   *AbortController
	deliver  Deliverer
	streamer Streamer
	cfg      RunnerConfig
}

func NewRunner(a agent.Runner, store sessions.EntryStore, aborts *AbortController, deliver Deliverer, cfg RunnerConfig) *Runner {
	if cfg.DefaultContextTokens == 0 {
		cfg.DefaultContextTokens = 200_000
	}
	return &Runner{agent: a, store: store, aborts: aborts, deliver: deliver, cfg: cfg}
}

// SetStreamer wires incremental block delivery for active runs.
func (r *Runner) SetStreamer(s Streamer) { r.streamer = s }

// Run executes one dequeued item. Every failure is scoped to this run and
// logged; nothing escapes to the queue or to other sessions.
func (r *Runner) Run(ctx context.Context, item Run) {
	desc := item.Descriptor
	runID := uuid.NewString()

	runCtx, cancel := context.WithCancel(ctx)
	if desc.TimeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(desc.TimeoutMs)*time.Millisecond)
	}
	defer cancel()

	r.aborts.Register(desc.SessionKey, runID, cancel)
	defer r.aborts.Unregister(desc.SessionKey, runID)

	var stream agent.StreamFunc
	if r.streamer != nil {
		stream = func(b reply.Block) {
			r.streamer.StreamBlock(desc.Routing, runID, b)
		}
	}

	// Session-scoped run preferences live on the entry; a missing entry
	// means first contact and every level stays at its default.
	entry, ok := r.store.Get(desc.SessionKey)
	if !ok {
		entry = &sessions.Entry{}
	}
	extraSystem := ""
	if !entry.SystemSent {
		extraSystem = r.cfg.SystemPrompt
	}

	result, err := r.agent.Invoke(runCtx, agent.Invocation{
		SessionID:         desc.SessionID,
		SessionKey:        desc.SessionKey,
		WorkspaceDir:      desc.Workspace,
		Prompt:            item.Prompt,
		ExtraSystemPrompt: extraSystem,
		Provider:          desc.Provider,
		Model:             desc.Model,
		ThinkLevel:        entry.ThinkingLevel,
		VerboseLevel:      entry.VerboseLevel,
		BashElevated:      entry.ElevatedLevel == "on",
		TimeoutMs:         desc.TimeoutMs,
		RunID:             runID,
		BlockReplyBreak:   r.cfg.BlockReplyBreak,
		IdempotencyKey:    desc.IdempotencyKey,
	}, stream)
	if r.streamer != nil {
		r.streamer.FinishStream(desc.Routing, runID)
	}
	if err != nil {
		if result == nil {
			// Nothing produced: no partial state is committed, no reply sent.
			slog.Error("agent run failed", "session", desc.SessionKey, "run_id", runID, "error", err)
			return
		}
		// Timed-out or cancelled runs still post-process partial payloads.
		slog.Warn("agent run ended with error, keeping partial output",
			"session", desc.SessionKey, "run_id", runID, "error", err)
	}

	// Tokens were spent and the bootstrap prompt went out even when every
	// payload is suppressed below, so account first.
	r.recordUsage(desc.SessionKey, result.Meta)

	payloads := reply.Normalize(result.Payloads(), item.MessageID)
	if len(payloads) == 0 {
		slog.Debug("agent run produced no deliverable payloads", "session", desc.SessionKey, "run_id", runID)
		return
	}

	if r.deliver == nil {
		slog.Warn("no dispatcher wired, dropping payloads", "session", desc.SessionKey, "count", len(payloads))
		return
	}
	r.deliver.Deliver(ctx, desc.Routing, runID, payloads)
}

// recordUsage updates the session entry's token accounting and model fields
// from the run's reported metadata.
//
// totalTokens counts prompt-side context usage: input + cacheRead +
// cacheWrite. When that computes to 0 the runner fell back to a coarse
// report, so use usage.total, or failing that usage.input.
func (r *Runner) recordUsage(sessionKey string, meta agent.Meta) {
	entry, ok := r.store.Get(sessionKey)
	if !ok {
		entry = &sessions.Entry{SessionID: meta.SessionID}
	}

	if u := meta.Usage; u != nil {
		entry.InputTokens = u.Input
		entry.OutputTokens = u.Output
		promptTokens := u.Input + u.CacheRead + u.CacheWrite
		if promptTokens == 0 {
			promptTokens = u.Total
			if promptTokens == 0 {
				promptTokens = u.Input
			}
		}
		entry.TotalTokens = promptTokens
	}
	if meta.Model != "" {
		entry.Model = meta.Model
	}
	entry.ContextTokens = r.resolveContextTokens(meta.Model, entry.ContextTokens)
	entry.AbortedLastRun = false
	entry.SystemSent = true

	now := time.Now().UnixMilli()
	if now <= entry.UpdatedAt {
		now = entry.UpdatedAt + 1
	}
	entry.UpdatedAt = now

	if err := r.store.Put(sessionKey, entry); err != nil {
		slog.Error("usage update: persist failed", "session", sessionKey, "error", err)
	}
}

// resolveContextTokens picks the context window size in priority order:
// explicit override → model's known size → prior session value → default.
func (r *Runner) resolveContextTokens(model string, prior int) int {
	if r.cfg.ContextOverride > 0 {
		return r.cfg.ContextOverride
	}
	if cw, ok := r.cfg.ModelContext[model]; ok && cw > 0 {
		return cw
	}
	if prior > 0 {
		return prior
	}
	return r.cfg.DefaultContextTokens
}
