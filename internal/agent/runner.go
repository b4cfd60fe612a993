// Package agent defines the contract to the external agent runner: the
// gateway invokes it with full session context and receives streamed content
// blocks back. The runner itself (LLM calls, tools, retries) lives outside
// this repository.
package agent

import (
	"context"

	"github.com/convogate/convogate/internal/reply"
)

// Invocation is the input for one agent run.
type Invocation struct {
	SessionID         string `json:"sessionId"`
	SessionKey        string `json:"sessionKey"`
	WorkspaceDir      string `json:"workspaceDir,omitempty"`
	Prompt            string `json:"prompt"`
	ExtraSystemPrompt string `json:"extraSystemPrompt,omitempty"`
	Provider          string `json:"provider,omitempty"`
	Model             string `json:"model,omitempty"`
	ThinkLevel        string `json:"thinkLevel,omitempty"`
	VerboseLevel      string `json:"verboseLevel,omitempty"`
	BashElevated      bool   `json:"bashElevated,omitempty"`
	TimeoutMs         int    `json:"timeoutMs,omitempty"`
	RunID             string `json:"runId"`
	// BlockReplyBreak asks the runner to flush a block boundary at each
	// paragraph so streaming consumers can deliver partial replies.
	BlockReplyBreak bool `json:"blockReplyBreak,omitempty"`
	// IdempotencyKey lets the runner drop a duplicate invocation.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// Usage is the token accounting reported for a run.
type Usage struct {
	Input      int64 `json:"input,omitempty"`
	Output     int64 `json:"output,omitempty"`
	CacheRead  int64 `json:"cacheRead,omitempty"`
	CacheWrite int64 `json:"cacheWrite,omitempty"`
	Total      int64 `json:"total,omitempty"`
}

// Meta describes the run the agent actually performed.
type Meta struct {
	SessionID string `json:"sessionId"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	Usage     *Usage `json:"usage,omitempty"`
}

// Result is a completed (or partially completed) run's output.
type Result struct {
	Blocks []reply.Block `json:"blocks,omitempty"`
	Meta   Meta          `json:"meta"`
}

// Payloads converts the result's block stream into deliverable payloads.
func (r *Result) Payloads() []reply.Payload {
	return reply.PayloadsFromBlocks(r.Blocks)
}

// StreamFunc receives content blocks as the runner produces them. Optional;
// runners that cannot stream call it once with the final blocks.
type StreamFunc func(block reply.Block)

// Runner is the external agent runner. Invoke blocks for the whole run;
// cancellation and per-run timeouts arrive through ctx. A timed-out or
// cancelled run may return a partial Result alongside the error — the
// gateway still post-processes those partial payloads.
type Runner interface {
	Invoke(ctx context.Context, inv Invocation, stream StreamFunc) (*Result, error)

	// Steer injects text into an in-flight run. Returns false when the
	// runner does not support mid-run steering or the run is unknown; the
	// gateway then falls back to queueing.
	Steer(runID, text string) bool
}
