// Package dispatch turns an agent run's ordered payloads into channel
// deliveries: it coalesces streamed text into human-sized chunks, simulates
// typing and human response latency, applies the per-channel reply-threading
// policy, and reports delivery failures without stalling the run.
package dispatch

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/convogate/convogate/internal/followup"
	"github.com/convogate/convogate/internal/reply"
)

// ReplyToMode is the per-channel reply-threading policy.
type ReplyToMode string

const (
	ReplyToOff   ReplyToMode = "off"   // strip reply targets
	ReplyToFirst ReplyToMode = "first" // keep on the run's first payload only
	ReplyToAll   ReplyToMode = "all"   // keep on every payload
)

// HumanDelayMode selects the pre-send pacing strategy.
type HumanDelayMode string

const (
	DelayOff     HumanDelayMode = "off"
	DelayNatural HumanDelayMode = "natural" // scaled to the chunk's length
	DelayCustom  HumanDelayMode = "custom"  // uniform random in [MinMs, MaxMs]
)

// HumanDelay paces outgoing chunks to mimic human response latency.
type HumanDelay struct {
	Mode  HumanDelayMode `json:"mode"`
	MinMs int            `json:"minMs"`
	MaxMs int            `json:"maxMs"`
}

// ChannelPolicy is the reply-threading policy for one channel.
type ChannelPolicy struct {
	ReplyToMode ReplyToMode `json:"replyToMode"`
	// AllowTagPassThrough lets an explicit [[reply_to:...]] target survive
	// even when ReplyToMode is off.
	AllowTagPassThrough bool `json:"allowTagPassThrough"`
}

// Config is the dispatcher's full configuration surface.
type Config struct {
	// Policies maps channel name to its reply-threading policy. Channels
	// without an entry use DefaultPolicy.
	Policies      map[string]ChannelPolicy
	DefaultPolicy ChannelPolicy
	HumanDelay    HumanDelay
	// StreamBlocks enables incremental text delivery during a run. Text
	// payloads are then skipped at final delivery since their content
	// already went out chunk by chunk.
	StreamBlocks bool
	BlockStream  CoalesceConfig
}

// Sink is the dispatcher's delivery target, implemented by the channel
// manager. Typing calls are advisory; adapters without a typing surface
// implement them as no-ops.
type Sink interface {
	SendReply(ctx context.Context, route followup.Routing, p reply.Payload) error
	StartTyping(route followup.Routing)
	StopTyping(route followup.Routing)
}

// ThreadResolver is an optional Sink capability: channels that pick up reply
// threading from platform state implement it, and the dispatcher resolves
// the target once per run and reuses it for every payload in that run.
type ThreadResolver interface {
	ResolveThread(route followup.Routing) string
}

// ChunkSink is an optional Sink capability: sinks that can mark streamed
// partial chunks distinctly implement it, and the dispatcher routes
// coalesced stream flushes through it instead of SendReply.
type ChunkSink interface {
	SendChunk(ctx context.Context, route followup.Routing, runID, text string) error
}

// ErrorKind distinguishes a streamed-chunk delivery failure from a final
// payload failure.
type ErrorKind string

const (
	ErrorKindBlock ErrorKind = "block"
	ErrorKindFinal ErrorKind = "final"
)

// Reporter receives delivery failures. A failure never aborts the remaining
// payloads of the run or any other session.
type Reporter interface {
	DeliveryFailed(err error, kind ErrorKind, route followup.Routing, runID string)
}

type runState struct {
	firstSent      bool
	threadResolved bool
	threadID       string
	co             *Coalescer
}

// Dispatcher implements followup.Deliverer and followup.Streamer. Per-run
// state (reply-to "first" tracking, resolved thread target, the stream
// coalescer) is keyed by run id and never leaks across runs or sessions.
type Dispatcher struct {
	cfg      Config
	sink     Sink
	reporter Reporter

	// sleep is swapped out in tests to avoid real pacing delays.
	sleep func(ctx context.Context, d time.Duration) bool

	mu   sync.Mutex
	runs map[string]*runState
}

func New(cfg Config, sink Sink, reporter Reporter) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		sink:     sink,
		reporter: reporter,
		sleep:    sleepCtx,
		runs:     make(map[string]*runState),
	}
}

// Deliver sends a finished run's payloads in order. Failures are reported
// and skipped; the typing indicator is forced idle on error so the surface
// never shows a stuck "typing" state.
func (d *Dispatcher) Deliver(ctx context.Context, route followup.Routing, runID string, payloads []reply.Payload) {
	st := d.state(runID)
	defer d.release(runID)

	route.ThreadID = d.resolveThread(route, st)

	d.sink.StartTyping(route)
	typingActive := true
	defer func() {
		if typingActive {
			d.sink.StopTyping(route)
		}
	}()

	for _, p := range payloads {
		if d.cfg.StreamBlocks && !p.HasMedia() && !p.IsError {
			// Text already went out through the block stream.
			st.firstSent = true
			continue
		}
		p = d.filterReplyTo(route.Channel, p, st)
		if !d.pause(ctx, p.Text) {
			return
		}
		if err := d.sink.SendReply(ctx, route, p); err != nil {
			d.sink.StopTyping(route)
			typingActive = false
			d.report(err, ErrorKindFinal, route, runID)
			continue
		}
	}
}

// StreamBlock coalesces one streamed content block into outgoing chunks.
// Only text blocks stream; everything else waits for final delivery.
func (d *Dispatcher) StreamBlock(route followup.Routing, runID string, block reply.Block) {
	if !d.cfg.StreamBlocks || block.Kind != reply.BlockText || block.Text == "" {
		return
	}
	st := d.state(runID)

	d.mu.Lock()
	if st.co == nil {
		st.co = NewCoalescer(d.cfg.BlockStream, func(chunk string) {
			d.sendChunk(route, runID, chunk)
		})
		d.mu.Unlock()
		d.sink.StartTyping(route)
	} else {
		d.mu.Unlock()
	}
	st.co.Write(block.Text)
}

// FinishStream flushes any buffered chunk once the run's stream ends. Final
// payload delivery, if any, follows through Deliver on the same run id.
func (d *Dispatcher) FinishStream(route followup.Routing, runID string) {
	d.mu.Lock()
	st := d.runs[runID]
	d.mu.Unlock()
	if st == nil || st.co == nil {
		return
	}
	st.co.Close()
	d.sink.StopTyping(route)
	d.release(runID)
}

func (d *Dispatcher) sendChunk(route followup.Routing, runID string, chunk string) {
	ctx := context.Background()
	if !d.pause(ctx, chunk) {
		return
	}
	var err error
	if cs, ok := d.sink.(ChunkSink); ok {
		err = cs.SendChunk(ctx, route, runID, chunk)
	} else {
		err = d.sink.SendReply(ctx, route, reply.Payload{Text: chunk})
	}
	if err != nil {
		d.sink.StopTyping(route)
		d.report(err, ErrorKindBlock, route, runID)
	}
}

// filterReplyTo applies the channel's reply-to-mode to one payload. The
// "first" mode's statefulness is scoped to a single run's payload sequence.
func (d *Dispatcher) filterReplyTo(channel string, p reply.Payload, st *runState) reply.Payload {
	pol := d.policy(channel)
	switch pol.ReplyToMode {
	case ReplyToAll:
	case ReplyToFirst:
		if st.firstSent {
			p.ReplyToID = ""
		}
	default: // off
		if !(pol.AllowTagPassThrough && p.ReplyToTag) {
			p.ReplyToID = ""
		}
	}
	st.firstSent = true
	return p
}

func (d *Dispatcher) policy(channel string) ChannelPolicy {
	if pol, ok := d.cfg.Policies[channel]; ok {
		return pol
	}
	return d.cfg.DefaultPolicy
}

func (d *Dispatcher) resolveThread(route followup.Routing, st *runState) string {
	if st.threadResolved {
		return st.threadID
	}
	st.threadResolved = true
	st.threadID = route.ThreadID
	if tr, ok := d.sink.(ThreadResolver); ok {
		if id := tr.ResolveThread(route); id != "" {
			st.threadID = id
		}
	}
	return st.threadID
}

// pause blocks for the configured human delay. Returns false when ctx ends
// first, which abandons the rest of the run's deliveries.
func (d *Dispatcher) pause(ctx context.Context, text string) bool {
	delay := d.delayFor(text)
	if delay <= 0 {
		return ctx.Err() == nil
	}
	return d.sleep(ctx, delay)
}

func (d *Dispatcher) delayFor(text string) time.Duration {
	hd := d.cfg.HumanDelay
	minMs, maxMs := hd.MinMs, hd.MaxMs
	switch hd.Mode {
	case DelayNatural:
		if minMs <= 0 {
			minMs = 600
		}
		if maxMs < minMs {
			maxMs = 2500
		}
		// Roughly 30ms of "typing" per visible character.
		ms := runewidth.StringWidth(text) * 30
		if ms < minMs {
			ms = minMs
		}
		if ms > maxMs {
			ms = maxMs
		}
		return time.Duration(ms) * time.Millisecond
	case DelayCustom:
		if maxMs <= 0 || maxMs < minMs {
			return time.Duration(minMs) * time.Millisecond
		}
		ms := minMs + rand.IntN(maxMs-minMs+1)
		return time.Duration(ms) * time.Millisecond
	default:
		return 0
	}
}

func (d *Dispatcher) report(err error, kind ErrorKind, route followup.Routing, runID string) {
	slog.Error("reply delivery failed",
		"kind", string(kind), "channel", route.Channel, "to", route.To, "run_id", runID, "error", err)
	if d.reporter != nil {
		d.reporter.DeliveryFailed(err, kind, route, runID)
	}
}

func (d *Dispatcher) state(runID string) *runState {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.runs[runID]
	if st == nil {
		st = &runState{}
		d.runs[runID] = st
	}
	return st
}

func (d *Dispatcher) release(runID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.runs, runID)
}

func sleepCtx(ctx context.Context, dur time.Duration) bool {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
