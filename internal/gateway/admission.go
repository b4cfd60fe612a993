package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/convogate/convogate/internal/bus"
	"github.com/convogate/convogate/internal/channels"
	"github.com/convogate/convogate/internal/config"
	"github.com/convogate/convogate/internal/followup"
	"github.com/convogate/convogate/internal/sessions"
	"github.com/convogate/convogate/internal/telemetry"
)

// consumeLoop pulls inbound messages off the bus and feeds them through the
// optional debouncer into admission.
func (s *Service) consumeLoop(ctx context.Context) {
	defer close(s.consumeDone)

	for {
		msg, ok := s.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		if s.debouncer != nil {
			s.debouncer.Add(msg)
		} else {
			s.handleInbound(msg)
		}
	}
}

// handleInbound is the admission path for one (possibly merged) inbound
// message: dedupe, session resolution, directives, queue-mode handling.
// Nothing here may panic or block on the agent; errors degrade to a dropped
// message, never a dead loop.
func (s *Service) handleInbound(msg bus.InboundMessage) {
	dedupeKey := fmt.Sprintf("%s|%s|%s|%s", msg.Channel, msg.SenderID, msg.ChatID, msg.MessageID)
	if msg.MessageID != "" && s.dedupe.IsDuplicate(dedupeKey) {
		slog.Debug("inbound message deduplicated", "channel", msg.Channel, "message_id", msg.MessageID)
		return
	}

	s.cfgMu.RLock()
	maxChars := s.cfg.Gateway.MaxMessageChars
	s.cfgMu.RUnlock()

	body := msg.Content
	if max := maxChars; max > 0 && len(body) > max {
		slog.Debug("inbound message truncated", "channel", msg.Channel, "len", len(body), "max", max)
		body = body[:channels.CutIndex(body, max)]
	}

	res := s.resolver.Resolve(defaultAgentID, sessions.Inbound{
		Provider:     msg.Channel,
		SenderID:     msg.SenderID,
		GroupID:      groupID(msg),
		GroupSubject: msg.GroupSubject,
		AccountID:    msg.AccountID,
		ThreadID:     msg.ThreadID,
		MessageID:    msg.MessageID,
		ChatType:     sessions.ChatType(msg.ChatType),
		Body:         body,
	})

	route := followup.Routing{
		Channel:   msg.Channel,
		To:        msg.ChatID,
		AccountID: msg.AccountID,
		ThreadID:  msg.ThreadID,
	}
	s.recordDeliveryTarget(res, route)

	if isStopDirective(body) {
		s.handleStop(res.Key, msg, route)
		return
	}

	if res.Reset {
		body = stripResetTrigger(body, s.cfg.Sessions.ResetTriggers)
		if body == "" {
			s.notify(route, "Started a new conversation.")
			return
		}
	}

	run := followup.Run{
		Prompt:     body,
		EnqueuedAt: time.Now(),
		MessageID:  msg.MessageID,
		Descriptor: followup.Descriptor{
			AgentID:        defaultAgentID,
			SessionID:      res.Entry.SessionID,
			SessionKey:     res.Key,
			Workspace:      s.cfg.Agent.Workspace,
			TimeoutMs:      s.cfg.Agent.TimeoutMs,
			Provider:       firstNonEmpty(res.Entry.ProviderOverride, s.cfg.Agent.Provider),
			Model:          firstNonEmpty(res.Entry.ModelOverride, s.cfg.Agent.Model),
			Routing:        route,
			IdempotencyKey: uuid.NewString(),
		},
	}

	s.cfgMu.RLock()
	qc := s.cfg.QueueFor(s.channelCommon(msg.Channel))
	s.cfgMu.RUnlock()
	s.admit(res.Key, run, qc)
}

// admit applies the queue-mode decision for one resolved run.
func (s *Service) admit(key string, run followup.Run, qc config.QueueConfig) {
	settings := queueSettings(qc)

	switch settings.Mode {
	case followup.ModeInterrupt:
		// Abort whatever is in flight, then run this immediately.
		if s.aborts.Abort(key) {
			slog.Debug("interrupt mode aborted active run", "session", key)
		}
		s.enqueueAndKick(key, run, settings)

	case followup.ModeCollect:
		s.collects.add(key, run, settings, s.enqueueAndKick)

	case followup.ModeSteer, followup.ModeSteerBacklog, followup.ModeSteerPlusBacklog:
		if runID, ok := s.aborts.ActiveRunID(key); ok {
			if s.agent.Steer(runID, run.Prompt) {
				slog.Debug("steered active run", "session", key, "run_id", runID)
				if settings.Mode == followup.ModeSteer {
					return
				}
				// Backlog variants also queue the message for replay.
			}
		}
		s.enqueueAndKick(key, run, settings)

	default: // followup, queue
		s.enqueueAndKick(key, run, settings)
	}
}

// enqueueAndKick admits the run into the session's queue and makes sure a
// drain loop is running. A rejected enqueue (dedupe hit or drop=new at cap)
// is a silent no-op.
func (s *Service) enqueueAndKick(key string, run followup.Run, settings followup.Settings) {
	if !s.queues.Enqueue(key, run, settings) {
		slog.Debug("run not enqueued", "session", key, "depth", s.queues.Depth(key))
		return
	}
	s.drains.kick(key, s.drainSession)
}

// drainSession is the single-flight loop for one session key: it pops runs
// strictly FIFO and executes them one at a time until the queue is empty.
func (s *Service) drainSession(key string) {
	for {
		run, ok := s.queues.Dequeue(key)
		if !ok {
			return
		}

		// Dropped-message summaries from drop=summarize are surfaced to the
		// agent ahead of the prompt that finally runs.
		if summaries := s.queues.DrainSummaries(key); len(summaries) > 0 {
			run.Prompt = fmt.Sprintf(
				"[%d earlier message(s) were dropped from the queue:\n- %s]\n\n%s",
				len(summaries), strings.Join(summaries, "\n- "), run.Prompt)
		}

		ctx, span := telemetry.Tracer().Start(context.Background(), "gateway.run")
		span.SetAttributes(
			attribute.String("channel", run.Descriptor.Routing.Channel),
			attribute.String("session", key),
			attribute.Int64("queue_wait_ms", time.Since(run.EnqueuedAt).Milliseconds()),
		)

		s.runner.Run(ctx, run)
		span.End()
	}
}

// handleStop aborts the active run and clears the backlog for the session.
// Owners may stop any session; everyone else only reaches their own key
// through resolution, so no further authorization is needed.
func (s *Service) handleStop(key string, msg bus.InboundMessage, route followup.Routing) {
	aborted := s.aborts.Abort(key)
	cleared := s.queues.Depth(key) // after Abort this is 0; report what happened

	slog.Info("stop directive",
		"session", key, "sender", msg.SenderID, "aborted", aborted, "depth_after", cleared)

	if aborted {
		s.notify(route, "Stopped the current run.")
	} else {
		s.notify(route, "Nothing is running.")
	}
}

// notify pushes a short out-of-band notice to the originating surface.
func (s *Service) notify(route followup.Routing, text string) {
	s.bus.PublishOutbound(bus.OutboundMessage{
		Channel:   route.Channel,
		AccountID: route.AccountID,
		ChatID:    route.To,
		ThreadID:  route.ThreadID,
		Content:   text,
	})
}

// recordDeliveryTarget remembers where this session's replies go so later
// runs without a triggering message can still reach the surface.
func (s *Service) recordDeliveryTarget(res sessions.Resolution, route followup.Routing) {
	e := res.Entry
	if e.LastChannel == route.Channel && e.LastTo == route.To &&
		e.LastAccountID == route.AccountID && e.LastThreadID == route.ThreadID {
		return
	}
	e.LastChannel = route.Channel
	e.LastTo = route.To
	e.LastAccountID = route.AccountID
	e.LastThreadID = route.ThreadID
	e.UpdatedAt++
	if err := s.store.Put(res.Key, e); err != nil {
		slog.Warn("persist delivery target", "session", res.Key, "error", err)
	}
}

func (s *Service) channelCommon(channel string) config.ChannelCommon {
	switch channel {
	case "telegram":
		return s.cfg.Channels.Telegram.ChannelCommon
	case "discord":
		return s.cfg.Channels.Discord.ChannelCommon
	case "webchat":
		return s.cfg.Channels.WebChat.ChannelCommon
	default:
		return config.ChannelCommon{}
	}
}

func queueSettings(qc config.QueueConfig) followup.Settings {
	return followup.Settings{
		Mode:       followup.Mode(qc.Mode),
		DebounceMs: qc.DebounceMs,
		Cap:        qc.Cap,
		Drop:       followup.DropPolicy(qc.Drop),
		Dedupe:     followup.DedupeMode(qc.Dedupe),
	}
}

func isStopDirective(body string) bool {
	return strings.TrimSpace(body) == "/stop"
}

// stripResetTrigger removes the matched trigger prefix, leaving whatever the
// user typed after it as the first prompt of the fresh session.
func stripResetTrigger(body string, triggers []string) string {
	trimmed := strings.TrimSpace(body)
	for _, t := range triggers {
		if trimmed == t {
			return ""
		}
		if strings.HasPrefix(trimmed, t+" ") {
			return strings.TrimSpace(trimmed[len(t):])
		}
	}
	return trimmed
}

func groupID(msg bus.InboundMessage) string {
	if msg.ChatType == "group" || msg.ChatType == "channel" {
		return msg.ChatID
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// drainRegistry guarantees at most one drain loop per session key while
// never missing a wakeup that races a loop's exit.
type drainRegistry struct {
	mu      sync.Mutex
	running map[string]bool
	rerun   map[string]bool
}

func newDrainRegistry() *drainRegistry {
	return &drainRegistry{
		running: make(map[string]bool),
		rerun:   make(map[string]bool),
	}
}

// kick starts drain(key) in a goroutine unless one is already running, in
// which case the running loop is asked to go around once more.
func (d *drainRegistry) kick(key string, drain func(key string)) {
	d.mu.Lock()
	if d.running[key] {
		d.rerun[key] = true
		d.mu.Unlock()
		return
	}
	d.running[key] = true
	d.mu.Unlock()

	go func() {
		for {
			drain(key)

			d.mu.Lock()
			if d.rerun[key] {
				delete(d.rerun, key)
				d.mu.Unlock()
				continue
			}
			delete(d.running, key)
			d.mu.Unlock()
			return
		}
	}()
}

// collectRegistry buffers collect-mode messages per session key and flushes
// them as one merged run after the debounce window goes quiet.
type collectRegistry struct {
	mu      sync.Mutex
	pending map[string]*collectBuffer
	stopped bool
}

type collectBuffer struct {
	run      followup.Run
	prompts  []string
	settings followup.Settings
	timer    *time.Timer
}

func newCollectRegistry() *collectRegistry {
	return &collectRegistry{pending: make(map[string]*collectBuffer)}
}

// add merges the run into the key's pending buffer and (re)arms the window.
// A non-positive debounce flushes immediately.
func (c *collectRegistry) add(key string, run followup.Run, settings followup.Settings,
	flush func(key string, run followup.Run, settings followup.Settings)) {

	window := time.Duration(settings.DebounceMs) * time.Millisecond

	c.mu.Lock()
	if c.stopped || window <= 0 {
		c.mu.Unlock()
		flush(key, run, settings)
		return
	}

	if buf, ok := c.pending[key]; ok {
		buf.prompts = append(buf.prompts, run.Prompt)
		// Newest message wins the descriptor and dedupe identity.
		buf.run = run
		buf.settings = settings
		buf.timer.Reset(window)
		c.mu.Unlock()
		return
	}

	buf := &collectBuffer{run: run, prompts: []string{run.Prompt}, settings: settings}
	buf.timer = time.AfterFunc(window, func() {
		c.mu.Lock()
		b, ok := c.pending[key]
		if !ok {
			c.mu.Unlock()
			return
		}
		delete(c.pending, key)
		c.mu.Unlock()

		merged := b.run
		merged.Prompt = strings.Join(b.prompts, "\n")
		flush(key, merged, b.settings)
	})
	c.pending[key] = buf
	c.mu.Unlock()
}

// stopAll flushes nothing and drops pending buffers; called on shutdown.
func (c *collectRegistry) stopAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for key, buf := range c.pending {
		buf.timer.Stop()
		delete(c.pending, key)
	}
}
