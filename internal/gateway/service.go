// Package gateway wires the full pipeline together: channel adapters publish
// inbound messages onto the bus, the consume loop resolves sessions and
// admits work into per-session follow-up queues, and a single drain loop per
// session turns queued runs into agent invocations whose replies flow back
// out through the dispatcher and channel manager.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/convogate/convogate/internal/agent"
	"github.com/convogate/convogate/internal/bus"
	"github.com/convogate/convogate/internal/channels"
	"github.com/convogate/convogate/internal/channels/discord"
	"github.com/convogate/convogate/internal/channels/telegram"
	"github.com/convogate/convogate/internal/channels/webchat"
	"github.com/convogate/convogate/internal/config"
	"github.com/convogate/convogate/internal/dispatch"
	"github.com/convogate/convogate/internal/followup"
	"github.com/convogate/convogate/internal/sessions"
	"github.com/convogate/convogate/internal/store"
	"github.com/convogate/convogate/internal/telemetry"
)

// defaultAgentID names the single agent this gateway fronts. Session keys
// are prefixed with it so a future multi-agent layout stays compatible.
const defaultAgentID = "main"

const dedupeTTL = 20 * time.Minute

// Service is the running gateway.
type Service struct {
	cfg *config.Config

	bus      *bus.MessageBus
	store    store.SessionStore
	resolver *sessions.Resolver
	queues   *followup.Registry
	aborts   *followup.AbortController
	runner   *followup.Runner
	agent    agent.Runner
	disp     *dispatch.Dispatcher
	manager  *channels.Manager
	webchat  *webchat.Channel

	dedupe    *bus.DedupeCache
	debouncer *bus.InboundDebouncer

	// cfgMu guards the hot-reloadable admission settings (queue section,
	// message cap). Everything else requires a restart.
	cfgMu sync.RWMutex

	drains   *drainRegistry
	collects *collectRegistry

	httpShutdown      func(context.Context) error
	telemetryShutdown func(context.Context) error
	consumeCancel     context.CancelFunc
	consumeDone       chan struct{}
}

// New builds a gateway service from configuration. Nothing is started yet.
func New(cfg *config.Config) (*Service, error) {
	st, err := store.Open(store.Config{
		Backend:     cfg.Database.Backend,
		Path:        storagePath(cfg),
		PostgresDSN: cfg.Database.PostgresDSN,
	})
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	msgBus := bus.New()

	resolver := sessions.NewResolver(st, sessions.ResolverConfig{
		Scope:         sessions.Scope(cfg.Sessions.Scope),
		IdleMinutes:   cfg.Sessions.IdleMinutes,
		ResetTriggers: cfg.Sessions.ResetTriggers,
	})

	queues := followup.NewRegistry()
	aborts := followup.NewAbortController(queues, st)

	runner := agent.NewHTTPRunner(cfg.Agent.BaseURL)
	manager := channels.NewManager(msgBus, cfg.Gateway.RateLimitRPM)

	s := &Service{
		cfg:      cfg,
		bus:      msgBus,
		store:    st,
		resolver: resolver,
		queues:   queues,
		aborts:   aborts,
		agent:    runner,
		manager:  manager,
		dedupe:   bus.NewDedupeCache(dedupeTTL, 5000),
		drains:   newDrainRegistry(),
		collects: newCollectRegistry(),
	}

	sink := &managerSink{manager: manager, bus: msgBus}
	s.disp = dispatch.New(dispatchConfig(cfg), sink, sink)

	s.runner = followup.NewRunner(runner, st, aborts, s.disp, followup.RunnerConfig{
		ContextOverride:      cfg.Agent.ContextWindow,
		ModelContext:         cfg.Agent.ModelContextWindows,
		DefaultContextTokens: 0,
		SystemPrompt:         cfg.Agent.SystemPrompt,
		BlockReplyBreak:      cfg.Reply.BlockStream.Enabled,
	})
	if cfg.Reply.BlockStream.Enabled {
		s.runner.SetStreamer(s.disp)
	}

	if err := s.registerChannels(); err != nil {
		st.Close()
		return nil, err
	}

	return s, nil
}

// registerChannels constructs the enabled adapters.
func (s *Service) registerChannels() error {
	owners := []string(s.cfg.Gateway.OwnerIDs)

	if s.cfg.Channels.Telegram.Enabled {
		ch, err := telegram.New(s.cfg.Channels.Telegram, s.bus)
		if err != nil {
			return fmt.Errorf("init telegram channel: %w", err)
		}
		ch.SetOwners(owners)
		s.manager.Register(ch)
	}

	if s.cfg.Channels.Discord.Enabled {
		ch, err := discord.New(s.cfg.Channels.Discord, s.bus)
		if err != nil {
			return fmt.Errorf("init discord channel: %w", err)
		}
		ch.SetOwners(owners)
		s.manager.Register(ch)
	}

	if s.cfg.Channels.WebChat.Enabled {
		s.webchat = webchat.New(s.cfg.Channels.WebChat, s.bus, s.cfg.Gateway.Token)
		s.webchat.SetOwners(owners)
		s.manager.Register(s.webchat)
	}

	return nil
}

// Start brings up telemetry, channels, the consume loop and the HTTP server.
func (s *Service) Start(ctx context.Context) error {
	shutdown, err := telemetry.Setup(ctx, s.cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without traces", "error", err)
	} else {
		s.telemetryShutdown = shutdown
	}

	if s.cfg.Gateway.InboundDebounceMs > 0 {
		window := time.Duration(s.cfg.Gateway.InboundDebounceMs) * time.Millisecond
		s.debouncer = bus.NewInboundDebouncer(window, s.handleInbound)
	}

	if err := s.manager.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	s.consumeCancel = cancel
	s.consumeDone = make(chan struct{})
	go s.consumeLoop(consumeCtx)

	if err := s.startHTTP(ctx); err != nil {
		cancel()
		return err
	}

	slog.Info("gateway started",
		"host", s.cfg.Gateway.Host,
		"port", s.cfg.Gateway.Port,
		"channels", s.manager.Names(),
	)
	return nil
}

// Stop shuts the service down in reverse dependency order.
func (s *Service) Stop(ctx context.Context) error {
	if s.consumeCancel != nil {
		s.consumeCancel()
	}
	if s.consumeDone != nil {
		select {
		case <-s.consumeDone:
		case <-time.After(5 * time.Second):
			slog.Warn("consume loop did not exit within timeout")
		}
	}

	if s.debouncer != nil {
		s.debouncer.Stop()
	}
	s.collects.stopAll()

	if s.httpShutdown != nil {
		if err := s.httpShutdown(ctx); err != nil {
			slog.Warn("http server shutdown", "error", err)
		}
	}

	if err := s.manager.StopAll(ctx); err != nil {
		slog.Warn("channel shutdown", "error", err)
	}

	if err := s.store.Close(); err != nil {
		slog.Warn("session store close", "error", err)
	}

	if s.telemetryShutdown != nil {
		if err := s.telemetryShutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}

	slog.Info("gateway stopped")
	return nil
}

// Store exposes the session store for the sessions CLI.
func (s *Service) Store() store.SessionStore { return s.store }

// ApplyConfig hot-swaps the admission settings a restart is not needed for:
// the queue section (root and per-channel overrides) and the inbound
// message cap. Channel credentials and server bindings stay as started.
func (s *Service) ApplyConfig(next *config.Config) {
	s.cfgMu.Lock()
	s.cfg.Queue = next.Queue
	s.cfg.Channels.Telegram.Queue = next.Channels.Telegram.Queue
	s.cfg.Channels.Discord.Queue = next.Channels.Discord.Queue
	s.cfg.Channels.WebChat.Queue = next.Channels.WebChat.Queue
	s.cfg.Gateway.MaxMessageChars = next.Gateway.MaxMessageChars
	s.cfgMu.Unlock()

	slog.Info("config reloaded", "queue_mode", orDefault(next.Queue.Mode, "followup"))
}

// dispatchConfig maps the reply configuration onto the dispatcher,
// materializing per-channel reply-to policies.
func dispatchConfig(cfg *config.Config) dispatch.Config {
	defaultPolicy := dispatch.ChannelPolicy{
		ReplyToMode:         dispatch.ReplyToMode(orDefault(cfg.Reply.ReplyToMode, "off")),
		AllowTagPassThrough: cfg.Reply.AllowTagPassThrough,
	}

	policies := make(map[string]dispatch.ChannelPolicy)
	for name, common := range map[string]config.ChannelCommon{
		"telegram": cfg.Channels.Telegram.ChannelCommon,
		"discord":  cfg.Channels.Discord.ChannelCommon,
		"webchat":  cfg.Channels.WebChat.ChannelCommon,
	} {
		mode, allowTags := cfg.ReplyToModeFor(common)
		policies[name] = dispatch.ChannelPolicy{
			ReplyToMode:         dispatch.ReplyToMode(mode),
			AllowTagPassThrough: allowTags,
		}
	}

	return dispatch.Config{
		Policies:      policies,
		DefaultPolicy: defaultPolicy,
		HumanDelay: dispatch.HumanDelay{
			Mode:  dispatch.HumanDelayMode(orDefault(cfg.Reply.HumanDelay.Mode, "off")),
			MinMs: cfg.Reply.HumanDelay.MinMs,
			MaxMs: cfg.Reply.HumanDelay.MaxMs,
		},
		StreamBlocks: cfg.Reply.BlockStream.Enabled,
		BlockStream: dispatch.CoalesceConfig{
			MinChars: cfg.Reply.BlockStream.MinChars,
			MaxChars: cfg.Reply.BlockStream.MaxChars,
			IdleMs:   cfg.Reply.BlockStream.IdleMs,
		},
	}
}

func storagePath(cfg *config.Config) string {
	if cfg.Database.Path != "" {
		return cfg.Database.Path
	}
	return cfg.Sessions.Storage
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
