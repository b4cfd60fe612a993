package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/convogate/convogate/internal/bus"
)

// Manager owns the registered channel adapters: lifecycle, outbound routing
// from the bus, per-chat rate limiting, and the typing surface the reply
// dispatcher drives.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel

	bus     *bus.MessageBus
	limiter *SendLimiter

	dispatchCancel context.CancelFunc
}

// NewManager creates a manager. Channels are registered externally via
// Register before StartAll.
func NewManager(msgBus *bus.MessageBus, sendRPM int) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      msgBus,
		limiter:  NewSendLimiter(sendRPM),
	}
}

// Register adds a channel under its name, replacing any previous entry.
func (m *Manager) Register(c Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[c.Name()] = c
}

// Get returns the channel registered under name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.channels[name]
	return c, ok
}

// Names returns the registered channel names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// StartAll starts every registered channel and the outbound dispatch loop.
// A channel that fails to start is logged and skipped; the gateway keeps
// serving the rest.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	dispatchCtx, cancel := context.WithCancel(ctx)
	m.dispatchCancel = cancel
	channels := make(map[string]Channel, len(m.channels))
	for name, c := range m.channels {
		channels[name] = c
	}
	m.mu.Unlock()

	go m.dispatchOutbound(dispatchCtx)

	if len(channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	for name, channel := range channels {
		slog.Info("starting channel", "channel", name)
		if err := channel.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
		}
	}
	return nil
}

// StopAll gracefully stops the outbound loop and every channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	if m.dispatchCancel != nil {
		m.dispatchCancel()
		m.dispatchCancel = nil
	}
	channels := make(map[string]Channel, len(m.channels))
	for name, c := range m.channels {
		channels[name] = c
	}
	m.mu.Unlock()

	for name, channel := range channels {
		slog.Info("stopping channel", "channel", name)
		if err := channel.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}
	return nil
}

// Send routes one outbound message to its channel, enforcing the per-chat
// rate limit.
func (m *Manager) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if IsInternalChannel(msg.Channel) {
		return nil
	}
	channel, ok := m.Get(msg.Channel)
	if !ok {
		return fmt.Errorf("unknown channel %q", msg.Channel)
	}
	if !m.limiter.Allow(msg.Channel + "|" + msg.ChatID) {
		return fmt.Errorf("rate limit exceeded for %s chat %s", msg.Channel, msg.ChatID)
	}
	return channel.Send(ctx, msg)
}

// StartTyping proxies to the channel's typing surface when it has one.
func (m *Manager) StartTyping(channelName, chatID, threadID string) {
	if c, ok := m.Get(channelName); ok {
		if tc, ok := c.(TypingChannel); ok {
			tc.StartTyping(chatID, threadID)
		}
	}
}

// StopTyping proxies to the channel's typing surface when it has one.
func (m *Manager) StopTyping(channelName, chatID string) {
	if c, ok := m.Get(channelName); ok {
		if tc, ok := c.(TypingChannel); ok {
			tc.StopTyping(chatID)
		}
	}
}

// dispatchOutbound consumes outbound messages from the bus and routes them
// to their channel. This path carries out-of-band sends (admission notices,
// error reports); the reply dispatcher calls Send directly.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	slog.Info("outbound dispatcher started")
	for {
		msg, ok := m.bus.ConsumeOutbound(ctx)
		if !ok {
			slog.Info("outbound dispatcher stopped")
			return
		}
		if err := m.Send(ctx, msg); err != nil {
			slog.Error("outbound send failed",
				"channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
		}
	}
}
