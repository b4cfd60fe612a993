// Package channels provides the channel abstraction layer for
// multi-platform messaging. Adapters connect external platforms (Telegram,
// Discord, web chat) to the gateway core via the message bus.
package channels

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/convogate/convogate/internal/bus"
)

// InternalChannels are system channels excluded from outbound dispatch.
var InternalChannels = map[string]bool{
	"cli":    true,
	"system": true,
}

// IsInternalChannel checks if a channel name is internal.
func IsInternalChannel(name string) bool {
	return InternalChannels[name]
}

// DMPolicy controls how DMs from unknown senders are handled.
type DMPolicy string

const (
	DMPolicyAllowlist DMPolicy = "allowlist" // only allowlisted senders
	DMPolicyOpen      DMPolicy = "open"      // accept all
	DMPolicyDisabled  DMPolicy = "disabled"  // reject all DMs
)

// GroupPolicy controls how group messages are handled.
type GroupPolicy string

const (
	GroupPolicyOpen      GroupPolicy = "open"
	GroupPolicyAllowlist GroupPolicy = "allowlist"
	GroupPolicyDisabled  GroupPolicy = "disabled"
)

// Channel is the interface every platform adapter satisfies.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram", "discord").
	Name() string

	// Start begins listening for messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning reports whether the channel is actively processing messages.
	IsRunning() bool

	// IsAllowed checks the channel's allowlist for a sender.
	IsAllowed(senderID string) bool
}

// TypingChannel extends Channel with typing-indicator support. StartTyping
// keeps the indicator alive until StopTyping or the adapter's TTL.
type TypingChannel interface {
	Channel
	StartTyping(chatID, threadID string)
	StopTyping(chatID string)
}

// BaseChannel provides shared functionality for adapter implementations,
// which embed it.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	running   bool
	allowList []string
	owners    []string
}

func NewBaseChannel(name string, msgBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		bus:       msgBus,
		allowList: allowList,
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running = running }

// Bus returns the message bus reference.
func (c *BaseChannel) Bus() *bus.MessageBus { return c.bus }

// HasAllowList returns true if an allowlist is configured (non-empty).
func (c *BaseChannel) HasAllowList() bool { return len(c.allowList) > 0 }

// SetOwners configures the gateway owner ids. Owners bypass the allowlist
// and the dm/group policies on every surface.
func (c *BaseChannel) SetOwners(ids []string) { c.owners = ids }

// IsOwner reports whether the sender is a configured gateway owner.
func (c *BaseChannel) IsOwner(senderID string) bool {
	return matchesList(senderID, c.owners)
}

// IsAllowed checks if a sender is permitted by the allowlist.
// Supports compound senderID format: "123456|username".
// Empty allowlist means all senders are allowed.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	return matchesList(senderID, c.allowList)
}

// matchesList matches senderID against the entries of list, where either
// side may use the "id|username" compound form.
func matchesList(senderID string, list []string) bool {
	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range list {
		trimmed := strings.TrimPrefix(allowed, "@")
		allowedID := trimmed
		allowedUser := ""
		if idx := strings.Index(trimmed, "|"); idx > 0 {
			allowedID = trimmed[:idx]
			allowedUser = trimmed[idx+1:]
		}

		if senderID == allowed ||
			idPart == allowed ||
			senderID == trimmed ||
			idPart == trimmed ||
			idPart == allowedID ||
			(allowedUser != "" && senderID == allowedUser) ||
			(userPart != "" && (userPart == allowed || userPart == trimmed || userPart == allowedUser)) {
			return true
		}
	}

	return false
}

// CheckPolicy evaluates DM/Group policy for a message. chatType is
// "direct", "group" or "channel"; dmPolicy/groupPolicy default to "open".
// Owners always pass, including through "disabled".
func (c *BaseChannel) CheckPolicy(chatType, dmPolicy, groupPolicy, senderID string) bool {
	if c.IsOwner(senderID) {
		return true
	}
	policy := dmPolicy
	if chatType == "group" || chatType == "channel" {
		policy = groupPolicy
	}
	if policy == "" {
		policy = "open"
	}

	switch policy {
	case "disabled":
		return false
	case "allowlist":
		return c.IsAllowed(senderID)
	default: // "open"
		return true
	}
}

// Publish forwards a received message onto the bus after the allowlist
// check. Adapters fill the platform-specific fields and call this.
func (c *BaseChannel) Publish(msg bus.InboundMessage) {
	if !c.IsAllowed(msg.SenderID) && !c.IsOwner(msg.SenderID) {
		return
	}
	msg.Channel = c.name
	c.bus.PublishInbound(msg)
}

// CutIndex returns a byte index at most max that does not split a UTF-8
// rune, for slicing s into valid chunks.
func CutIndex(s string, max int) int {
	if len(s) <= max {
		return len(s)
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return max
}

// Truncate shortens a string to at most maxLen bytes on a rune boundary,
// appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:CutIndex(s, maxLen)] + "..."
}
