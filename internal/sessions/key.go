// Session keys follow the canonical format:
//
//	agent:{agentId}:{rest}
//
// Where {rest} depends on the conversation surface and configured scope:
//
//	DM (per-channel-peer): {channel}:direct:{peerId}
//	DM (per-sender):       direct:{senderId}
//	Group:                 {channel}:group:{label}
//	Broadcast channel:     {channel}:channel:{label}
//	Global scope:          the literal key "global"
//
// Group and channel labels are normalized, collision-resistant slugs derived
// from the room subject plus a shortened id suffix, so two rooms named
// "general" on the same provider never share a session.
package sessions

import (
	"fmt"
	"strings"
)

// Scope selects how wide a session key binds.
type Scope string

const (
	ScopePerSender      Scope = "per-sender"
	ScopePerChannelPeer Scope = "per-channel-peer"
	ScopeGlobal         Scope = "global"
)

// GlobalKey is the single session key used under ScopeGlobal.
const GlobalKey = "global"

const maxLabelSlugLen = 24

// BuildKey builds the session key for an inbound identity under scope.
// Group and broadcast-channel traffic always gets the full per-room key
// regardless of scope; only DM keys vary with it.
func BuildKey(agentID string, in Inbound, scope Scope) string {
	if scope == ScopeGlobal {
		return GlobalKey
	}

	switch in.ChatType {
	case ChatGroup:
		return fmt.Sprintf("agent:%s:%s:group:%s", agentID, in.Provider, GroupLabel(in.GroupSubject, in.GroupID))
	case ChatChannel:
		return fmt.Sprintf("agent:%s:%s:channel:%s", agentID, in.Provider, GroupLabel(in.GroupSubject, in.GroupID))
	}

	if scope == ScopePerSender {
		return fmt.Sprintf("agent:%s:direct:%s", agentID, in.SenderID)
	}
	// per-channel-peer (default)
	return fmt.Sprintf("agent:%s:%s:direct:%s", agentID, in.Provider, in.SenderID)
}

// GroupLabel derives a collision-resistant label for a group or broadcast
// channel: a slug of the subject plus a shortened id suffix, or just the
// shortened id when no subject is known.
func GroupLabel(subject, id string) string {
	short := shortenID(id)
	slug := slugify(subject)
	if slug == "" {
		return short
	}
	if short == "" {
		return slug
	}
	return slug + "-" + short
}

// ParseKey extracts the agentID and rest from a canonical session key.
// Returns ("", "") for keys not in the agent:{id}:{rest} format (e.g. the
// global key).
func ParseKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastDash := true // suppress leading dash
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= maxLabelSlugLen {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}

// shortenID keeps the tail of a platform id, which carries the discriminating
// digits for most providers (@g.us suffixes and "-100" prefixes stripped).
func shortenID(id string) string {
	if i := strings.IndexByte(id, '@'); i >= 0 {
		id = id[:i]
	}
	id = strings.TrimPrefix(id, "-")
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	return id
}
