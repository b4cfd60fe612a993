package reply

import (
	"regexp"
	"strings"
)

// HeartbeatToken is the reserved acknowledgement an agent emits for scheduled
// heartbeat prompts. It must never reach a chat surface.
const HeartbeatToken = "HEARTBEAT_OK"

// SilentToken suppresses a reply entirely when the agent decides the message
// needs no answer (group chatter, acknowledgements).
const SilentToken = "NO_REPLY"

// replyToTagPattern matches an explicit reply-target tag embedded in payload
// text: [[reply_to:<id>]] or [[reply_to_current]].
var replyToTagPattern = regexp.MustCompile(`\[\[reply_to:([^\]\s]+)\]\]|\[\[reply_to_current\]\]`)

// ExtractReplyToTag finds the first reply-target tag in text, removes every
// tag occurrence, and returns the cleaned text plus the requested target.
// For [[reply_to_current]] the returned id is currentID. found is false when
// no tag was present; text is returned unchanged in that case.
func ExtractReplyToTag(text, currentID string) (cleaned, id string, found bool) {
	m := replyToTagPattern.FindStringSubmatch(text)
	if m == nil {
		return text, "", false
	}
	if m[1] != "" {
		id = m[1]
	} else {
		id = currentID
	}
	cleaned = replyToTagPattern.ReplaceAllString(text, "")
	cleaned = strings.TrimSpace(cleaned)
	return cleaned, id, true
}

// StripHeartbeatAck removes the heartbeat token from text. The boolean
// reports whether the token was present.
func StripHeartbeatAck(text string) (string, bool) {
	if !strings.Contains(text, HeartbeatToken) {
		return text, false
	}
	cleaned := strings.ReplaceAll(text, HeartbeatToken, "")
	return strings.TrimSpace(cleaned), true
}

// IsSilentReply checks whether text is a NO_REPLY token: exact, or at the
// start/end delimited by a non-word character.
func IsSilentReply(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if trimmed == SilentToken {
		return true
	}
	if strings.HasPrefix(trimmed, SilentToken) {
		rest := trimmed[len(SilentToken):]
		if !isWordChar(rune(rest[0])) {
			return true
		}
	}
	if strings.HasSuffix(trimmed, SilentToken) {
		before := trimmed[:len(trimmed)-len(SilentToken)]
		if before == "" || !isWordChar(rune(before[len(before)-1])) {
			return true
		}
	}
	return false
}

func isWordChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}
