package reply

import (
	"log/slog"
	"regexp"
	"strings"
)

// Normalize applies the post-run payload pipeline, preserving order:
//
//  1. sanitize user-facing text (thinking tags, duplicate paragraph blocks)
//  2. strip the heartbeat token; a payload that was nothing but the token and
//     carries no media is dropped entirely
//  3. suppress NO_REPLY payloads
//  4. extract [[reply_to:...]] / [[reply_to_current]] tags into ReplyToID
//  5. drop payloads left with neither text nor media
//
// currentID is the inbound message id used for [[reply_to_current]].
func Normalize(payloads []Payload, currentID string) []Payload {
	out := make([]Payload, 0, len(payloads))
	for _, p := range payloads {
		p.Text = sanitizeText(p.Text)

		text, hadToken := StripHeartbeatAck(p.Text)
		if hadToken && text == "" && !p.HasMedia() {
			slog.Debug("dropping heartbeat-only payload")
			continue
		}
		p.Text = text

		if IsSilentReply(p.Text) && !p.HasMedia() {
			slog.Debug("suppressing silent reply payload")
			continue
		}

		if cleaned, id, ok := ExtractReplyToTag(p.Text, currentID); ok {
			p.Text = cleaned
			p.ReplyToID = id
			p.ReplyToTag = true
		}

		if p.Empty() {
			continue
		}
		out = append(out, p)
	}
	return out
}

// thinkingTagPatterns strips reasoning tags some models leak into final text.
// Separate patterns because Go regexp has no backreferences.
var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
}

func sanitizeText(text string) string {
	if text == "" {
		return text
	}
	cleaned := text
	lower := strings.ToLower(cleaned)
	if strings.Contains(lower, "<think") || strings.Contains(lower, "<thought") {
		for _, pat := range thinkingTagPatterns {
			cleaned = pat.ReplaceAllString(cleaned, "")
		}
	}
	cleaned = collapseDuplicateBlocks(cleaned)
	return strings.TrimSpace(cleaned)
}

// collapseDuplicateBlocks removes consecutive repeated paragraph blocks,
// an artifact of models re-emitting their final answer.
func collapseDuplicateBlocks(text string) string {
	blocks := strings.Split(text, "\n\n")
	if len(blocks) <= 1 {
		return text
	}
	var result []string
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}
		if len(result) > 0 && trimmed == strings.TrimSpace(result[len(result)-1]) {
			continue
		}
		result = append(result, block)
	}
	return strings.Join(result, "\n\n")
}
