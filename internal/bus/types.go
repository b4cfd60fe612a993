// Package bus carries normalized traffic between channel adapters and the
// gateway core: inbound messages flow adapter → consumer, outbound replies
// flow dispatcher → adapter.
package bus

import "context"

// InboundMessage is a channel-normalized incoming message.
type InboundMessage struct {
	Channel   string `json:"channel"`
	AccountID string `json:"accountId,omitempty"`
	SenderID  string `json:"senderId"`
	ChatID    string `json:"chatId"`
	// ChatType is "direct", "group" or "channel".
	ChatType     string            `json:"chatType,omitempty"`
	ThreadID     string            `json:"threadId,omitempty"`
	MessageID    string            `json:"messageId,omitempty"`
	GroupSubject string            `json:"groupSubject,omitempty"`
	Content      string            `json:"content"`
	Media        []string          `json:"media,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is one reply unit addressed back to a channel surface.
type OutboundMessage struct {
	Channel   string            `json:"channel"`
	AccountID string            `json:"accountId,omitempty"`
	ChatID    string            `json:"chatId"`
	ThreadID  string            `json:"threadId,omitempty"`
	ReplyToID string            `json:"replyToId,omitempty"`
	Content   string            `json:"content"`
	Media     []MediaAttachment `json:"media,omitempty"`
	IsError   bool              `json:"isError,omitempty"`
	// Partial marks a streamed chunk of a reply still in progress; adapters
	// that can render incremental output distinguish these from final
	// replies, everyone else sends them as ordinary messages.
	Partial  bool              `json:"partial,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MediaAttachment is a media file sent with an outbound message.
type MediaAttachment struct {
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// MessageRouter abstracts inbound/outbound routing between channel adapters
// and the gateway core.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	ConsumeOutbound(ctx context.Context) (OutboundMessage, bool)
}
