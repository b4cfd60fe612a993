package bus

import (
	"context"
	"log/slog"
)

const defaultBuffer = 256

// MessageBus is the in-process broker between channel adapters and the
// gateway core. Publishing never blocks an adapter's receive loop: when a
// queue is full the message is dropped and logged, favoring liveness of the
// platform connection over completeness under overload.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
}

func New() *MessageBus {
	return NewWithBuffer(defaultBuffer)
}

func NewWithBuffer(buffer int) *MessageBus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, buffer),
		outbound: make(chan OutboundMessage, buffer),
	}
}

// PublishInbound hands a normalized message to the gateway consumer.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		slog.Warn("inbound queue full, dropping message",
			"channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// ConsumeInbound blocks until a message arrives or ctx ends. The second
// return is false only on ctx cancellation.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case <-ctx.Done():
		return InboundMessage{}, false
	case msg := <-b.inbound:
		return msg, true
	}
}

// PublishOutbound hands a reply to the outbound delivery loop.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		slog.Warn("outbound queue full, dropping reply",
			"channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// ConsumeOutbound blocks until a reply arrives or ctx ends.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case <-ctx.Done():
		return OutboundMessage{}, false
	case msg := <-b.outbound:
		return msg, true
	}
}

