package gateway

import (
	"context"
	"log/slog"
	"path"
	"strings"

	"github.com/convogate/convogate/internal/bus"
	"github.com/convogate/convogate/internal/channels"
	"github.com/convogate/convogate/internal/dispatch"
	"github.com/convogate/convogate/internal/followup"
	"github.com/convogate/convogate/internal/reply"
)

// managerSink adapts the channel manager to the dispatcher's delivery
// interface. It also serves as the delivery-error reporter: failures are
// logged and, for final payloads, surfaced to the chat as an error notice.
type managerSink struct {
	manager *channels.Manager
	bus     *bus.MessageBus
}

var _ dispatch.Sink = (*managerSink)(nil)
var _ dispatch.ThreadResolver = (*managerSink)(nil)
var _ dispatch.ChunkSink = (*managerSink)(nil)
var _ dispatch.Reporter = (*managerSink)(nil)

func (m *managerSink) SendReply(ctx context.Context, route followup.Routing, p reply.Payload) error {
	return m.manager.Send(ctx, outboundFor(route, p))
}

// SendChunk delivers a streamed partial chunk. The outbound message is
// marked Partial so adapters with incremental rendering (web chat) frame it
// as a chunk; everyone else sends it as an ordinary message.
func (m *managerSink) SendChunk(ctx context.Context, route followup.Routing, runID, text string) error {
	msg := outboundFor(route, reply.Payload{Text: text})
	msg.Partial = true
	return m.manager.Send(ctx, msg)
}

func (m *managerSink) StartTyping(route followup.Routing) {
	m.manager.StartTyping(route.Channel, route.To, route.ThreadID)
}

func (m *managerSink) StopTyping(route followup.Routing) {
	m.manager.StopTyping(route.Channel, route.To)
}

// ResolveThread passes the routing's thread target through; adapters decide
// platform specifics (e.g. Telegram's General topic) at send time.
func (m *managerSink) ResolveThread(route followup.Routing) string {
	return route.ThreadID
}

func (m *managerSink) DeliveryFailed(err error, kind dispatch.ErrorKind, route followup.Routing, runID string) {
	slog.Warn("reply delivery failed",
		"kind", string(kind),
		"channel", route.Channel,
		"to", route.To,
		"run_id", runID,
		"error", err,
	)

	if kind == dispatch.ErrorKindFinal {
		m.bus.PublishOutbound(bus.OutboundMessage{
			Channel:   route.Channel,
			AccountID: route.AccountID,
			ChatID:    route.To,
			ThreadID:  route.ThreadID,
			Content:   "Sorry, part of the reply could not be delivered.",
			IsError:   true,
		})
	}
}

// outboundFor converts a dispatcher payload into a channel send.
func outboundFor(route followup.Routing, p reply.Payload) bus.OutboundMessage {
	msg := bus.OutboundMessage{
		Channel:   route.Channel,
		AccountID: route.AccountID,
		ChatID:    route.To,
		ThreadID:  route.ThreadID,
		ReplyToID: p.ReplyToID,
		Content:   p.Text,
		IsError:   p.IsError,
	}

	for _, u := range p.AllMediaURLs() {
		msg.Media = append(msg.Media, bus.MediaAttachment{
			URL:         u,
			ContentType: contentTypeFor(u),
		})
	}

	return msg
}

// contentTypeFor guesses an attachment's content type from its URL
// extension. Adapters only branch on the image/ prefix, so unknown types
// may stay empty.
func contentTypeFor(url string) string {
	ext := strings.ToLower(path.Ext(strings.SplitN(url, "?", 2)[0]))
	switch ext {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	case ".mp3":
		return "audio/mpeg"
	case ".ogg", ".oga":
		return "audio/ogg"
	case ".mp4":
		return "video/mp4"
	default:
		return ""
	}
}
