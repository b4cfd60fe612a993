// Package webchat hosts a WebSocket chat surface on the gateway's own HTTP
// server. Browser clients exchange JSON frames (pkg/protocol) over a single
// connection; each connection is its own direct conversation.
package webchat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/convogate/convogate/internal/bus"
	"github.com/convogate/convogate/internal/channels"
	"github.com/convogate/convogate/internal/config"
	"github.com/convogate/convogate/pkg/protocol"
)

const (
	readLimit    = 1 << 20 // 1MB
	writeTimeout = 10 * time.Second
)

// client is one connected WebSocket peer.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
}

func (c *client) writeFrame(ctx context.Context, frame protocol.ServerFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, data)
}

// Channel serves web chat clients. Unlike the polling adapters it does not
// own a listener; the gateway mounts Handler() on its HTTP server.
type Channel struct {
	*channels.BaseChannel
	config config.WebChatConfig
	token  string // gateway token, empty disables auth

	mu      sync.Mutex
	clients map[string]*client // clientID → connection
}

// New creates a web chat channel. token guards the hello handshake when set.
func New(cfg config.WebChatConfig, msgBus *bus.MessageBus, token string) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel("webchat", msgBus, cfg.AllowFrom),
		config:      cfg,
		token:       token,
		clients:     make(map[string]*client),
	}
}

// Start marks the channel ready. The HTTP server serving Handler() is owned
// by the gateway.
func (c *Channel) Start(_ context.Context) error {
	c.SetRunning(true)
	slog.Info("webchat channel ready", "path", c.config.Path)
	return nil
}

// Stop disconnects all clients.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)

	c.mu.Lock()
	clients := c.clients
	c.clients = make(map[string]*client)
	c.mu.Unlock()

	for id, cl := range clients {
		cl.conn.Close(websocket.StatusGoingAway, "gateway shutting down")
		slog.Debug("webchat client disconnected on stop", "client_id", id)
	}

	return nil
}

// Send delivers an outbound message to the client whose ID matches ChatID.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("webchat channel not running")
	}

	c.mu.Lock()
	cl, ok := c.clients[msg.ChatID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("webchat client %s not connected", msg.ChatID)
	}

	frameType := protocol.FrameReply
	switch {
	case msg.Partial:
		frameType = protocol.FrameChunk
	case msg.IsError:
		frameType = protocol.FrameError
	}
	frame := protocol.ServerFrame{
		Type:      frameType,
		ReplyToID: msg.ReplyToID,
		Content:   msg.Content,
		IsError:   msg.IsError,
	}
	for _, att := range msg.Media {
		frame.Media = append(frame.Media, protocol.MediaFrame{
			URL:         att.URL,
			ContentType: att.ContentType,
			Caption:     att.Caption,
		})
	}

	if err := cl.writeFrame(ctx, frame); err != nil {
		return fmt.Errorf("send webchat frame: %w", err)
	}
	return nil
}

// Handler returns the HTTP handler for the WebSocket endpoint.
func (c *Channel) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			slog.Debug("webchat accept failed", "error", err)
			return
		}
		conn.SetReadLimit(readLimit)

		c.serveConn(r.Context(), conn)
	})
}

// serveConn runs the per-connection read loop until the client disconnects.
func (c *Channel) serveConn(ctx context.Context, conn *websocket.Conn) {
	cl := &client{conn: conn}

	clientID, err := c.handshake(ctx, cl)
	if err != nil {
		slog.Debug("webchat handshake failed", "error", err)
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}

	c.mu.Lock()
	if prev, ok := c.clients[clientID]; ok {
		prev.conn.Close(websocket.StatusNormalClosure, "superseded by new connection")
	}
	c.clients[clientID] = cl
	c.mu.Unlock()

	slog.Info("webchat client connected", "client_id", clientID)

	defer func() {
		c.mu.Lock()
		if c.clients[clientID] == cl {
			delete(c.clients, clientID)
		}
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		slog.Info("webchat client disconnected", "client_id", clientID)
	}()

	for {
		frame, err := readFrame(ctx, conn)
		if err != nil {
			return
		}

		switch frame.Type {
		case protocol.FramePing:
			_ = cl.writeFrame(ctx, protocol.ServerFrame{Type: protocol.FramePong})

		case protocol.FrameMessage:
			if frame.Content == "" {
				continue
			}
			c.publishMessage(clientID, frame.MessageID, frame.Content)

		case protocol.FrameAbort:
			// Routed through the gateway's /stop directive handling.
			c.publishMessage(clientID, frame.MessageID, "/stop")

		case protocol.FrameReset:
			c.publishMessage(clientID, frame.MessageID, "/new")

		default:
			slog.Debug("webchat frame ignored", "type", frame.Type, "client_id", clientID)
		}
	}
}

// handshake reads the hello frame, validates the token, and assigns a
// client ID when the client did not bring one.
func (c *Channel) handshake(ctx context.Context, cl *client) (string, error) {
	hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	frame, err := readFrame(hctx, cl.conn)
	if err != nil {
		return "", fmt.Errorf("read hello: %w", err)
	}
	if frame.Type != protocol.FrameHello {
		return "", fmt.Errorf("expected hello frame, got %q", frame.Type)
	}
	if c.token != "" && frame.Token != c.token {
		return "", fmt.Errorf("invalid token")
	}

	clientID := frame.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	if err := cl.writeFrame(ctx, protocol.ServerFrame{
		Type:     protocol.FrameWelcome,
		ClientID: clientID,
	}); err != nil {
		return "", fmt.Errorf("write welcome: %w", err)
	}

	return clientID, nil
}

func (c *Channel) publishMessage(clientID, messageID, content string) {
	if messageID == "" {
		messageID = uuid.NewString()
	}

	c.Publish(bus.InboundMessage{
		SenderID:  clientID,
		ChatID:    clientID,
		ChatType:  "direct",
		MessageID: messageID,
		Content:   content,
	})
}

func readFrame(ctx context.Context, conn *websocket.Conn) (protocol.ClientFrame, error) {
	var frame protocol.ClientFrame
	_, data, err := conn.Read(ctx)
	if err != nil {
		return frame, err
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return frame, fmt.Errorf("decode frame: %w", err)
	}
	return frame, nil
}
