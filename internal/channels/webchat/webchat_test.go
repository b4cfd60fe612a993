package webchat

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/convogate/convogate/internal/bus"
	"github.com/convogate/convogate/internal/config"
	"github.com/convogate/convogate/pkg/protocol"
)

func dialTestServer(t *testing.T, ch *Channel) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(ch.Handler())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(context.Background(), wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	return conn
}

func writeClientFrame(t *testing.T, conn *websocket.Conn, frame protocol.ClientFrame) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readServerFrame(t *testing.T, conn *websocket.Conn) protocol.ServerFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame protocol.ServerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return frame
}

func TestHandshakeAssignsClientID(t *testing.T) {
	msgBus := bus.New()
	ch := New(config.WebChatConfig{}, msgBus, "")
	ch.Start(context.Background())
	defer ch.Stop(context.Background())

	conn := dialTestServer(t, ch)
	writeClientFrame(t, conn, protocol.ClientFrame{Type: protocol.FrameHello})

	welcome := readServerFrame(t, conn)
	if welcome.Type != protocol.FrameWelcome {
		t.Fatalf("expected welcome, got %q", welcome.Type)
	}
	if welcome.ClientID == "" {
		t.Error("expected assigned client id")
	}
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	msgBus := bus.New()
	ch := New(config.WebChatConfig{}, msgBus, "secret")
	ch.Start(context.Background())
	defer ch.Stop(context.Background())

	conn := dialTestServer(t, ch)
	writeClientFrame(t, conn, protocol.ClientFrame{Type: protocol.FrameHello, Token: "wrong"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("expected connection to be closed on bad token")
	}
}

func TestMessageFramePublishesInbound(t *testing.T) {
	msgBus := bus.New()
	ch := New(config.WebChatConfig{}, msgBus, "")
	ch.Start(context.Background())
	defer ch.Stop(context.Background())

	conn := dialTestServer(t, ch)
	writeClientFrame(t, conn, protocol.ClientFrame{Type: protocol.FrameHello, ClientID: "web-1"})
	readServerFrame(t, conn) // welcome

	writeClientFrame(t, conn, protocol.ClientFrame{
		Type:      protocol.FrameMessage,
		MessageID: "m1",
		Content:   "hello there",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message received")
	}

	if msg.Channel != "webchat" {
		t.Errorf("channel = %q, want webchat", msg.Channel)
	}
	if msg.SenderID != "web-1" || msg.ChatID != "web-1" {
		t.Errorf("sender/chat = %q/%q, want web-1", msg.SenderID, msg.ChatID)
	}
	if msg.Content != "hello there" || msg.MessageID != "m1" {
		t.Errorf("content/id = %q/%q", msg.Content, msg.MessageID)
	}
	if msg.ChatType != "direct" {
		t.Errorf("chat type = %q, want direct", msg.ChatType)
	}
}

func TestAbortFrameBecomesStopDirective(t *testing.T) {
	msgBus := bus.New()
	ch := New(config.WebChatConfig{}, msgBus, "")
	ch.Start(context.Background())
	defer ch.Stop(context.Background())

	conn := dialTestServer(t, ch)
	writeClientFrame(t, conn, protocol.ClientFrame{Type: protocol.FrameHello, ClientID: "web-2"})
	readServerFrame(t, conn)

	writeClientFrame(t, conn, protocol.ClientFrame{Type: protocol.FrameAbort})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message received")
	}
	if msg.Content != "/stop" {
		t.Errorf("content = %q, want /stop", msg.Content)
	}
}

func TestSendDeliversReplyFrame(t *testing.T) {
	msgBus := bus.New()
	ch := New(config.WebChatConfig{}, msgBus, "")
	ch.Start(context.Background())
	defer ch.Stop(context.Background())

	conn := dialTestServer(t, ch)
	writeClientFrame(t, conn, protocol.ClientFrame{Type: protocol.FrameHello, ClientID: "web-3"})
	readServerFrame(t, conn)

	err := ch.Send(context.Background(), bus.OutboundMessage{
		ChatID:    "web-3",
		ReplyToID: "m9",
		Content:   "the answer",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	frame := readServerFrame(t, conn)
	if frame.Type != protocol.FrameReply {
		t.Errorf("type = %q, want reply", frame.Type)
	}
	if frame.Content != "the answer" || frame.ReplyToID != "m9" {
		t.Errorf("content/reply = %q/%q", frame.Content, frame.ReplyToID)
	}
}

func TestSendFramesChunkAndError(t *testing.T) {
	msgBus := bus.New()
	ch := New(config.WebChatConfig{}, msgBus, "")
	ch.Start(context.Background())
	defer ch.Stop(context.Background())

	conn := dialTestServer(t, ch)
	writeClientFrame(t, conn, protocol.ClientFrame{Type: protocol.FrameHello, ClientID: "web-5"})
	readServerFrame(t, conn)

	if err := ch.Send(context.Background(), bus.OutboundMessage{
		ChatID:  "web-5",
		Content: "partial...",
		Partial: true,
	}); err != nil {
		t.Fatalf("send chunk: %v", err)
	}
	if frame := readServerFrame(t, conn); frame.Type != protocol.FrameChunk || frame.Content != "partial..." {
		t.Errorf("chunk frame = %+v, want type chunk", frame)
	}

	if err := ch.Send(context.Background(), bus.OutboundMessage{
		ChatID:  "web-5",
		Content: "it broke",
		IsError: true,
	}); err != nil {
		t.Fatalf("send error: %v", err)
	}
	if frame := readServerFrame(t, conn); frame.Type != protocol.FrameError || !frame.IsError {
		t.Errorf("error frame = %+v, want type error", frame)
	}
}

func TestSendToUnknownClientErrors(t *testing.T) {
	ch := New(config.WebChatConfig{}, bus.New(), "")
	ch.Start(context.Background())
	defer ch.Stop(context.Background())

	if err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: "ghost"}); err == nil {
		t.Error("expected error for unknown client")
	}
}
