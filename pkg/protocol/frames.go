// Package protocol defines the JSON frames exchanged with web chat clients
// over the gateway's WebSocket endpoint.
package protocol

// Frame types sent by clients.
const (
	FrameHello   = "hello"   // first frame, optional token + client id
	FrameMessage = "message" // user message
	FrameAbort   = "abort"   // cancel the active run for this conversation
	FrameReset   = "reset"   // start a fresh session
	FramePing    = "ping"
)

// Frame types pushed by the server.
const (
	FrameWelcome = "welcome" // hello accepted, carries assigned client id
	FrameReply   = "reply"   // complete reply message
	FrameChunk   = "chunk"   // streamed partial reply
	FrameError   = "error"
	FramePong    = "pong"
)

// ClientFrame is a frame received from a web chat client.
type ClientFrame struct {
	Type      string `json:"type"`
	ClientID  string `json:"client_id,omitempty"`
	Token     string `json:"token,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

// ServerFrame is a frame pushed to a web chat client.
type ServerFrame struct {
	Type      string       `json:"type"`
	ClientID  string       `json:"client_id,omitempty"`
	ReplyToID string       `json:"reply_to_id,omitempty"`
	Content   string       `json:"content,omitempty"`
	Media     []MediaFrame `json:"media,omitempty"`
	IsError   bool         `json:"is_error,omitempty"`
}

// MediaFrame references a media attachment in a server frame.
type MediaFrame struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}
