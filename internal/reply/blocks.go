package reply

import "log/slog"

// BlockKind discriminates the content block variants an agent run streams.
type BlockKind string

const (
	BlockText     BlockKind = "text"
	BlockToolCall BlockKind = "toolCall"
	BlockThinking BlockKind = "thinking"
	BlockImage    BlockKind = "image"
)

// Block is one streamed content block from the agent runner.
// Exactly the fields for the block's kind are populated.
type Block struct {
	Kind BlockKind `json:"kind"`

	// BlockText
	Text string `json:"text,omitempty"`

	// BlockToolCall
	ToolName string `json:"toolName,omitempty"`
	ToolArgs string `json:"toolArgs,omitempty"`

	// BlockThinking
	Thinking string `json:"thinking,omitempty"`

	// BlockImage
	ImageURL string `json:"imageUrl,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// PayloadsFromBlocks converts a streamed block sequence into payloads,
// keeping generation order. Thinking and tool-call blocks never reach the
// user; unknown kinds are dropped with a warning rather than failing the run.
func PayloadsFromBlocks(blocks []Block) []Payload {
	var out []Payload
	for _, b := range blocks {
		switch b.Kind {
		case BlockText:
			if b.Text == "" {
				continue
			}
			out = append(out, Payload{Text: b.Text})
		case BlockImage:
			if b.ImageURL == "" {
				continue
			}
			out = append(out, Payload{Text: b.Caption, MediaURL: b.ImageURL})
		case BlockToolCall, BlockThinking:
			// internal-only blocks
		default:
			slog.Warn("dropping content block of unknown kind", "kind", string(b.Kind))
		}
	}
	return out
}
