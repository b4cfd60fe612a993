// Package config holds the gateway's configuration surface: a JSON5 file
// overlaid with CONVOGATE_* environment variables, plus a file watcher for
// hot reload.
package config

import (
	"encoding/json"
	"slices"
	"strings"
)

// Config is the root configuration document.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Agent     AgentConfig     `json:"agent"`
	Sessions  SessionsConfig  `json:"sessions"`
	Queue     QueueConfig     `json:"queue"`
	Reply     ReplyConfig     `json:"reply"`
	Channels  ChannelsConfig  `json:"channels"`
	Database  DatabaseConfig  `json:"database"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// GatewayConfig configures the gateway process itself.
type GatewayConfig struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Token string `json:"token,omitempty"` // bearer token for the webchat/admin surface

	// InboundDebounceMs merges rapid messages from one sender into a single
	// agent turn. 0 disables merging.
	InboundDebounceMs int `json:"inbound_debounce_ms,omitempty"`

	MaxMessageChars int `json:"max_message_chars,omitempty"` // truncate longer inbound bodies

	// RateLimitRPM caps outbound sends per chat per minute. 0 = unlimited.
	RateLimitRPM int `json:"rate_limit_rpm,omitempty"`

	// OwnerIDs may always DM the agent and may issue /stop regardless of
	// channel policy.
	OwnerIDs FlexibleStringSlice `json:"owner_ids,omitempty"`
}

// AgentConfig points at the external agent runner and carries run defaults.
type AgentConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token,omitempty"`

	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	Workspace string `json:"workspace,omitempty"`
	TimeoutMs int    `json:"timeout_ms,omitempty"` // per-run wall clock, default 600000

	// SystemPrompt is delivered once per session id, with the first run.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// ContextWindow, when set, overrides every other context-size source
	// for usage reporting.
	ContextWindow int `json:"context_window,omitempty"`
	// ModelContextWindows maps model name → known context window size.
	ModelContextWindows map[string]int `json:"model_context_windows,omitempty"`
}

// SessionsConfig controls session keying and lifecycle.
type SessionsConfig struct {
	// Scope is "per-channel-peer" (default), "per-sender" or "global".
	Scope       string `json:"scope,omitempty"`
	IdleMinutes int    `json:"idle_minutes,omitempty"` // 0 = sessions never expire

	// ResetTriggers start a fresh session when a message equals a trigger
	// or starts with trigger + space. Default: ["/new", "/reset"].
	ResetTriggers []string `json:"reset_triggers,omitempty"`

	Storage string `json:"storage,omitempty"` // file backend dir, default ~/.convogate/sessions
}

// QueueConfig is the follow-up queue admission policy. The root value is the
// default; channels may carry their own override.
type QueueConfig struct {
	// Mode: "followup" (default), "steer", "collect", "interrupt", "queue",
	// "steer-backlog".
	Mode       string `json:"mode,omitempty"`
	DebounceMs int    `json:"debounce_ms,omitempty"` // collect mode's drain delay
	Cap        int    `json:"cap,omitempty"`         // 0 = unbounded
	Drop       string `json:"drop,omitempty"`        // "old" (default), "new", "summarize"
	Dedupe     string `json:"dedupe,omitempty"`      // "message-id" (default), "prompt", "none"
}

// ReplyConfig shapes outgoing delivery.
type ReplyConfig struct {
	// ReplyToMode: "off" (default), "first", "all". Channels may override.
	ReplyToMode string `json:"reply_to_mode,omitempty"`
	// AllowTagPassThrough lets explicit [[reply_to:...]] targets survive
	// even when the mode is off.
	AllowTagPassThrough bool `json:"allow_tag_pass_through,omitempty"`

	HumanDelay  HumanDelayConfig  `json:"human_delay,omitempty"`
	BlockStream BlockStreamConfig `json:"block_stream,omitempty"`
}

// HumanDelayConfig paces outgoing chunks.
type HumanDelayConfig struct {
	Mode  string `json:"mode,omitempty"` // "off" (default), "natural", "custom"
	MinMs int    `json:"min_ms,omitempty"`
	MaxMs int    `json:"max_ms,omitempty"`
}

// BlockStreamConfig controls incremental delivery of agent output.
type BlockStreamConfig struct {
	Enabled  bool `json:"enabled,omitempty"`
	MinChars int  `json:"min_chars,omitempty"`
	MaxChars int  `json:"max_chars,omitempty"`
	IdleMs   int  `json:"idle_ms,omitempty"`
}

// ChannelsConfig holds per-channel adapter configuration.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	WebChat  WebChatConfig  `json:"webchat"`
}

// ChannelCommon is the policy surface shared by every adapter.
type ChannelCommon struct {
	Enabled   bool                `json:"enabled"`
	AllowFrom FlexibleStringSlice `json:"allow_from,omitempty"`
	// DMPolicy: "open" (default), "allowlist", "disabled".
	DMPolicy string `json:"dm_policy,omitempty"`
	// GroupPolicy: "open" (default), "allowlist", "disabled".
	GroupPolicy    string `json:"group_policy,omitempty"`
	RequireMention *bool  `json:"require_mention,omitempty"` // groups, default true

	// ReplyToMode overrides reply.reply_to_mode for this channel.
	ReplyToMode         string `json:"reply_to_mode,omitempty"`
	AllowTagPassThrough *bool  `json:"allow_tag_pass_through,omitempty"`

	// Queue overrides the root queue policy for this channel.
	Queue *QueueConfig `json:"queue,omitempty"`
}

type TelegramConfig struct {
	ChannelCommon
	Token string `json:"token"`
}

type DiscordConfig struct {
	ChannelCommon
	Token string `json:"token"`
}

// WebChatConfig configures the websocket chat surface served by the gateway
// HTTP listener.
type WebChatConfig struct {
	ChannelCommon
	Path string `json:"path,omitempty"` // default "/ws"
}

// DatabaseConfig selects the session store backend.
type DatabaseConfig struct {
	// Backend: "file" (default), "sqlite", "postgres".
	Backend     string `json:"backend,omitempty"`
	Path        string `json:"path,omitempty"` // sqlite db file
	PostgresDSN string `json:"postgres_dsn,omitempty"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext export for local dev
	ServiceName string            `json:"service_name,omitempty"` // default "convogate-gateway"
	Headers     map[string]string `json:"headers,omitempty"`
}

// FlexibleStringSlice accepts either a JSON string or an array of strings.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*f = nil
		} else {
			*f = []string{single}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*f = many
	return nil
}

// Contains reports whether id is in the slice, comparing case-insensitively
// and ignoring a leading "@".
func (f FlexibleStringSlice) Contains(id string) bool {
	norm := strings.ToLower(strings.TrimPrefix(id, "@"))
	return slices.ContainsFunc(f, func(s string) bool {
		return strings.ToLower(strings.TrimPrefix(s, "@")) == norm
	})
}

// QueueFor returns the channel's queue policy, falling back to the root
// default for unset fields.
func (c *Config) QueueFor(common ChannelCommon) QueueConfig {
	q := c.Queue
	if o := common.Queue; o != nil {
		if o.Mode != "" {
			q.Mode = o.Mode
		}
		if o.DebounceMs != 0 {
			q.DebounceMs = o.DebounceMs
		}
		if o.Cap != 0 {
			q.Cap = o.Cap
		}
		if o.Drop != "" {
			q.Drop = o.Drop
		}
		if o.Dedupe != "" {
			q.Dedupe = o.Dedupe
		}
	}
	return q
}

// ReplyToModeFor returns the effective reply-to mode for a channel.
func (c *Config) ReplyToModeFor(common ChannelCommon) (mode string, allowTags bool) {
	mode = c.Reply.ReplyToMode
	if common.ReplyToMode != "" {
		mode = common.ReplyToMode
	}
	allowTags = c.Reply.AllowTagPassThrough
	if common.AllowTagPassThrough != nil {
		allowTags = *common.AllowTagPassThrough
	}
	return mode, allowTags
}

// IsOwner reports whether the sender id is a configured owner.
func (c *Config) IsOwner(senderID string) bool {
	return c.Gateway.OwnerIDs.Contains(senderID)
}
