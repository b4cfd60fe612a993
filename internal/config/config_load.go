package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:              "0.0.0.0",
			Port:              18890,
			InboundDebounceMs: 1000,
			MaxMessageChars:   32000,
			RateLimitRPM:      20,
		},
		Agent: AgentConfig{
			BaseURL:   "http://127.0.0.1:8710",
			TimeoutMs: 600_000,
		},
		Sessions: SessionsConfig{
			Scope:         "per-channel-peer",
			IdleMinutes:   60,
			ResetTriggers: []string{"/new", "/reset"},
			Storage:       "~/.convogate/sessions",
		},
		Queue: QueueConfig{
			Mode:       "followup",
			DebounceMs: 1500,
			Cap:        20,
			Drop:       "old",
			Dedupe:     "message-id",
		},
		Reply: ReplyConfig{
			ReplyToMode: "off",
			HumanDelay:  HumanDelayConfig{Mode: "off", MinMs: 600, MaxMs: 2500},
			BlockStream: BlockStreamConfig{MinChars: 200, MaxChars: 1200, IdleMs: 800},
		},
		Channels: ChannelsConfig{
			WebChat: WebChatConfig{Path: "/ws"},
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "convogate-gateway",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	envStr("CONVOGATE_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("CONVOGATE_HOST", &c.Gateway.Host)
	envInt("CONVOGATE_PORT", &c.Gateway.Port)

	envStr("CONVOGATE_AGENT_URL", &c.Agent.BaseURL)
	envStr("CONVOGATE_AGENT_TOKEN", &c.Agent.Token)
	envStr("CONVOGATE_PROVIDER", &c.Agent.Provider)
	envStr("CONVOGATE_MODEL", &c.Agent.Model)
	envStr("CONVOGATE_WORKSPACE", &c.Agent.Workspace)

	envStr("CONVOGATE_SESSION_SCOPE", &c.Sessions.Scope)
	envInt("CONVOGATE_SESSION_IDLE_MINUTES", &c.Sessions.IdleMinutes)
	envStr("CONVOGATE_SESSIONS_STORAGE", &c.Sessions.Storage)

	envStr("CONVOGATE_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("CONVOGATE_DISCORD_TOKEN", &c.Channels.Discord.Token)

	// Auto-enable channels when credentials arrive via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}

	envStr("CONVOGATE_DB_BACKEND", &c.Database.Backend)
	envStr("CONVOGATE_DB_PATH", &c.Database.Path)
	envStr("CONVOGATE_POSTGRES_DSN", &c.Database.PostgresDSN)
	if c.Database.PostgresDSN != "" && c.Database.Backend == "" {
		c.Database.Backend = "postgres"
	}

	envStr("CONVOGATE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CONVOGATE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CONVOGATE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("CONVOGATE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CONVOGATE_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Owner IDs from env (comma-separated).
	if v := os.Getenv("CONVOGATE_OWNER_IDS"); v != "" {
		c.Gateway.OwnerIDs = strings.Split(v, ",")
	}
}

// Save writes the config as indented JSON. The file is written atomically
// so a crash mid-write cannot truncate an existing config.
func Save(path string, cfg *Config) error {
	path = ExpandHome(path)
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// Hash returns a short fingerprint of the config, used by the watcher to
// detect no-op file events.
func (c *Config) Hash() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum[:8])
}

// ExpandHome expands a leading "~" to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
