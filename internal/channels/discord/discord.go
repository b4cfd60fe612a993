package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/convogate/convogate/internal/bus"
	"github.com/convogate/convogate/internal/channels"
	"github.com/convogate/convogate/internal/channels/typing"
	"github.com/convogate/convogate/internal/config"
)

// discordMessageLimit is Discord's hard cap on message content length.
const discordMessageLimit = 2000

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	*channels.BaseChannel
	session        *discordgo.Session
	config         config.DiscordConfig
	botUserID      string // populated on start
	requireMention bool

	typingCtrls sync.Map // channelID string → *typing.Controller
}

// New creates a new Discord channel from config.
func New(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}

	return &Channel{
		BaseChannel:    channels.NewBaseChannel("discord", msgBus, cfg.AllowFrom),
		session:        session,
		config:         cfg,
		requireMention: requireMention,
	}, nil
}

// Start opens the Discord gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord bot")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)

	return nil
}

// Stop closes the Discord gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot")
	c.SetRunning(false)

	c.typingCtrls.Range(func(key, value any) bool {
		value.(*typing.Controller).Stop()
		c.typingCtrls.Delete(key)
		return true
	})

	return c.session.Close()
}

// Send delivers an outbound message to a Discord channel, splitting content
// that exceeds the platform limit.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("empty chat ID for discord send")
	}

	c.StopTyping(msg.ChatID)

	var reference *discordgo.MessageReference
	if msg.ReplyToID != "" {
		reference = &discordgo.MessageReference{
			MessageID: msg.ReplyToID,
			ChannelID: msg.ChatID,
		}
	}

	for i, att := range msg.Media {
		send := &discordgo.MessageSend{Content: att.Caption}
		if strings.HasPrefix(att.ContentType, "image/") {
			send.Embeds = []*discordgo.MessageEmbed{
				{Image: &discordgo.MessageEmbedImage{URL: att.URL}},
			}
		} else if send.Content != "" {
			send.Content += "\n" + att.URL
		} else {
			send.Content = att.URL
		}
		if _, err := c.session.ChannelMessageSendComplex(msg.ChatID, send); err != nil {
			return fmt.Errorf("send discord media %d: %w", i, err)
		}
	}

	return c.sendChunked(msg.ChatID, msg.Content, reference)
}

// sendChunked sends message text, splitting into multiple messages when it
// exceeds the limit. Only the first chunk carries the reply reference.
func (c *Channel) sendChunked(channelID, content string, reference *discordgo.MessageReference) error {
	for len(content) > 0 {
		chunk := content
		if len(chunk) > discordMessageLimit {
			// Prefer breaking at a newline; fall back to a rune boundary.
			cutAt := channels.CutIndex(content, discordMessageLimit)
			if idx := strings.LastIndexByte(content[:cutAt], '\n'); idx > discordMessageLimit/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}

		send := &discordgo.MessageSend{Content: chunk, Reference: reference}
		reference = nil

		if _, err := c.session.ChannelMessageSendComplex(channelID, send); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}

	return nil
}

// StartTyping begins a keepalive typing indicator for a channel. Discord's
// indicator expires after 10 seconds, so it is refreshed every 9 seconds
// until StopTyping or the TTL safety net fires.
func (c *Channel) StartTyping(chatID, _ string) {
	ctrl := typing.New(typing.Options{
		MaxDuration:       60 * time.Second,
		KeepaliveInterval: 9 * time.Second,
		StartFn: func() error {
			return c.session.ChannelTyping(chatID)
		},
	})

	if prev, ok := c.typingCtrls.Load(chatID); ok {
		prev.(*typing.Controller).Stop()
	}
	c.typingCtrls.Store(chatID, ctrl)
	ctrl.Start()
}

// StopTyping cancels the typing indicator for a channel.
func (c *Channel) StopTyping(chatID string) {
	if ctrl, ok := c.typingCtrls.LoadAndDelete(chatID); ok {
		ctrl.(*typing.Controller).Stop()
	}
}

// handleMessage converts an incoming Discord message into an inbound bus
// message.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore the bot's own messages and other bots.
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	senderID := m.Author.ID
	if m.Author.Username != "" {
		senderID = fmt.Sprintf("%s|%s", m.Author.ID, m.Author.Username)
	}

	isDM := m.GuildID == ""
	chatType := "group"
	if isDM {
		chatType = "direct"
	}

	if !c.CheckPolicy(chatType, c.config.DMPolicy, c.config.GroupPolicy, senderID) {
		slog.Debug("discord message rejected by policy",
			"chat_type", chatType, "user_id", m.Author.ID, "username", m.Author.Username)
		return
	}

	content := m.Content

	var media []string
	for _, att := range m.Attachments {
		media = append(media, att.URL)
	}

	if content == "" && len(media) == 0 {
		return
	}

	// Mention gating: in guild channels, only respond when the bot is
	// @mentioned or the message replies to the bot (default on).
	if !isDM && c.requireMention {
		if !c.detectMention(m) {
			slog.Debug("discord guild message ignored (no mention)",
				"channel_id", m.ChannelID, "user_id", m.Author.ID)
			return
		}
		content = stripMentionTag(content, c.botUserID)
	}

	slog.Debug("discord message received",
		"sender_id", m.Author.ID,
		"channel_id", m.ChannelID,
		"is_dm", isDM,
		"preview", channels.Truncate(content, 60),
	)

	metadata := map[string]string{
		"user_id":      m.Author.ID,
		"username":     m.Author.Username,
		"display_name": resolveDisplayName(m),
		"guild_id":     m.GuildID,
	}

	c.Publish(bus.InboundMessage{
		AccountID: c.botUserID,
		SenderID:  senderID,
		ChatID:    m.ChannelID,
		ChatType:  chatType,
		MessageID: m.ID,
		Content:   content,
		Media:     media,
		Metadata:  metadata,
	})
}

// detectMention checks whether the message mentions the bot directly or
// replies to one of the bot's messages.
func (c *Channel) detectMention(m *discordgo.MessageCreate) bool {
	for _, u := range m.Mentions {
		if u.ID == c.botUserID {
			return true
		}
	}
	if ref := m.ReferencedMessage; ref != nil && ref.Author != nil {
		return ref.Author.ID == c.botUserID
	}
	return false
}

// stripMentionTag removes the raw <@id> mention form from the content.
func stripMentionTag(content, botUserID string) string {
	if botUserID == "" {
		return content
	}
	for _, tag := range []string{"<@" + botUserID + ">", "<@!" + botUserID + ">"} {
		content = strings.ReplaceAll(content, tag, "")
	}
	return strings.TrimSpace(content)
}

// resolveDisplayName picks the best human-readable name for a message author.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
