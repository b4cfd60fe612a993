package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/convogate/convogate/internal/bus"
	"github.com/convogate/convogate/internal/channels"
	"github.com/convogate/convogate/internal/channels/typing"
	"github.com/convogate/convogate/internal/config"
)

const (
	// telegramMessageLimit is Telegram's hard cap on message text length.
	telegramMessageLimit = 4096
	// telegramCaptionLimit is the cap on media captions.
	telegramCaptionLimit = 1024
)

// telegramGeneralTopicID is the fixed topic ID for the "General" topic in
// forum supergroups. Telegram rejects it as message_thread_id on sends.
const telegramGeneralTopicID = 1

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot            *telego.Bot
	config         config.TelegramConfig
	requireMention bool

	typingCtrls sync.Map // localKey string → *typing.Controller

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a new Telegram channel from config.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}

	bot, err := telego.NewBot(cfg.Token, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}

	return &Channel{
		BaseChannel:    channels.NewBaseChannel("telegram", msgBus, cfg.AllowFrom),
		bot:            bot,
		config:         cfg,
		requireMention: requireMention,
	}, nil
}

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	// Stop() cancels this context to cleanly shut down long polling.
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				} else {
					slog.Debug("telegram update skipped (no message)", "update_id", update.UpdateID)
				}
			}
		}
	}()

	return nil
}

// Stop shuts down the bot by cancelling the long polling context and
// waiting for the polling goroutine to exit, so that Telegram releases the
// getUpdates lock before a new instance starts.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	c.SetRunning(false)

	c.typingCtrls.Range(func(key, value any) bool {
		value.(*typing.Controller).Stop()
		c.typingCtrls.Delete(key)
		return true
	})

	if c.pollCancel != nil {
		c.pollCancel()
	}

	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			slog.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}

	return nil
}

// Send delivers an outbound message to a Telegram chat, splitting text that
// exceeds the platform limit.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}

	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("invalid telegram chat ID %q: %w", msg.ChatID, err)
	}

	c.StopTyping(msg.ChatID)

	threadID := resolveThreadIDForSend(parseThreadID(msg.ThreadID))
	chatIDObj := tu.ID(chatID)

	for i, att := range msg.Media {
		caption := att.Caption
		if len(caption) > telegramCaptionLimit {
			// Telegram rejects requests carrying invalid UTF-8, so never
			// split a rune.
			caption = caption[:channels.CutIndex(caption, telegramCaptionLimit)]
		}

		var sendErr error
		if strings.HasPrefix(att.ContentType, "image/") {
			params := tu.Photo(chatIDObj, tu.FileFromURL(att.URL)).WithCaption(caption)
			if threadID > 0 {
				params.MessageThreadID = threadID
			}
			_, sendErr = c.bot.SendPhoto(ctx, params)
		} else {
			params := tu.Document(chatIDObj, tu.FileFromURL(att.URL)).WithCaption(caption)
			if threadID > 0 {
				params.MessageThreadID = threadID
			}
			_, sendErr = c.bot.SendDocument(ctx, params)
		}
		if sendErr != nil {
			return fmt.Errorf("send telegram media %d: %w", i, sendErr)
		}
	}

	content := msg.Content
	first := true
	for content != "" {
		chunk := content
		if len(chunk) > telegramMessageLimit {
			// Prefer breaking at a newline; fall back to a rune boundary.
			cutAt := channels.CutIndex(content, telegramMessageLimit)
			if idx := strings.LastIndexByte(content[:cutAt], '\n'); idx > telegramMessageLimit/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}

		params := tu.Message(chatIDObj, chunk)
		if threadID > 0 {
			params.MessageThreadID = threadID
		}
		// Only the first chunk carries the reply reference.
		if first && msg.ReplyToID != "" {
			if replyID, err := strconv.Atoi(msg.ReplyToID); err == nil {
				params.ReplyParameters = &telego.ReplyParameters{
					MessageID:                replyID,
					AllowSendingWithoutReply: true,
				}
			}
		}
		first = false

		if _, err := c.bot.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}

	return nil
}

// StartTyping begins a keepalive typing indicator for a chat. Telegram's
// "typing" chat action expires after about 5 seconds, so it is refreshed
// every 4 seconds until StopTyping or the TTL safety net fires.
func (c *Channel) StartTyping(chatID, threadID string) {
	id, err := parseChatID(chatID)
	if err != nil {
		return
	}

	// The General topic ID is valid for chat actions, so no send-side
	// remapping here.
	topicID := parseThreadID(threadID)

	ctrl := typing.New(typing.Options{
		MaxDuration:       60 * time.Second,
		KeepaliveInterval: 4 * time.Second,
		StartFn: func() error {
			action := tu.ChatAction(tu.ID(id), telego.ChatActionTyping)
			if topicID > 0 {
				action.MessageThreadID = topicID
			}
			return c.bot.SendChatAction(context.Background(), action)
		},
	})

	if prev, ok := c.typingCtrls.Load(chatID); ok {
		prev.(*typing.Controller).Stop()
	}
	c.typingCtrls.Store(chatID, ctrl)
	ctrl.Start()
}

// StopTyping cancels the typing indicator for a chat.
func (c *Channel) StopTyping(chatID string) {
	if ctrl, ok := c.typingCtrls.LoadAndDelete(chatID); ok {
		ctrl.(*typing.Controller).Stop()
	}
}

// handleMessage converts a Telegram message into an inbound bus message.
func (c *Channel) handleMessage(_ context.Context, message *telego.Message) {
	if isServiceMessage(message) {
		slog.Debug("telegram service message skipped", "chat_id", message.Chat.ID)
		return
	}

	user := message.From
	if user == nil {
		return
	}

	userID := strconv.FormatInt(user.ID, 10)
	senderID := userID
	if user.Username != "" {
		senderID = fmt.Sprintf("%s|%s", userID, user.Username)
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"
	chatType := "direct"
	if isGroup {
		chatType = "group"
	}

	if !c.CheckPolicy(chatType, c.config.DMPolicy, c.config.GroupPolicy, senderID) {
		slog.Debug("telegram message rejected by policy",
			"chat_type", chatType, "user_id", userID, "username", user.Username)
		return
	}

	// Forum topic detection. Non-forum groups carry message_thread_id as
	// reply context, not a topic, so it is ignored there. Forum messages
	// without a topic belong to General (ID=1).
	threadID := 0
	if isGroup && message.Chat.IsForum {
		threadID = message.MessageThreadID
		if threadID == 0 {
			threadID = telegramGeneralTopicID
		}
	}

	content := message.Text
	if message.Caption != "" {
		if content != "" {
			content += "\n"
		}
		content += message.Caption
	}

	media := resolveMedia(message)
	if content == "" && len(media) == 0 {
		return
	}

	// Mention gating: in groups, only respond when the bot is @mentioned
	// or the message replies to the bot (default on).
	if isGroup && c.requireMention {
		if !c.detectMention(message) {
			slog.Debug("telegram group message ignored (no mention)",
				"chat_id", message.Chat.ID, "user_id", userID)
			return
		}
		content = stripMention(content, c.bot.Username())
	}

	chatIDStr := strconv.FormatInt(message.Chat.ID, 10)
	threadIDStr := ""
	if threadID > 0 {
		threadIDStr = strconv.Itoa(threadID)
	}

	slog.Debug("telegram message received",
		"chat_type", message.Chat.Type,
		"chat_id", chatIDStr,
		"thread_id", threadIDStr,
		"user_id", userID,
		"username", user.Username,
		"preview", channels.Truncate(content, 60),
	)

	metadata := map[string]string{
		"user_id":    userID,
		"username":   user.Username,
		"first_name": user.FirstName,
	}

	c.Publish(bus.InboundMessage{
		AccountID:    c.bot.Username(),
		SenderID:     senderID,
		ChatID:       chatIDStr,
		ChatType:     chatType,
		ThreadID:     threadIDStr,
		MessageID:    strconv.Itoa(message.MessageID),
		GroupSubject: message.Chat.Title,
		Content:      content,
		Media:        media,
		Metadata:     metadata,
	})
}

// detectMention checks whether a message mentions the bot, either via a
// mention entity, a /command@bot suffix, or a reply to the bot's message.
// Photo messages carry their entities on Caption rather than Text.
func (c *Channel) detectMention(msg *telego.Message) bool {
	botUsername := c.bot.Username()
	if botUsername == "" {
		return false
	}
	lowerBot := strings.ToLower(botUsername)

	for _, pair := range []struct {
		entities []telego.MessageEntity
		text     string
	}{
		{msg.Entities, msg.Text},
		{msg.CaptionEntities, msg.Caption},
	} {
		if pair.text == "" {
			continue
		}
		for _, entity := range pair.entities {
			if entity.Type == "mention" {
				mentioned := pair.text[entity.Offset : entity.Offset+entity.Length]
				if strings.EqualFold(mentioned, "@"+botUsername) {
					return true
				}
			}
			if entity.Type == "bot_command" {
				cmdText := pair.text[entity.Offset : entity.Offset+entity.Length]
				if strings.Contains(strings.ToLower(cmdText), "@"+lowerBot) {
					return true
				}
			}
		}
	}

	if strings.Contains(strings.ToLower(msg.Text), "@"+lowerBot) ||
		strings.Contains(strings.ToLower(msg.Caption), "@"+lowerBot) {
		return true
	}

	// Reply to the bot counts as an implicit mention.
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil {
		return msg.ReplyToMessage.From.Username == botUsername
	}

	return false
}

// stripMention removes a leading or embedded @bot mention from the text.
func stripMention(text, botUsername string) string {
	if botUsername == "" {
		return text
	}
	idx := strings.Index(strings.ToLower(text), "@"+strings.ToLower(botUsername))
	if idx < 0 {
		return text
	}
	stripped := text[:idx] + text[idx+1+len(botUsername):]
	return strings.TrimSpace(stripped)
}

// resolveMedia extracts media references from a message. Telegram file IDs
// are recorded as attachment tags; the largest photo size wins.
func resolveMedia(msg *telego.Message) []string {
	var media []string

	if len(msg.Photo) > 0 {
		best := msg.Photo[0]
		for _, p := range msg.Photo[1:] {
			if p.FileSize > best.FileSize {
				best = p
			}
		}
		media = append(media, "photo:"+best.FileID)
	}
	if msg.Document != nil {
		media = append(media, "document:"+msg.Document.FileID)
	}
	if msg.Voice != nil {
		media = append(media, "voice:"+msg.Voice.FileID)
	}
	if msg.Audio != nil {
		media = append(media, "audio:"+msg.Audio.FileID)
	}
	if msg.Video != nil {
		media = append(media, "video:"+msg.Video.FileID)
	}

	return media
}

// isServiceMessage reports whether the message is a service event (member
// joined, title changed, pinned, etc.) rather than user content.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if msg.Photo != nil || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Contact != nil ||
		msg.Location != nil {
		return false
	}
	return true
}

// parseChatID converts a string chat ID to int64.
func parseChatID(chatIDStr string) (int64, error) {
	return strconv.ParseInt(chatIDStr, 10, 64)
}

// parseThreadID converts a thread ID string to int, 0 when absent.
func parseThreadID(threadID string) int {
	if threadID == "" {
		return 0
	}
	id, err := strconv.Atoi(threadID)
	if err != nil {
		return 0
	}
	return id
}

// resolveThreadIDForSend returns the thread ID for Telegram send API calls.
// The General topic (1) must be omitted, Telegram rejects it with
// "thread not found".
func resolveThreadIDForSend(threadID int) int {
	if threadID == telegramGeneralTopicID {
		return 0
	}
	return threadID
}
