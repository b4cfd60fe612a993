package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"
)

func TestStripMentionTag(t *testing.T) {
	tests := []struct {
		name    string
		content string
		botID   string
		want    string
	}{
		{"plain mention", "<@123> hello", "123", "hello"},
		{"nickname mention", "<@!123> hello", "123", "hello"},
		{"embedded mention", "hey <@123> what's up", "123", "hey  what's up"},
		{"no mention", "plain text", "123", "plain text"},
		{"empty bot id", "<@123> hello", "", "<@123> hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripMentionTag(tt.content, tt.botID); got != tt.want {
				t.Errorf("stripMentionTag(%q, %q) = %q, want %q", tt.content, tt.botID, got, tt.want)
			}
		})
	}
}

func TestResolveDisplayName(t *testing.T) {
	author := &discordgo.User{Username: "user1", GlobalName: "Global One"}

	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		Author: author,
		Member: &discordgo.Member{Nick: "Nicky"},
	}}
	if got := resolveDisplayName(m); got != "Nicky" {
		t.Errorf("nick takes priority, got %q", got)
	}

	m = &discordgo.MessageCreate{Message: &discordgo.Message{Author: author}}
	if got := resolveDisplayName(m); got != "Global One" {
		t.Errorf("global name next, got %q", got)
	}

	m = &discordgo.MessageCreate{Message: &discordgo.Message{
		Author: &discordgo.User{Username: "user1"},
	}}
	if got := resolveDisplayName(m); got != "user1" {
		t.Errorf("username fallback, got %q", got)
	}
}

func TestDetectMention(t *testing.T) {
	c := &Channel{botUserID: "bot-1"}

	mentioned := &discordgo.MessageCreate{Message: &discordgo.Message{
		Mentions: []*discordgo.User{{ID: "other"}, {ID: "bot-1"}},
	}}
	if !c.detectMention(mentioned) {
		t.Error("direct mention should be detected")
	}

	replyToBot := &discordgo.MessageCreate{Message: &discordgo.Message{
		ReferencedMessage: &discordgo.Message{Author: &discordgo.User{ID: "bot-1"}},
	}}
	if !c.detectMention(replyToBot) {
		t.Error("reply to bot counts as mention")
	}

	unrelated := &discordgo.MessageCreate{Message: &discordgo.Message{
		Mentions: []*discordgo.User{{ID: "other"}},
	}}
	if c.detectMention(unrelated) {
		t.Error("unrelated mention should not match")
	}
}
