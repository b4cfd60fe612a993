package telegram

import (
	"testing"

	"github.com/mymmrac/telego"
)

func TestResolveThreadIDForSend(t *testing.T) {
	tests := []struct {
		name     string
		threadID int
		want     int
	}{
		{"no thread", 0, 0},
		{"general topic omitted", 1, 0},
		{"regular topic preserved", 42, 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveThreadIDForSend(tt.threadID); got != tt.want {
				t.Errorf("resolveThreadIDForSend(%d) = %d, want %d", tt.threadID, got, tt.want)
			}
		})
	}
}

func TestParseThreadID(t *testing.T) {
	if got := parseThreadID(""); got != 0 {
		t.Errorf("empty thread ID = %d, want 0", got)
	}
	if got := parseThreadID("17"); got != 17 {
		t.Errorf("parseThreadID(17) = %d", got)
	}
	if got := parseThreadID("not-a-number"); got != 0 {
		t.Errorf("invalid thread ID = %d, want 0", got)
	}
}

func TestStripMention(t *testing.T) {
	tests := []struct {
		name string
		text string
		bot  string
		want string
	}{
		{"leading mention", "@helper_bot do the thing", "helper_bot", "do the thing"},
		{"embedded mention", "hey @helper_bot status?", "helper_bot", "hey  status?"},
		{"case insensitive", "@Helper_Bot ping", "helper_bot", "ping"},
		{"no mention", "plain message", "helper_bot", "plain message"},
		{"empty bot name", "@helper_bot hi", "", "@helper_bot hi"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripMention(tt.text, tt.bot); got != tt.want {
				t.Errorf("stripMention(%q, %q) = %q, want %q", tt.text, tt.bot, got, tt.want)
			}
		})
	}
}

func TestResolveMediaPicksLargestPhoto(t *testing.T) {
	msg := &telego.Message{
		Photo: []telego.PhotoSize{
			{FileID: "small", FileSize: 100},
			{FileID: "large", FileSize: 9000},
			{FileID: "medium", FileSize: 500},
		},
	}

	media := resolveMedia(msg)
	if len(media) != 1 {
		t.Fatalf("expected 1 media entry, got %d", len(media))
	}
	if media[0] != "photo:large" {
		t.Errorf("media[0] = %q, want photo:large", media[0])
	}
}

func TestResolveMediaMultipleKinds(t *testing.T) {
	msg := &telego.Message{
		Photo:    []telego.PhotoSize{{FileID: "p1", FileSize: 10}},
		Document: &telego.Document{FileID: "d1"},
		Voice:    &telego.Voice{FileID: "v1"},
	}

	media := resolveMedia(msg)
	if len(media) != 3 {
		t.Fatalf("expected 3 media entries, got %d: %v", len(media), media)
	}
	want := []string{"photo:p1", "document:d1", "voice:v1"}
	for i, w := range want {
		if media[i] != w {
			t.Errorf("media[%d] = %q, want %q", i, media[i], w)
		}
	}
}

func TestIsServiceMessage(t *testing.T) {
	if !isServiceMessage(&telego.Message{}) {
		t.Error("bare message should be a service message")
	}
	if isServiceMessage(&telego.Message{Text: "hello"}) {
		t.Error("text message is not a service message")
	}
	if isServiceMessage(&telego.Message{Photo: []telego.PhotoSize{{FileID: "x"}}}) {
		t.Error("photo message is not a service message")
	}
	if isServiceMessage(&telego.Message{Caption: "pic"}) {
		t.Error("captioned message is not a service message")
	}
}
