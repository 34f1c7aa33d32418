package telegram

import (
	"testing"

	"github.com/mymmrac/telego"
)

func TestParseChatID(t *testing.T) {
	id, err := parseChatID("-10012345")
	if err != nil {
		t.Fatalf("parseChatID: %v", err)
	}
	if id != -10012345 {
		t.Fatalf("expected -10012345, got %d", id)
	}
}

func TestMentionsBotEmptyUsernameAlwaysMatches(t *testing.T) {
	if !mentionsBot(&telego.Message{Text: "hi"}, "") {
		t.Fatal("expected empty bot username to always match")
	}
}

func TestMentionsBotDetectsEntity(t *testing.T) {
	msg := &telego.Message{
		Text: "hello @mybot how are you",
		Entities: []telego.MessageEntity{
			{Type: "mention", Offset: 6, Length: 6},
		},
	}
	if !mentionsBot(msg, "mybot") {
		t.Fatal("expected mention entity to be detected")
	}
}

func TestMentionsBotNoEntityNoMatch(t *testing.T) {
	msg := &telego.Message{Text: "hello there"}
	if mentionsBot(msg, "mybot") {
		t.Fatal("expected no match without a mention entity")
	}
}
