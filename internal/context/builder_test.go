package context

import (
	"testing"
	"time"

	"github.com/nibot/nibot/internal/store"
	"github.com/nibot/nibot/internal/types"
)

type fakeMemory struct{ s string }

func (f fakeMemory) GetContext() string { return f.s }

type fakeSkills struct {
	always  []Skill
	summary string
}

func (f fakeSkills) AlwaysSkills() []Skill { return f.always }
func (f fakeSkills) BuildSummary() string  { return f.summary }

func newTestBuilder() *Builder {
	b := New(Config{Workspace: "/nonexistent", MaxMessages: 0}, fakeMemory{s: "remembers things"}, fakeSkills{})
	b.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return b
}

func TestBuildIncludesSystemHistoryAndUser(t *testing.T) {
	b := newTestBuilder()
	sess := &store.Session{
		Key: "cli:c1",
		Messages: []types.Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
	}
	result := b.Build(sess, types.Envelope{Channel: "cli", ChatID: "c1", Content: "how are you"})

	if result.Messages[0].Role != "system" {
		t.Fatalf("expected first message to be system prompt, got %+v", result.Messages[0])
	}
	if result.Messages[len(result.Messages)-1].Content != "how are you" {
		t.Fatalf("expected final message to be the current turn")
	}
	if len(result.Messages) != 1+len(sess.Messages)+1 {
		t.Fatalf("expected system + history + user, got %d messages", len(result.Messages))
	}
}

func TestBuildInsertsCompactedSummary(t *testing.T) {
	b := newTestBuilder()
	sess := &store.Session{Key: "cli:c1", CompactedSummary: "earlier talk about cats"}
	result := b.Build(sess, types.Envelope{Channel: "cli", ChatID: "c1", Content: "continue"})

	found := false
	for _, m := range result.Messages {
		if m.Role == "system" && containsSubstr(m.Content, "earlier talk about cats") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected compacted summary to appear as a system message")
	}
}

func TestBuildTrimsHistoryOverMaxMessages(t *testing.T) {
	b := New(Config{Workspace: "/nonexistent", MaxMessages: 2}, nil, nil)
	b.now = func() time.Time { return time.Unix(0, 0) }
	sess := &store.Session{
		Key: "cli:c1",
		Messages: []types.Message{
			{Role: "user", Content: "one"},
			{Role: "assistant", Content: "two"},
			{Role: "user", Content: "three"},
			{Role: "assistant", Content: "four"},
		},
	}
	result := b.Build(sess, types.Envelope{Channel: "cli", ChatID: "c1", Content: "five"})

	var historyContents []string
	for _, m := range result.Messages {
		if m.Content == "three" || m.Content == "four" {
			historyContents = append(historyContents, m.Content)
		}
	}
	if len(historyContents) != 2 {
		t.Fatalf("expected only the last 2 history messages to survive trimming, got %v", historyContents)
	}
}

func TestShouldCompactDedupesPerSession(t *testing.T) {
	b := newTestBuilder()
	if !b.ShouldCompact("cli:c1") {
		t.Fatal("expected first call to claim the compaction slot")
	}
	if b.ShouldCompact("cli:c1") {
		t.Fatal("expected second call to be deduplicated")
	}
	b.MarkCompactionDone("cli:c1")
	if !b.ShouldCompact("cli:c1") {
		t.Fatal("expected slot to be claimable again after MarkCompactionDone")
	}
}

func containsSubstr(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
