package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nibot/nibot/internal/types"
)

func TestAddMessageAssignsIDsAndParentChain(t *testing.T) {
	st, err := New(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	key := "test:c1"

	var last types.Message
	for i := 0; i < 5; i++ {
		last = st.AddMessage(key, types.Message{Role: "user", Content: "msg"})
		if last.ID == "" {
			t.Fatalf("message %d got empty id", i)
		}
	}

	history := st.GetHistory(key)
	if len(history) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].ParentID != history[i-1].ID {
			t.Fatalf("message %d parent_id %q does not match previous id %q", i, history[i].ParentID, history[i-1].ID)
		}
	}

	branch := st.GetBranch(key, last.ID)
	if len(branch) != 5 {
		t.Fatalf("expected branch of length 5 ending at last message, got %d", len(branch))
	}
	for i := range branch {
		if branch[i].ID != history[i].ID {
			t.Fatalf("branch order diverges from insertion order at %d", i)
		}
	}
}

func TestGetBranchFallsBackToFullHistory(t *testing.T) {
	st, _ := New(t.TempDir(), 0)
	key := "test:c2"
	st.AddMessage(key, types.Message{Role: "user", Content: "a"})
	st.AddMessage(key, types.Message{Role: "assistant", Content: "b"})

	branch := st.GetBranch(key, "does-not-exist")
	if len(branch) != 2 {
		t.Fatalf("expected fallback to full history (2 messages), got %d", len(branch))
	}
}

func TestEvictionWritesBackAndReloadIsEqual(t *testing.T) {
	dir := t.TempDir()
	st, _ := New(dir, 0)
	st.maxCache = 1
	key := "test:c3"

	st.AddMessage(key, types.Message{Role: "user", Content: "hello"})
	st.SetSummary(key, "a summary")

	// Force eviction by touching a second session.
	st.GetOrCreate("test:other")

	reloaded := st.GetOrCreate(key)
	if len(reloaded.Messages) != 1 || reloaded.Messages[0].Content != "hello" {
		t.Fatalf("expected evicted session to reload with its message intact, got %+v", reloaded.Messages)
	}
	if reloaded.CompactedSummary != "a summary" {
		t.Fatalf("expected summary to survive eviction, got %q", reloaded.CompactedSummary)
	}
}

func TestLockForSurvivesEviction(t *testing.T) {
	st, _ := New(t.TempDir(), 0)
	st.maxCache = 1
	key := "test:c4"

	lockBefore := st.LockFor(key)
	st.GetOrCreate(key)
	st.GetOrCreate("test:other") // evicts key from cache

	lockAfter := st.LockFor(key)
	if lockBefore != lockAfter {
		t.Fatal("expected the same lock instance to survive cache eviction")
	}
}

func TestCorruptFileLoadsAsEmptySession(t *testing.T) {
	dir := t.TempDir()
	st, _ := New(dir, 0)
	key := "test:c5"

	path := filepath.Join(dir, "test_c5.ndjson")
	writeRaw(t, path, "not json at all\n")

	sess := st.GetOrCreate(key)
	if len(sess.Messages) != 0 {
		t.Fatalf("expected empty session for corrupt file, got %d messages", len(sess.Messages))
	}
}

func TestSearchFindsSubstring(t *testing.T) {
	st, _ := New(t.TempDir(), 0)
	st.AddMessage("test:c6", types.Message{Role: "user", Content: "where is the rocket launch site"})
	_ = st.Save("test:c6")

	hits := st.Search("rocket", 10)
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if hits[0].SessionKey != "test:c6" {
		t.Fatalf("unexpected session key %q", hits[0].SessionKey)
	}
}

func TestArchiveRemovesFromQueryRecent(t *testing.T) {
	st, _ := New(t.TempDir(), 0)
	st.AddMessage("test:c7", types.Message{Role: "user", Content: "hi"})
	_ = st.Save("test:c7")

	if err := st.Archive("test:c7"); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	recent := st.QueryRecent(10)
	for _, r := range recent {
		if r.Key == "test:c7" {
			t.Fatal("archived session must not appear in QueryRecent")
		}
	}
}

func writeRaw(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write raw file: %v", err)
	}
}
