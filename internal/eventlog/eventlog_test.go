package eventlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestAppendsValidJSONLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	l := New(path, true, nil)
	l.LogLLMCall("anthropic", "claude", 10, 20, 123.45, true, "")
	l.LogToolCall("shell", 5.0, false, "boom")
	l.LogProviderSwitch([]string{"p1", "p2"}, "p2", []string{"p1"}, "exhausted")
	l.LogRequest("test", "test:c1", 50.0, 1, 30, "anthropic")
	l.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("invalid JSON line %q: %v", sc.Text(), err)
		}
		lines = append(lines, m)
	}
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4", len(lines))
	}
	for _, m := range lines {
		if _, ok := m["ts"]; !ok {
			t.Fatal("missing ts field")
		}
		if _, ok := m["type"]; !ok {
			t.Fatal("missing type field")
		}
	}
}

func TestDisabledLogWritesNothing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	l := New(path, false, nil)
	l.LogLLMCall("anthropic", "claude", 1, 1, 1, true, "")
	l.Close()

	if _, err := os.Stat(path); err == nil {
		t.Fatal("expected no file to be created when disabled")
	}
}
