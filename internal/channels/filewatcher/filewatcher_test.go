package filewatcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nibot/nibot/internal/bus"
	"github.com/nibot/nibot/internal/types"
)

func TestScanAndProcessPublishesNewFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "note.md"), []byte("hello world"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	b := bus.New(10, nil)
	ch := New(Config{WatchDir: dir}, b, nil)
	ch.scanAndProcess()

	e, ok := b.ConsumeInbound(context.Background())
	if !ok {
		t.Fatal("expected an inbound envelope")
	}
	if e.Content != "hello world" || e.Metadata[types.MetaTaskType] != "" {
		t.Fatalf("unexpected envelope: %+v", e)
	}
	if e.Metadata[types.MetaSourceFile] == "" {
		t.Fatal("expected source_file metadata to be set")
	}

	// A second scan must not re-publish the same file.
	ch.scanAndProcess()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Fatal("expected no duplicate envelope on second scan")
	}
}

func TestScanRoutesSubdirectoryAsTaskType(t *testing.T) {
	dir := t.TempDir()
	taskDir := filepath.Join(dir, "summarize")
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(taskDir, "a.md"), []byte("content"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	b := bus.New(10, nil)
	ch := New(Config{WatchDir: dir, Tasks: map[string]string{"summarize": "Summarize this:"}}, b, nil)
	ch.scanAndProcess()

	e, ok := b.ConsumeInbound(context.Background())
	if !ok {
		t.Fatal("expected an inbound envelope")
	}
	if e.Metadata[types.MetaTaskType] != "summarize" || e.ChatID != "summarize" {
		t.Fatalf("unexpected envelope: %+v", e)
	}
	if !strings.Contains(e.Content, "Summarize this:") {
		t.Fatalf("expected prompt prefix in content, got %q", e.Content)
	}
}

func TestSendWritesOutputFile(t *testing.T) {
	watchDir := t.TempDir()
	outDir := t.TempDir()
	b := bus.New(10, nil)
	ch := New(Config{WatchDir: watchDir, OutputDir: outDir}, b, nil)

	e := types.Envelope{
		Content:  "the answer",
		Metadata: map[string]string{types.MetaSourceFile: filepath.Join(watchDir, "q.md")},
	}
	if err := ch.Send(context.Background(), e); err != nil {
		t.Fatalf("Send: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(outDir, "q.md"))
	if err != nil {
		t.Fatalf("expected output file: %v", err)
	}
	if string(data) != "the answer" {
		t.Fatalf("unexpected output content: %q", data)
	}
}

func TestSendSkipsInterimStreamingChunk(t *testing.T) {
	outDir := t.TempDir()
	b := bus.New(10, nil)
	ch := New(Config{WatchDir: t.TempDir(), OutputDir: outDir}, b, nil)

	e := types.Envelope{
		Content: "partial",
		Metadata: map[string]string{
			types.MetaStreaming:  "true",
			types.MetaSourceFile: filepath.Join(outDir, "q.md"),
		},
	}
	if err := ch.Send(context.Background(), e); err != nil {
		t.Fatalf("Send: %v", err)
	}
	entries, _ := os.ReadDir(outDir)
	if len(entries) != 0 {
		t.Fatalf("expected no file written for an interim chunk, got %v", entries)
	}
}
