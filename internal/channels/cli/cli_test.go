package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nibot/nibot/internal/bus"
	"github.com/nibot/nibot/internal/types"
)

func TestStartPublishesEachLine(t *testing.T) {
	b := bus.New(10, nil)
	in := strings.NewReader("hello\nworld\n")
	out := &bytes.Buffer{}
	ch := New(b, in, out, "operator", nil)

	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ch.Stop(context.Background())

	for _, want := range []string{"hello", "world"} {
		e, ok := b.ConsumeInbound(context.Background())
		if !ok {
			t.Fatal("expected an inbound envelope")
		}
		if e.Content != want || e.ChatID != ChatID || e.SenderID != "operator" {
			t.Fatalf("unexpected envelope: %+v", e)
		}
	}
}

func TestSendPrintsTerminalReplyWithPrompt(t *testing.T) {
	b := bus.New(10, nil)
	out := &bytes.Buffer{}
	ch := New(b, strings.NewReader(""), out, "operator", nil)

	if err := ch.Send(context.Background(), types.Envelope{Content: "hi there"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.Contains(out.String(), "hi there") || !strings.Contains(out.String(), "> ") {
		t.Fatalf("expected reply and prompt in output, got %q", out.String())
	}
}

func TestSendSkipsEmptyContentUnlessProgress(t *testing.T) {
	b := bus.New(10, nil)
	out := &bytes.Buffer{}
	ch := New(b, strings.NewReader(""), out, "operator", nil)

	_ = ch.Send(context.Background(), types.Envelope{})
	if out.Len() != 0 {
		t.Fatalf("expected no output for empty envelope, got %q", out.String())
	}

	_ = ch.Send(context.Background(), types.Envelope{Metadata: map[string]string{types.MetaProgress: types.ProgressThinking}})
	if !strings.Contains(out.String(), "thinking") {
		t.Fatalf("expected progress status to print, got %q", out.String())
	}
}

func TestStopStopsReadLoop(t *testing.T) {
	b := bus.New(10, nil)
	ch := New(b, strings.NewReader(""), &bytes.Buffer{}, "operator", nil)
	_ = ch.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
	if err := ch.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if ch.IsRunning() {
		t.Fatal("expected IsRunning to be false after Stop")
	}
}
