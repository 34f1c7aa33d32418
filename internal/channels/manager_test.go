package channels

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nibot/nibot/internal/bus"
	"github.com/nibot/nibot/internal/types"
)

type fakeChannel struct {
	name     string
	mu       sync.Mutex
	running  bool
	sent     []types.Envelope
	startErr error
}

func (f *fakeChannel) Name() string { return f.name }
func (f *fakeChannel) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.running = true
	f.mu.Unlock()
	return nil
}
func (f *fakeChannel) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	return nil
}
func (f *fakeChannel) Send(ctx context.Context, e types.Envelope) error {
	f.mu.Lock()
	f.sent = append(f.sent, e)
	f.mu.Unlock()
	return nil
}
func (f *fakeChannel) IsRunning() bool          { f.mu.Lock(); defer f.mu.Unlock(); return f.running }
func (f *fakeChannel) IsAllowed(id string) bool { return true }

func TestManagerStartStopAll(t *testing.T) {
	b := bus.New(10, nil)
	m := NewManager(b, nil)
	cli := &fakeChannel{name: "cli"}
	m.Register("cli", cli)

	m.StartAll(context.Background())
	if !cli.IsRunning() {
		t.Fatal("expected channel to be running after StartAll")
	}

	m.StopAll(context.Background())
	if cli.IsRunning() {
		t.Fatal("expected channel to be stopped after StopAll")
	}
}

func TestManagerDispatchesOutboundToRegisteredChannel(t *testing.T) {
	b := bus.New(10, nil)
	m := NewManager(b, nil)
	cli := &fakeChannel{name: "cli"}
	m.Register("cli", cli)

	go b.DispatchOutbound(context.Background())
	b.PublishOutbound(types.Envelope{Channel: "cli", ChatID: "c1", Content: "hi"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cli.mu.Lock()
		n := len(cli.sent)
		cli.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected envelope to reach the registered channel's Send")
}

func TestManagerGetAndNames(t *testing.T) {
	b := bus.New(10, nil)
	m := NewManager(b, nil)
	m.Register("cli", &fakeChannel{name: "cli"})

	if _, ok := m.Get("cli"); !ok {
		t.Fatal("expected Get to find registered channel")
	}
	if _, ok := m.Get("missing"); ok {
		t.Fatal("expected Get to report false for unregistered channel")
	}
	if names := m.Names(); len(names) != 1 || names[0] != "cli" {
		t.Fatalf("unexpected Names(): %v", names)
	}
}

func TestManagerSendToUnregisteredChannelErrors(t *testing.T) {
	b := bus.New(10, nil)
	m := NewManager(b, nil)
	if err := m.SendTo(context.Background(), "ghost", "c1", "hi"); err == nil {
		t.Fatal("expected error for unregistered channel")
	}
}
