package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nibot/nibot/internal/types"
)

func TestInboundFIFO(t *testing.T) {
	b := New(0, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.PublishInbound(types.Envelope{Channel: "test", ChatID: "c1", Content: string(rune('a' + i))})
	}

	for i := 0; i < 5; i++ {
		e, ok := b.ConsumeInbound(ctx)
		if !ok {
			t.Fatalf("expected envelope %d", i)
		}
		want := string(rune('a' + i))
		if e.Content != want {
			t.Fatalf("out of order: got %q want %q", e.Content, want)
		}
	}
}

func TestConsumeInboundCancelled(t *testing.T) {
	b := New(0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := b.ConsumeInbound(ctx)
	if ok {
		t.Fatalf("expected ConsumeInbound to report not-ok on cancelled context")
	}
}

func TestSubscribeOrderAndDispatch(t *testing.T) {
	b := New(0, nil)
	var mu sync.Mutex
	var order []int

	for i := 0; i < 3; i++ {
		i := i
		b.Subscribe("test", func(types.Envelope) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	go b.DispatchOutbound(ctx)
	defer cancel()

	b.PublishOutbound(types.Envelope{Channel: "test", Content: "hi"})

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("subscribers did not all run, got %d", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("subscriber invocation order = %v, want registration order", order)
		}
	}
}

func TestResponseWaiterResolves(t *testing.T) {
	b := New(0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go b.DispatchOutbound(ctx)
	defer cancel()

	key, ch := b.CreateResponseWaiter(2 * time.Second)

	b.PublishOutbound(types.Envelope{
		Channel:  "http",
		Content:  "result",
		Metadata: map[string]string{types.MetaResponseKey: key},
	})

	select {
	case e := <-ch:
		if e.Content != "result" {
			t.Fatalf("got %q want %q", e.Content, "result")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never resolved")
	}
}

func TestResponseWaiterExpires(t *testing.T) {
	b := New(0, nil)
	_, ch := b.CreateResponseWaiter(20 * time.Millisecond)

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to close on expiry, got a value")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never expired")
	}
}

func TestStopEndsDispatchLoop(t *testing.T) {
	b := New(0, nil)
	done := make(chan struct{})
	go func() {
		b.DispatchOutbound(context.Background())
		close(done)
	}()

	b.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("DispatchOutbound did not exit after Stop")
	}
}
