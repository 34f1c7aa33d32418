package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/nibot/nibot/internal/bus"
	"github.com/nibot/nibot/internal/types"
)

func TestNewRejectsInvalidCron(t *testing.T) {
	b := bus.New(10, nil)
	_, err := New(b, []types.ScheduledJob{{ID: "j1", Cron: "not a cron", Enabled: true}}, nil)
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestTickFiresDueJob(t *testing.T) {
	b := bus.New(10, nil)
	s, err := New(b, []types.ScheduledJob{
		{ID: "j1", Cron: "* * * * *", Prompt: "hello", Channel: "cli", ChatID: "c1", Enabled: true},
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.lastCheck = time.Now().Add(-2 * time.Minute)

	received := make(chan types.Envelope, 1)
	b.Subscribe("cli", func(e types.Envelope) {})
	go func() {
		e, ok := b.ConsumeInbound(context.Background())
		if ok {
			received <- e
		}
	}()

	s.tick()

	select {
	case e := <-received:
		if e.Content != "hello" || e.Metadata["job_id"] != "j1" {
			t.Fatalf("unexpected envelope: %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected job to fire and publish inbound")
	}
}

func TestTickSkipsDisabledJob(t *testing.T) {
	b := bus.New(10, nil)
	s, _ := New(b, []types.ScheduledJob{
		{ID: "j1", Cron: "* * * * *", Prompt: "hello", Channel: "cli", ChatID: "c1", Enabled: false},
	}, nil)
	s.lastCheck = time.Now().Add(-2 * time.Minute)
	s.tick()

	select {
	case <-func() chan types.Envelope {
		ch := make(chan types.Envelope, 1)
		go func() {
			e, ok := b.ConsumeInbound(context.Background())
			if ok {
				ch <- e
			}
		}()
		return ch
	}():
		t.Fatal("disabled job must not fire")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestAddRemoveListJobs(t *testing.T) {
	b := bus.New(10, nil)
	s, _ := New(b, nil, nil)

	if err := s.Add(types.ScheduledJob{ID: "j1", Cron: "0 9 * * *", Enabled: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(s.ListJobs()) != 1 {
		t.Fatalf("expected 1 job after Add")
	}
	if err := s.Add(types.ScheduledJob{ID: "j2", Cron: "garbage"}); err == nil {
		t.Fatal("expected Add to reject invalid cron")
	}
	if !s.Remove("j1") {
		t.Fatal("expected Remove to report existing job")
	}
	if s.Remove("j1") {
		t.Fatal("expected second Remove to report false")
	}
}
