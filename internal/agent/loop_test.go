package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nibot/nibot/internal/bus"
	appcontext "github.com/nibot/nibot/internal/context"
	"github.com/nibot/nibot/internal/providers"
	"github.com/nibot/nibot/internal/ratelimit"
	"github.com/nibot/nibot/internal/store"
	"github.com/nibot/nibot/internal/tools"
	"github.com/nibot/nibot/internal/types"
)

// memStore is a minimal in-memory store.SessionStore double, sufficient
// for exercising the Agent Loop without the file-backed implementation's
// disk I/O.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*store.Session
	locks    map[string]*sync.Mutex
	seq      int
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*store.Session), locks: make(map[string]*sync.Mutex)}
}

func (m *memStore) GetOrCreate(key string) *store.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		s = &store.Session{Key: key, CreatedAt: time.Now(), UpdatedAt: time.Now()}
		m.sessions[key] = s
	}
	return s
}

func (m *memStore) LockFor(key string) store.Locker {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

func (m *memStore) AddMessage(key string, msg types.Message) types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[key]
	if s == nil {
		s = &store.Session{Key: key}
		m.sessions[key] = s
	}
	m.seq++
	msg.ID = fmt.Sprintf("%012x", m.seq)
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now()
	return msg
}

func (m *memStore) GetHistory(key string) []types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		return s.Messages
	}
	return nil
}

func (m *memStore) GetBranch(key, leafID string) []types.Message { return m.GetHistory(key) }
func (m *memStore) GetSummary(key string) string                 { return "" }
func (m *memStore) SetSummary(key, summary string)               {}
func (m *memStore) Save(key string) error                        { return nil }
func (m *memStore) Delete(key string) error                       { return nil }
func (m *memStore) QueryRecent(limit int) []store.SessionSummary { return nil }
func (m *memStore) IterRecentFromDisk(limit int) []*store.Session { return nil }
func (m *memStore) IterAllFromDisk() []*store.Session            { return nil }
func (m *memStore) Search(query string, maxResults int) []store.SearchHit { return nil }
func (m *memStore) Archive(key string) error                     { return nil }
func (m *memStore) ArchiveOld(days int) (int, error)              { return 0, nil }

// scriptedProvider returns queued responses in order, one per Chat call.
type scriptedProvider struct {
	responses []*types.LLMResponse
	call      int
}

func (p *scriptedProvider) Name() string         { return "scripted" }
func (p *scriptedProvider) DefaultModel() string { return "scripted-model" }

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*types.LLMResponse, error) {
	if p.call >= len(p.responses) {
		return nil, fmt.Errorf("scriptedProvider: no more responses queued")
	}
	resp := p.responses[p.call]
	p.call++
	return resp, nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*types.LLMResponse, error) {
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Content != "" {
		onChunk(providers.StreamChunk{Content: resp.Content})
	}
	return resp, nil
}

type echoTool struct{ called int }

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "echoes input" }
func (e *echoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func (e *echoTool) Execute(ctx context.Context, tc types.ToolContext, args map[string]interface{}) (*tools.Result, error) {
	e.called++
	return tools.NewResult("echoed"), nil
}

func newTestLoop(t *testing.T, provider providers.Provider) (*Loop, *bus.MessageBus, *memStore) {
	t.Helper()
	b := bus.New(10, nil)
	pool := providers.NewPool("scripted", nil)
	pool.Register("scripted", provider, nil)
	registry := tools.NewRegistry(nil)
	registry.Register(&echoTool{})
	sessions := newMemStore()
	builder := appcontext.New(appcontext.Config{Workspace: "/nonexistent"}, nil, nil)
	loop := New(Config{
		Bus:      b,
		Sessions: sessions,
		ContextBuild: builder,
		Pool:     pool,
		Registry: registry,
		Policy:   tools.NewPolicy(),
	})
	return loop, b, sessions
}

func TestHandleTerminalResponsePublishesReply(t *testing.T) {
	provider := &scriptedProvider{responses: []*types.LLMResponse{
		{Content: "hello there", Provider: "scripted"},
	}}
	loop, b, _ := newTestLoop(t, provider)

	received := make(chan types.Envelope, 1)
	b.Subscribe("cli", func(e types.Envelope) { received <- e })
	go b.DispatchOutbound(context.Background())

	loop.handle(context.Background(), types.Envelope{Channel: "cli", ChatID: "c1", Content: "hi"})

	select {
	case e := <-received:
		if e.Content != "hello there" {
			t.Fatalf("expected final reply content, got %q", e.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a reply to be published")
	}
}

func TestHandleRunsToolThenTerminal(t *testing.T) {
	provider := &scriptedProvider{responses: []*types.LLMResponse{
		{ToolCalls: []types.ToolCall{{ID: "1", Name: "echo", Arguments: map[string]interface{}{}}}, Provider: "scripted"},
		{Content: "done", Provider: "scripted"},
	}}
	loop, b, sessions := newTestLoop(t, provider)

	received := make(chan types.Envelope, 1)
	b.Subscribe("cli", func(e types.Envelope) { received <- e })
	go b.DispatchOutbound(context.Background())

	loop.handle(context.Background(), types.Envelope{Channel: "cli", ChatID: "c1", Content: "use the tool"})

	select {
	case e := <-received:
		if e.Content != "done" {
			t.Fatalf("expected terminal reply after tool round, got %q", e.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a reply to be published")
	}

	hist := sessions.GetHistory("cli:c1")
	foundTool := false
	for _, m := range hist {
		if m.Role == "tool" && m.Name == "echo" {
			foundTool = true
		}
	}
	if !foundTool {
		t.Fatal("expected a tool message to be recorded in session history")
	}
}

func TestIterateHitsMaxIterationsFallback(t *testing.T) {
	var responses []*types.LLMResponse
	for i := 0; i < 5; i++ {
		responses = append(responses, &types.LLMResponse{
			ToolCalls: []types.ToolCall{{ID: fmt.Sprintf("%d", i), Name: "echo", Arguments: map[string]interface{}{}}},
			Provider:  "scripted",
		})
	}
	provider := &scriptedProvider{responses: responses}
	loop, _, _ := newTestLoop(t, provider)
	loop.cfg.MaxIterations = 3

	content, _, _, _, _, err := loop.iterate(context.Background(), types.Envelope{Channel: "cli", ChatID: "c1"}, "cli:c1", []types.Message{{Role: "user", Content: "go"}}, "")
	if err != nil {
		t.Fatalf("iterate returned error: %v", err)
	}
	if content != MaxIterationsFallback {
		t.Fatalf("expected max-iterations fallback string, got %q", content)
	}
}

func TestHandlePreservesResponseKeyOnReply(t *testing.T) {
	provider := &scriptedProvider{responses: []*types.LLMResponse{{Content: "ok", Provider: "scripted"}}}
	loop, b, _ := newTestLoop(t, provider)

	key, waiter := b.CreateResponseWaiter(2 * time.Second)
	go b.DispatchOutbound(context.Background())

	loop.handle(context.Background(), types.Envelope{
		Channel: "http", ChatID: "c1", Content: "hi",
		Metadata: map[string]string{types.MetaResponseKey: key},
	})

	select {
	case e, ok := <-waiter:
		if !ok {
			t.Fatal("waiter channel closed without a response")
		}
		if e.Content != "ok" {
			t.Fatalf("expected reply content through response waiter, got %q", e.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected response waiter to resolve")
	}
}

func TestHandleRejectsOverLimitSender(t *testing.T) {
	provider := &scriptedProvider{responses: []*types.LLMResponse{{Content: "should not be called", Provider: "scripted"}}}
	loop, b, _ := newTestLoop(t, provider)

	limiter := ratelimit.New(ratelimit.Config{PerUserRPM: 1, Enabled: true})
	limiter.Check("spammer", "cli") // consume the only allowed slot
	loop.cfg.RateLimiter = limiter

	received := make(chan types.Envelope, 1)
	b.Subscribe("cli", func(e types.Envelope) { received <- e })
	go b.DispatchOutbound(context.Background())

	loop.handle(context.Background(), types.Envelope{Channel: "cli", ChatID: "c1", SenderID: "spammer", Content: "hi"})

	select {
	case e := <-received:
		if e.Content == "should not be called" {
			t.Fatal("rate-limited sender must not reach the provider")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a rejection reply to be published")
	}
	if provider.call != 0 {
		t.Fatalf("expected provider not to be called, got %d calls", provider.call)
	}
}
