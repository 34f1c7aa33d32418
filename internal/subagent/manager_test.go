package subagent

import (
	"context"
	"testing"
	"time"

	"github.com/nibot/nibot/internal/bus"
	"github.com/nibot/nibot/internal/providers"
	"github.com/nibot/nibot/internal/tools"
	"github.com/nibot/nibot/internal/types"
)

type scriptedProvider struct {
	responses []*types.LLMResponse
	call      int
}

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*types.LLMResponse, error) {
	if p.call >= len(p.responses) {
		return &types.LLMResponse{Content: "done", FinishReason: types.FinishStop}, nil
	}
	r := p.responses[p.call]
	p.call++
	return r, nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*types.LLMResponse, error) {
	return p.Chat(ctx, req)
}

func (p *scriptedProvider) DefaultModel() string { return "test-model" }
func (p *scriptedProvider) Name() string         { return "scripted" }

type echoTool struct{ called int }

func (t *echoTool) Name() string                     { return "echo" }
func (t *echoTool) Description() string              { return "echo" }
func (t *echoTool) Parameters() map[string]interface{} { return map[string]interface{}{} }
func (t *echoTool) Execute(ctx context.Context, tc types.ToolContext, args map[string]interface{}) (*tools.Result, error) {
	t.called++
	return tools.NewResult("echoed"), nil
}

func newTestManager(t *testing.T, provider providers.Provider) (*Manager, *bus.MessageBus) {
	t.Helper()
	b := bus.New(10, nil)
	pool := providers.NewPool("scripted", nil)
	pool.Register("scripted", provider, nil)
	reg := tools.NewRegistry(nil)
	reg.Register(&echoTool{})
	return NewManager(pool, reg, b, nil), b
}

func TestSpawnTerminalResponsePublishesOutbound(t *testing.T) {
	provider := &scriptedProvider{responses: []*types.LLMResponse{
		{Content: "the answer is 42", FinishReason: types.FinishStop},
	}}
	mgr, b := newTestManager(t, provider)

	received := make(chan types.Envelope, 1)
	b.Subscribe("cli", func(e types.Envelope) { received <- e })
	go b.DispatchOutbound(context.Background())
	defer b.Stop()

	mgr.Spawn("what is the answer", "calc", "cli", "chat1", AgentConfig{}, nil)

	select {
	case e := <-received:
		if e.Channel != "cli" || e.ChatID != "chat1" {
			t.Fatalf("unexpected envelope target: %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound envelope")
	}
}

func TestSpawnRunsToolThenTerminal(t *testing.T) {
	provider := &scriptedProvider{responses: []*types.LLMResponse{
		{ToolCalls: []types.ToolCall{{ID: "c1", Name: "echo", Arguments: map[string]interface{}{}}}, FinishReason: types.FinishToolCalls},
		{Content: "finished", FinishReason: types.FinishStop},
	}}
	mgr, b := newTestManager(t, provider)

	received := make(chan types.Envelope, 1)
	b.Subscribe("cli", func(e types.Envelope) { received <- e })
	go b.DispatchOutbound(context.Background())
	defer b.Stop()

	mgr.Spawn("do a thing", "worker", "cli", "chat1", AgentConfig{}, nil)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound envelope")
	}
}

func TestGetReturnsCompletedTask(t *testing.T) {
	provider := &scriptedProvider{responses: []*types.LLMResponse{{Content: "ok", FinishReason: types.FinishStop}}}
	mgr, b := newTestManager(t, provider)
	go b.DispatchOutbound(context.Background())
	defer b.Stop()

	done := make(chan struct{})
	taskID := mgr.Spawn("task", "label", "cli", "c1", AgentConfig{}, func(info TaskInfo) { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion callback")
	}

	info, ok := mgr.Get(taskID)
	if !ok {
		t.Fatal("expected completed task to be retrievable")
	}
	if info.Status != StatusDone {
		t.Fatalf("expected StatusDone, got %v", info.Status)
	}
}

func TestFilteredAllowAppliesDenyListEvenWithoutWhitelist(t *testing.T) {
	names := []string{"echo", "message", "spawn"}
	allow := filteredAllow(names, nil, defaultDeny)
	if allow["message"] || allow["spawn"] {
		t.Fatal("expected message and spawn to remain denied")
	}
	if !allow["echo"] {
		t.Fatal("expected echo to remain allowed")
	}
}

func TestFilteredAllowRespectsExplicitEmptyWhitelist(t *testing.T) {
	names := []string{"echo"}
	allow := filteredAllow(names, map[string]bool{}, defaultDeny)
	if len(allow) != 0 {
		t.Fatalf("expected explicit empty whitelist to allow nothing, got %+v", allow)
	}
}
