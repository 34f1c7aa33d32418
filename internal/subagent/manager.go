// Package subagent implements the Subagent Manager (spec §4.4): typed,
// tool-restricted background task execution that reuses the Provider Pool
// and a filtered Tool Registry, delivering its result as an outbound
// envelope addressed back to the originating channel and chat.
//
// Grounded primarily on original_source/nibot/subagent.py's shape (short
// hex task ids, a deny-listed isolated message list, an iteration loop
// bounded by max_iterations) and on the teacher's internal/tools/subagent.go
// for the TaskInfo/LRU bookkeeping idiom. Two deliberate departures from
// the Python original, both following the spec's explicit wording over the
// original's behavior: completion is published as an OUTBOUND envelope
// (the Python original republishes to inbound) addressed to
// (origin_channel, origin_chat_id), and each run carries its own wall-clock
// deadline via context.WithTimeout, which neither source implements.
package subagent

import (
	"container/list"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nibot/nibot/internal/bus"
	"github.com/nibot/nibot/internal/providers"
	"github.com/nibot/nibot/internal/tools"
	"github.com/nibot/nibot/internal/types"
)

// defaultDeny matches the Python original's SUBAGENT_TOOL_DENY: a subagent
// can never message channels directly or spawn further subagents.
var defaultDeny = map[string]bool{"message": true, "spawn": true}

const (
	defaultMaxIterations    = 15
	defaultTimeout          = 30 * time.Minute
	defaultCompletedHistory = 100
)

// Status is the lifecycle state of one subagent run.
type Status string

const (
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// AgentConfig customizes one spawn beyond the bare task/label.
type AgentConfig struct {
	// Tools, when non-nil, is a strict whitelist (an empty-but-non-nil map
	// means no tools at all). A nil map applies only the default deny list.
	Tools          map[string]bool
	Model          string
	Provider       string
	FallbackChain  []string
	SystemPrompt   string
	MaxIterations  int
	TimeoutSeconds int
}

// TaskInfo is the bookkeeping record for one spawn, kept while running and
// retained (bounded) after completion for status queries.
type TaskInfo struct {
	ID             string
	Label          string
	Status         Status
	CreatedAt      time.Time
	FinishedAt     time.Time
	ResultPreview  string
	OriginChannel  string
	OriginChatID   string
}

// CompletionFunc is invoked once a spawned task finishes, in addition to
// the outbound envelope publish.
type CompletionFunc func(info TaskInfo)

// Manager runs isolated background tasks. Safe for concurrent use.
type Manager struct {
	pool     *providers.Pool
	registry *tools.Registry
	bus      *bus.MessageBus
	log      *slog.Logger

	mu        sync.Mutex
	running   map[string]*TaskInfo
	completed map[string]*list.Element
	order     *list.List
	maxDone   int
}

func NewManager(pool *providers.Pool, registry *tools.Registry, b *bus.MessageBus, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		pool:      pool,
		registry:  registry,
		bus:       b,
		log:       log,
		running:   make(map[string]*TaskInfo),
		completed: make(map[string]*list.Element),
		order:     list.New(),
		maxDone:   defaultCompletedHistory,
	}
}

// Spawn launches a background task and returns its opaque id immediately.
func (m *Manager) Spawn(task, label, originChannel, originChatID string, cfg AgentConfig, onDone CompletionFunc) string {
	taskID := newTaskID()
	info := &TaskInfo{
		ID:            taskID,
		Label:         label,
		Status:        StatusRunning,
		CreatedAt:     time.Now(),
		OriginChannel: originChannel,
		OriginChatID:  originChatID,
	}
	m.mu.Lock()
	m.running[taskID] = info
	m.mu.Unlock()

	go m.run(taskID, task, label, originChannel, originChatID, cfg, onDone)
	return taskID
}

// Get returns a snapshot of a task's bookkeeping record, from either the
// running or completed set.
func (m *Manager) Get(taskID string) (TaskInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.running[taskID]; ok {
		return *info, true
	}
	if el, ok := m.completed[taskID]; ok {
		return *el.Value.(*TaskInfo), true
	}
	return TaskInfo{}, false
}

// ListActive returns the ids of every task still running.
func (m *Manager) ListActive() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) run(taskID, task, label, channel, chatID string, cfg AgentConfig, onDone CompletionFunc) {
	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	final, status := m.iterate(ctx, taskID, task, label, cfg)
	if ctx.Err() == context.DeadlineExceeded {
		final = fmt.Sprintf("Task timed out after %.0fs", timeout.Seconds())
		status = StatusError
	}

	m.finish(taskID, channel, chatID, label, final, status, onDone)
}

func (m *Manager) iterate(ctx context.Context, taskID, task, label string, cfg AgentConfig) (string, Status) {
	defs := m.registry.Definitions(filteredAllow(m.registry.Names(), cfg.Tools, defaultDeny))

	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = fmt.Sprintf("You are a subagent. Task ID: %s. Task: %s", taskID, task)
	}
	messages := []types.Message{
		{Role: "system", Content: systemPrompt, Timestamp: time.Now()},
		{Role: "user", Content: task, Timestamp: time.Now()},
	}

	provider := m.resolveProvider(cfg)

	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}

	toolCtx := types.ToolContext{Channel: "subagent", ChatID: taskID, SessionKey: "subagent:" + taskID}

	for i := 0; i < maxIter; i++ {
		if err := ctx.Err(); err != nil {
			return "", StatusError
		}

		req := providers.ChatRequest{Messages: messages, Tools: defs, Model: cfg.Model}
		var resp *types.LLMResponse
		var err error
		if len(cfg.FallbackChain) > 0 {
			resp, err = m.pool.ChatWithFallback(ctx, req, cfg.FallbackChain)
		} else {
			resp, err = provider.Chat(ctx, req)
		}
		if err != nil {
			m.log.Error("subagent provider call failed", "task_id", taskID, "label", label, "error", err)
			return fmt.Sprintf("Subagent error: %s", err), StatusError
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content, StatusDone
		}

		messages = append(messages, assistantMessageFromResponse(resp))
		for _, tc := range resp.ToolCalls {
			result := m.registry.Execute(ctx, tc.ID, tc.Name, tc.Arguments, toolCtx)
			messages = append(messages, types.Message{
				Role:       "tool",
				Content:    result.Content,
				ToolCallID: tc.ID,
				Name:       tc.Name,
				Timestamp:  time.Now(),
			})
		}
	}
	return "Unable to complete this request (max_iterations reached).", StatusDone
}

func (m *Manager) resolveProvider(cfg AgentConfig) providers.Provider {
	if len(cfg.FallbackChain) > 0 {
		return m.pool.Get(cfg.FallbackChain[0])
	}
	if cfg.Provider != "" {
		if p := m.pool.Get(cfg.Provider); p != nil {
			return p
		}
	}
	return m.pool.Get("")
}

func (m *Manager) finish(taskID, channel, chatID, label, result string, status Status, onDone CompletionFunc) {
	m.mu.Lock()
	info, ok := m.running[taskID]
	if ok {
		delete(m.running, taskID)
	} else {
		info = &TaskInfo{ID: taskID, Label: label, OriginChannel: channel, OriginChatID: chatID}
	}
	info.Status = status
	info.FinishedAt = time.Now()
	info.ResultPreview = truncatePreview(result, 200)
	m.addCompletedLocked(info)
	m.mu.Unlock()

	m.bus.PublishOutbound(types.Envelope{
		Channel:   channel,
		ChatID:    chatID,
		SenderID:  "subagent",
		Content:   fmt.Sprintf("[Subagent '%s' completed]\nResult: %s", label, result),
		Timestamp: time.Now(),
	})

	if onDone != nil {
		onDone(*info)
	}
}

// addCompletedLocked inserts info into the completed LRU, evicting the
// oldest-finished record once over capacity. Callers hold m.mu.
func (m *Manager) addCompletedLocked(info *TaskInfo) {
	el := m.order.PushFront(info)
	m.completed[info.ID] = el
	for m.order.Len() > m.maxDone {
		oldest := m.order.Back()
		if oldest == nil {
			break
		}
		m.order.Remove(oldest)
		delete(m.completed, oldest.Value.(*TaskInfo).ID)
	}
}

func assistantMessageFromResponse(resp *types.LLMResponse) types.Message {
	return types.Message{
		Role:      "assistant",
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
		Timestamp: time.Now(),
	}
}

// filteredAllow computes the final allow-set for Registry.Definitions:
// names in allow (if non-nil) minus names in deny.
func filteredAllow(names []string, allow map[string]bool, deny map[string]bool) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		if deny[n] {
			continue
		}
		if allow != nil && !allow[n] {
			continue
		}
		out[n] = true
	}
	return out
}

func newTaskID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func truncatePreview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
