// Package agent implements the Agent Loop (spec §4.2): the single-consumer
// pump over the Message Bus's inbound queue, and the per-envelope handler
// state machine that drives the LLM + tool iteration, persists session
// state, and publishes the final reply.
//
// Grounded on the teacher's internal/agent/loop.go for the overall pump
// shape (spawn-a-handler-per-envelope, per-session locking, streaming
// threshold flush, parallel multi-tool execution, the iteration-cap
// fallback string) with every managed-mode concern (per-user workspace
// isolation, context-file interceptors, injection-scan actions, bootstrap
// seeding) stripped: this framework is single-agent per process.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nibot/nibot/internal/bus"
	appcontext "github.com/nibot/nibot/internal/context"
	"github.com/nibot/nibot/internal/eventlog"
	"github.com/nibot/nibot/internal/providers"
	"github.com/nibot/nibot/internal/ratelimit"
	"github.com/nibot/nibot/internal/store"
	"github.com/nibot/nibot/internal/tools"
	"github.com/nibot/nibot/internal/types"
)

const (
	streamFlushThreshold = 30
	defaultMaxIterations = 25
)

// MaxIterationsFallback is the literal final content published when a
// turn exhausts its iteration budget without a terminal response.
const MaxIterationsFallback = "Unable to complete this request (max_iterations reached)."

// Config wires the Loop's collaborators.
type Config struct {
	Bus           *bus.MessageBus
	Sessions      store.SessionStore
	ContextBuild  *appcontext.Builder
	Pool          *providers.Pool
	Registry      *tools.Registry
	Policy        *tools.Policy
	RateLimiter   *ratelimit.Limiter
	EventLog      *eventlog.Log
	MaxIterations int
	Model         string
	FallbackChain []string
	Log           *slog.Logger
}

// Loop pumps the inbound queue and spawns a handler per envelope.
type Loop struct {
	cfg Config
	log *slog.Logger
	wg  sync.WaitGroup
}

func New(cfg Config) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Loop{cfg: cfg, log: log}
}

// Run dequeues inbound envelopes until ctx is cancelled, spawning an
// independent handler goroutine per envelope so one slow conversation
// never blocks another's turn.
func (l *Loop) Run(ctx context.Context) {
	for {
		e, ok := l.cfg.Bus.ConsumeInbound(ctx)
		if !ok {
			break
		}
		l.wg.Add(1)
		go func(e types.Envelope) {
			defer l.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					l.log.Error("agent loop handler panicked", "panic", r)
				}
			}()
			l.handle(ctx, e)
		}(e)
	}
}

// Wait blocks until every in-flight handler returns or timeout elapses.
func (l *Loop) Wait(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		l.log.Warn("agent loop shutdown timed out with handlers still running")
	}
}

func (l *Loop) handle(ctx context.Context, e types.Envelope) {
	start := time.Now()

	if l.cfg.RateLimiter != nil {
		if ok, reason := l.cfg.RateLimiter.Check(e.SenderID, e.Channel); !ok {
			l.publishReply(e, reason, false)
			return
		}
	}

	sessionKey := e.Channel + ":" + e.ChatID
	lock := l.cfg.Sessions.LockFor(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	sess := l.cfg.Sessions.GetOrCreate(sessionKey)

	built := l.cfg.ContextBuild.Build(sess, e)
	messages := built.Messages
	if built.NeedsCompact {
		go l.compact(sessionKey)
	}

	l.cfg.Sessions.AddMessage(sessionKey, types.Message{
		Role: "user", Content: e.Content, Timestamp: time.Now(),
	})

	streamID := e.Metadata[types.MetaStreamID]

	finalContent, toolCount, usage, providerName, tail, err := l.iterate(ctx, e, sessionKey, messages, streamID)
	if err != nil {
		l.log.Error("agent loop iteration failed", "session", sessionKey, "error_type", fmt.Sprintf("%T", err))
		l.publishReply(e, "An internal error occurred while processing your request.", false)
		return
	}

	for _, m := range tail {
		l.cfg.Sessions.AddMessage(sessionKey, m)
	}
	l.cfg.Sessions.AddMessage(sessionKey, types.Message{
		Role: "assistant", Content: finalContent, Timestamp: time.Now(),
	})
	if err := l.cfg.Sessions.Save(sessionKey); err != nil {
		l.log.Error("failed to save session", "session", sessionKey, "error", err)
	}

	l.publishReply(e, finalContent, false)

	if l.cfg.EventLog != nil {
		l.cfg.EventLog.LogRequest(e.Channel, sessionKey, float64(time.Since(start).Milliseconds()), toolCount, usage.TotalTokens, providerName)
	}
}

func (l *Loop) compact(sessionKey string) {
	defer l.cfg.ContextBuild.MarkCompactionDone(sessionKey)
	// A full summarization pass is out of scope for this core: the hook
	// exists so a future implementation can plug in an LLM-backed
	// summarizer without touching the Agent Loop's call sites.
}

// iterate runs the LLM + tool loop for one turn. It does not persist
// anything itself; it returns tail, the working-message delta (every
// assistant-with-tool-calls message and every role=tool result built
// across rounds, in order) for the caller to append to session history
// ahead of the final assistant turn, per spec §4.2's per-turn append
// invariant.
func (l *Loop) iterate(ctx context.Context, e types.Envelope, sessionKey string, messages []types.Message, streamID string) (finalContent string, toolCount int, usage types.Usage, providerName string, tail []types.Message, err error) {
	toolCtx := types.ToolContext{Channel: e.Channel, ChatID: e.ChatID, SessionKey: sessionKey, SenderID: e.SenderID}

	allowed := l.visibleTools(e.Channel)
	toolDefs := l.cfg.Registry.Definitions(allowed)

	maxIter := l.cfg.MaxIterations
	streamSeq := 0

	for iteration := 1; iteration <= maxIter; iteration++ {
		l.emitProgress(e, streamID, types.ProgressThinking, iteration, maxIter, "")

		req := providers.ChatRequest{
			Messages: messages,
			Tools:    toolDefs,
			Model:    l.cfg.Model,
			Options: map[string]interface{}{
				providers.OptMaxTokens:   8192,
				providers.OptTemperature: 0.7,
			},
		}

		var resp *types.LLMResponse
		var callErr error
		canStream := streamID != ""
		if canStream {
			resp, callErr = l.streamChat(ctx, e, req, &streamSeq)
		} else if len(l.cfg.FallbackChain) > 0 {
			resp, callErr = l.cfg.Pool.ChatWithFallback(ctx, req, l.cfg.FallbackChain)
		} else {
			resp, callErr = l.cfg.Pool.Get("").Chat(ctx, req)
		}
		if callErr != nil {
			return "", toolCount, usage, providerName, tail, callErr
		}

		usage.PromptTokens += resp.Usage.PromptTokens
		usage.CompletionTokens += resp.Usage.CompletionTokens
		usage.TotalTokens += resp.Usage.TotalTokens
		providerName = resp.Provider

		if !resp.HasToolCalls() {
			if canStream {
				l.publishStreamDone(e, streamID, streamSeq, resp.Content, false)
			}
			return resp.Content, toolCount, usage, providerName, tail, nil
		}
		if canStream {
			l.publishStreamDone(e, streamID, streamSeq, resp.Content, true)
		}

		assistantMsg := types.Message{
			Role:                "assistant",
			Content:             resp.Content,
			ToolCalls:           resp.ToolCalls,
			RawAssistantContent: resp.RawAssistantContent,
			Timestamp:           time.Now(),
		}
		messages = append(messages, assistantMsg)
		tail = append(tail, assistantMsg)

		toolMessages := l.runTools(ctx, e, streamID, toolCtx, resp.ToolCalls, iteration, maxIter)
		toolCount += len(toolMessages)
		messages = append(messages, toolMessages...)
		tail = append(tail, toolMessages...)
	}

	return MaxIterationsFallback, toolCount, usage, providerName, tail, nil
}

func (l *Loop) streamChat(ctx context.Context, e types.Envelope, req providers.ChatRequest, streamSeq *int) (*types.LLMResponse, error) {
	streamID := e.Metadata[types.MetaStreamID]
	var buf strings.Builder
	provider := l.cfg.Pool.Get("")
	if len(l.cfg.FallbackChain) > 0 {
		provider = l.cfg.Pool.Get(l.cfg.FallbackChain[0])
	}
	return provider.ChatStream(ctx, req, func(chunk providers.StreamChunk) {
		if chunk.Content == "" {
			return
		}
		buf.WriteString(chunk.Content)
		if buf.Len() >= streamFlushThreshold {
			*streamSeq++
			env := streamEnvelope(e, buf.String())
			env = env.WithMeta(types.MetaStreaming, "true").
				WithMeta(types.MetaStreamID, streamID).
				WithMeta(types.MetaStreamSeq, fmt.Sprintf("%d", *streamSeq))
			l.cfg.Bus.PublishOutbound(env)
		}
	})
}

func (l *Loop) publishStreamDone(e types.Envelope, streamID string, seq int, content string, hasToolCalls bool) {
	env := streamEnvelope(e, content)
	env = env.WithMeta(types.MetaStreaming, "true").
		WithMeta(types.MetaStreamID, streamID).
		WithMeta(types.MetaStreamSeq, fmt.Sprintf("%d", seq)).
		WithMeta(types.MetaStreamDone, "true").
		WithMeta(types.MetaHasToolCalls, fmt.Sprintf("%t", hasToolCalls))
	l.cfg.Bus.PublishOutbound(env)
}

// streamEnvelope builds the outbound envelope shell (channel/chat_id/
// sender/content) a streaming chunk or its terminal flush is published
// as; metadata is layered on by the caller via WithMeta.
func streamEnvelope(e types.Envelope, content string) types.Envelope {
	return types.Envelope{
		Channel:   e.Channel,
		ChatID:    e.ChatID,
		SenderID:  "agent",
		Content:   content,
		Timestamp: time.Now(),
	}
}

func (l *Loop) runTools(ctx context.Context, e types.Envelope, streamID string, toolCtx types.ToolContext, calls []types.ToolCall, iteration, maxIter int) []types.Message {
	if len(calls) == 1 {
		return []types.Message{l.runOneTool(ctx, e, streamID, toolCtx, calls[0], iteration, maxIter)}
	}

	results := make([]types.Message, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(i int, tc types.ToolCall) {
			defer wg.Done()
			results[i] = l.runOneTool(ctx, e, streamID, toolCtx, tc, iteration, maxIter)
		}(i, tc)
	}
	wg.Wait()
	return results
}

func (l *Loop) runOneTool(ctx context.Context, e types.Envelope, streamID string, toolCtx types.ToolContext, tc types.ToolCall, iteration, maxIter int) types.Message {
	l.emitProgress(e, streamID, types.ProgressToolStart, iteration, maxIter, tc.Name)
	start := time.Now()

	result := l.cfg.Registry.Execute(ctx, tc.ID, tc.Name, tc.Arguments, toolCtx)

	elapsed := time.Since(start)
	l.emitProgressElapsed(e, streamID, types.ProgressToolDone, iteration, maxIter, tc.Name, elapsed)
	if l.cfg.EventLog != nil {
		l.cfg.EventLog.LogToolCall(tc.Name, float64(elapsed.Milliseconds()), !result.IsError, errMsgIfError(result))
	}

	return types.Message{
		Role:       "tool",
		Content:    result.Content,
		ToolCallID: tc.ID,
		Name:       tc.Name,
		Timestamp:  time.Now(),
	}
}

func errMsgIfError(r *types.ToolResult) string {
	if r.IsError {
		return r.Content
	}
	return ""
}

func (l *Loop) emitProgress(e types.Envelope, streamID, progress string, iteration, maxIter int, toolName string) {
	l.emitProgressElapsed(e, streamID, progress, iteration, maxIter, toolName, 0)
}

func (l *Loop) emitProgressElapsed(e types.Envelope, streamID, progress string, iteration, maxIter int, toolName string, elapsed time.Duration) {
	if streamID == "" {
		return
	}
	env := streamEnvelope(e, "")
	env = env.WithMeta(types.MetaProgress, progress).
		WithMeta(types.MetaStreamID, streamID).
		WithMeta(types.MetaIteration, fmt.Sprintf("%d", iteration)).
		WithMeta(types.MetaMaxIterations, fmt.Sprintf("%d", maxIter))
	if toolName != "" {
		env = env.WithMeta(types.MetaToolName, toolName)
	}
	if elapsed > 0 {
		env = env.WithMeta(types.MetaElapsed, fmt.Sprintf("%.0f", elapsed.Seconds()*1000))
	}
	l.cfg.Bus.PublishOutbound(env)
}

func (l *Loop) publishReply(e types.Envelope, content string, hasToolCalls bool) {
	out := types.Envelope{
		Channel:   e.Channel,
		ChatID:    e.ChatID,
		SenderID:  "agent",
		Content:   content,
		Timestamp: time.Now(),
	}
	if key := e.Metadata[types.MetaResponseKey]; key != "" {
		out = out.WithMeta(types.MetaResponseKey, key)
	}
	l.cfg.Bus.PublishOutbound(out)
}

// visibleTools applies the gateway whitelist for non-admin channels.
func (l *Loop) visibleTools(channel string) map[string]bool {
	if l.cfg.Policy == nil || channel == "cli" {
		return nil
	}
	return tools.FilterSet(l.cfg.Registry.Names(), l.cfg.Policy.AllowForGateway)
}
