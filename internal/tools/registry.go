package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nibot/nibot/internal/providers"
	"github.com/nibot/nibot/internal/types"
)

// Registry holds every Tool known to the process and executes calls on
// the Agent Loop and Subagent Manager's behalf. Grounded on
// original_source/nibot/registry.py's ToolRegistry: execute() always
// returns a *ToolResult, converting a panic or error into
// is_error=true content so callers never observe a raw tool failure.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	log   *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{tools: make(map[string]Tool), log: log}
}

// Register adds a tool, replacing any existing tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns every registered tool name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	return names
}

// Definitions returns the provider-facing tool schema for every tool whose
// name is in allow (nil allow means every registered tool).
func (r *Registry) Definitions(allow map[string]bool) []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []providers.ToolDefinition
	for name, t := range r.tools {
		if allow != nil && !allow[name] {
			continue
		}
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute runs name with args, always returning a ToolResult: an unknown
// tool, a tool panic, or a returned error all become is_error=true content
// rather than propagating. Duration and success are logged as a tool_call
// event by the caller (the Agent Loop), which times the call around this
// method.
func (r *Registry) Execute(ctx context.Context, callID, name string, args map[string]interface{}, tc types.ToolContext) (result *types.ToolResult) {
	t, ok := r.Get(name)
	if !ok {
		return &types.ToolResult{CallID: callID, Name: name, Content: fmt.Sprintf("Error: unknown tool %q", name), IsError: true}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("tool panicked", "tool", name, "panic", rec)
			result = &types.ToolResult{CallID: callID, Name: name, Content: fmt.Sprintf("Error: %v", rec), IsError: true}
		}
	}()

	if cr, ok := t.(ContextReceiver); ok {
		cr.ReceiveContext(tc)
	}

	start := time.Now()
	res, err := t.Execute(ctx, tc, args)
	elapsed := time.Since(start)
	if err != nil {
		r.log.Warn("tool returned error", "tool", name, "elapsed_ms", elapsed.Milliseconds(), "error", err)
		return &types.ToolResult{CallID: callID, Name: name, Content: fmt.Sprintf("Error: %s", err), IsError: true}
	}
	return &types.ToolResult{CallID: callID, Name: name, Content: res.Content, IsError: res.IsError}
}
