// Package providers implements the LLM Provider capability interface and
// the multi-provider failover pool (spec §4.3), grounded on the teacher's
// internal/providers package (types.go, anthropic.go, openai.go) and, for
// the pool/quota layer, on original_source/nibot/provider_pool.py.
package providers

import (
	"context"

	"github.com/nibot/nibot/internal/types"
)

// Provider is the capability interface every LLM backend implements
// (spec §9's "{chat, chat_stream?}" capability set).
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*types.LLMResponse, error)
	ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*types.LLMResponse, error)
	DefaultModel() string
	Name() string
}

// Option keys recognized in ChatRequest.Options.
const (
	OptMaxTokens     = "max_tokens"
	OptTemperature   = "temperature"
	OptThinkingLevel = "thinking_level"
)

// ChatRequest is the input to a Chat/ChatStream call.
type ChatRequest struct {
	Messages []types.Message
	Tools    []ToolDefinition
	Model    string
	Options  map[string]interface{}
}

// StreamChunk is one piece of a streaming response: either a text
// fragment, a thinking fragment, or (Done=true) a signal that the final
// *types.LLMResponse returned by ChatStream is ready.
type StreamChunk struct {
	Content  string
	Thinking string
	Done     bool
}

// ToolDefinition describes a tool available to the LLM.
type ToolDefinition struct {
	Type     string
	Function ToolFunctionSchema
}

// ToolFunctionSchema is the JSON-Schema shape of one tool.
type ToolFunctionSchema struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// CleanSchemaForProvider strips JSON-Schema fields a given vendor's tool
// API rejects. Only "additionalProperties" is stripped, and only for
// "gemini"; every other provider gets the schema unchanged. A nil schema
// becomes an empty object schema.
func CleanSchemaForProvider(provider string, params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if provider == "gemini" && k == "additionalProperties" {
			continue
		}
		out[k] = v
	}
	return out
}
