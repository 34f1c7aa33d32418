package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nibot/nibot/internal/types"
)

// OpenAIProvider implements Provider for OpenAI-compatible chat-completions
// APIs (OpenAI, OpenRouter, DeepSeek, Groq, local vLLM, ...). Adapted from
// internal/providers/openai.go, trimmed to the chat-completions subset
// this framework needs (no function-calling-mode toggle, no MiniMax
// native-path override).
type OpenAIProvider struct {
	name         string
	apiKey       string
	apiBase      string
	defaultModel string
	client       *http.Client
	retryConfig  RetryConfig
}

// NewOpenAIProvider constructs an OpenAI-compatible provider. An empty
// apiBase defaults to the official OpenAI endpoint.
func NewOpenAIProvider(name, apiKey, apiBase, defaultModel string) *OpenAIProvider {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		name:         name,
		apiKey:       apiKey,
		apiBase:      strings.TrimRight(apiBase, "/"),
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 120 * time.Second},
		retryConfig:  DefaultRetryConfig(),
	}
}

func (p *OpenAIProvider) Name() string         { return p.name }
func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*types.LLMResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	body := p.buildRequestBody(model, req, false)

	return RetryDo(ctx, p.retryConfig, func() (*types.LLMResponse, error) {
		respBody, rl, err := p.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var oaiResp openAIResponse
		if err := json.NewDecoder(respBody).Decode(&oaiResp); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
		}
		out := p.parseResponse(&oaiResp)
		out.RatelimitInfo = rl
		out.Provider = p.name
		out.Model = model
		return out, nil
	})
}

func (p *OpenAIProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*types.LLMResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	body := p.buildRequestBody(model, req, true)

	type connResult struct {
		body io.ReadCloser
		rl   *types.RateLimitInfo
	}
	conn, err := RetryDo(ctx, p.retryConfig, func() (connResult, error) {
		b, rl, err := p.doRequest(ctx, body)
		return connResult{b, rl}, err
	})
	if err != nil {
		return nil, err
	}
	defer conn.body.Close()

	result := &types.LLMResponse{FinishReason: types.FinishStop, Provider: p.name, Model: model, RatelimitInfo: conn.rl}
	names := make(map[int]string)
	args := make(map[int]string)
	ids := make(map[int]string)
	order := make([]int, 0, 4)

	scanner := bufio.NewScanner(conn.body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			result.Content += delta.Content
			if onChunk != nil {
				onChunk(StreamChunk{Content: delta.Content})
			}
		}
		for _, tc := range delta.ToolCalls {
			if _, seen := names[tc.Index]; !seen {
				order = append(order, tc.Index)
			}
			if tc.ID != "" {
				ids[tc.Index] = tc.ID
			}
			if tc.Function.Name != "" {
				names[tc.Index] = tc.Function.Name
			}
			args[tc.Index] += tc.Function.Arguments
		}
		if fr := chunk.Choices[0].FinishReason; fr != "" {
			result.FinishReason = mapOpenAIFinishReason(fr)
		}
		if chunk.Usage != nil {
			result.Usage = types.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
	}

	for _, idx := range order {
		parsed := make(map[string]interface{})
		_ = json.Unmarshal([]byte(args[idx]), &parsed)
		result.ToolCalls = append(result.ToolCalls, types.ToolCall{ID: ids[idx], Name: names[idx], Arguments: parsed})
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = types.FinishToolCalls
	}
	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return result, nil
}

func (p *OpenAIProvider) buildRequestBody(model string, req ChatRequest, stream bool) map[string]interface{} {
	var messages []map[string]interface{}
	for _, msg := range req.Messages {
		m := map[string]interface{}{"role": msg.Role}
		if len(msg.Images) > 0 && msg.Role == "user" {
			var parts []map[string]interface{}
			if msg.Content != "" {
				parts = append(parts, map[string]interface{}{"type": "text", "text": msg.Content})
			}
			for _, img := range msg.Images {
				parts = append(parts, map[string]interface{}{
					"type":      "image_url",
					"image_url": map[string]interface{}{"url": "data:" + img.MimeType + ";base64," + img.Data},
				})
			}
			m["content"] = parts
		} else {
			m["content"] = msg.Content
		}
		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			var tcs []map[string]interface{}
			for _, tc := range msg.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Arguments)
				tcs = append(tcs, map[string]interface{}{
					"id":       tc.ID,
					"type":     "function",
					"function": map[string]interface{}{"name": tc.Name, "arguments": string(argsJSON)},
				})
			}
			m["tool_calls"] = tcs
		}
		if msg.Role == "tool" {
			m["tool_call_id"] = msg.ToolCallID
			m["name"] = msg.Name
		}
		messages = append(messages, m)
	}

	body := map[string]interface{}{
		"model":    model,
		"messages": messages,
	}
	if stream {
		body["stream"] = true
		body["stream_options"] = map[string]interface{}{"include_usage": true}
	}
	if len(req.Tools) > 0 {
		var tools []map[string]interface{}
		for _, t := range req.Tools {
			tools = append(tools, map[string]interface{}{
				"type": "function",
				"function": map[string]interface{}{
					"name":        t.Function.Name,
					"description": t.Function.Description,
					"parameters":  CleanSchemaForProvider(p.name, t.Function.Parameters),
				},
			})
		}
		body["tools"] = tools
	}
	if v, ok := req.Options[OptMaxTokens]; ok {
		body["max_tokens"] = v
	}
	if v, ok := req.Options[OptTemperature]; ok {
		body["temperature"] = v
	}
	return body
}

func (p *OpenAIProvider) doRequest(ctx context.Context, body interface{}) (io.ReadCloser, *types.RateLimitInfo, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.apiBase+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: request failed: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		retryAfter := ParseRetryAfter(resp.Header.Get("Retry-After"))
		if resp.StatusCode == 429 {
			return nil, nil, &RateLimitError{RetryAfter: retryAfter, Message: fmt.Sprintf("%s: HTTP 429: %s", p.name, string(respBody))}
		}
		return nil, nil, &HTTPError{Status: resp.StatusCode, Body: string(respBody), RetryAfter: retryAfter}
	}

	rl := parseOpenAIRateLimitHeaders(resp.Header)
	return resp.Body, rl, nil
}

func parseOpenAIRateLimitHeaders(h http.Header) *types.RateLimitInfo {
	info := &types.RateLimitInfo{}
	found := false
	if v := h.Get("x-ratelimit-remaining-requests"); v != "" {
		if n, err := parseIntHeader(v); err == nil {
			info.RemainingRequests = &n
			found = true
		}
	}
	if v := h.Get("x-ratelimit-remaining-tokens"); v != "" {
		if n, err := parseIntHeader(v); err == nil {
			info.RemainingTokens = &n
			found = true
		}
	}
	if !found {
		return nil
	}
	return info
}

func (p *OpenAIProvider) parseResponse(resp *openAIResponse) *types.LLMResponse {
	result := &types.LLMResponse{}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		result.Content = choice.Message.Content
		for _, tc := range choice.Message.ToolCalls {
			args := make(map[string]interface{})
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			result.ToolCalls = append(result.ToolCalls, types.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
		}
		result.FinishReason = mapOpenAIFinishReason(choice.FinishReason)
	}
	if resp.Usage != nil {
		result.Usage = types.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return result
}

func mapOpenAIFinishReason(r string) string {
	switch r {
	case "tool_calls":
		return types.FinishToolCalls
	case "length":
		return types.FinishLength
	case "stop", "":
		return types.FinishStop
	default:
		return types.FinishStop
	}
}

// --- wire types ---

type openAIResponse struct {
	Choices []openAIChoice    `json:"choices"`
	Usage   *openAIUsage      `json:"usage,omitempty"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIMessage struct {
	Content   string             `json:"content"`
	ToolCalls []openAIToolCall   `json:"tool_calls,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string                    `json:"content,omitempty"`
			ToolCalls []openAIStreamToolCallDelta `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage,omitempty"`
}

type openAIStreamToolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}
