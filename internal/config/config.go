// Package config loads and hot-reloads the process configuration: agent
// defaults, provider credentials/quotas, channel adapters, the rate
// limiter, the scheduler's durable job list, and the gateway/health
// servers. Grounded on the teacher's internal/config/config.go for the
// JSON5-plus-env-override loading shape and the sync.RWMutex-guarded root
// struct, trimmed to a single-agent-per-process framework: the teacher's
// multi-tenant agent-binding resolution, managed-mode Postgres config, and
// Tailscale tsnet listener have no SPEC_FULL.md component to serve and are
// dropped (see DESIGN.md).
package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON, matching
// allow-list fields that may carry numeric chat/user ids.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the nibot gateway process.
type Config struct {
	Bus       BusConfig       `json:"bus"`
	Agent     AgentConfig     `json:"agent"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Gateway   GatewayConfig   `json:"gateway"`
	Health    HealthConfig    `json:"health"`
	Tools     ToolsConfig     `json:"tools"`
	Subagents SubagentsConfig `json:"subagents"`
	Sessions  SessionsConfig  `json:"sessions"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Scheduler SchedulerConfig `json:"scheduler"`
	EventLog  EventLogConfig  `json:"event_log"`

	mu sync.RWMutex
}

// BusConfig controls the inbound/outbound queue capacity (spec §4.1).
type BusConfig struct {
	QueueMaxSize int `json:"queue_maxsize"` // 0 = no configured bound (bus.New then buffers 10000 per queue)
}

// AgentConfig carries the single agent's defaults (spec §4.2).
type AgentConfig struct {
	Workspace          string   `json:"workspace"`
	Provider           string   `json:"provider"`
	Model              string   `json:"model"`
	MaxTokens          int      `json:"max_tokens"`
	Temperature        float64  `json:"temperature"`
	MaxToolIterations  int      `json:"max_tool_iterations"`
	ContextWindow      int      `json:"context_window"`
	ContextReserve     int      `json:"context_reserve"`
	MaxHistoryMessages int      `json:"max_history_messages"`
	FallbackChain      []string `json:"fallback_chain,omitempty"`
}

// SubagentsConfig holds subagent settings (spec §4.4). These values are
// parsed but not passed to subagent.Manager, which runs every spawn
// without a concurrency cap, retains the 100 most recently completed
// TaskInfo records, and applies a 30-minute timeout when a spawn sets
// none.
type SubagentsConfig struct {
	MaxConcurrent  int `json:"max_concurrent"`
	MaxHistory     int `json:"max_history"`
	DefaultTimeout int `json:"default_timeout_seconds"`
}

// RateLimitConfig configures the sliding-window admit check (spec §4.7).
type RateLimitConfig struct {
	Enabled       bool `json:"enabled"`
	PerUserRPM    int  `json:"per_user_rpm"`
	PerChannelRPM int  `json:"per_channel_rpm"`
}

// SchedulerConfig is the durable job list (spec §4.6). ScheduledJobSpec
// mirrors types.ScheduledJob's JSON shape exactly so the file can be
// written back by an admin tool without translation.
type SchedulerConfig struct {
	Jobs []ScheduledJobSpec `json:"jobs,omitempty"`
}

type ScheduledJobSpec struct {
	ID      string `json:"id"`
	Cron    string `json:"cron"`
	Prompt  string `json:"prompt"`
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
	Enabled bool   `json:"enabled"`
}

// EventLogConfig controls the append-only NDJSON event log (spec §4.8).
type EventLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SessionsConfig controls the file-backed session store (spec §4.5).
type SessionsConfig struct {
	Storage      string `json:"storage"`
	MaxCacheSize int    `json:"max_cache_size"` // default 200
}

// GatewayConfig controls the minimal web-panel WebSocket broadcaster.
type GatewayConfig struct {
	Enabled        bool     `json:"enabled"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"token,omitempty"` // bearer token, env-overridable
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// HealthConfig controls the /health endpoint server (SPEC_FULL §3).
type HealthConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Bus: BusConfig{QueueMaxSize: 0},
		Agent: AgentConfig{
			Workspace:          "~/.nibot/workspace",
			Provider:           "anthropic",
			Model:              "claude-sonnet-4-5-20250929",
			MaxTokens:          8192,
			Temperature:        0.7,
			MaxToolIterations:  20,
			ContextWindow:      200000,
			ContextReserve:     4096,
			MaxHistoryMessages: 50,
		},
		Subagents: SubagentsConfig{
			MaxConcurrent:  20,
			MaxHistory:     200,
			DefaultTimeout: 600,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{DMPolicy: "open", GroupPolicy: "open", RequireMention: boolPtr(true)},
			Discord:  DiscordConfig{DMPolicy: "open", GroupPolicy: "open", RequireMention: boolPtr(true)},
			CLI:      CLIConfig{Enabled: true},
			API:      APIConfig{Host: "127.0.0.1", Port: 18792, TimeoutSeconds: 60, RateLimitMaxKeys: 4096, RateLimitWindow: 60, RateLimitMaxHits: 30},
		},
		Gateway: GatewayConfig{Host: "0.0.0.0", Port: 18790},
		Health:  HealthConfig{Enabled: true, Host: "0.0.0.0", Port: 18791},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			PerUserRPM:    20,
			PerChannelRPM: 60,
		},
		Sessions: SessionsConfig{
			Storage:      "~/.nibot/sessions",
			MaxCacheSize: 200,
		},
		Tools: ToolsConfig{
			ExecApproval: ExecApprovalCfg{Security: "allowlist", Ask: "off"},
		},
	}
}

func boolPtr(b bool) *bool { return &b }

// ReplaceFrom atomically swaps in the contents of src under the write
// lock, for hot-reload.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Bus = src.Bus
	c.Agent = src.Agent
	c.Channels = src.Channels
	c.Providers = src.Providers
	c.Gateway = src.Gateway
	c.Health = src.Health
	c.Tools = src.Tools
	c.Subagents = src.Subagents
	c.Sessions = src.Sessions
	c.RateLimit = src.RateLimit
	c.Scheduler = src.Scheduler
	c.EventLog = src.EventLog
}

// Snapshot returns a shallow copy safe for read-only use outside the lock.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := *c
	cp.mu = sync.RWMutex{}
	return cp
}
