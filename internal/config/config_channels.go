package config

// ChannelsConfig contains per-channel configuration. Only the channel
// adapters this framework actually wires (spec §1 lists channel adapters
// as an external collaborator; SPEC_FULL.md names cli/telegram/discord/api
// as the concrete instances) get a config section — the teacher's
// whatsapp/zalo/feishu/slack blocks were dropped along with those
// packages (see DESIGN.md Channels section).
type ChannelsConfig struct {
	CLI         CLIConfig         `json:"cli"`
	Telegram    TelegramConfig    `json:"telegram"`
	Discord     DiscordConfig     `json:"discord"`
	API         APIConfig         `json:"api"`
	FileWatcher FileWatcherConfig `json:"filewatcher"`
}

// FileWatcherConfig enables the directory-polling channel (spec §1's
// "file-watchers" front-end, exercised by §6's source_file/task_type
// metadata). Each subdirectory of WatchDir names a task type; its prompt
// prefix comes from Tasks[name]; root-level files carry no task type.
type FileWatcherConfig struct {
	Enabled          bool              `json:"enabled"`
	WatchDir         string            `json:"watch_dir"`
	OutputDir        string            `json:"output_dir,omitempty"`
	PollIntervalSecs int               `json:"poll_interval_seconds,omitempty"`
	Tasks            map[string]string `json:"tasks,omitempty"`
	NotifyChannel    string            `json:"notify_channel,omitempty"`
	NotifyChatID     string            `json:"notify_chat_id,omitempty"`
}

// APIConfig enables the synchronous HTTP request/response channel (spec
// §4.1). AuthTokens empty means the endpoint accepts unauthenticated
// requests; set at least one token before exposing it past localhost.
type APIConfig struct {
	Enabled          bool     `json:"enabled"`
	Host             string   `json:"host,omitempty"`
	Port             int      `json:"port,omitempty"`
	AuthTokens       []string `json:"auth_tokens,omitempty"`
	TimeoutSeconds   int      `json:"timeout_seconds,omitempty"` // cap on a caller-requested wait, default 60
	RateLimitMaxKeys int      `json:"rate_limit_max_keys,omitempty"`
	RateLimitWindow  int      `json:"rate_limit_window_seconds,omitempty"`
	RateLimitMaxHits int      `json:"rate_limit_max_hits,omitempty"`
}

// CLIConfig enables the stdin/stdout channel, primarily for local
// development and the testable-properties harness.
type CLIConfig struct {
	Enabled  bool   `json:"enabled"`
	SenderID string `json:"sender_id,omitempty"` // default "local"
}

type TelegramConfig struct {
	Enabled        bool                `json:"enabled"`
	Token          string              `json:"token"`
	Proxy          string              `json:"proxy,omitempty"`
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	DMPolicy       string              `json:"dm_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	GroupPolicy    string              `json:"group_policy,omitempty"` // "open" (default), "allowlist", "disabled"
	RequireMention *bool               `json:"require_mention,omitempty"`
}

func (c TelegramConfig) RequireMentionOrDefault() bool {
	return c.RequireMention == nil || *c.RequireMention
}

type DiscordConfig struct {
	Enabled        bool                `json:"enabled"`
	Token          string              `json:"token"`
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	DMPolicy       string              `json:"dm_policy,omitempty"`
	GroupPolicy    string              `json:"group_policy,omitempty"`
	RequireMention *bool               `json:"require_mention,omitempty"`
}

func (c DiscordConfig) RequireMentionOrDefault() bool {
	return c.RequireMention == nil || *c.RequireMention
}

// ProvidersConfig maps provider name to its credentials and quota, keyed
// by the names the Provider Pool (spec §4.3) resolves against.
type ProvidersConfig map[string]ProviderConfig

type ProviderConfig struct {
	APIKey   string `json:"api_key"`
	APIBase  string `json:"api_base,omitempty"`
	RPMLimit int    `json:"rpm_limit,omitempty"`
	TPMLimit int    `json:"tpm_limit,omitempty"`
}

// HasAnyProvider returns true if at least one provider has an API key
// configured.
func (c *Config) HasAnyProvider() bool {
	for _, p := range c.Providers {
		if p.APIKey != "" {
			return true
		}
	}
	return false
}

// ToolsConfig controls tool availability and the exec-approval policy
// (spec's "tool catalog implementations" are out of scope; this is the
// policy surface the Agent Loop's tools.Policy is built from).
type ToolsConfig struct {
	GatewayAllow []string        `json:"gateway_allow,omitempty"` // nil = advertise every registered tool
	ExecApproval ExecApprovalCfg `json:"exec_approval,omitempty"`
}

// ExecApprovalCfg holds command execution approval settings. The shell
// tool does not read them: it applies only its built-in deny patterns.
type ExecApprovalCfg struct {
	Security  string   `json:"security,omitempty"`  // "deny", "allowlist", "full" (default "allowlist")
	Ask       string   `json:"ask,omitempty"`       // "off", "on-miss", "always" (default "off")
	Allowlist []string `json:"allowlist,omitempty"` // glob patterns for allowed commands
}
