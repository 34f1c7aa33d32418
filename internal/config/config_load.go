package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error: Default() plus env overrides is a valid config for
// local development (spec's single-agent CLI channel needs no file at all).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Provider API keys
// and channel tokens are never read from the file's own defaults — only
// from env or an explicit config value — matching spec's "secrets never
// embedded in the JSON file" stance.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("NIBOT_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("NIBOT_DISCORD_TOKEN", &c.Channels.Discord.Token)
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}

	if c.Providers == nil {
		c.Providers = make(ProvidersConfig)
	}
	for _, name := range []string{"anthropic", "openai", "openrouter", "groq", "deepseek", "gemini", "mistral", "xai"} {
		envKey := "NIBOT_" + strings.ToUpper(name) + "_API_KEY"
		if v := os.Getenv(envKey); v != "" {
			p := c.Providers[name]
			p.APIKey = v
			c.Providers[name] = p
		}
	}

	envStr("NIBOT_PROVIDER", &c.Agent.Provider)
	envStr("NIBOT_MODEL", &c.Agent.Model)
	envStr("NIBOT_WORKSPACE", &c.Agent.Workspace)
	envStr("NIBOT_SESSIONS_STORAGE", &c.Sessions.Storage)
	envStr("NIBOT_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("NIBOT_GATEWAY_HOST", &c.Gateway.Host)

	if v := os.Getenv("NIBOT_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	if v := os.Getenv("NIBOT_HEALTH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Health.Port = port
		}
	}
}

// Validate aggregates every configuration problem into a single
// ConfigError rather than failing on the first one, per spec §7's "Config
// errors at startup ... collected into one aggregate ... process fails
// fast" and the ambient-stack convention of one ConfigError multi-error.
func (c *Config) Validate() error {
	var errs ConfigError

	if c.Agent.Provider == "" {
		errs = append(errs, fmt.Errorf("agent.provider must be set"))
	}
	if c.Agent.Model == "" {
		errs = append(errs, fmt.Errorf("agent.model must be set"))
	}
	if c.Agent.MaxToolIterations <= 0 {
		errs = append(errs, fmt.Errorf("agent.max_tool_iterations must be positive"))
	}
	if !c.HasAnyProvider() {
		errs = append(errs, fmt.Errorf("no provider has an api_key configured"))
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		errs = append(errs, fmt.Errorf("channels.telegram.enabled but no token configured"))
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.Token == "" {
		errs = append(errs, fmt.Errorf("channels.discord.enabled but no token configured"))
	}
	if c.Channels.API.Enabled && c.Channels.API.Port <= 0 {
		errs = append(errs, fmt.Errorf("channels.api.enabled but no port configured"))
	}
	if c.Channels.FileWatcher.Enabled && c.Channels.FileWatcher.WatchDir == "" {
		errs = append(errs, fmt.Errorf("channels.filewatcher.enabled but no watch_dir configured"))
	}
	for _, job := range c.Scheduler.Jobs {
		if job.Cron == "" {
			errs = append(errs, fmt.Errorf("scheduler job %q has an empty cron expression", job.ID))
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ConfigError aggregates every validation failure found at startup.
type ConfigError []error

func (e ConfigError) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 prefix of the config, for optimistic concurrency
// on the admin write-back surface the Scheduler's live-edit ops depend on.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// Watch reloads the config from path whenever it changes on disk and
// invokes onReload with the freshly-loaded value. Errors reading or
// parsing a changed file are logged by the caller via onError and the
// previous in-memory config is left untouched, so a bad edit never tears
// down a running process (SPEC_FULL §3's "ambient mechanics of how
// config is loaded"). Watch returns at once; the watch runs in a
// background goroutine until the returned stop function is called.
func Watch(path string, onReload func(*Config), onError func(error)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					if onError != nil {
						onError(err)
					}
					continue
				}
				if err := cfg.Validate(); err != nil {
					if onError != nil {
						onError(err)
					}
					continue
				}
				onReload(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
