// Package app is the composition root: it constructs every component in
// leaves-first topological order and wires them together exactly as spec
// §9 describes ("the app wires: EventLog -> SessionStore, ProviderPool,
// Registry, AgentLoop; Bus -> Channels, AgentLoop, Scheduler,
// SubagentManager; ProviderPool -> AgentLoop, SubagentManager; RateLimiter
// -> AgentLoop"), then runs the process until a stop signal, shutting down
// in the exact order spec §4.10 specifies.
//
// Grounded on the teacher's cmd/gateway.go + cmd/gateway_cron.go for the
// overall "construct everything, start background loops, block on signal,
// shut down in order" shape, adapted from a cobra command body into a
// reusable struct so cmd/ stays a thin CLI wrapper.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nibot/nibot/internal/agent"
	"github.com/nibot/nibot/internal/bus"
	"github.com/nibot/nibot/internal/channels"
	"github.com/nibot/nibot/internal/channels/api"
	"github.com/nibot/nibot/internal/channels/cli"
	"github.com/nibot/nibot/internal/channels/discord"
	"github.com/nibot/nibot/internal/channels/filewatcher"
	"github.com/nibot/nibot/internal/channels/telegram"
	"github.com/nibot/nibot/internal/config"
	appcontext "github.com/nibot/nibot/internal/context"
	"github.com/nibot/nibot/internal/eventlog"
	"github.com/nibot/nibot/internal/gateway"
	httpapi "github.com/nibot/nibot/internal/http"
	"github.com/nibot/nibot/internal/providers"
	"github.com/nibot/nibot/internal/ratelimit"
	"github.com/nibot/nibot/internal/scheduler"
	filestore "github.com/nibot/nibot/internal/store/file"
	"github.com/nibot/nibot/internal/subagent"
	"github.com/nibot/nibot/internal/tools"
	"github.com/nibot/nibot/internal/types"
)

// noopMemory and noopSkills satisfy the Context Builder's collaborator
// interfaces (spec §4.9) when no memory/skills backend is configured --
// both are explicitly out of scope (spec §1's "skills/marketplace" and
// the absence of any memory-store component), so the builder still needs
// something to call.
type noopMemory struct{}

func (noopMemory) GetContext() string { return "" }

type noopSkills struct{}

func (noopSkills) AlwaysSkills() []appcontext.Skill { return nil }
func (noopSkills) BuildSummary() string             { return "" }

// App owns every long-lived component and their start/stop order.
type App struct {
	cfg *config.Config
	log *slog.Logger

	bus       *bus.MessageBus
	sessions  *filestore.Store
	pool      *providers.Pool
	registry  *tools.Registry
	policy    *tools.Policy
	limiter   *ratelimit.Limiter
	eventLog  *eventlog.Log
	builder   *appcontext.Builder
	loop      *agent.Loop
	subagents *subagent.Manager
	sched     *scheduler.Scheduler
	manager   *channels.Manager

	health *httpapi.HealthServer
	panel  *gateway.Server

	stopConfigWatch func()

	wg sync.WaitGroup
}

// New constructs every component in leaves-first order but starts nothing.
func New(cfg *config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}

	b := bus.New(cfg.Bus.QueueMaxSize, log)

	sessionsDir := config.ExpandHome(cfg.Sessions.Storage)
	sessions, err := filestore.New(sessionsDir, cfg.Sessions.MaxCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}

	defaultProviderName := cfg.Agent.Provider
	pool := providers.NewPool(defaultProviderName, log)
	if err := wireProviders(pool, cfg); err != nil {
		return nil, err
	}

	registry := tools.NewRegistry(log)
	policy := tools.NewPolicy()
	if cfg.Tools.GatewayAllow != nil {
		policy.GatewayAllow = make(map[string]bool, len(cfg.Tools.GatewayAllow))
		for _, name := range cfg.Tools.GatewayAllow {
			policy.GatewayAllow[name] = true
		}
	}
	registerBuiltinTools(registry, b, cfg)

	limiter := ratelimit.New(ratelimit.Config{
		Enabled:       cfg.RateLimit.Enabled,
		PerUserRPM:    cfg.RateLimit.PerUserRPM,
		PerChannelRPM: cfg.RateLimit.PerChannelRPM,
	})

	eventLogPath := cfg.EventLog.Path
	if eventLogPath == "" {
		eventLogPath = config.ExpandHome("~/.nibot/events.ndjson")
	}
	evLog := eventlog.New(eventLogPath, cfg.EventLog.Enabled, log)

	builder := appcontext.New(appcontext.Config{
		Workspace:      config.ExpandHome(cfg.Agent.Workspace),
		MaxMessages:    cfg.Agent.MaxHistoryMessages,
		ContextWindow:  cfg.Agent.ContextWindow,
		ContextReserve: cfg.Agent.ContextReserve,
	}, noopMemory{}, noopSkills{})

	loop := agent.New(agent.Config{
		Bus:           b,
		Sessions:      sessions,
		ContextBuild:  builder,
		Pool:          pool,
		Registry:      registry,
		Policy:        policy,
		RateLimiter:   limiter,
		EventLog:      evLog,
		MaxIterations: cfg.Agent.MaxToolIterations,
		Model:         cfg.Agent.Model,
		FallbackChain: cfg.Agent.FallbackChain,
		Log:           log,
	})

	subagents := subagent.NewManager(pool, registry, b, log)
	registry.Register(subagent.NewSpawnTool(subagents))
	registry.Register(bus.NewMessageTool(b))

	sched, err := scheduler.New(b, resolveJobs(cfg.Scheduler.Jobs), log)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	manager := channels.NewManager(b, log)
	if err := wireChannels(manager, b, cfg, log); err != nil {
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		log:       log,
		bus:       b,
		sessions:  sessions,
		pool:      pool,
		registry:  registry,
		policy:    policy,
		limiter:   limiter,
		eventLog:  evLog,
		builder:   builder,
		loop:      loop,
		subagents: subagents,
		sched:     sched,
		manager:   manager,
	}

	if cfg.Health.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Health.Host, cfg.Health.Port)
		a.health = httpapi.NewHealthServer(addr, a.snapshot, log)
	}
	if cfg.Gateway.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
		a.panel = gateway.NewServer(addr, cfg.Gateway.Token, cfg.Gateway.AllowedOrigins, log)
		a.panel.Subscribe(b, a.manager.Names())
	}

	return a, nil
}

func resolveJobs(specs []config.ScheduledJobSpec) []types.ScheduledJob {
	jobs := make([]types.ScheduledJob, len(specs))
	for i, s := range specs {
		jobs[i] = types.ScheduledJob{ID: s.ID, Cron: s.Cron, Prompt: s.Prompt, Channel: s.Channel, ChatID: s.ChatID, Enabled: s.Enabled}
	}
	return jobs
}

func wireProviders(pool *providers.Pool, cfg *config.Config) error {
	registered := false
	for name, pc := range cfg.Providers {
		if pc.APIKey == "" {
			continue
		}
		var provider providers.Provider
		if name == "anthropic" {
			provider = providers.NewAnthropicProvider(pc.APIKey)
		} else {
			provider = providers.NewOpenAIProvider(name, pc.APIKey, pc.APIBase, cfg.Agent.Model)
		}
		var quota *providers.ProviderQuota
		if pc.RPMLimit > 0 || pc.TPMLimit > 0 {
			quota = providers.NewProviderQuota(name, pc.RPMLimit, pc.TPMLimit)
		}
		pool.Register(name, provider, quota)
		registered = true
	}
	if !registered {
		return fmt.Errorf("no provider configured with an api_key")
	}
	if !pool.Has(cfg.Agent.Provider) {
		return fmt.Errorf("agent.provider %q has no matching entry in providers config", cfg.Agent.Provider)
	}
	return nil
}

func registerBuiltinTools(registry *tools.Registry, b *bus.MessageBus, cfg *config.Config) {
	workspace := config.ExpandHome(cfg.Agent.Workspace)
	registry.Register(tools.NewReadFileTool(workspace))
	registry.Register(tools.NewWriteFileTool(workspace))
	registry.Register(tools.NewShellTool(workspace, 120*time.Second))
}

func wireChannels(manager *channels.Manager, b *bus.MessageBus, cfg *config.Config, log *slog.Logger) error {
	if cfg.Channels.CLI.Enabled {
		senderID := cfg.Channels.CLI.SenderID
		if senderID == "" {
			senderID = "local"
		}
		manager.Register("cli", cli.New(b, os.Stdin, os.Stdout, senderID, log))
	}
	if cfg.Channels.Telegram.Enabled {
		ch, err := telegram.New(telegram.Config{
			Token:          cfg.Channels.Telegram.Token,
			Proxy:          cfg.Channels.Telegram.Proxy,
			AllowFrom:      cfg.Channels.Telegram.AllowFrom,
			DMPolicy:       cfg.Channels.Telegram.DMPolicy,
			GroupPolicy:    cfg.Channels.Telegram.GroupPolicy,
			RequireMention: cfg.Channels.Telegram.RequireMentionOrDefault(),
		}, b, log)
		if err != nil {
			return fmt.Errorf("create telegram channel: %w", err)
		}
		manager.Register("telegram", ch)
	}
	if cfg.Channels.Discord.Enabled {
		ch, err := discord.New(discord.Config{
			Token:          cfg.Channels.Discord.Token,
			AllowFrom:      cfg.Channels.Discord.AllowFrom,
			DMPolicy:       cfg.Channels.Discord.DMPolicy,
			GroupPolicy:    cfg.Channels.Discord.GroupPolicy,
			RequireMention: cfg.Channels.Discord.RequireMentionOrDefault(),
		}, b, log)
		if err != nil {
			return fmt.Errorf("create discord channel: %w", err)
		}
		manager.Register("discord", ch)
	}
	if cfg.Channels.API.Enabled {
		manager.Register("api", api.New(api.Config{
			Host:             cfg.Channels.API.Host,
			Port:             cfg.Channels.API.Port,
			AuthTokens:       cfg.Channels.API.AuthTokens,
			MaxTimeout:       time.Duration(cfg.Channels.API.TimeoutSeconds) * time.Second,
			RateLimitMaxKeys: cfg.Channels.API.RateLimitMaxKeys,
			RateLimitWindow:  time.Duration(cfg.Channels.API.RateLimitWindow) * time.Second,
			RateLimitMaxHits: cfg.Channels.API.RateLimitMaxHits,
		}, b, log))
	}
	if cfg.Channels.FileWatcher.Enabled {
		watchDir := config.ExpandHome(cfg.Channels.FileWatcher.WatchDir)
		manager.Register("filewatcher", filewatcher.New(filewatcher.Config{
			WatchDir:      watchDir,
			OutputDir:     config.ExpandHome(cfg.Channels.FileWatcher.OutputDir),
			PollInterval:  time.Duration(cfg.Channels.FileWatcher.PollIntervalSecs) * time.Second,
			Tasks:         cfg.Channels.FileWatcher.Tasks,
			NotifyChannel: cfg.Channels.FileWatcher.NotifyChannel,
			NotifyChatID:  cfg.Channels.FileWatcher.NotifyChatID,
			StatePath:     filepath.Join(watchDir, ".nibot_filewatcher_state.json"),
		}, b, log))
	}
	return nil
}

func (a *App) snapshot() httpapi.Snapshot {
	providerHealth := make(map[string]httpapi.ProviderHealth)
	for name := range a.cfg.Providers {
		q := a.pool.Quota(name)
		providerHealth[name] = httpapi.ProviderHealth{
			Available: q == nil || q.IsAvailable(),
			RPMLimit:  a.cfg.Providers[name].RPMLimit,
		}
	}
	return httpapi.Snapshot{
		Model:          a.cfg.Agent.Model,
		Channels:       a.manager.Names(),
		ActiveSessions: a.sessions.CacheSize(),
		ActiveTasks:    len(a.subagents.ListActive()),
		SchedulerJobs:  len(a.sched.ListJobs()),
		Providers:      providerHealth,
	}
}

// Run starts every component and blocks until ctx is cancelled, then
// shuts down in spec §4.10's exact order.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.health != nil {
		a.health.Start()
	}
	if a.panel != nil {
		a.panel.Start()
	}

	a.wg.Add(1)
	go func() { defer a.wg.Done(); a.bus.DispatchOutbound(runCtx) }()

	a.wg.Add(1)
	go func() { defer a.wg.Done(); a.loop.Run(runCtx) }()

	a.wg.Add(1)
	go func() { defer a.wg.Done(); a.sched.Run(runCtx) }()

	a.manager.StartAll(runCtx)

	<-ctx.Done()
	return a.shutdown(cancel)
}

// shutdown implements spec §4.10's exact order: (1) stop health/gateway
// servers, (2) stop the Agent Loop/Bus/Scheduler/every channel, (3) await
// outstanding agent handler tasks up to 30s then give up waiting, (4)
// await outstanding subagent tasks up to 30s then give up waiting, (5)
// cancel the top-level run context's goroutines and gather.
func (a *App) shutdown(cancelRun context.CancelFunc) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// (1) stop servers first so no new client traffic arrives mid-drain.
	if a.health != nil {
		if err := a.health.Stop(shutdownCtx); err != nil {
			a.log.Warn("health server shutdown error", "error", err)
		}
	}
	if a.panel != nil {
		if err := a.panel.Stop(shutdownCtx); err != nil {
			a.log.Warn("gateway server shutdown error", "error", err)
		}
	}

	// (2) stop intake: cancelling the run context stops the loop's inbound
	// consumption, the bus dispatcher, the scheduler tick and every
	// channel's run loop all at once, before any drain wait begins.
	a.bus.Stop()
	a.manager.StopAll(shutdownCtx)
	cancelRun()

	// (3) await in-flight agent handler turns.
	a.loop.Wait(30 * time.Second)

	// (4) await in-flight subagent tasks, polling since Manager exposes
	// only a snapshot of active task IDs, not a wait primitive.
	deadline := time.Now().Add(30 * time.Second)
	for len(a.subagents.ListActive()) > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if n := len(a.subagents.ListActive()); n > 0 {
		a.log.Warn("subagent tasks still running after shutdown deadline", "count", n)
	}

	// (5) gather: join the top-level run goroutines.
	done := make(chan struct{})
	go func() { a.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		a.log.Warn("background loops did not stop promptly after cancellation")
	}

	if a.stopConfigWatch != nil {
		a.stopConfigWatch()
	}
	return nil
}
