// Package http serves the process health surface: spec §6's `GET /health`
// JSON shape, the only HTTP endpoint this framework specifies. Grounded on
// the teacher's internal/http package for the plain net/http server
// lifecycle (ListenAndServe in a goroutine, Shutdown with a bounded
// context on stop) with every admin-CRUD handler (agents, providers, MCP,
// channel instances, summoner) dropped — those back a multi-tenant admin
// panel with no SPEC_FULL.md component (see DESIGN.md).
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Status is the health response's top-level state (spec §6).
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusStopped  Status = "stopped"
)

// ProviderHealth is one entry of the optional providers map.
type ProviderHealth struct {
	Available bool `json:"available"`
	RPMLimit  int  `json:"rpm_limit"`
}

// Snapshot is everything the handler needs to answer one /health request.
// Source returns a fresh Snapshot on every call so the response always
// reflects live state rather than a value captured at server-start time.
type Snapshot struct {
	Model           string
	Channels        []string
	ActiveSessions  int
	ActiveTasks     int
	SchedulerJobs   int
	Providers       map[string]ProviderHealth
}

// SnapshotFunc produces a live Snapshot; the app composition root wires a
// closure that reads the current state of every running component.
type SnapshotFunc func() Snapshot

type healthResponse struct {
	Status         Status                    `json:"status"`
	UptimeSeconds  float64                   `json:"uptime_seconds"`
	Model          string                    `json:"model"`
	Channels       []string                  `json:"channels"`
	ActiveSessions int                       `json:"active_sessions"`
	ActiveTasks    int                       `json:"active_tasks"`
	SchedulerJobs  int                       `json:"scheduler_jobs"`
	Providers      map[string]ProviderHealth `json:"providers,omitempty"`
}

// HealthServer serves GET /health and 404s everything else, per spec §6.
type HealthServer struct {
	srv      *http.Server
	snapshot SnapshotFunc
	start    time.Time
	stopped  atomic.Bool
	log      *slog.Logger
}

// NewHealthServer constructs a server bound to addr. snapshot is called
// fresh on every request.
func NewHealthServer(addr string, snapshot SnapshotFunc, log *slog.Logger) *HealthServer {
	if log == nil {
		log = slog.Default()
	}
	h := &HealthServer{snapshot: snapshot, start: time.Now(), log: log}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	h.srv = &http.Server{Addr: addr, Handler: mux}
	return h
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/health" {
		http.NotFound(w, r)
		return
	}

	status := StatusOK
	if h.stopped.Load() {
		status = StatusStopped
	}

	snap := h.snapshot()
	resp := healthResponse{
		Status:         status,
		UptimeSeconds:  time.Since(h.start).Seconds(),
		Model:          snap.Model,
		Channels:       snap.Channels,
		ActiveSessions: snap.ActiveSessions,
		ActiveTasks:    snap.ActiveTasks,
		SchedulerJobs:  snap.SchedulerJobs,
		Providers:      snap.Providers,
	}
	if resp.Channels == nil {
		resp.Channels = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Warn("health response encode failed", "error", err)
	}
}

// Start begins serving in the background. A failure after the server is
// up (anything other than the expected ErrServerClosed on Stop) is logged
// since nothing awaits ListenAndServe's error directly.
func (h *HealthServer) Start() {
	go func() {
		if err := h.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.log.Error("health server stopped unexpectedly", "error", err)
		}
	}()
}

// Stop marks the server stopped for any in-flight request and
// shuts it down within the given context's deadline (spec §4.10 step 1).
func (h *HealthServer) Stop(ctx context.Context) error {
	h.stopped.Store(true)
	if err := h.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("health server shutdown: %w", err)
	}
	return nil
}
