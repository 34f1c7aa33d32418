// Package api implements the HTTP API channel (spec §4.1's "synchronous
// request/response pattern required by the HTTP API channel"): unlike
// the push-based Telegram/Discord adapters, a caller here blocks on its
// own HTTP request until the Agent Loop's reply resolves the same
// request's response waiter, or the request times out.
//
// Grounded on original_source/nibot/channels/api.py (APIChannel) for the
// handle-request/resolve-via-response-key shape and
// original_source/nibot/webhook_server.py for the routing, translated
// into an idiomatic net/http server matching the teacher's
// internal/gateway/server.go lifecycle (ListenAndServe in a goroutine,
// Shutdown(ctx) on Stop) rather than the original's hand-rolled
// asyncio.start_server line parser.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nibot/nibot/internal/bus"
	"github.com/nibot/nibot/internal/channels"
	"github.com/nibot/nibot/internal/ratelimit"
	"github.com/nibot/nibot/internal/types"
)

// DefaultTimeout is the wait cap when Config.MaxTimeout is unset. A request
// that omits timeout_seconds waits for the full cap.
const DefaultTimeout = 60 * time.Second

// Channel is the HTTP API adapter: POST /api/chat publishes an inbound
// envelope carrying a response_key and blocks for the matching outbound
// reply.
type Channel struct {
	*channels.BaseChannel

	addr        string
	authTokens  map[string]bool
	maxTimeout  time.Duration
	limiter     *ratelimit.WebhookLimiter
	log         *slog.Logger

	httpServer *http.Server
}

// Config configures the API channel's HTTP surface and admission
// controls.
type Config struct {
	Host       string
	Port       int
	AuthTokens []string
	MaxTimeout time.Duration // 0 = DefaultTimeout cap

	// Ingress throttle, independent of the per-user/per-channel sliding
	// window the Agent Loop applies to every channel: this one guards the
	// raw HTTP listener against an unauthenticated or misbehaving caller
	// opening many requests before content-level limits ever see them.
	RateLimitMaxKeys int
	RateLimitWindow  time.Duration
	RateLimitMaxHits int
}

// New constructs the API channel. It does not start listening until
// Start is called.
func New(cfg Config, b *bus.MessageBus, log *slog.Logger) *Channel {
	if log == nil {
		log = slog.Default()
	}
	maxTimeout := cfg.MaxTimeout
	if maxTimeout <= 0 {
		maxTimeout = DefaultTimeout
	}
	tokens := make(map[string]bool, len(cfg.AuthTokens))
	for _, t := range cfg.AuthTokens {
		if t != "" {
			tokens[t] = true
		}
	}

	c := &Channel{
		BaseChannel: channels.NewBaseChannel("api", b, nil),
		addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		authTokens:  tokens,
		maxTimeout:  maxTimeout,
		limiter:     ratelimit.NewWebhookLimiter(cfg.RateLimitMaxKeys, cfg.RateLimitWindow, cfg.RateLimitMaxHits),
		log:         log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", c.handleChat)
	c.httpServer = &http.Server{Addr: c.addr, Handler: mux}
	return c
}

// Start begins serving in the background.
func (c *Channel) Start(ctx context.Context) error {
	c.SetRunning(true)
	go func() {
		if err := c.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.log.Error("api channel stopped unexpectedly", "error", err)
		}
	}()
	return nil
}

// Stop shuts the HTTP server down within ctx's deadline.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	return c.httpServer.Shutdown(ctx)
}

// Send resolves the response waiter for synchronous requests. Streaming
// chunks are dropped (the API channel only ever returns the final reply)
// and a reply without a response_key is a fire-and-forget outbound with
// no caller left waiting, so it is logged and dropped.
func (c *Channel) Send(ctx context.Context, e types.Envelope) error {
	if e.Metadata[types.MetaStreaming] == "true" {
		return nil
	}
	key := e.Metadata[types.MetaResponseKey]
	if key == "" {
		c.log.Debug("api outbound without response waiter, dropping", "content", channels.Truncate(e.Content, 100))
		return nil
	}
	c.Bus().ResolveResponse(key, e)
	return nil
}

type chatRequest struct {
	Content        string  `json:"content"`
	SenderID       string  `json:"sender_id"`
	ChatID         string  `json:"chat_id"`
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

type chatResponse struct {
	Content string `json:"content,omitempty"`
	Channel string `json:"channel,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (c *Channel) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, chatResponse{Error: "method not allowed"})
		return
	}

	token := bearerToken(r)
	if len(c.authTokens) > 0 && !c.authTokens[token] {
		writeJSON(w, http.StatusUnauthorized, chatResponse{Error: "unauthorized"})
		return
	}

	limiterKey := token
	if limiterKey == "" {
		limiterKey = r.RemoteAddr
	}
	if !c.limiter.Allow(limiterKey) {
		writeJSON(w, http.StatusTooManyRequests, chatResponse{Error: "rate limited"})
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, chatResponse{Error: "invalid JSON"})
		return
	}
	if req.Content == "" {
		writeJSON(w, http.StatusBadRequest, chatResponse{Error: "empty content"})
		return
	}
	if !c.IsAllowed(req.SenderID) {
		writeJSON(w, http.StatusForbidden, chatResponse{Error: "sender not allowed"})
		return
	}

	timeout := c.maxTimeout
	if req.TimeoutSeconds > 0 {
		requested := time.Duration(req.TimeoutSeconds * float64(time.Second))
		if requested < timeout {
			timeout = requested
		}
	}

	senderID := req.SenderID
	if senderID == "" {
		senderID = "api"
	}
	chatID := req.ChatID
	if chatID == "" {
		chatID = "api_" + senderID
	}

	waiterKey, respCh := c.Bus().CreateResponseWaiter(timeout)
	c.Bus().PublishInbound(types.Envelope{
		Channel:  c.Name(),
		SenderID: senderID,
		ChatID:   chatID,
		Content:  req.Content,
		Metadata: map[string]string{types.MetaResponseKey: waiterKey},
	})

	select {
	case resp, ok := <-respCh:
		if !ok {
			writeJSON(w, http.StatusGatewayTimeout, chatResponse{Error: "response timeout"})
			return
		}
		writeJSON(w, http.StatusOK, chatResponse{Content: resp.Content, Channel: resp.Channel})
	case <-r.Context().Done():
		writeJSON(w, http.StatusGatewayTimeout, chatResponse{Error: "client disconnected"})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, body chatResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
