// Package gateway implements the web management panel's only specified
// surface: a WebSocket broadcaster subscribed to the outbound bus (spec
// §1, "the web management panel and SSE dashboard [are out of scope]
// beyond the fact that it subscribes to the outbound bus"). Grounded on
// the teacher's internal/gateway/server.go for the plain net/http +
// gorilla/websocket server lifecycle (upgrade, client registry, graceful
// shutdown), with the entire managed-mode RPC method router
// (internal/gateway/methods/*, agent/session/skill/team CRUD) dropped —
// none of it is this spec's concern.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nibot/nibot/internal/bus"
	"github.com/nibot/nibot/internal/types"
	"github.com/nibot/nibot/pkg/protocol"
)

// Server relays every outbound envelope to connected WebSocket clients.
// Client messages are read only to notice disconnects and are discarded:
// this is a one-way broadcast, matching the spec's "only its subscription
// to the outbound bus matters" scope.
type Server struct {
	addr  string
	token string
	log   *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	httpServer *http.Server
}

type broadcastMessage struct {
	Event     string         `json:"event"`
	Envelope  types.Envelope `json:"envelope"`
}

// NewServer constructs a broadcaster bound to addr. token, if non-empty,
// is required as a bearer Authorization header on the upgrade request.
func NewServer(addr, token string, allowedOrigins []string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		addr:    addr,
		token:   token,
		log:     log,
		clients: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, allowed := range allowedOrigins {
					if allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Subscribe registers the broadcaster as an outbound-bus subscriber for
// every named channel, so it sees the same envelopes those channels do.
func (s *Server) Subscribe(b *bus.MessageBus, channelNames []string) {
	for _, name := range channelNames {
		b.Subscribe(name, s.broadcast)
	}
}

func (s *Server) broadcast(e types.Envelope) {
	if e.Metadata[types.MetaResponseKey] != "" {
		return // synchronous request/response traffic is not panel-visible
	}
	msg := broadcastMessage{Event: protocol.EventOutbound, Envelope: e}
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn("gateway broadcast marshal failed", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.log.Debug("gateway client write failed, dropping", "error", err)
			go conn.Close()
			delete(s.clients, conn)
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("gateway websocket upgrade failed", "error", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	// Drain and discard any client traffic so the connection's read side
	// stays live (required by gorilla/websocket to detect client close),
	// until the client disconnects.
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.clients, conn)
			s.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("gateway server stopped unexpectedly", "error", err)
		}
	}()
}

// Stop closes every client connection and shuts the HTTP server down
// within ctx's deadline (spec §4.10 step 1).
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for conn := range s.clients {
		conn.Close()
	}
	s.clients = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("gateway server shutdown: %w", err)
	}
	return nil
}
