package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nibot/nibot/internal/bus"
	"github.com/nibot/nibot/internal/types"
)

// Manager owns every registered Channel's lifecycle and wires each one as
// an outbound subscriber on the Message Bus. Grounded on the teacher's
// internal/channels/manager.go, trimmed of DB-instance registration and
// the agent-event/streaming-run-tracking machinery: this port already
// carries streaming/progress signaling as outbound Envelope metadata
// (spec §6), so a channel's own Send sees everything it needs without a
// separate run-tracking side table.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	bus      *bus.MessageBus
	log      *slog.Logger
}

// NewManager constructs a Manager bound to b. Channels are registered via
// Register.
func NewManager(b *bus.MessageBus, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{channels: make(map[string]Channel), bus: b, log: log}
}

// Register adds ch under name and subscribes it to the bus's outbound
// queue for that channel name. Call before StartAll.
func (m *Manager) Register(name string, ch Channel) {
	m.mu.Lock()
	m.channels[name] = ch
	m.mu.Unlock()

	m.bus.Subscribe(name, func(e types.Envelope) {
		if err := ch.Send(context.Background(), e); err != nil {
			m.log.Error("channel send failed", "channel", name, "error", err)
		}
	})
}

// StartAll starts every registered channel. Failures are logged and
// skipped rather than aborting the remaining channels.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 {
		m.log.Warn("no channels registered")
		return
	}
	for name, ch := range m.channels {
		m.log.Info("starting channel", "channel", name)
		if err := ch.Start(ctx); err != nil {
			m.log.Error("failed to start channel", "channel", name, "error", err)
		}
	}
}

// StopAll stops every registered channel.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			m.log.Warn("error stopping channel", "channel", name, "error", err)
		}
	}
}

// Get returns a registered channel by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names returns the names of every registered channel.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// Status reports each channel's running state, for the health endpoint
// and admin tooling.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		out[name] = ch.IsRunning()
	}
	return out
}

// SendTo delivers content to chatID on the named channel directly,
// bypassing the bus (used by admin/CLI tooling, not the Agent Loop).
func (m *Manager) SendTo(ctx context.Context, channelName, chatID, content string) error {
	m.mu.RLock()
	ch, ok := m.channels[channelName]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("channel %s not registered", channelName)
	}
	return ch.Send(ctx, types.Envelope{Channel: channelName, ChatID: chatID, Content: content})
}
