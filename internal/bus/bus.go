// Package bus implements the MessageBus: bounded inbound/outbound queues,
// subscriber fan-out dispatch, and the synchronous request/response waiter
// pattern used by the HTTP API channel.
//
// Grounded on original_source/nibot/bus.py, whose method set this port
// follows closely: publish_inbound/consume_inbound, publish_outbound/
// subscribe_outbound, create_response_waiter/resolve_response,
// dispatch_outbound, stop.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nibot/nibot/internal/types"
)

// EventHandler is a subscriber callback: it must not block for long --
// a slow subscriber delays dispatch of later envelopes (spec §5).
type EventHandler func(types.Envelope)

type waiter struct {
	ch     chan types.Envelope
	once   sync.Once
	cancel context.CancelFunc
}

// MessageBus decouples channel adapters from the Agent Loop. It owns two
// bounded FIFO queues (inbound, outbound), a subscriber table, and a
// response-waiter table for synchronous request/response channels such as
// the HTTP API.
type MessageBus struct {
	log *slog.Logger

	inbound  chan types.Envelope
	outbound chan types.Envelope

	subMu       sync.Mutex
	subscribers map[string][]EventHandler

	waitMu  sync.Mutex
	waiters map[string]*waiter

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
}

// New constructs a MessageBus. maxSize <= 0 selects no configured bound:
// each queue then gets a fixed buffer of noBoundQueueSize envelopes, and
// producers block only once that many are queued.
func New(maxSize int, log *slog.Logger) *MessageBus {
	if log == nil {
		log = slog.Default()
	}
	const noBoundQueueSize = 10000
	size := maxSize
	if size <= 0 {
		size = noBoundQueueSize
	}
	b := &MessageBus{
		log:         log,
		inbound:     make(chan types.Envelope, size),
		outbound:    make(chan types.Envelope, size),
		subscribers: make(map[string][]EventHandler),
		waiters:     make(map[string]*waiter),
		stopCh:      make(chan struct{}),
		running:     true,
	}
	return b
}

// PublishInbound enqueues an envelope for the Agent Loop. Blocks if the
// queue is bounded and full, transmitting backpressure to channels.
func (b *MessageBus) PublishInbound(e types.Envelope) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.inbound <- e
}

// ConsumeInbound blocks until an envelope is available or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (types.Envelope, bool) {
	select {
	case e := <-b.inbound:
		return e, true
	case <-ctx.Done():
		return types.Envelope{}, false
	}
}

// PublishOutbound enqueues an envelope for dispatch to channel subscribers
// or a waiting synchronous caller.
func (b *MessageBus) PublishOutbound(e types.Envelope) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.outbound <- e
}

// Subscribe registers a callback for a channel name. Multiple subscribers
// per channel are invoked in registration order.
func (b *MessageBus) Subscribe(channel string, handler EventHandler) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], handler)
}

// CreateResponseWaiter allocates an opaque response key and a channel that
// receives the matching outbound envelope. If no envelope with
// metadata.response_key == key arrives within timeout, the channel is
// closed without a value and the waiter is removed.
func (b *MessageBus) CreateResponseWaiter(timeout time.Duration) (string, <-chan types.Envelope) {
	key := "resp_" + uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	w := &waiter{ch: make(chan types.Envelope, 1), cancel: cancel}

	b.waitMu.Lock()
	b.waiters[key] = w
	b.waitMu.Unlock()

	go func() {
		select {
		case <-time.After(timeout):
			b.expireWaiter(key)
		case <-ctx.Done():
		}
	}()

	return key, w.ch
}

func (b *MessageBus) expireWaiter(key string) {
	b.waitMu.Lock()
	w, ok := b.waiters[key]
	if ok {
		delete(b.waiters, key)
	}
	b.waitMu.Unlock()
	if ok {
		w.once.Do(func() { close(w.ch) })
	}
}

// ResolveResponse completes and removes the waiter for key, if any.
// Idempotent; returns whether a waiter existed.
func (b *MessageBus) ResolveResponse(key string, e types.Envelope) bool {
	b.waitMu.Lock()
	w, ok := b.waiters[key]
	if ok {
		delete(b.waiters, key)
	}
	b.waitMu.Unlock()
	if !ok {
		return false
	}
	w.cancel()
	w.once.Do(func() {
		w.ch <- e
		close(w.ch)
	})
	return true
}

// DispatchOutbound is the single-consumer dispatch loop over the outbound
// queue. It polls with a 1-second bounded wait so stop() is observed
// promptly, matching spec §4.1. For each envelope: if metadata.response_key
// matches a pending waiter, the waiter owns the message and subscribers are
// not invoked; otherwise every subscriber for envelope.Channel runs inline,
// in registration order, with panics/errors absorbed.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case e := <-b.outbound:
			b.dispatchOne(e)
		case <-time.After(time.Second):
		}
	}
}

func (b *MessageBus) dispatchOne(e types.Envelope) {
	if key := e.Metadata[types.MetaResponseKey]; key != "" {
		if b.ResolveResponse(key, e) {
			return
		}
	}

	b.subMu.Lock()
	handlers := append([]EventHandler(nil), b.subscribers[e.Channel]...)
	b.subMu.Unlock()

	if len(handlers) == 0 {
		b.log.Warn("no subscriber for outbound envelope, dropping", "channel", e.Channel, "chat_id", e.ChatID)
		return
	}

	for _, h := range handlers {
		b.safeInvoke(h, e)
	}
}

func (b *MessageBus) safeInvoke(h EventHandler, e types.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("outbound subscriber panicked", "channel", e.Channel, "panic", r)
		}
	}()
	h(e)
}

// Stop clears the running flag; DispatchOutbound exits at its next poll
// boundary (at most 1s later).
func (b *MessageBus) Stop() {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	close(b.stopCh)
}
