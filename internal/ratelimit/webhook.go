package ratelimit

import (
	"sync"
	"time"
)

// WebhookLimiter is a bounded fixed-window perimeter guard for raw webhook
// ingress (the HTTP channel), independent of and ahead of the per-user/
// per-channel sliding-window Limiter above (SPEC_FULL §3). Adapted from
// the teacher's internal/channels/ratelimit.go WebhookRateLimiter.
type WebhookLimiter struct {
	maxKeys    int
	window     time.Duration
	maxHits    int

	mu      sync.Mutex
	entries map[string]*webhookEntry
}

type webhookEntry struct {
	windowStart time.Time
	count       int
}

// NewWebhookLimiter creates a bounded webhook rate limiter. maxKeys bounds
// memory use against attackers rotating source keys; window/maxHits define
// the fixed-window admission rule.
func NewWebhookLimiter(maxKeys int, window time.Duration, maxHits int) *WebhookLimiter {
	if maxKeys <= 0 {
		maxKeys = 4096
	}
	if window <= 0 {
		window = 60 * time.Second
	}
	if maxHits <= 0 {
		maxHits = 30
	}
	return &WebhookLimiter{
		maxKeys: maxKeys,
		window:  window,
		maxHits: maxHits,
		entries: make(map[string]*webhookEntry),
	}
}

// Allow returns true if key is within the fixed window's hit budget.
// Automatically prunes stale entries and hard-evicts when at capacity.
func (r *WebhookLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if len(r.entries) >= r.maxKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= r.window {
				delete(r.entries, k)
			}
		}
		for len(r.entries) >= r.maxKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= r.window {
		r.entries[key] = &webhookEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= r.maxHits
}
