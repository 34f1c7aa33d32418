package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nibot/nibot/internal/types"
)

// ProviderQuota tracks a single named provider's availability across the
// three layers described in spec §4.3: self-counted sliding RPM/TPM
// windows, response-header calibration, and 429-triggered exhaustion.
// Grounded on original_source/nibot/provider_pool.py's ProviderQuota,
// ported from its monotonic-clock deques to time.Time slices in the
// style of internal/ratelimit's sliding window.
type ProviderQuota struct {
	name     string
	rpmLimit int
	tpmLimit int

	mu             sync.Mutex
	minuteRequests []time.Time
	minuteTokens   []tokenEntry
	exhaustedUntil time.Time

	headerRemainingRequests *int
	headerRemainingTokens   *int
	headerUpdatedAt         time.Time

	now func() time.Time
}

type tokenEntry struct {
	at     time.Time
	tokens int
}

// NewProviderQuota constructs a quota tracker. rpmLimit/tpmLimit of 0 means
// unlimited for that dimension.
func NewProviderQuota(name string, rpmLimit, tpmLimit int) *ProviderQuota {
	return &ProviderQuota{name: name, rpmLimit: rpmLimit, tpmLimit: tpmLimit, now: time.Now}
}

// RecordUsage records one completed request against the self-counting layer.
func (q *ProviderQuota) RecordUsage(tokens int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	q.minuteRequests = append(q.minuteRequests, now)
	if tokens > 0 {
		q.minuteTokens = append(q.minuteTokens, tokenEntry{now, tokens})
	}
}

// UpdateFromHeaders calibrates remaining quota from response headers. A nil
// pointer leaves that dimension untouched; this must be distinguishable from
// an explicit zero, which is a valid "exhausted" signal.
func (q *ProviderQuota) UpdateFromHeaders(remainingRequests, remainingTokens *int) {
	if remainingRequests == nil && remainingTokens == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	if remainingRequests != nil {
		q.headerRemainingRequests = remainingRequests
		q.headerUpdatedAt = now
	}
	if remainingTokens != nil {
		q.headerRemainingTokens = remainingTokens
		q.headerUpdatedAt = now
	}
}

// RecordRateLimit marks the provider exhausted for retryAfter, defaulting to
// 60s when retryAfter is zero.
func (q *ProviderQuota) RecordRateLimit(retryAfter time.Duration, log *slog.Logger) {
	if retryAfter <= 0 {
		retryAfter = 60 * time.Second
	}
	q.mu.Lock()
	q.exhaustedUntil = q.now().Add(retryAfter)
	q.mu.Unlock()
	if log != nil {
		log.Warn("provider marked exhausted", "provider", q.name, "seconds", retryAfter.Seconds())
	}
}

// IsAvailable checks all three layers.
func (q *ProviderQuota) IsAvailable() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()

	if now.Before(q.exhaustedUntil) {
		return false
	}

	headerAge := now.Sub(q.headerUpdatedAt)
	if headerAge < 60*time.Second {
		if q.headerRemainingRequests != nil && *q.headerRemainingRequests <= 0 {
			return false
		}
		if q.headerRemainingTokens != nil && *q.headerRemainingTokens <= 0 {
			return false
		}
	} else {
		q.headerRemainingRequests = nil
		q.headerRemainingTokens = nil
	}

	if q.rpmLimit > 0 {
		q.pruneLocked(now)
		if len(q.minuteRequests) >= q.rpmLimit {
			return false
		}
	}
	if q.tpmLimit > 0 {
		q.pruneLocked(now)
		total := 0
		for _, e := range q.minuteTokens {
			total += e.tokens
		}
		if total >= q.tpmLimit {
			return false
		}
	}
	return true
}

func (q *ProviderQuota) pruneLocked(now time.Time) {
	cutoff := now.Add(-60 * time.Second)
	i := 0
	for i < len(q.minuteRequests) && q.minuteRequests[i].Before(cutoff) {
		i++
	}
	q.minuteRequests = q.minuteRequests[i:]
	j := 0
	for j < len(q.minuteTokens) && q.minuteTokens[j].at.Before(cutoff) {
		j++
	}
	q.minuteTokens = q.minuteTokens[j:]
}

// Pool manages a chain of named LLM providers with quota-aware fallback
// (spec §4.3 "chat_with_fallback"). Grounded on
// original_source/nibot/provider_pool.py's ProviderPool, adapted to Go's
// static Provider interface in place of Python's lazy LiteLLMProvider
// instantiation -- every Provider here is wired at composition-root time,
// not constructed on first use.
type Pool struct {
	mu        sync.RWMutex
	providers map[string]Provider
	defaultName string
	quotas    map[string]*ProviderQuota
	log       *slog.Logger
}

// NewPool constructs a pool. defaultName must be a key that will be
// registered via Register; chat_with_fallback falls back to it whenever a
// requested chain is empty, unknown, or fully exhausted.
func NewPool(defaultName string, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		providers:   make(map[string]Provider),
		defaultName: defaultName,
		quotas:      make(map[string]*ProviderQuota),
		log:         log,
	}
}

// Register wires a named provider into the pool, optionally with a quota
// tracker (nil means unlimited, never considered exhausted).
func (p *Pool) Register(name string, provider Provider, quota *ProviderQuota) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.providers[name] = provider
	if quota != nil {
		p.quotas[name] = quota
	}
}

// Get returns the named provider, or the default when name is empty or
// unregistered.
func (p *Pool) Get(name string) Provider {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if name == "" {
		return p.providers[p.defaultName]
	}
	if pr, ok := p.providers[name]; ok {
		return pr
	}
	return p.providers[p.defaultName]
}

// Has reports whether name is registered (distinct from silently falling
// back to default).
func (p *Pool) Has(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.providers[name]
	return ok
}

// Quota returns the quota tracker for name, if any.
func (p *Pool) Quota(name string) *ProviderQuota {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.quotas[name]
}

// ChatWithFallback tries providers in chain order, skipping quota-exhausted
// ones, and returns the first successful response. An empty chain tries
// only the default provider. All failures are aggregated into the returned
// error rather than a sentinel error LLMResponse, since Go callers can
// branch on error presence directly.
func (p *Pool) ChatWithFallback(ctx context.Context, req ChatRequest, chain []string) (*types.LLMResponse, error) {
	p.mu.RLock()
	type candidate struct {
		name     string
		provider Provider
	}
	var candidates []candidate
	var skipped []string
	for _, name := range chain {
		if q, ok := p.quotas[name]; ok && !q.IsAvailable() {
			skipped = append(skipped, name)
			continue
		}
		pr, ok := p.providers[name]
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{name, pr})
	}
	if len(candidates) == 0 {
		candidates = append(candidates, candidate{p.defaultName, p.providers[p.defaultName]})
	}
	p.mu.RUnlock()

	if len(skipped) > 0 {
		p.log.Debug("quota-exhausted providers skipped", "providers", skipped)
	}

	var errs []string
	for _, c := range candidates {
		if c.provider == nil {
			continue
		}
		result, err := c.provider.Chat(ctx, req)
		if err != nil {
			p.recordError(c.name, err)
			errs = append(errs, fmt.Sprintf("%s: %v", c.name, err))
			p.log.Warn("provider failed, trying next", "provider", c.name, "error", err)
			continue
		}
		p.recordSuccess(c.name, result)
		return result, nil
	}

	return nil, fmt.Errorf("all providers in chain failed: %s", strings.Join(errs, "; "))
}

func (p *Pool) recordSuccess(name string, result *types.LLMResponse) {
	q := p.Quota(name)
	if q == nil {
		return
	}
	q.RecordUsage(result.Usage.TotalTokens)
	if result.RatelimitInfo != nil {
		q.UpdateFromHeaders(result.RatelimitInfo.RemainingRequests, result.RatelimitInfo.RemainingTokens)
	}
}

// recordError classifies a provider error and, when it is unambiguously a
// rate-limit condition, marks the provider's quota exhausted. This is the
// robust classification spec §8 (testable property 7) requires in place of
// the naive "429" substring match in original_source/nibot/provider_pool.py
// (_record_error): it checks for a typed *RateLimitError or *HTTPError with
// Status==429 first, and only falls back to a narrow phrase match for
// errors that didn't originate from this module's own HTTP layer (e.g. a
// wrapped transport error from an unexpected source).
func (p *Pool) recordError(name string, err error) {
	q := p.Quota(name)
	if q == nil {
		return
	}

	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		q.RecordRateLimit(rlErr.RetryAfter, p.log)
		return
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.Status == 429 {
		q.RecordRateLimit(httpErr.RetryAfter, p.log)
		return
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "http 429") || strings.Contains(msg, "rate limit exceeded") || strings.Contains(msg, "quota exceeded") {
		q.RecordRateLimit(0, p.log)
	}
}
