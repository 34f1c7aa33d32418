package providers

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nibot/nibot/internal/types"
)

type fakeProvider struct {
	name    string
	results []*types.LLMResponse
	errs    []error
	calls   int
}

func (f *fakeProvider) Name() string         { return f.name }
func (f *fakeProvider) DefaultModel() string { return "fake-model" }

func (f *fakeProvider) Chat(ctx context.Context, req ChatRequest) (*types.LLMResponse, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return &types.LLMResponse{Content: "ok", Provider: f.name}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*types.LLMResponse, error) {
	return f.Chat(ctx, req)
}

func TestChatWithFallbackSkipsExhausted(t *testing.T) {
	pool := NewPool("default", nil)
	primary := &fakeProvider{name: "primary", errs: []error{errors.New("should not be called")}}
	secondary := &fakeProvider{name: "secondary", results: []*types.LLMResponse{{Content: "from secondary", Provider: "secondary"}}}
	def := &fakeProvider{name: "default"}

	quota := NewProviderQuota("primary", 0, 0)
	quota.exhaustedUntil = time.Now().Add(time.Hour)

	pool.Register("primary", primary, quota)
	pool.Register("secondary", secondary, nil)
	pool.Register("default", def, nil)

	resp, err := pool.ChatWithFallback(context.Background(), ChatRequest{}, []string{"primary", "secondary"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Provider != "secondary" {
		t.Fatalf("expected secondary to serve the request, got %q", resp.Provider)
	}
	if primary.calls != 0 {
		t.Fatalf("exhausted provider should never be called, got %d calls", primary.calls)
	}
}

func TestChatWithFallbackFallsBackOnError(t *testing.T) {
	pool := NewPool("default", nil)
	failing := &fakeProvider{name: "a", errs: []error{errors.New("boom")}}
	working := &fakeProvider{name: "b", results: []*types.LLMResponse{{Content: "ok", Provider: "b"}}}
	pool.Register("a", failing, NewProviderQuota("a", 0, 0))
	pool.Register("b", working, nil)
	pool.Register("default", working, nil)

	resp, err := pool.ChatWithFallback(context.Background(), ChatRequest{}, []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Provider != "b" {
		t.Fatalf("expected fallback to b, got %q", resp.Provider)
	}
}

func TestChatWithFallbackAllFail(t *testing.T) {
	pool := NewPool("default", nil)
	a := &fakeProvider{name: "a", errs: []error{errors.New("a failed")}}
	b := &fakeProvider{name: "b", errs: []error{errors.New("b failed")}}
	pool.Register("a", a, nil)
	pool.Register("b", b, nil)
	pool.Register("default", a, nil)

	_, err := pool.ChatWithFallback(context.Background(), ChatRequest{}, []string{"a", "b"})
	if err == nil {
		t.Fatal("expected an aggregated error when all providers fail")
	}
}

func TestChatWithFallbackEmptyChainUsesDefault(t *testing.T) {
	pool := NewPool("default", nil)
	def := &fakeProvider{name: "default", results: []*types.LLMResponse{{Content: "ok", Provider: "default"}}}
	pool.Register("default", def, nil)

	resp, err := pool.ChatWithFallback(context.Background(), ChatRequest{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Provider != "default" {
		t.Fatalf("expected default provider, got %q", resp.Provider)
	}
}

// TestRecordErrorClassifiesRobustly covers spec's testable property that
// rate-limit classification must not rely on a bare "429" substring match
// (the naive approach the Python original used), since error messages can
// legitimately contain "429" without being a rate-limit condition (e.g. a
// request body that happens to include the literal text).
func TestRecordErrorClassifiesRobustly(t *testing.T) {
	pool := NewPool("default", nil)
	quota := NewProviderQuota("p", 0, 0)
	pool.quotas["p"] = quota

	pool.recordError("p", fmt.Errorf("unrelated error mentioning user id 429000 in payload"))
	if quota.IsAvailable() != true {
		t.Fatal("a coincidental \"429\" substring in an unrelated error must not exhaust the provider")
	}

	pool.recordError("p", &RateLimitError{RetryAfter: time.Minute, Message: "rate limited"})
	if quota.IsAvailable() {
		t.Fatal("a typed RateLimitError must exhaust the provider")
	}
}

func TestRecordErrorHTTP429Exhausts(t *testing.T) {
	pool := NewPool("default", nil)
	quota := NewProviderQuota("p", 0, 0)
	pool.quotas["p"] = quota

	pool.recordError("p", &HTTPError{Status: 429, Body: "slow down"})
	if quota.IsAvailable() {
		t.Fatal("HTTPError with Status 429 must exhaust the provider")
	}
}

func TestProviderQuotaRPMWindow(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := fixed
	q := NewProviderQuota("p", 2, 0)
	q.now = func() time.Time { return clock }

	q.RecordUsage(0)
	q.RecordUsage(0)
	if q.IsAvailable() {
		t.Fatal("expected RPM limit of 2 to be exhausted after 2 requests")
	}

	clock = clock.Add(61 * time.Second)
	if !q.IsAvailable() {
		t.Fatal("expected window to have rolled off after 61s")
	}
}

func TestProviderQuotaHeaderCalibration(t *testing.T) {
	q := NewProviderQuota("p", 0, 0)
	zero := 0
	q.UpdateFromHeaders(&zero, nil)
	if q.IsAvailable() {
		t.Fatal("remaining-requests header of exactly 0 must mark the provider unavailable")
	}
}
