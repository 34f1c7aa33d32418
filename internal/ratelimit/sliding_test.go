package ratelimit

import (
	"strings"
	"testing"
	"time"
)

func TestDisabledAlwaysAllows(t *testing.T) {
	l := New(Config{Enabled: false, PerUserRPM: 1})
	for i := 0; i < 10; i++ {
		ok, _ := l.Check("u1", "")
		if !ok {
			t.Fatalf("disabled limiter rejected request %d", i)
		}
	}
}

func TestPerUserLimit(t *testing.T) {
	l := New(Config{Enabled: true, PerUserRPM: 2})
	for i := 0; i < 2; i++ {
		ok, reason := l.Check("u1", "")
		if !ok {
			t.Fatalf("request %d unexpectedly rejected: %s", i, reason)
		}
	}
	ok, reason := l.Check("u1", "")
	if ok {
		t.Fatal("3rd request within window should be rejected")
	}
	if !strings.Contains(reason, "user") {
		t.Fatalf("reason %q should mention 'user'", reason)
	}
}

func TestWindowExpiry(t *testing.T) {
	base := time.Now()
	l := New(Config{Enabled: true, PerUserRPM: 1})
	l.now = func() time.Time { return base }

	ok, _ := l.Check("u1", "")
	if !ok {
		t.Fatal("first request should be allowed")
	}
	ok, _ = l.Check("u1", "")
	if ok {
		t.Fatal("second request within window should be rejected")
	}

	l.now = func() time.Time { return base.Add(61 * time.Second) }
	ok, _ = l.Check("u1", "")
	if !ok {
		t.Fatal("request after window expiry should be allowed again")
	}
}

func TestResetClearsAll(t *testing.T) {
	l := New(Config{Enabled: true, PerUserRPM: 1})
	l.Check("u1", "")
	l.Reset("", "")
	ok, _ := l.Check("u1", "")
	if !ok {
		t.Fatal("expected allow after full reset")
	}
}

func TestIndependentChannelWindow(t *testing.T) {
	l := New(Config{Enabled: true, PerUserRPM: 100, PerChannelRPM: 1})
	ok, _ := l.Check("u1", "c1")
	if !ok {
		t.Fatal("first channel request should be allowed")
	}
	ok, _ = l.Check("u2", "c1")
	if ok {
		t.Fatal("second request on same channel within window should be rejected regardless of user")
	}
}
