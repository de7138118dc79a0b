package server

import (
	"testing"
	"time"
)

func TestTokenBucketExhaustsAndRefills(t *testing.T) {
	bucket := newTokenBucket(100, 2)
	if !bucket.Allow() || !bucket.Allow() {
		t.Fatal("burst allowance should admit the first two requests")
	}
	if bucket.Allow() {
		t.Fatal("third request should be rejected before refill")
	}
	time.Sleep(30 * time.Millisecond)
	if !bucket.Allow() {
		t.Fatal("bucket should refill at 100 tokens per second")
	}
}

func TestAllowLoginTracksClientsSeparately(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{LoginLimit: 1, LoginWindow: time.Minute})

	allowed, _, err := rl.AllowLogin("10.0.0.1")
	if err != nil || !allowed {
		t.Fatalf("first attempt = (%v, %v), want allowed", allowed, err)
	}
	allowed, retry, err := rl.AllowLogin("10.0.0.1")
	if err != nil || allowed {
		t.Fatalf("second attempt = (%v, %v), want rejected", allowed, err)
	}
	if retry <= 0 {
		t.Fatalf("retry hint = %v, want positive", retry)
	}

	allowed, _, err = rl.AllowLogin("10.0.0.2")
	if err != nil || !allowed {
		t.Fatalf("other client = (%v, %v), want allowed", allowed, err)
	}
}

func TestAllowLoginDisabledWithoutLimit(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{})
	for i := 0; i < 10; i++ {
		allowed, _, err := rl.AllowLogin("10.0.0.1")
		if err != nil || !allowed {
			t.Fatalf("attempt %d = (%v, %v), want allowed", i+1, allowed, err)
		}
	}
}

func TestCleanupDropsStaleClients(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{LoginLimit: 3, LoginWindow: 10 * time.Millisecond})
	if allowed, _, _ := rl.AllowLogin("10.0.0.1"); !allowed {
		t.Fatal("first attempt should be allowed")
	}

	rl.loginMu.Lock()
	rl.loginBuckets["10.0.0.1"].lastSeen = time.Now().Add(-time.Hour)
	rl.cleanupLocked()
	remaining := len(rl.loginBuckets)
	rl.loginMu.Unlock()

	if remaining != 0 {
		t.Fatalf("stale clients remaining = %d, want 0", remaining)
	}
}
