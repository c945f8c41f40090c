package sessions

import (
	"testing"
	"time"
)

// The request that reaches the limit is allowed; the next one is rejected
// with a retry hint inside the window.
func TestRateLimiterWindowBoundary(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(100, time.Minute)

	for i := 0; i < 100; i++ {
		ok, _ := rl.Allow("user-1")
		if !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	ok, retryAfter := rl.Allow("user-1")
	if ok {
		t.Fatal("101st request should be rejected")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("retry hint out of range: %v", retryAfter)
	}
}

func TestRateLimiterIdentitiesAreIndependent(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, time.Minute)

	if ok, _ := rl.Allow("a"); !ok {
		t.Fatal("first request for a should pass")
	}
	if ok, _ := rl.Allow("a"); ok {
		t.Fatal("second request for a should be limited")
	}
	if ok, _ := rl.Allow("b"); !ok {
		t.Fatal("b must not share a's counter")
	}
}

func TestRateLimiterWindowResets(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, 20*time.Millisecond)

	if ok, _ := rl.Allow("u"); !ok {
		t.Fatal("first request should pass")
	}
	if ok, _ := rl.Allow("u"); ok {
		t.Fatal("second request should be limited")
	}

	time.Sleep(30 * time.Millisecond)
	if ok, _ := rl.Allow("u"); !ok {
		t.Fatal("request after window reset should pass")
	}
}
