package sessions

import (
	"sync"
	"time"
)

// RateLimiter enforces a fixed-window request budget per identity. Counters
// are shared across all sessions of the same identity and mutated under
// per-identity locking; unrelated identities never contend.
type RateLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	windows map[string]*identityWindow
}

type identityWindow struct {
	mu    sync.Mutex
	start time.Time
	count int
}

// NewRateLimiter allows limit requests per identity per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		windows: make(map[string]*identityWindow),
	}
}

// Allow records one request for identity. It returns false with a retry-after
// hint when the identity already used its full budget in the current window;
// the request that reaches the limit itself is still allowed.
func (rl *RateLimiter) Allow(identity string) (bool, time.Duration) {
	rl.mu.Lock()
	w := rl.windows[identity]
	if w == nil {
		w = &identityWindow{}
		rl.windows[identity] = w
	}
	rl.mu.Unlock()

	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.start.IsZero() || now.Sub(w.start) >= rl.window {
		w.start = now
		w.count = 0
	}
	if w.count >= rl.limit {
		return false, w.start.Add(rl.window).Sub(now)
	}
	w.count++
	return true, 0
}
