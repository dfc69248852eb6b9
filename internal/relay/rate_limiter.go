package relay

import (
	"sync"
	"time"
)

// rateLimiter enforces a per-user message budget over a fixed minute window.
type rateLimiter struct {
	mu    sync.Mutex
	limit int
	users map[string]*userWindow
}

type userWindow struct {
	count       int
	windowStart time.Time
}

func newRateLimiter(messagesPerMinute int) *rateLimiter {
	return &rateLimiter{
		limit: messagesPerMinute,
		users: make(map[string]*userWindow),
	}
}

func (rl *rateLimiter) allow(userID string) bool {
	if rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	w, exists := rl.users[userID]
	if !exists || now.Sub(w.windowStart) >= time.Minute {
		rl.users[userID] = &userWindow{count: 1, windowStart: now}
		return true
	}
	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}
