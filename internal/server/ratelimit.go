// internal/server/ratelimit.go
package server

import (
	"sync"
	"time"
)

// RateLimiter enforces a sliding window of accepted requests per client IP.
// A rejected request is not recorded, so a client at the limit regains
// capacity as soon as old timestamps slide out of the window.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

// NewRateLimiter returns a limiter allowing limit requests per window per IP.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: window,
		hits:   map[string][]time.Time{},
		now:    time.Now,
	}
}

// Allow reports whether a request from ip may proceed, recording it if so.
// Stale entries across the whole table are pruned on every check.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.window)
	for addr, times := range rl.hits {
		live := times[:0]
		for _, t := range times {
			if t.After(cutoff) {
				live = append(live, t)
			}
		}
		if len(live) == 0 {
			delete(rl.hits, addr)
		} else {
			rl.hits[addr] = live
		}
	}

	if len(rl.hits[ip]) >= rl.limit {
		return false
	}
	rl.hits[ip] = append(rl.hits[ip], rl.now())
	return true
}
