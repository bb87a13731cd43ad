package signal

import (
	"sync"
	"time"

	"github.com/dkeye/quasipeer/internal/domain"
)

// RateLimiter is a per-participant sliding window.
type RateLimiter struct {
	mu       sync.Mutex
	history  map[domain.ParticipantID][]time.Time
	limit    int
	interval time.Duration
}

func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		history:  make(map[domain.ParticipantID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *RateLimiter) Allow(pid domain.ParticipantID) bool {
	return rl.allowAt(pid, time.Now())
}

func (rl *RateLimiter) allowAt(pid domain.ParticipantID, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	windowStart := now.Add(-rl.interval)
	attempts := rl.history[pid]

	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[pid] = fresh
		return false
	}
	rl.history[pid] = append(fresh, now)
	return true
}

// Forget drops the history of a closed connection.
func (rl *RateLimiter) Forget(pid domain.ParticipantID) {
	rl.mu.Lock()
	delete(rl.history, pid)
	rl.mu.Unlock()
}
