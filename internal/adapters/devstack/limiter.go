package devstack

import (
	"sync"
	"time"

	"github.com/seatwire/seatwire/internal/domain"
)

// ClaimRateLimiter bounds role-claim attempts per participant over a
// sliding window, so a misbehaving client cannot hammer the claim path.
type ClaimRateLimiter struct {
	mu       sync.Mutex
	history  map[domain.ParticipantID][]time.Time
	limit    int
	interval time.Duration
}

func NewClaimRateLimiter(limit int, interval time.Duration) *ClaimRateLimiter {
	return &ClaimRateLimiter{
		history:  make(map[domain.ParticipantID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *ClaimRateLimiter) Allow(id domain.ParticipantID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[id]
	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[id] = fresh
		return false
	}

	fresh = append(fresh, now)
	rl.history[id] = fresh
	return true
}
