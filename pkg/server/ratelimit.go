package server

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// DefaultClaimWindow is the per-wallet window for settlement-initiating
// requests: one request per wallet per window.
const DefaultClaimWindow = 10 * time.Second

// RateLimiter throttles settlement-initiating requests per wallet. It is
// the only ordering control between concurrent requests from the same
// wallet; the persistence layer's uniqueness constraint remains the last
// line of defense.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	clock    clockwork.Clock
	rate     rate.Limit
	burst    int
	maxIdle  time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a per-wallet limiter allowing burst requests per
// window. NewRateLimiter(clock, 10*time.Second, 1) is one request per
// wallet per 10 seconds.
func NewRateLimiter(clock clockwork.Clock, window time.Duration, burst int) *RateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		clock:    clock,
		rate:     rate.Every(window),
		burst:    burst,
		maxIdle:  5 * time.Minute,
	}
}

// Allow reports whether a request from the wallet fits the window, and if
// not, how long to wait before retrying. Window math runs against the
// injected clock, so tests drive expiry by advancing a fake clock.
func (rl *RateLimiter) Allow(wallet string) (allowed bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	entry, ok := rl.limiters[wallet]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[wallet] = entry
	}
	entry.lastSeen = now

	reservation := entry.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Minute
	}
	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Cleanup drops wallets not seen within the idle window. Called
// periodically by the server's housekeeping loop.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.clock.Now().Add(-rl.maxIdle)
	for wallet, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, wallet)
		}
	}
}
