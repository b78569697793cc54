package nlp

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultRateLimit is the per-sender number of classifications per minute.
const DefaultRateLimit = 20

// RateLimiter is a per-sender sliding window.  It keeps at most limit
// timestamps per active sender.
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	counters map[string][]time.Time
	now      func() time.Time
}

// NewRateLimiter allows limit calls per sender within window.  Non-positive
// values fall back to DefaultRateLimit and one minute.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:    limit,
		window:   window,
		counters: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Allow records a call for sender and reports whether it is within quota.
func (r *RateLimiter) Allow(sender string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	valid := r.prune(sender, now)
	if len(valid) >= r.limit {
		r.counters[sender] = valid
		return false
	}
	r.counters[sender] = append(valid, now)
	return true
}

// Remaining returns how many calls sender may still make in the window.
func (r *RateLimiter) Remaining(sender string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	rem := r.limit - len(r.prune(sender, r.now()))
	if rem < 0 {
		return 0
	}
	return rem
}

func (r *RateLimiter) prune(sender string, now time.Time) []time.Time {
	cutoff := now.Add(-r.window)
	existing := r.counters[sender]
	valid := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) == 0 {
		delete(r.counters, sender)
		return nil
	}
	return valid
}

// Limited wraps a Provider with a per-sender RateLimiter.
type Limited struct {
	Provider Provider
	Limiter  *RateLimiter
}

// Classify refuses with ErrRateLimit once the sender is over quota.
func (l Limited) Classify(ctx context.Context, req ClassifyRequest) (*Intent, error) {
	if l.Limiter != nil && !l.Limiter.Allow(req.SenderID) {
		return nil, fmt.Errorf("%w: sender %s", ErrSenderLimit, req.SenderID)
	}
	return l.Provider.Classify(ctx, req)
}
