package providers

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter hands out one token bucket per provider so every vendor sees
// a bounded request rate no matter how many flows are active at once.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rps      rate.Limit
	burst    int
}

// NewRateLimiter creates a limiter pool. rps <= 0 disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Wait blocks until the named provider may issue its next request, or the
// context is cancelled.
func (l *RateLimiter) Wait(ctx context.Context, provider string) error {
	if l == nil || l.rps <= 0 {
		return nil
	}
	return l.limiter(provider).Wait(ctx)
}

func (l *RateLimiter) limiter(provider string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.limiters[provider]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[provider]; ok {
		return lim
	}
	lim = rate.NewLimiter(l.rps, l.burst)
	l.limiters[provider] = lim
	return lim
}
