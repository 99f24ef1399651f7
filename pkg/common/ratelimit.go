package common

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// minRateFraction bounds how far Slow can reduce the rate below the base.
const minRateFraction = 1.0 / 16

// RateLimiter is a token bucket whose rate can be reduced while a downstream
// service sheds load and restored once it recovers. A nil *RateLimiter never
// blocks.
type RateLimiter struct {
	mu        sync.RWMutex
	limiter   *rate.Limiter
	baseRPS   float64
	baseBurst int
	current   float64
}

// NewRateLimiter creates a RateLimiter admitting rps requests per second with
// bursts of up to burst requests. A non-positive rps disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		baseRPS:   rps,
		baseBurst: burst,
		current:   rps,
	}
}

// Wait blocks until a request is admitted or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil {
		return nil
	}
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiter.Wait(ctx)
}

// Slow halves the admitted rate, never going below a sixteenth of the base
// rate. The burst collapses to one request while slowed.
func (rl *RateLimiter) Slow() {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	next := rl.current / 2
	if floor := rl.baseRPS * minRateFraction; next < floor {
		next = floor
	}
	rl.setLocked(next, 1)
}

// Restore returns the limiter to its base rate and burst.
func (rl *RateLimiter) Restore() {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.current == rl.baseRPS {
		return
	}
	rl.setLocked(rl.baseRPS, rl.baseBurst)
}

// Limit reports the currently admitted requests per second.
func (rl *RateLimiter) Limit() float64 {
	if rl == nil {
		return 0
	}
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.current
}

func (rl *RateLimiter) setLocked(rps float64, burst int) {
	rl.current = rps
	rl.limiter.SetLimit(rate.Limit(rps))
	rl.limiter.SetBurst(burst)
}
