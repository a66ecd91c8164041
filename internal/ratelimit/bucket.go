// Package ratelimit implements the process-wide token bucket that gates every
// outbound call to the remote content service.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/starred-export/internal/metrics"
	"golang.org/x/time/rate"
)

// maxPoll bounds a single sleep while waiting for a token.
const maxPoll = 10 * time.Millisecond

// Config holds bucket configuration.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// Bucket is a token bucket with capacity Burst refilled at RequestsPerSecond.
// Waiters poll rather than queue, so there is no fairness between them.
type Bucket struct {
	mu    sync.Mutex
	lim   *rate.Limiter
	rps   float64
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Bucket that starts full.
func New(cfg Config) *Bucket {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 20
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Bucket{
		lim:   rate.NewLimiter(rate.Limit(rps), burst),
		rps:   rps,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// Acquire blocks until a token is consumed or ctx is done.
func (b *Bucket) Acquire(ctx context.Context) error {
	start := b.now()
	waited := false
	for {
		ok, wait := b.attempt()
		if ok {
			if waited {
				metrics.ObserveRateLimitWait(b.now().Sub(start))
			}
			return nil
		}
		waited = true
		if err := b.sleep(ctx, min(wait, maxPoll)); err != nil {
			return fmt.Errorf("rate limit acquire: %w", err)
		}
	}
}

// TryAcquire consumes a token if one is available without blocking.
func (b *Bucket) TryAcquire() bool {
	ok, _ := b.attempt()
	return ok
}

// Tokens returns the current token count after refill.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lim.TokensAt(b.now())
}

// Capacity returns the bucket size.
func (b *Bucket) Capacity() int {
	return b.lim.Burst()
}

func (b *Bucket) attempt() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if b.lim.AllowN(now, 1) {
		return true, 0
	}
	missing := 1 - b.lim.TokensAt(now)
	wait := time.Duration(missing / b.rps * float64(time.Second))
	if wait <= 0 {
		wait = time.Millisecond
	}
	return false, wait
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
