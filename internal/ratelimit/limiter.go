// Package ratelimit provides an adaptive token-bucket limiter shared by all
// outbound platform calls. The rate shrinks multiplicatively on throttle
// signals and recovers additively after sustained success.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures the limiter.
type Config struct {
	RequestsPerSecond float64       // steady-state ceiling
	MinRatePerSecond  float64       // floor after repeated throttling
	Burst             int           // bucket capacity
	CoolOff           time.Duration // hold-down window after a throttle signal
}

// Limiter wraps a token bucket with AIMD rate adaptation.
type Limiter struct {
	mu        sync.Mutex
	lim       *rate.Limiter
	curr      rate.Limit
	min, max  rate.Limit
	incStep   rate.Limit
	incOK     int
	okCount   int
	coolOff   time.Duration
	coolUntil time.Time
}

// New creates a limiter at the configured ceiling.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.MinRatePerSecond <= 0 || cfg.MinRatePerSecond > cfg.RequestsPerSecond {
		cfg.MinRatePerSecond = cfg.RequestsPerSecond / 8
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.CoolOff <= 0 {
		cfg.CoolOff = 10 * time.Second
	}

	max := rate.Limit(cfg.RequestsPerSecond)
	return &Limiter{
		lim:     rate.NewLimiter(max, cfg.Burst),
		curr:    max,
		min:     rate.Limit(cfg.MinRatePerSecond),
		max:     max,
		incStep: max / 10,
		incOK:   10,
		coolOff: cfg.CoolOff,
	}
}

// Acquire blocks until n tokens are available or the context is done.
// During a cool-off window the caller additionally waits out the window
// before taking tokens.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	l.mu.Lock()
	cool := l.coolUntil
	l.mu.Unlock()

	if d := time.Until(cool); d > 0 {
		jitter := time.Duration(rand.Intn(100)) * time.Millisecond
		select {
		case <-time.After(d + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return l.lim.WaitN(ctx, n)
}

// OnSuccess records a successful platform call. After enough consecutive
// successes the rate steps back up toward the ceiling.
func (l *Limiter) OnSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.okCount++
	if l.okCount < l.incOK {
		return
	}
	l.okCount = 0

	next := l.curr + l.incStep
	if next > l.max {
		next = l.max
	}
	if next != l.curr {
		l.curr = next
		l.lim.SetLimit(l.curr)
	}
}

// OnThrottle records a platform throttle signal: the rate halves (floored at
// the minimum) and a cool-off window opens. If the platform supplied a
// Retry-After hint longer than the configured cool-off, it wins.
func (l *Limiter) OnThrottle(retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.curr / 2
	if next < l.min {
		next = l.min
	}
	if next != l.curr {
		l.curr = next
		l.lim.SetLimit(l.curr)
	}
	l.okCount = 0

	hold := l.coolOff
	if retryAfter > hold {
		hold = retryAfter
	}
	l.coolUntil = time.Now().Add(hold)
}

// Rate returns the current effective rate in requests per second.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return float64(l.curr)
}
