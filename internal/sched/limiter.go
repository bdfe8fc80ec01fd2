// Package sched schedules fetch tasks across sources: per-source token
// buckets and concurrency caps, a global in-flight ceiling, retry backoff,
// and adaptive widening of a source's request interval when it throttles us.
package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimitConfig is the per-source rate budget.
type LimitConfig struct {
	// MinInterval is the baseline gap between requests to the source.
	MinInterval time.Duration
	// Burst is the token bucket burst size.
	Burst int
	// MaxConcurrent caps in-flight requests to the source.
	MaxConcurrent int
	// BackoffCeiling bounds how far throttling can widen the interval.
	BackoffCeiling time.Duration
	// RecoverySuccesses is how many consecutive successes narrow a widened
	// interval one step back toward MinInterval.
	RecoverySuccesses int
}

func (c LimitConfig) withDefaults() LimitConfig {
	if c.MinInterval <= 0 {
		c.MinInterval = time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	if c.BackoffCeiling <= 0 {
		c.BackoffCeiling = 5 * time.Minute
	}
	if c.BackoffCeiling < c.MinInterval {
		c.BackoffCeiling = c.MinInterval
	}
	if c.RecoverySuccesses <= 0 {
		c.RecoverySuccesses = 5
	}
	return c
}

// adaptiveLimiter wraps a token bucket whose refill interval widens on
// throttle signals (doubling up to the ceiling) and narrows back down
// (halving toward the floor) after sustained success.
type adaptiveLimiter struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	floor    time.Duration
	ceiling  time.Duration
	interval time.Duration
	streak   int
	recovery int
}

func newAdaptiveLimiter(cfg LimitConfig) *adaptiveLimiter {
	cfg = cfg.withDefaults()
	return &adaptiveLimiter{
		limiter:  rate.NewLimiter(rate.Every(cfg.MinInterval), cfg.Burst),
		floor:    cfg.MinInterval,
		ceiling:  cfg.BackoffCeiling,
		interval: cfg.MinInterval,
		recovery: cfg.RecoverySuccesses,
	}
}

// Wait blocks until the source's bucket grants a token.
func (l *adaptiveLimiter) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// ReportThrottle widens the interval; the source told us to slow down.
func (l *adaptiveLimiter) ReportThrottle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.streak = 0
	next := l.interval * 2
	if next > l.ceiling {
		next = l.ceiling
	}
	l.setInterval(next)
}

// ReportSuccess narrows a widened interval one step after enough consecutive
// successes.
func (l *adaptiveLimiter) ReportSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.interval <= l.floor {
		l.streak = 0
		return
	}
	l.streak++
	if l.streak < l.recovery {
		return
	}
	l.streak = 0
	next := l.interval / 2
	if next < l.floor {
		next = l.floor
	}
	l.setInterval(next)
}

// Interval returns the current inter-request interval.
func (l *adaptiveLimiter) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}

func (l *adaptiveLimiter) setInterval(d time.Duration) {
	if d == l.interval {
		return
	}
	l.interval = d
	l.limiter.SetLimit(rate.Every(d))
}
