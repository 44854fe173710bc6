// Package ratelimit provides a token bucket rate limiter.
// The pool uses it to cap how fast it opens physical connections, so a
// burst of callers against an empty pool cannot stampede the database.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// ErrLimited is returned when a caller that may not wait finds no token.
var ErrLimited = errors.New("connect rate limit exceeded")

// Limiter is a token bucket rate limiter.
type Limiter struct {
	mu       sync.Mutex
	rate     float64   // tokens per second
	capacity float64   // max tokens
	tokens   float64   // current tokens
	lastTime time.Time // last refill time
	now      func() time.Time
}

// New creates a new rate limiter.
// rate is tokens per second, capacity is the maximum burst size.
// A capacity below one is raised to one.
func New(rate float64, capacity int) *Limiter {
	return newWithClock(rate, capacity, time.Now)
}

func newWithClock(rate float64, capacity int, now func() time.Time) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{
		rate:     rate,
		capacity: float64(capacity),
		tokens:   float64(capacity),
		lastTime: now(),
		now:      now,
	}
}

// Allow reports whether a token is available now, consuming it if so.
func (l *Limiter) Allow() bool {
	return l.take() == 0
}

// Wait blocks until a token is available or ctx is done. It returns
// ctx.Err() in the latter case without consuming a token.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		delay := l.take()
		if delay == 0 {
			return nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// take consumes a token if one is available and returns zero, otherwise it
// returns how long until the next token.
func (l *Limiter) take() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= 1 {
		l.tokens--
		return 0
	}
	return l.delayLocked()
}

func (l *Limiter) delayLocked() time.Duration {
	if l.rate <= 0 {
		return time.Duration(math.MaxInt64)
	}
	d := time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// refill adds tokens based on elapsed time. Must be called with lock held.
func (l *Limiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastTime).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed * l.rate
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
	l.lastTime = now
}
