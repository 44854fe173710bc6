package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestLimiterAllow(t *testing.T) {
	// 10 tokens/sec, capacity 5
	limiter := New(10, 5)

	for i := 0; i < 5; i++ {
		if !limiter.Allow() {
			t.Errorf("request %d should be allowed", i)
		}
	}

	if limiter.Allow() {
		t.Error("6th request should be denied")
	}
}

func TestLimiterRefill(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	limiter := newWithClock(100, 10, clock.Now)

	for i := 0; i < 10; i++ {
		limiter.Allow()
	}
	if limiter.Allow() {
		t.Error("should be empty")
	}

	clock.Advance(50 * time.Millisecond)
	for i := 0; i < 5; i++ {
		if !limiter.Allow() {
			t.Fatalf("refilled token %d denied", i)
		}
	}
	if limiter.Allow() {
		t.Error("50ms at 100/s should refill 5 tokens, not 6")
	}

	clock.Advance(time.Hour)
	allowed := 0
	for limiter.Allow() {
		allowed++
	}
	if allowed != 10 {
		t.Errorf("refill after an hour allowed %d, want capacity 10", allowed)
	}
}

func TestLimiterMinimumCapacity(t *testing.T) {
	limiter := New(1, 0)
	if !limiter.Allow() {
		t.Error("capacity below one should still allow one request")
	}
}

func TestLimiterTake(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	limiter := newWithClock(4, 1, clock.Now)

	tests := []struct {
		name    string
		advance time.Duration
		want    time.Duration
	}{
		{"full bucket", 0, 0},
		{"just drained", 0, 250 * time.Millisecond},
		{"half refilled", 125 * time.Millisecond, 125 * time.Millisecond},
		{"refilled", 125 * time.Millisecond, 0},
	}

	for _, tt := range tests {
		clock.Advance(tt.advance)
		if got := limiter.take(); got != tt.want {
			t.Errorf("%s: take() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestLimiterWait(t *testing.T) {
	limiter := New(50, 1)

	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait() = %v", err)
	}

	start := time.Now()
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("second Wait() = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("second Wait() returned after %v, want about 20ms", elapsed)
	}
}

func TestLimiterWaitContext(t *testing.T) {
	limiter := New(0.1, 1)
	limiter.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() = %v, want deadline exceeded", err)
	}
}

func TestLimiterZeroRate(t *testing.T) {
	limiter := New(0, 1)
	limiter.Allow()

	if d := limiter.take(); d <= time.Hour {
		t.Errorf("take() = %v, want effectively forever", d)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := limiter.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() = %v, want context.Canceled", err)
	}
}

func TestLimiterConcurrent(t *testing.T) {
	limiter := New(1000, 100)

	var wg sync.WaitGroup
	var allowed int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if limiter.Allow() {
					atomic.AddInt64(&allowed, 1)
				}
			}
		}()
	}
	wg.Wait()

	if allowed < 100 {
		t.Errorf("allowed = %d, want at least the burst capacity", allowed)
	}
}
