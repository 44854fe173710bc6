package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-i2p/dbpool/lib/factory"
)

// mockConn is a mock connection for testing.
type mockConn struct {
	id        int
	f         *mockFactory
	closed    atomic.Bool
	unhealthy atomic.Bool
	probing   atomic.Int32
}

func (m *mockConn) Close() error {
	if m.probing.Load() > 0 {
		m.f.closedWhileProbing.Store(true)
	}
	if m.closed.CompareAndSwap(false, true) {
		m.f.live.Add(-1)
	}
	return nil
}

// Probe ignores ctx, like a driver stuck in a blocking call.
func (m *mockConn) Probe(context.Context) error {
	if m.f.probeStall > 0 {
		m.probing.Add(1)
		time.Sleep(m.f.probeStall)
		m.probing.Add(-1)
	}
	if m.unhealthy.Load() {
		return errors.New("connection reset by peer")
	}
	return nil
}

func (m *mockConn) IsClosed() bool {
	return m.closed.Load()
}

// mockFactory creates mock connections. fail, when set, is consulted with
// the 1-based attempt number before each create.
type mockFactory struct {
	fail  func(attempt int) error
	delay time.Duration
	// probeStall makes every connection's Probe sleep this long.
	probeStall time.Duration

	closedWhileProbing atomic.Bool

	calls   atomic.Int32
	created atomic.Int32
	live    atomic.Int32
}

func (f *mockFactory) Create(ctx context.Context) (factory.Connection, error) {
	n := f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail != nil {
		if err := f.fail(int(n)); err != nil {
			return nil, err
		}
	}
	f.live.Add(1)
	return &mockConn{id: int(f.created.Add(1)), f: f}, nil
}

func (f *mockFactory) Target() string {
	return "mock://db"
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
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

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxSize = 2
	cfg.AcquireTimeout = time.Second
	cfg.ProbeTimeout = 100 * time.Millisecond
	cfg.MaintenanceInterval = 0
	cfg.RetryBackoff = 5 * time.Millisecond
	cfg.MaxRetryBackoff = 20 * time.Millisecond
	return cfg
}

func newTestPool(t *testing.T, f factory.Factory, cfg Config) *Pool {
	t.Helper()
	p, err := New(f, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func mustAcquire(t *testing.T, p *Pool) *Lease {
	t.Helper()
	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	return lease
}

func connOf(t *testing.T, lease *Lease) *mockConn {
	t.Helper()
	conn, err := lease.Conn()
	if err != nil {
		t.Fatalf("Conn() error = %v", err)
	}
	return conn.(*mockConn)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
