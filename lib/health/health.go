// Package health probes pooled connections.
//
// A probe is a single cheap round-trip bounded by its own timeout, separate
// from (and shorter than) the time a caller is willing to wait for a
// connection. The checker never returns an error and never panics: any
// failure to get a clean answer in time means the connection is Unhealthy.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/go-i2p/dbpool/lib/factory"
	"github.com/go-i2p/dbpool/lib/metrics"
)

// DefaultTimeout bounds a probe when Checker.Timeout is zero.
const DefaultTimeout = 2 * time.Second

// Status is the outcome of a probe.
type Status int

const (
	// Healthy means the connection answered the probe.
	Healthy Status = iota
	// Unhealthy means the probe failed, timed out or panicked.
	Unhealthy
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// ProbeFailures counts probes that resolved to Unhealthy.
var ProbeFailures = metrics.NewCounter(
	"dbpool_probe_failures_total",
	"Total number of connection probes that failed",
)

// Checker probes connections that implement factory.Prober.
type Checker struct {
	// Timeout bounds each probe. Default: DefaultTimeout.
	Timeout time.Duration
}

// NewChecker returns a checker with the given probe timeout.
func NewChecker(timeout time.Duration) *Checker {
	return &Checker{Timeout: timeout}
}

// Result is the outcome of one probe.
type Result struct {
	Status Status
	// Settled is closed once the driver's Probe call has returned. After a
	// timeout it can still be open, and until it closes the connection is
	// in use by the probe and must not be used or closed.
	Settled <-chan struct{}
}

var settled = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Probe checks conn. Connections that cannot be probed are Healthy.
func (c *Checker) Probe(ctx context.Context, conn factory.Connection) Result {
	p, ok := conn.(factory.Prober)
	if !ok {
		return Result{Status: Healthy, Settled: settled}
	}

	timeout := DefaultTimeout
	if c != nil && c.Timeout > 0 {
		timeout = c.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done, err := runProbe(ctx, p)
	if err != nil {
		ProbeFailures.Inc()
		log.WithError(err).WithField("timeout", timeout).Debug("connection probe failed")
		return Result{Status: Unhealthy, Settled: done}
	}
	return Result{Status: Healthy, Settled: done}
}

// runProbe calls p.Probe on its own goroutine so a driver that ignores ctx
// cannot hold the caller past the timeout. The returned channel closes when
// that goroutine is finished with the connection.
func runProbe(ctx context.Context, p factory.Prober) (<-chan struct{}, error) {
	result := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("probe panicked: %v", r)
			}
		}()
		result <- p.Probe(ctx)
	}()

	select {
	case err := <-result:
		<-done
		return done, err
	case <-ctx.Done():
		return done, ctx.Err()
	}
}
