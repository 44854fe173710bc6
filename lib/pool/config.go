package pool

import (
	"fmt"
	"sync/atomic"
	"time"

	apperrors "github.com/go-i2p/dbpool/lib/errors"
	"github.com/go-i2p/dbpool/lib/health"
	"github.com/go-i2p/dbpool/lib/resilience"
)

// Config configures a Pool. Start from DefaultConfig; zero durations mean
// "disabled" except where noted.
type Config struct {
	// Name labels the pool in logs. Default: "dbpool-N".
	Name string
	// MaxSize is the maximum number of open connections, idle and leased
	// together. Must be at least 1.
	// Default: 10
	MaxSize int
	// MinIdle is the idle floor kept by Shrink and replenished by the
	// maintenance loop. Must not exceed MaxSize.
	MinIdle int
	// AcquireTimeout bounds Acquire, including validation and connect
	// retries. Zero means never wait: a saturated pool fails at once.
	// Default: 30 seconds
	AcquireTimeout time.Duration
	// IdleTimeout is how long a connection may sit idle, or stay leased,
	// before it is discarded instead of reused.
	// Default: 10 minutes
	IdleTimeout time.Duration
	// ValidationInterval is how long a connection may go unprobed before
	// an acquire probes it. Zero probes on every acquire from idle.
	// Default: 30 seconds
	ValidationInterval time.Duration
	// ProbeTimeout bounds one health probe. Must be below AcquireTimeout.
	// Zero picks health.DefaultTimeout, capped at AcquireTimeout.
	ProbeTimeout time.Duration
	// MaxLifetime caps a connection's total age.
	MaxLifetime time.Duration
	// LeaseTimeout is how long a lease may be held before the maintenance
	// loop reclaims it as abandoned.
	LeaseTimeout time.Duration
	// MaintenanceInterval is how often the background loop shrinks,
	// reclaims abandoned leases and replenishes MinIdle.
	// Default: 30 seconds
	MaintenanceInterval time.Duration
	// RetryBackoff is the first delay after a failed connect; it doubles
	// up to MaxRetryBackoff. Rejected credentials go straight to the max.
	// Default: 50ms, 2s
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	// ConnectRate limits physical connects per second, with bursts of up
	// to ConnectBurst. Zero means unlimited.
	ConnectRate  float64
	ConnectBurst int
	// Breaker, when set, trips on consecutive network or timeout connect
	// failures and rejects connects while open.
	Breaker *resilience.CircuitBreakerConfig

	now func() time.Time
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:             10,
		MinIdle:             0,
		AcquireTimeout:      30 * time.Second,
		IdleTimeout:         10 * time.Minute,
		ValidationInterval:  30 * time.Second,
		ProbeTimeout:        health.DefaultTimeout,
		MaintenanceInterval: 30 * time.Second,
		RetryBackoff:        50 * time.Millisecond,
		MaxRetryBackoff:     2 * time.Second,
	}
}

var poolSeq atomic.Uint64

// Validate checks the configuration and fills derived defaults.
func (c *Config) Validate() error {
	if c.MaxSize < 1 {
		return apperrors.Configuration("max size must be at least 1, got %d", c.MaxSize)
	}
	if c.MinIdle < 0 || c.MinIdle > c.MaxSize {
		return apperrors.Configuration("min idle must be between 0 and max size %d, got %d", c.MaxSize, c.MinIdle)
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"acquire timeout", c.AcquireTimeout},
		{"idle timeout", c.IdleTimeout},
		{"validation interval", c.ValidationInterval},
		{"probe timeout", c.ProbeTimeout},
		{"max lifetime", c.MaxLifetime},
		{"lease timeout", c.LeaseTimeout},
		{"maintenance interval", c.MaintenanceInterval},
		{"retry backoff", c.RetryBackoff},
		{"max retry backoff", c.MaxRetryBackoff},
	}
	for _, d := range durations {
		if d.value < 0 {
			return apperrors.Configuration("%s must not be negative, got %v", d.name, d.value)
		}
	}

	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = health.DefaultTimeout
		if c.AcquireTimeout > 0 && c.ProbeTimeout >= c.AcquireTimeout {
			c.ProbeTimeout = c.AcquireTimeout / 2
		}
	} else if c.AcquireTimeout > 0 && c.ProbeTimeout >= c.AcquireTimeout {
		return apperrors.Configuration("probe timeout %v must be below acquire timeout %v", c.ProbeTimeout, c.AcquireTimeout)
	}

	def := DefaultConfig()
	if c.RetryBackoff == 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	if c.MaxRetryBackoff == 0 {
		c.MaxRetryBackoff = max(def.MaxRetryBackoff, c.RetryBackoff)
	}
	if c.MaxRetryBackoff < c.RetryBackoff {
		return apperrors.Configuration("max retry backoff %v is below retry backoff %v", c.MaxRetryBackoff, c.RetryBackoff)
	}

	if c.ConnectRate < 0 {
		return apperrors.Configuration("connect rate must not be negative, got %v", c.ConnectRate)
	}
	if c.ConnectRate > 0 && c.ConnectBurst <= 0 {
		c.ConnectBurst = 1
	}

	if c.Name == "" {
		c.Name = fmt.Sprintf("dbpool-%d", poolSeq.Add(1))
	}
	if c.now == nil {
		c.now = time.Now
	}
	return nil
}
