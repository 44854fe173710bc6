package resilience

import (
	"github.com/go-i2p/dbpool/lib/metrics"
)

// Circuit breaker metrics for Prometheus exposition.
var (
	// CircuitBreakerState tracks the state of the most recently changed breaker.
	// 0 = closed, 1 = open, 2 = half-open
	CircuitBreakerState = metrics.NewGauge(
		"dbpool_circuit_breaker_state",
		"Current state of the connect circuit breaker (0=closed, 1=open, 2=half-open)",
	)

	// CircuitBreakerTrips counts the number of times circuits have opened.
	CircuitBreakerTrips = metrics.NewCounter(
		"dbpool_circuit_breaker_trips_total",
		"Total number of times connect circuit breakers have opened",
	)

	// CircuitBreakerSuccesses counts connects recorded as successful.
	CircuitBreakerSuccesses = metrics.NewCounter(
		"dbpool_circuit_breaker_successes_total",
		"Total successful connects through circuit breakers",
	)

	// CircuitBreakerFailures counts connects recorded as failed.
	CircuitBreakerFailures = metrics.NewCounter(
		"dbpool_circuit_breaker_failures_total",
		"Total failed connects through circuit breakers",
	)

	// CircuitBreakerRejections counts connects rejected by open circuits.
	CircuitBreakerRejections = metrics.NewCounter(
		"dbpool_circuit_breaker_rejections_total",
		"Total connects rejected by open circuit breakers",
	)
)

// MetricsCallback is the default state change callback. It updates the
// state gauge and counts trips.
func MetricsCallback(from, to CircuitState) {
	CircuitBreakerState.Set(int64(to))
	if to == CircuitOpen {
		CircuitBreakerTrips.Inc()
	}
}
