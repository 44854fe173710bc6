package pool

import "github.com/go-i2p/dbpool/lib/metrics"

// Pool utilization metrics. Gauges reflect the pool that last called
// UpdateMetrics; counters sum over all pools in the process.
var (
	// PoolConnectionsMax is the maximum pool size.
	PoolConnectionsMax = metrics.NewGauge(
		"dbpool_connections_max",
		"Maximum number of connections in the pool",
	)
	// PoolConnectionsOpen is the current number of open connections.
	PoolConnectionsOpen = metrics.NewGauge(
		"dbpool_connections_open",
		"Current number of open connections",
	)
	// PoolConnectionsIdle is the current number of idle connections.
	PoolConnectionsIdle = metrics.NewGauge(
		"dbpool_connections_idle",
		"Current number of idle connections in the pool",
	)
	// PoolConnectionsInUse is the number of leased connections.
	PoolConnectionsInUse = metrics.NewGauge(
		"dbpool_connections_in_use",
		"Number of connections currently leased",
	)
	// PoolWaiting is the number of callers queued for a connection.
	PoolWaiting = metrics.NewGauge(
		"dbpool_waiting",
		"Number of callers waiting for a connection",
	)
	// PoolAcquireTotal is the total number of acquire attempts.
	PoolAcquireTotal = metrics.NewCounter(
		"dbpool_acquire_total",
		"Total number of connection acquire attempts",
	)
	// PoolAcquireSuccessTotal is the number of successful acquires.
	PoolAcquireSuccessTotal = metrics.NewCounter(
		"dbpool_acquire_success_total",
		"Total number of successful connection acquires",
	)
	// PoolAcquireFailedTotal is the number of failed acquires.
	PoolAcquireFailedTotal = metrics.NewCounter(
		"dbpool_acquire_failed_total",
		"Total number of failed connection acquires",
	)
	// PoolAcquireTimeoutTotal is the number of acquires that timed out.
	PoolAcquireTimeoutTotal = metrics.NewCounter(
		"dbpool_acquire_timeout_total",
		"Total number of connection acquires that timed out",
	)
	// PoolReleaseTotal is the number of releases.
	PoolReleaseTotal = metrics.NewCounter(
		"dbpool_release_total",
		"Total number of connection releases",
	)
	// PoolCreatedTotal is the number of physical connections opened.
	PoolCreatedTotal = metrics.NewCounter(
		"dbpool_connections_created_total",
		"Total number of physical connections opened",
	)
	// PoolClosedTotal is the number of physical connections closed.
	PoolClosedTotal = metrics.NewCounter(
		"dbpool_connections_closed_total",
		"Total number of physical connections closed",
	)
	// PoolConnectFailuresTotal is the number of failed connects.
	PoolConnectFailuresTotal = metrics.NewCounter(
		"dbpool_connect_failures_total",
		"Total number of failed physical connects",
	)
	// PoolValidationFailuresTotal is the number of connections discarded
	// after a failed probe.
	PoolValidationFailuresTotal = metrics.NewCounter(
		"dbpool_validation_failures_total",
		"Total number of connections that failed validation",
	)
	// PoolMisuseTotal counts double releases and similar caller errors.
	PoolMisuseTotal = metrics.NewCounter(
		"dbpool_misuse_total",
		"Total number of lease misuse errors",
	)
	// PoolAbandonedTotal counts leases reclaimed by the maintenance loop.
	PoolAbandonedTotal = metrics.NewCounter(
		"dbpool_abandoned_total",
		"Total number of abandoned leases reclaimed",
	)
	// PoolAcquireLatency tracks time spent acquiring connections.
	PoolAcquireLatency = metrics.NewHistogram(
		"dbpool_acquire_duration_seconds",
		"Time spent acquiring a connection from the pool",
		metrics.DefaultLatencyBuckets,
	)
)

// UpdateMetrics updates the pool gauges from Stats.
func UpdateMetrics(stats Stats) {
	PoolConnectionsMax.Set(int64(stats.MaxSize))
	PoolConnectionsOpen.Set(int64(stats.Open))
	PoolConnectionsIdle.Set(int64(stats.Idle))
	PoolConnectionsInUse.Set(int64(stats.Active))
	PoolWaiting.Set(int64(stats.Waiting))
}
