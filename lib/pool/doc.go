// Package pool hands out bounded, reusable connections to a backing store.
//
// A Pool owns at most MaxSize physical connections. Callers borrow one as a
// Lease and return it with Release, reporting whether it behaved. The pool:
//   - reuses the most recently used idle connection first
//   - probes idle connections that have gone unvalidated for too long
//   - queues callers FIFO when saturated and hands released connections,
//     or freed slots, straight to the head of the queue
//   - retries failed connects with exponential backoff until the acquire
//     timeout runs out
//   - evicts connections idle past IdleTimeout down to MinIdle
//
// # Basic Usage
//
//	f := &factory.Net{Address: "localhost:7480"}
//
//	cfg := pool.DefaultConfig()
//	cfg.MaxSize = 10
//	cfg.IdleTimeout = 5 * time.Minute
//
//	p, err := pool.New(f, cfg)
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//
//	lease, err := p.Acquire(ctx)
//	if err != nil {
//	    return err
//	}
//	conn, _ := lease.Conn()
//	if err := use(conn); err != nil {
//	    p.Release(lease, pool.HintErrored)
//	    return err
//	}
//	p.Release(lease, pool.HintHealthy)
//
// Most callers should use the client package, which pairs every acquire
// with a release.
//
// # Errors
//
// Acquire fails only with errors.ErrAcquireTimeout (wrapping the last
// connect failure, if any, or context.Canceled) or errors.ErrPoolClosed.
// A second Release of the same lease returns errors.ErrMisuse.
//
// # Metrics
//
// Pool metrics are registered with the metrics package under the dbpool_
// prefix; see metrics.go.
package pool
