package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/go-i2p/dbpool/lib/errors"
	"github.com/go-i2p/dbpool/lib/factory"
	"github.com/go-i2p/dbpool/lib/health"
	"github.com/go-i2p/dbpool/lib/metrics"
	"github.com/go-i2p/dbpool/lib/ratelimit"
	"github.com/go-i2p/dbpool/lib/resilience"
	"github.com/google/uuid"
)

// grant is what a queued caller receives: a lease, a reserved slot to
// connect into (both nil), or an error.
type grant struct {
	lease *Lease
	err   error
}

type waiter struct {
	ch chan grant
}

// Pool is a bounded connection pool.
type Pool struct {
	name    string
	factory factory.Factory
	config  Config
	checker *health.Checker
	limiter *ratelimit.Limiter
	breaker *resilience.CircuitBreaker
	now     func() time.Time
	// connectTimeout bounds a connect that has no acquire timeout over it.
	connectTimeout time.Duration

	mu      sync.Mutex
	idle    []*pooledConn // most recently used last
	leases  map[*Lease]struct{}
	pending int // slots reserved for connects and acquire-time probes
	waiters []*waiter
	closed  bool

	stop chan struct{}
	done chan struct{}

	totalCreated       atomic.Uint64
	totalClosed        atomic.Uint64
	acquireCount       atomic.Uint64
	acquireSuccess     atomic.Uint64
	acquireFailed      atomic.Uint64
	acquireTimeouts    atomic.Uint64
	releaseCount       atomic.Uint64
	validationFailures atomic.Uint64
	connectFailures    atomic.Uint64
	misuses            atomic.Uint64
	abandoned          atomic.Uint64
}

// New creates a pool. It validates cfg and fails with errors.ErrConfiguration
// on invalid input; it does not connect unless MinIdle is set, in which case
// the maintenance loop fills the idle floor in the background.
func New(f factory.Factory, cfg Config) (*Pool, error) {
	if f == nil {
		return nil, apperrors.Configuration("factory is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		name:    cfg.Name,
		factory: f,
		config:  cfg,
		checker: health.NewChecker(cfg.ProbeTimeout),
		now:     cfg.now,
		idle:    make([]*pooledConn, 0, cfg.MaxSize),
		leases:  make(map[*Lease]struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),

		connectTimeout: defaultConnectTimeout,
	}
	if cfg.ConnectRate > 0 {
		p.limiter = ratelimit.New(cfg.ConnectRate, cfg.ConnectBurst)
	}
	if cfg.Breaker != nil {
		p.breaker = resilience.NewCircuitBreaker(cfg.Name, *cfg.Breaker)
		p.breaker.SetStateChangeCallback(p.breakerStateChanged)
	}

	if cfg.MaintenanceInterval > 0 {
		go p.maintenanceLoop()
	} else {
		close(p.done)
	}

	log.WithField("pool", p.name).
		WithField("target", f.Target()).
		WithField("maxSize", cfg.MaxSize).
		WithField("minIdle", cfg.MinIdle).
		Debug("pool created")
	return p, nil
}

// Name returns the pool's name.
func (p *Pool) Name() string {
	return p.name
}

// Target returns the factory's target.
func (p *Pool) Target() string {
	return p.factory.Target()
}

// Acquire borrows a connection, waiting up to Config.AcquireTimeout.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	return p.AcquireWithin(ctx, p.config.AcquireTimeout)
}

// AcquireWithin borrows a connection, waiting up to timeout or until ctx
// ends, whichever comes first. A zero timeout never waits for a busy pool.
func (p *Pool) AcquireWithin(ctx context.Context, timeout time.Duration) (*Lease, error) {
	p.acquireCount.Add(1)
	PoolAcquireTotal.Inc()
	timer := metrics.NewTimer(PoolAcquireLatency)

	lease, err := p.acquire(ctx, timeout)
	timer.ObserveDuration()
	if err != nil {
		p.acquireFailed.Add(1)
		PoolAcquireFailedTotal.Inc()
		if apperrors.IsAcquireTimeout(err) {
			p.acquireTimeouts.Add(1)
			PoolAcquireTimeoutTotal.Inc()
		}
		log.WithField("pool", p.name).WithError(err).Debug("acquire failed")
		return nil, err
	}

	p.acquireSuccess.Add(1)
	PoolAcquireSuccessTotal.Inc()
	return lease, nil
}

func (p *Pool) acquire(parent context.Context, timeout time.Duration) (*Lease, error) {
	start := time.Now()
	wait := timeout > 0
	ctx := parent
	if wait {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}

	var lastErr error
	attempt := 0
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, apperrors.ErrPoolClosed
		}
		if ctx.Err() != nil {
			p.mu.Unlock()
			return nil, timeoutError(ctx, start, lastErr)
		}

		pc, expired := p.popIdleLocked()
		switch {
		case pc != nil && !p.needsValidationLocked(pc):
			lease := p.newLeaseLocked(pc)
			p.mu.Unlock()
			p.closeConns(expired...)
			return lease, nil

		case pc != nil:
			pc.state = StateValidating
			p.pending++
			p.mu.Unlock()
			p.closeConns(expired...)
			if lease := p.validate(ctx, pc); lease != nil {
				return lease, nil
			}
			continue

		case p.openLocked() < p.config.MaxSize && len(p.waiters) == 0:
			p.pending++
			p.mu.Unlock()
			p.closeConns(expired...)

		case !wait:
			p.mu.Unlock()
			p.closeConns(expired...)
			return nil, timeoutError(ctx, start, lastErr)

		default:
			w := &waiter{ch: make(chan grant, 1)}
			p.waiters = append(p.waiters, w)
			p.mu.Unlock()
			p.closeConns(expired...)

			lease, err := p.await(ctx, w)
			if err != nil {
				if errors.Is(err, apperrors.ErrPoolClosed) {
					return nil, err
				}
				return nil, timeoutError(ctx, start, lastErr)
			}
			if lease != nil {
				return lease, nil
			}
		}

		// A slot is reserved for this caller.
		lease, err := p.connectOnce(ctx, wait)
		if err == nil {
			return lease, nil
		}
		if errors.Is(err, apperrors.ErrPoolClosed) {
			return nil, err
		}
		if !apperrors.IsConnectFailure(err) {
			if !wait {
				return nil, timeoutError(ctx, start, err)
			}
			continue
		}

		lastErr = err
		if !wait {
			return nil, timeoutError(ctx, start, lastErr)
		}
		if !sleep(ctx, p.backoff(attempt, err)) {
			return nil, timeoutError(ctx, start, lastErr)
		}
		attempt++
	}
}

func timeoutError(ctx context.Context, start time.Time, lastErr error) error {
	cause := lastErr
	switch err := ctx.Err(); {
	case errors.Is(err, context.Canceled):
		cause = context.Canceled
	case cause == nil:
		cause = err
	}
	return &apperrors.AcquireTimeoutError{Waited: time.Since(start), Cause: cause}
}

// await blocks a queued caller until it is granted something or ctx ends.
// A nil lease with a nil error means a slot was reserved for the caller.
func (p *Pool) await(ctx context.Context, w *waiter) (*Lease, error) {
	select {
	case g := <-w.ch:
		return g.lease, g.err
	case <-ctx.Done():
	}
	p.abandon(w)
	return nil, ctx.Err()
}

// abandon dequeues a waiter whose caller gave up. A grant that raced with
// the cancellation is passed on to the next waiter.
func (p *Pool) abandon(w *waiter) {
	p.mu.Lock()
	if p.removeWaiterLocked(w) {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	// Grants are sent under the lock, so one is already buffered.
	g := <-w.ch
	switch {
	case g.lease != nil:
		p.reoffer(g.lease)
	case g.err == nil:
		p.mu.Lock()
		p.pending--
		p.slotFreedLocked()
		p.mu.Unlock()
	}
}

func (p *Pool) removeWaiterLocked(w *waiter) bool {
	for i, q := range p.waiters {
		if q == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) popWaiterLocked() *waiter {
	if len(p.waiters) == 0 {
		return nil
	}
	w := p.waiters[0]
	p.waiters[0] = nil
	p.waiters = p.waiters[1:]
	return w
}

// popIdleLocked takes the most recently used idle connection still within
// its idle and lifetime limits. Expired ones it passes over are returned
// for closing.
func (p *Pool) popIdleLocked() (*pooledConn, []*pooledConn) {
	now := p.now()
	var expired []*pooledConn
	for len(p.idle) > 0 {
		pc := p.idle[len(p.idle)-1]
		p.idle[len(p.idle)-1] = nil
		p.idle = p.idle[:len(p.idle)-1]

		if p.idleExpired(pc.idleSince, now) || p.lifetimeExpired(pc, now) {
			pc.state = StateClosed
			expired = append(expired, pc)
			p.slotFreedLocked()
			continue
		}
		return pc, expired
	}
	return nil, expired
}

func (p *Pool) needsValidationLocked(pc *pooledConn) bool {
	return p.now().Sub(pc.lastValidated) >= p.config.ValidationInterval
}

func (p *Pool) idleExpired(since, now time.Time) bool {
	return p.config.IdleTimeout > 0 && now.Sub(since) > p.config.IdleTimeout
}

func (p *Pool) lifetimeExpired(pc *pooledConn, now time.Time) bool {
	return p.config.MaxLifetime > 0 && now.Sub(pc.createdAt) > p.config.MaxLifetime
}

// validate probes a stale idle connection on behalf of an acquire. The
// caller holds a reserved slot for it.
func (p *Pool) validate(ctx context.Context, pc *pooledConn) *Lease {
	res := p.checker.Probe(ctx, pc.conn)

	p.mu.Lock()
	p.pending--
	if res.Status == health.Healthy && !p.closed {
		pc.lastValidated = p.now()
		lease := p.newLeaseLocked(pc)
		p.mu.Unlock()
		return lease
	}
	pc.state = StateClosed
	p.slotFreedLocked()
	p.mu.Unlock()

	if res.Status != health.Healthy {
		p.validationFailures.Add(1)
		PoolValidationFailuresTotal.Inc()
		log.WithField("pool", p.name).WithField("conn", pc.id).Debug("discarding idle connection that failed validation")
	}
	p.closeWhenSettled(pc, res.Settled)
	return nil
}

// connectOnce runs one connect for an acquire. Without an acquire timeout
// the attempt is bounded by connectTimeout and never waits for the rate
// limiter.
func (p *Pool) connectOnce(ctx context.Context, wait bool) (*Lease, error) {
	if wait {
		return p.connect(ctx, true)
	}
	cctx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()
	return p.connect(cctx, false)
}

// connect opens a connection into a slot the caller already reserved.
func (p *Pool) connect(ctx context.Context, wait bool) (*Lease, error) {
	conn, err := p.dial(ctx, wait)

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.slotFreedLocked()
		p.mu.Unlock()
		return nil, err
	}

	pc := p.trackLocked(conn)
	if p.closed {
		pc.state = StateClosed
		p.mu.Unlock()
		p.closeConns(pc)
		return nil, apperrors.ErrPoolClosed
	}
	lease := p.newLeaseLocked(pc)
	p.mu.Unlock()
	return lease, nil
}

// dial runs one physical connect through the rate limiter and breaker.
// With wait unset a spent rate limiter fails at once with
// ratelimit.ErrLimited. Errors are connect failures except when the rate
// limiter refuses or ctx ends while waiting on it.
func (p *Pool) dial(ctx context.Context, wait bool) (factory.Connection, error) {
	if p.limiter != nil {
		if !wait {
			if !p.limiter.Allow() {
				return nil, ratelimit.ErrLimited
			}
		} else if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var conn factory.Connection
	create := func(ctx context.Context) error {
		var err error
		conn, err = p.factory.Create(ctx)
		if err == nil && conn == nil {
			err = errors.New("factory returned no connection")
		}
		return err
	}

	var err error
	if p.breaker != nil {
		err = p.breaker.ExecuteWithContext(ctx, create)
	} else {
		err = create(ctx)
	}
	if err != nil {
		p.recordConnectFailure()
		if errors.Is(err, apperrors.ErrCircuitOpen) {
			return nil, apperrors.NewConnectFailure(apperrors.ReasonNetwork, p.factory.Target(), err)
		}
		err = factory.Classify(p.factory.Target(), err)
		log.WithField("pool", p.name).WithError(err).Debug("connect failed")
		return nil, err
	}
	return conn, nil
}

// breakerStateChanged runs under the breaker's lock.
func (p *Pool) breakerStateChanged(from, to resilience.CircuitState) {
	resilience.MetricsCallback(from, to)
	switch to {
	case resilience.CircuitOpen:
		log.WithField("pool", p.name).
			WithField("target", p.factory.Target()).
			WithField("coolDown", p.config.Breaker.CoolDown).
			Warn("connects suspended by circuit breaker")
	case resilience.CircuitClosed:
		log.WithField("pool", p.name).Info("connects resumed")
	}
}

func (p *Pool) recordConnectFailure() {
	p.connectFailures.Add(1)
	PoolConnectFailuresTotal.Inc()
}

func (p *Pool) backoff(attempt int, err error) time.Duration {
	if reason, ok := apperrors.ReasonOf(err); ok && reason == apperrors.ReasonAuth {
		return p.config.MaxRetryBackoff
	}
	d := p.config.RetryBackoff
	for i := 0; i < attempt && d < p.config.MaxRetryBackoff; i++ {
		d *= 2
	}
	d = min(d, p.config.MaxRetryBackoff)
	if p.breaker != nil && errors.Is(err, apperrors.ErrCircuitOpen) {
		d = max(d, p.breaker.RetryAfter())
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (p *Pool) trackLocked(conn factory.Connection) *pooledConn {
	pc := newPooledConn(conn, p.now())
	p.totalCreated.Add(1)
	PoolCreatedTotal.Inc()
	log.WithField("pool", p.name).WithField("conn", pc.id).Debug("opened connection")
	return pc
}

func (p *Pool) openLocked() int {
	return len(p.idle) + len(p.leases) + p.pending
}

func (p *Pool) newLeaseLocked(pc *pooledConn) *Lease {
	now := p.now()
	pc.state = StateInUse
	pc.lastUsedAt = now
	pc.useCount++
	l := &Lease{id: uuid.New(), pool: p, pc: pc, acquiredAt: now}
	p.leases[l] = struct{}{}
	return l
}

// putLocked hands a reusable connection to the first waiter, or parks it.
func (p *Pool) putLocked(pc *pooledConn) {
	if w := p.popWaiterLocked(); w != nil {
		w.ch <- grant{lease: p.newLeaseLocked(pc)}
		return
	}
	pc.state = StateIdle
	pc.idleSince = p.now()
	p.idle = append(p.idle, pc)
}

// slotFreedLocked passes a slot that just became free to the first waiter.
func (p *Pool) slotFreedLocked() {
	if w := p.popWaiterLocked(); w != nil {
		p.pending++
		w.ch <- grant{}
	}
}

// reoffer puts back a lease granted to a caller that had already given up.
func (p *Pool) reoffer(l *Lease) {
	l.released.Store(true)

	p.mu.Lock()
	delete(p.leases, l)
	if p.closed {
		l.pc.state = StateClosed
		p.mu.Unlock()
		p.closeConns(l.pc)
		return
	}
	p.putLocked(l.pc)
	p.mu.Unlock()
}

// closeWhenSettled closes pc once no probe is running on it. A probe that
// timed out may still be inside the driver; the close then happens on its
// own goroutine after the probe returns.
func (p *Pool) closeWhenSettled(pc *pooledConn, settled <-chan struct{}) {
	select {
	case <-settled:
		p.closeConns(pc)
	default:
		go func() {
			<-settled
			p.closeConns(pc)
		}()
	}
}

func (p *Pool) closeConns(pcs ...*pooledConn) {
	for _, pc := range pcs {
		if err := pc.conn.Close(); err != nil {
			log.WithField("pool", p.name).WithField("conn", pc.id).WithError(err).Debug("error closing connection")
		}
		p.totalClosed.Add(1)
		PoolClosedTotal.Inc()
	}
}

// Release returns a lease. With HintErrored the connection is probed first.
// It goes back into service only if healthy, used within IdleTimeout and
// younger than MaxLifetime; otherwise it is closed and its slot freed.
// Releasing a lease twice, or one reclaimed as abandoned, returns
// errors.ErrMisuse and changes nothing. After Close the connection is
// closed and Release returns nil.
func (p *Pool) Release(lease *Lease, hint Hint) error {
	if lease == nil || lease.pool != p {
		p.misuses.Add(1)
		PoolMisuseTotal.Inc()
		return apperrors.Misuse("release of a lease not issued by pool %q", p.name)
	}
	if !lease.released.CompareAndSwap(false, true) {
		p.misuses.Add(1)
		PoolMisuseTotal.Inc()
		log.WithField("pool", p.name).WithField("lease", lease.id).Warn("lease released twice")
		return apperrors.Misuse("lease %s already released", lease.id)
	}
	p.releaseCount.Add(1)
	PoolReleaseTotal.Inc()

	pc := lease.pc
	healthy := true
	var settled <-chan struct{}
	if hint == HintErrored {
		res := p.checker.Probe(context.Background(), pc.conn)
		healthy = res.Status == health.Healthy
		settled = res.Settled
		if !healthy {
			p.validationFailures.Add(1)
			PoolValidationFailuresTotal.Inc()
		}
	}

	p.mu.Lock()
	delete(p.leases, lease)
	now := p.now()
	var reason string
	switch {
	case p.closed:
		reason = "pool closed"
	case !healthy:
		reason = "failed validation"
	case p.idleExpired(pc.lastUsedAt, now):
		reason = "held past idle timeout"
	case p.lifetimeExpired(pc, now):
		reason = "past max lifetime"
	}
	if reason == "" {
		if hint == HintErrored {
			pc.lastValidated = now
		}
		p.putLocked(pc)
		p.mu.Unlock()
		return nil
	}

	pc.state = StateClosed
	p.slotFreedLocked()
	p.mu.Unlock()

	log.WithField("pool", p.name).
		WithField("conn", pc.id).
		WithField("hint", hint.String()).
		WithField("reason", reason).
		Debug("discarding connection on release")
	if settled != nil {
		p.closeWhenSettled(pc, settled)
	} else {
		p.closeConns(pc)
	}
	return nil
}

// Close shuts the pool down: queued callers fail with errors.ErrPoolClosed,
// idle connections are closed and maintenance stops. Outstanding leases stay
// usable and are closed when released. Calling Close again returns
// errors.ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return apperrors.ErrPoolClosed
	}
	p.closed = true

	idle := p.idle
	p.idle = nil
	for _, pc := range idle {
		pc.state = StateClosed
	}
	waiters := p.waiters
	p.waiters = nil
	for _, w := range waiters {
		w.ch <- grant{err: apperrors.ErrPoolClosed}
	}
	outstanding := len(p.leases)
	close(p.stop)
	p.mu.Unlock()

	p.closeConns(idle...)
	<-p.done

	log.WithField("pool", p.name).
		WithField("closedIdle", len(idle)).
		WithField("failedWaiters", len(waiters)).
		WithField("outstanding", outstanding).
		Info("pool closed")
	return nil
}

// Stats holds pool statistics.
type Stats struct {
	// MaxSize is the maximum pool size.
	MaxSize int
	// Open is Idle + Active + Pending.
	Open int
	// Idle is the number of parked connections.
	Idle int
	// Active is the number of outstanding leases.
	Active int
	// Pending is the number of slots reserved for connects and probes.
	Pending int
	// Waiting is the number of queued callers.
	Waiting int

	TotalCreated       uint64
	TotalClosed        uint64
	AcquireCount       uint64
	AcquireSuccess     uint64
	AcquireFailed      uint64
	AcquireTimeouts    uint64
	ReleaseCount       uint64
	ValidationFailures uint64
	ConnectFailures    uint64
	Misuses            uint64
	Abandoned          uint64
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		MaxSize:            p.config.MaxSize,
		Open:               p.openLocked(),
		Idle:               len(p.idle),
		Active:             len(p.leases),
		Pending:            p.pending,
		Waiting:            len(p.waiters),
		TotalCreated:       p.totalCreated.Load(),
		TotalClosed:        p.totalClosed.Load(),
		AcquireCount:       p.acquireCount.Load(),
		AcquireSuccess:     p.acquireSuccess.Load(),
		AcquireFailed:      p.acquireFailed.Load(),
		AcquireTimeouts:    p.acquireTimeouts.Load(),
		ReleaseCount:       p.releaseCount.Load(),
		ValidationFailures: p.validationFailures.Load(),
		ConnectFailures:    p.connectFailures.Load(),
		Misuses:            p.misuses.Load(),
		Abandoned:          p.abandoned.Load(),
	}
}

// ActiveCount returns the number of outstanding leases.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leases)
}

// IdleCount returns the number of idle connections.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// TotalCreated returns how many physical connections the pool has opened.
func (p *Pool) TotalCreated() uint64 {
	return p.totalCreated.Load()
}
