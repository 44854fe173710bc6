package pool

import (
	"context"
	"time"
)

// defaultConnectTimeout bounds a connect when AcquireTimeout is 0.
const defaultConnectTimeout = 30 * time.Second

// Shrink closes idle connections that have been idle longer than
// IdleTimeout, oldest first, without going below MinIdle. Leased
// connections are never touched. It returns the number closed.
func (p *Pool) Shrink() int {
	p.mu.Lock()
	if p.closed || p.config.IdleTimeout == 0 {
		p.mu.Unlock()
		return 0
	}

	now := p.now()
	excess := len(p.idle) - p.config.MinIdle
	var victims []*pooledConn
	kept := p.idle[:0:0]
	for _, pc := range p.idle {
		if len(victims) < excess && p.idleExpired(pc.idleSince, now) {
			pc.state = StateClosed
			victims = append(victims, pc)
			continue
		}
		kept = append(kept, pc)
	}
	p.idle = kept
	for range victims {
		p.slotFreedLocked()
	}
	p.mu.Unlock()

	p.closeConns(victims...)
	if len(victims) > 0 {
		log.WithField("pool", p.name).WithField("closed", len(victims)).Debug("shrink closed idle connections")
	}
	return len(victims)
}

// reapAbandoned reclaims leases held longer than LeaseTimeout. Their
// connections are closed; a later Release of such a lease is a misuse.
func (p *Pool) reapAbandoned() int {
	if p.config.LeaseTimeout == 0 {
		return 0
	}

	p.mu.Lock()
	now := p.now()
	var victims []*Lease
	for l := range p.leases {
		if now.Sub(l.acquiredAt) > p.config.LeaseTimeout && l.released.CompareAndSwap(false, true) {
			victims = append(victims, l)
		}
	}
	for _, l := range victims {
		delete(p.leases, l)
		l.pc.state = StateClosed
		p.slotFreedLocked()
	}
	p.mu.Unlock()

	for _, l := range victims {
		p.abandoned.Add(1)
		PoolAbandonedTotal.Inc()
		log.WithField("pool", p.name).
			WithField("lease", l.id).
			WithField("held", now.Sub(l.acquiredAt)).
			Warn("reclaiming abandoned lease")
		p.closeConns(l.pc)
	}
	return len(victims)
}

// replenish opens connections until MinIdle are idle. A connect failure is
// logged and the remaining slots are left for later.
func (p *Pool) replenish(ctx context.Context) int {
	p.mu.Lock()
	if p.closed || len(p.waiters) > 0 {
		p.mu.Unlock()
		return 0
	}
	need := min(p.config.MinIdle-len(p.idle), p.config.MaxSize-p.openLocked())
	if need <= 0 {
		p.mu.Unlock()
		return 0
	}
	p.pending += need
	p.mu.Unlock()

	timeout := p.config.AcquireTimeout
	if timeout == 0 {
		timeout = p.connectTimeout
	}

	opened := 0
	for i := 0; i < need; i++ {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		conn, err := p.dial(cctx, true)
		cancel()

		p.mu.Lock()
		p.pending--
		if err != nil {
			p.slotFreedLocked()
			p.releaseReservationsLocked(need - i - 1)
			p.mu.Unlock()
			log.WithField("pool", p.name).WithError(err).Warn("failed to replenish idle connections")
			return opened
		}

		pc := p.trackLocked(conn)
		if p.closed {
			pc.state = StateClosed
			p.releaseReservationsLocked(need - i - 1)
			p.mu.Unlock()
			p.closeConns(pc)
			return opened
		}
		p.putLocked(pc)
		p.mu.Unlock()
		opened++
	}
	return opened
}

func (p *Pool) releaseReservationsLocked(n int) {
	for i := 0; i < n; i++ {
		p.pending--
		p.slotFreedLocked()
	}
}

// maintain runs one maintenance pass.
func (p *Pool) maintain(ctx context.Context) {
	p.Shrink()
	p.reapAbandoned()
	p.replenish(ctx)
	UpdateMetrics(p.Stats())
}

func (p *Pool) maintenanceLoop() {
	defer close(p.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Fill the idle floor right away rather than after the first tick.
	p.replenish(ctx)

	ticker := time.NewTicker(p.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.maintain(ctx)
		}
	}
}

