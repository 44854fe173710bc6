package pool

import (
	"sync/atomic"
	"time"

	apperrors "github.com/go-i2p/dbpool/lib/errors"
	"github.com/go-i2p/dbpool/lib/factory"
	"github.com/google/uuid"
)

// State is the lifecycle state of a pooled connection.
type State int

const (
	// StateIdle means the connection sits in the pool ready for reuse.
	StateIdle State = iota
	// StateInUse means a lease holds the connection.
	StateInUse
	// StateValidating means the connection is being probed.
	StateValidating
	// StateClosed means the connection was discarded.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in-use"
	case StateValidating:
		return "validating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Hint is the caller's report on how a leased connection behaved.
type Hint int

const (
	// HintHealthy means the connection worked.
	HintHealthy Hint = iota
	// HintErrored means an operation on the connection failed; the pool
	// probes it before reuse.
	HintErrored
)

func (h Hint) String() string {
	if h == HintErrored {
		return "errored"
	}
	return "healthy"
}

// pooledConn wraps a connection with metadata. Fields other than id and
// conn are guarded by the pool mutex.
type pooledConn struct {
	id            uuid.UUID
	conn          factory.Connection
	state         State
	createdAt     time.Time
	lastUsedAt    time.Time
	idleSince     time.Time
	lastValidated time.Time
	useCount      uint64
}

func newPooledConn(conn factory.Connection, now time.Time) *pooledConn {
	return &pooledConn{
		id:            uuid.New(),
		conn:          conn,
		state:         StateIdle,
		createdAt:     now,
		lastUsedAt:    now,
		idleSince:     now,
		lastValidated: now,
	}
}

// ConnInfo is a snapshot of a pooled connection's metadata.
type ConnInfo struct {
	ID         uuid.UUID
	State      State
	CreatedAt  time.Time
	LastUsedAt time.Time
	UseCount   uint64
}

// Lease is temporary ownership of one pooled connection. Release it exactly
// once, typically with defer.
type Lease struct {
	id         uuid.UUID
	pool       *Pool
	pc         *pooledConn
	acquiredAt time.Time
	released   atomic.Bool
}

// ID identifies the lease in logs.
func (l *Lease) ID() uuid.UUID {
	return l.id
}

// Conn returns the leased connection, or ErrMisuse once the lease has been
// released or reclaimed.
func (l *Lease) Conn() (factory.Connection, error) {
	if l.released.Load() {
		return nil, apperrors.Misuse("lease %s used after release", l.id)
	}
	return l.pc.conn, nil
}

// Info returns the connection's metadata.
func (l *Lease) Info() ConnInfo {
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()
	return ConnInfo{
		ID:         l.pc.id,
		State:      l.pc.state,
		CreatedAt:  l.pc.createdAt,
		LastUsedAt: l.pc.lastUsedAt,
		UseCount:   l.pc.useCount,
	}
}

// Release returns the lease to its pool. See Pool.Release.
func (l *Lease) Release(hint Hint) error {
	return l.pool.Release(l, hint)
}
