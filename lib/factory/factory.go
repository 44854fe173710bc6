// Package factory opens physical connections to a backing store.
//
// A Factory is the only part of dbpool that talks to the database. It opens
// exactly one session per Create call and never retries; retry and backoff
// belong to the pool. Failures come back as *errors.ConnectFailure with a
// Reason (network, auth, timeout) so the pool can pick its backoff.
//
// Every connection supports Close. Connections that can run a cheap
// round-trip also implement Prober, which the health checker uses.
package factory

import (
	"context"
	"errors"
	"net"

	apperrors "github.com/go-i2p/dbpool/lib/errors"
)

// ErrAuth marks a driver error as a credential rejection. Factories wrap
// driver-specific auth errors with it before classification.
var ErrAuth = errors.New("authentication rejected")

// Connection is a live session handle to the backing store.
type Connection interface {
	Close() error
}

// Prober is implemented by connections that support a lightweight
// round-trip, such as a no-op query.
type Prober interface {
	Probe(ctx context.Context) error
}

// Factory creates new connections.
type Factory interface {
	// Create opens one connection. Errors are *errors.ConnectFailure.
	Create(ctx context.Context) (Connection, error)
	// Target names what Create connects to, without credentials.
	Target() string
}

// Func adapts a function to the Factory interface.
type Func func(ctx context.Context) (Connection, error)

// Create calls f and classifies any error it returns.
func (f Func) Create(ctx context.Context) (Connection, error) {
	conn, err := f(ctx)
	if err != nil {
		return nil, Classify(f.Target(), err)
	}
	return conn, nil
}

// Target implements Factory.
func (f Func) Target() string {
	return "func"
}

// Classify wraps err in a ConnectFailure for target. Errors that already are
// connect failures keep their reason.
func Classify(target string, err error) error {
	if err == nil {
		return nil
	}
	return apperrors.NewConnectFailure(reasonOf(err), target, err)
}

func reasonOf(err error) apperrors.Reason {
	if errors.Is(err, ErrAuth) {
		return apperrors.ReasonAuth
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.ReasonTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return apperrors.ReasonTimeout
	}
	return apperrors.ReasonNetwork
}
