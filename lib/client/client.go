// Package client pairs every borrowed connection with a release.
//
// Callers hand WithConnection a function; the client acquires a lease, runs
// the function and releases the lease on every path out of it, including
// panics. An error from the function, a cancelled context or a panic
// releases the connection as errored, so the pool probes it before reuse.
package client

import (
	"context"
	"errors"

	apperrors "github.com/go-i2p/dbpool/lib/errors"
	"github.com/go-i2p/dbpool/lib/factory"
	"github.com/go-i2p/dbpool/lib/pool"
)

// Client runs scoped operations against a pool.
type Client struct {
	pool *pool.Pool
}

// New wraps p.
func New(p *pool.Pool) *Client {
	return &Client{pool: p}
}

// Open creates a pool for f and wraps it.
func Open(f factory.Factory, cfg pool.Config) (*Client, error) {
	p, err := pool.New(f, cfg)
	if err != nil {
		return nil, err
	}
	return New(p), nil
}

// Pool returns the underlying pool.
func (c *Client) Pool() *pool.Pool {
	return c.pool
}

type keepError struct {
	err error
}

func (e *keepError) Error() string { return e.err.Error() }
func (e *keepError) Unwrap() error { return e.err }

// Keep marks err as an application-level failure that says nothing about
// the connection, such as a constraint violation. WithConnection returns
// the original error and releases the connection as healthy.
func Keep(err error) error {
	if err == nil {
		return nil
	}
	return &keepError{err: err}
}

// WithConnection acquires a connection, runs fn with it and releases it.
// Acquire errors are returned as is; otherwise fn's error is returned.
func (c *Client) WithConnection(ctx context.Context, fn func(ctx context.Context, conn factory.Connection) error) error {
	lease, err := c.pool.Acquire(ctx)
	if err != nil {
		log.WithError(err).WithField("pool", c.pool.Name()).Debug("failed to acquire connection")
		return err
	}

	healthy := false
	defer func() {
		hint := pool.HintErrored
		if healthy {
			hint = pool.HintHealthy
		}
		if err := c.pool.Release(lease, hint); err != nil {
			log.WithError(err).WithField("lease", lease.ID()).Warn("failed to release connection")
		}
	}()

	conn, err := lease.Conn()
	if err != nil {
		return err
	}

	if err := fn(ctx, conn); err != nil {
		var keep *keepError
		if errors.As(err, &keep) {
			healthy = ctx.Err() == nil
			return keep.err
		}
		return err
	}

	healthy = ctx.Err() == nil
	return nil
}

// With is WithConnection for callers that need the concrete connection
// type. A connection of another type fails with errors.ErrMisuse and is
// released as healthy.
func With[C factory.Connection](ctx context.Context, c *Client, fn func(ctx context.Context, conn C) error) error {
	return c.WithConnection(ctx, func(ctx context.Context, conn factory.Connection) error {
		typed, ok := conn.(C)
		if !ok {
			var want C
			return Keep(apperrors.Misuse("connection is %T, not %T", conn, want))
		}
		return fn(ctx, typed)
	})
}

// Do runs fn like WithConnection and returns its value.
func Do[T any](ctx context.Context, c *Client, fn func(ctx context.Context, conn factory.Connection) (T, error)) (T, error) {
	var out T
	err := c.WithConnection(ctx, func(ctx context.Context, conn factory.Connection) error {
		v, err := fn(ctx, conn)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Stats returns the pool's statistics.
func (c *Client) Stats() pool.Stats {
	return c.pool.Stats()
}

// Close closes the pool.
func (c *Client) Close() error {
	return c.pool.Close()
}
