package factory

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// DefaultSQLitePragmas are applied to every new SQLite connection unless
// SQLite.Pragmas is set.
var DefaultSQLitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

// SQLite opens connections to a SQLite database file.
type SQLite struct {
	// Path is the database file. It is created if missing.
	Path string
	// Flags are passed to sqlite.OpenConn. Zero means the package default
	// (read-write, create, WAL, URI).
	Flags sqlite.OpenFlags
	// Pragmas run on every new connection. Nil means DefaultSQLitePragmas.
	Pragmas []string
	// OnConnect runs after the pragmas, e.g. to create schema.
	OnConnect func(conn *sqlite.Conn) error
}

// Target implements Factory.
func (f *SQLite) Target() string {
	return "sqlite://" + f.Path
}

// Create opens and prepares one connection.
func (f *SQLite) Create(ctx context.Context) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, Classify(f.Target(), err)
	}

	var (
		conn *sqlite.Conn
		err  error
	)
	if f.Flags == 0 {
		conn, err = sqlite.OpenConn(f.Path)
	} else {
		conn, err = sqlite.OpenConn(f.Path, f.Flags)
	}
	if err != nil {
		return nil, Classify(f.Target(), sqliteCause(err))
	}

	if err := f.prepare(ctx, conn); err != nil {
		conn.Close()
		return nil, Classify(f.Target(), sqliteCause(err))
	}

	log.WithField("path", f.Path).Debug("opened sqlite connection")
	return &SQLiteConn{conn: conn}, nil
}

func (f *SQLite) prepare(ctx context.Context, conn *sqlite.Conn) error {
	conn.SetInterrupt(ctx.Done())
	defer conn.SetInterrupt(nil)

	pragmas := f.Pragmas
	if pragmas == nil {
		pragmas = DefaultSQLitePragmas
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if f.OnConnect != nil {
		if err := f.OnConnect(conn); err != nil {
			return fmt.Errorf("on connect: %w", err)
		}
	}
	return nil
}

// sqliteCause tags SQLite result codes the pool treats specially.
func sqliteCause(err error) error {
	switch sqlite.ErrCode(err).ToPrimary() {
	case sqlite.ResultAuth:
		return fmt.Errorf("%w: %w", ErrAuth, err)
	case sqlite.ResultBusy, sqlite.ResultInterrupt:
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	default:
		return err
	}
}

// SQLiteConn is one SQLite connection.
type SQLiteConn struct {
	conn *sqlite.Conn
}

// Conn returns the underlying connection for running statements. It must not
// be used after the lease that produced it is released.
func (c *SQLiteConn) Conn() *sqlite.Conn {
	return c.conn
}

// Probe runs SELECT 1, interrupted if ctx ends first.
func (c *SQLiteConn) Probe(ctx context.Context) error {
	prev := c.conn.SetInterrupt(ctx.Done())
	defer c.conn.SetInterrupt(prev)
	return sqlitex.ExecuteTransient(c.conn, "SELECT 1;", nil)
}

// Close closes the connection.
func (c *SQLiteConn) Close() error {
	return c.conn.Close()
}
