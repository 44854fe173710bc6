package factory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var errPostgresClosed = errors.New("postgres connection is closed")

// Postgres opens single pgx connections. Each Create is one backend session;
// pgxpool is not involved.
type Postgres struct {
	// ConnString is a libpq URL or keyword/value string.
	ConnString string
	// ConnectTimeout overrides connect_timeout from ConnString when set.
	ConnectTimeout time.Duration
}

// Target implements Factory. It reports host, port and database only.
func (f *Postgres) Target() string {
	cfg, err := pgx.ParseConfig(f.ConnString)
	if err != nil {
		return "postgres"
	}
	return fmt.Sprintf("postgres://%s:%d/%s", cfg.Host, cfg.Port, cfg.Database)
}

// Create opens one session.
func (f *Postgres) Create(ctx context.Context) (Connection, error) {
	cfg, err := pgx.ParseConfig(f.ConnString)
	if err != nil {
		return nil, Classify("postgres", fmt.Errorf("parse connection string: %w", err))
	}
	if f.ConnectTimeout > 0 {
		cfg.ConnectTimeout = f.ConnectTimeout
	}

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, Classify(f.Target(), postgresCause(err))
	}

	log.WithField("target", f.Target()).Debug("opened postgres connection")
	return &PostgresConn{conn: conn}, nil
}

// postgresCause tags SQLSTATE class 28 (invalid authorization) as auth and
// pgconn timeouts as deadline errors.
func postgresCause(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "28") {
		return fmt.Errorf("%w: %w", ErrAuth, err)
	}
	if pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return err
}

// PostgresConn is one pgx session.
type PostgresConn struct {
	conn *pgx.Conn
}

// Conn returns the pgx connection for running statements.
func (c *PostgresConn) Conn() *pgx.Conn {
	return c.conn
}

// Probe pings the backend.
func (c *PostgresConn) Probe(ctx context.Context) error {
	if c.conn.IsClosed() {
		return errPostgresClosed
	}
	return c.conn.Ping(ctx)
}

// Close terminates the session, giving the server up to five seconds to
// acknowledge.
func (c *PostgresConn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.conn.Close(ctx)
}
