package factory

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
)

// SQLDriver opens raw connections through a database/sql driver, bypassing
// database/sql's own pool.
type SQLDriver struct {
	// Connector opens connections. See NewSQLDriver and OpenSQLDriver.
	Connector driver.Connector
	// Name labels the target in logs and errors. The DSN is never used
	// there because it may hold credentials.
	Name string
	// ProbeQuery is used when the driver connection cannot Ping.
	// Default: "SELECT 1".
	ProbeQuery string
}

// NewSQLDriver builds a factory for drv and dsn.
func NewSQLDriver(drv driver.Driver, dsn, name string) (*SQLDriver, error) {
	if dc, ok := drv.(driver.DriverContext); ok {
		connector, err := dc.OpenConnector(dsn)
		if err != nil {
			return nil, fmt.Errorf("open connector: %w", err)
		}
		return &SQLDriver{Connector: connector, Name: name}, nil
	}
	return &SQLDriver{Connector: dsnConnector{dsn: dsn, drv: drv}, Name: name}, nil
}

// OpenSQLDriver looks up a driver registered with database/sql by name.
func OpenSQLDriver(driverName, dsn string) (*SQLDriver, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	drv := db.Driver()
	// sql.Open does not connect; the handle is only needed for its driver.
	db.Close()
	return NewSQLDriver(drv, dsn, driverName)
}

// Target implements Factory.
func (f *SQLDriver) Target() string {
	return "sql:" + f.Name
}

// Create opens one driver connection.
func (f *SQLDriver) Create(ctx context.Context) (Connection, error) {
	conn, err := f.Connector.Connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}
		return nil, Classify(f.Target(), err)
	}

	probe := f.ProbeQuery
	if probe == "" {
		probe = "SELECT 1"
	}
	return &SQLConn{conn: conn, probeQuery: probe}, nil
}

type dsnConnector struct {
	dsn string
	drv driver.Driver
}

func (c dsnConnector) Connect(context.Context) (driver.Conn, error) {
	return c.drv.Open(c.dsn)
}

func (c dsnConnector) Driver() driver.Driver {
	return c.drv
}

// SQLConn is one raw driver connection.
type SQLConn struct {
	conn       driver.Conn
	probeQuery string
}

// Raw returns the driver connection.
func (c *SQLConn) Raw() driver.Conn {
	return c.conn
}

// Probe checks the connection with, in order of preference, the driver's
// validity flag, Ping, or the probe query.
func (c *SQLConn) Probe(ctx context.Context) error {
	if v, ok := c.conn.(driver.Validator); ok && !v.IsValid() {
		return driver.ErrBadConn
	}
	if p, ok := c.conn.(driver.Pinger); ok {
		return p.Ping(ctx)
	}
	q, ok := c.conn.(driver.QueryerContext)
	if !ok {
		return nil
	}
	rows, err := q.QueryContext(ctx, c.probeQuery, nil)
	if err != nil {
		if errors.Is(err, driver.ErrSkip) {
			return nil
		}
		return err
	}
	return rows.Close()
}

// Close closes the driver connection.
func (c *SQLConn) Close() error {
	return c.conn.Close()
}
