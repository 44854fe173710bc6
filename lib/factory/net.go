package factory

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Net dials a store that speaks a newline-delimited text protocol. The store
// answers "AUTH <user> <password>" with "OK", "PING" with "PONG", and reports
// failures as lines starting with "-ERR".
type Net struct {
	// Network is "tcp" (default) or "unix".
	Network string
	// Address is host:port, or a socket path for unix.
	Address string
	// Username and Password are sent with AUTH when either is set.
	Username string
	Password string
	// DialTimeout bounds the dial on top of the caller's context.
	DialTimeout time.Duration
}

// Target implements Factory.
func (f *Net) Target() string {
	return f.network() + "://" + f.Address
}

func (f *Net) network() string {
	if f.Network == "" {
		return "tcp"
	}
	return f.Network
}

// Create dials and authenticates one connection.
func (f *Net) Create(ctx context.Context) (Connection, error) {
	d := net.Dialer{Timeout: f.DialTimeout}
	c, err := d.DialContext(ctx, f.network(), f.Address)
	if err != nil {
		return nil, Classify(f.Target(), err)
	}

	lc := &LineConn{conn: c, reader: bufio.NewReader(c)}
	if f.Username != "" || f.Password != "" {
		if err := lc.auth(ctx, f.Username, f.Password); err != nil {
			c.Close()
			return nil, Classify(f.Target(), err)
		}
	}

	log.WithField("target", f.Target()).Debug("opened line protocol connection")
	return lc, nil
}

// ReplyError is an "-ERR" reply from the store.
type ReplyError struct {
	Message string
}

func (e *ReplyError) Error() string {
	return "store replied: " + e.Message
}

// LineConn is one line-protocol session. It is not safe for concurrent use;
// the pool guarantees a single borrower.
type LineConn struct {
	conn   net.Conn
	reader *bufio.Reader
}

func (c *LineConn) auth(ctx context.Context, user, password string) error {
	reply, err := c.Do(ctx, "AUTH "+user+" "+password)
	if err != nil {
		var re *ReplyError
		if errors.As(err, &re) {
			return fmt.Errorf("%w: %s", ErrAuth, re.Message)
		}
		return err
	}
	if reply != "OK" {
		return fmt.Errorf("%w: unexpected reply %q", ErrAuth, reply)
	}
	return nil
}

// Do sends one command line and returns the reply line. The context's
// deadline and cancellation both interrupt the round-trip.
func (c *LineConn) Do(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return "", fmt.Errorf("set deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		// Unblocks a pending read or write.
		c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if _, err := c.conn.Write([]byte(cmd + "\n")); err != nil {
		return "", fmt.Errorf("write command: %w", err)
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}

	reply := strings.TrimRight(line, "\r\n")
	if msg, ok := strings.CutPrefix(reply, "-ERR"); ok {
		return "", &ReplyError{Message: strings.TrimSpace(msg)}
	}
	return reply, nil
}

// Probe sends PING and expects PONG.
func (c *LineConn) Probe(ctx context.Context) error {
	reply, err := c.Do(ctx, "PING")
	if err != nil {
		return err
	}
	if reply != "PONG" {
		return fmt.Errorf("unexpected ping reply %q", reply)
	}
	return nil
}

// RemoteAddr returns the store's address.
func (c *LineConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the session.
func (c *LineConn) Close() error {
	return c.conn.Close()
}
