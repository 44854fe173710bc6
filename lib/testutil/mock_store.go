// Package testutil provides test doubles for dbpool tests.
package testutil

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-process store speaking the line protocol understood by
// factory.Net:
//
//	AUTH <user> <password>  -> OK | -ERR invalid credentials
//	PING                    -> PONG
//	ECHO <text>             -> <text>
//	SLEEP <millis>          -> OK, after sleeping
//	QUIT                    -> connection closed
//
// Commands other than AUTH fail with "-ERR auth required" until the session
// authenticates, when credentials were configured with RequireAuth.
type MockStore struct {
	mu       sync.Mutex
	listener net.Listener
	addr     string
	user     string
	password string
	conns    map[net.Conn]struct{}
	accepted int
	closed   bool
	wg       sync.WaitGroup
}

// NewMockStore starts a store on a random loopback port.
func NewMockStore() (*MockStore, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	m := &MockStore{
		listener: ln,
		addr:     ln.Addr().String(),
		conns:    make(map[net.Conn]struct{}),
	}

	m.wg.Add(1)
	go m.acceptLoop()
	return m, nil
}

// RequireAuth makes new sessions authenticate with the given credentials.
func (m *MockStore) RequireAuth(user, password string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user = user
	m.password = password
}

// Addr returns the listening address.
func (m *MockStore) Addr() string {
	return m.addr
}

// Accepted returns how many sessions have been accepted so far.
func (m *MockStore) Accepted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepted
}

// Open returns how many sessions are currently open.
func (m *MockStore) Open() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// KillAll drops every open session from the server side, as a network
// partition or server restart would. It returns the number dropped.
func (m *MockStore) KillAll() int {
	m.mu.Lock()
	conns := make([]net.Conn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return len(conns)
}

// Close stops the store and drops all sessions.
func (m *MockStore) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	err := m.listener.Close()
	m.KillAll()
	m.wg.Wait()
	return err
}

func (m *MockStore) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.conns[conn] = struct{}{}
		m.accepted++
		m.mu.Unlock()

		m.wg.Add(1)
		go m.handleConnection(conn)
	}
}

func (m *MockStore) handleConnection(conn net.Conn) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.conns, conn)
		m.mu.Unlock()
		conn.Close()
	}()

	m.mu.Lock()
	user, password := m.user, m.password
	m.mu.Unlock()
	authed := user == "" && password == ""

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		cmd, arg, _ := strings.Cut(strings.TrimSpace(scanner.Text()), " ")

		var reply string
		switch strings.ToUpper(cmd) {
		case "AUTH":
			u, p, _ := strings.Cut(arg, " ")
			if u == user && p == password {
				authed = true
				reply = "OK"
			} else {
				reply = "-ERR invalid credentials"
			}
		case "QUIT":
			return
		default:
			if !authed {
				reply = "-ERR auth required"
			} else {
				reply = m.execute(strings.ToUpper(cmd), arg)
			}
		}

		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			return
		}
	}
}

func (m *MockStore) execute(cmd, arg string) string {
	switch cmd {
	case "PING":
		return "PONG"
	case "ECHO":
		return arg
	case "SLEEP":
		ms, err := strconv.Atoi(arg)
		if err != nil {
			return "-ERR bad duration"
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return "OK"
	default:
		return "-ERR unknown command"
	}
}
