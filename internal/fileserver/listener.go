package fileserver

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"grimm.is/servethis/internal/clock"
	"grimm.is/servethis/internal/metrics"
)

// idleListener applies an idle timeout to every accepted connection.
type idleListener struct {
	net.Listener
	timeout time.Duration
	metrics *metrics.Registry
}

func newIdleListener(ln net.Listener, timeout time.Duration, m *metrics.Registry) *idleListener {
	return &idleListener{Listener: ln, timeout: timeout, metrics: m}
}

func (l *idleListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	ic := &idleConn{Conn: c, timeout: l.timeout, metrics: l.metrics}
	ic.touch()
	l.metrics.ConnectionsAccepted.Inc()
	l.metrics.ConnectionsOpen.Inc()
	return ic, nil
}

// idleConn closes itself (through deadline expiry) once no byte has been
// read or written for timeout. Deadlines requested by net/http are kept and
// the earlier of the two is applied.
type idleConn struct {
	net.Conn
	timeout time.Duration
	metrics *metrics.Registry

	mu        sync.Mutex
	idleUntil time.Time
	readDL    time.Time
	writeDL   time.Time

	timedOut  sync.Once
	closeOnce sync.Once
}

func (c *idleConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.touch()
	}
	if err != nil && c.idleExpired(err) {
		c.timedOut.Do(func() { c.metrics.IdleTimeouts.Inc() })
	}
	return n, err
}

func (c *idleConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.touch()
	}
	return n, err
}

func (c *idleConn) Close() error {
	c.closeOnce.Do(func() { c.metrics.ConnectionsOpen.Dec() })
	return c.Conn.Close()
}

func (c *idleConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDL, c.writeDL = t, t
	return c.applyLocked()
}

func (c *idleConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDL = t
	return c.applyLocked()
}

func (c *idleConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeDL = t
	return c.applyLocked()
}

// touch pushes the idle deadline forward.
func (c *idleConn) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idleUntil = clock.Now().Add(c.timeout)
	c.applyLocked()
}

func (c *idleConn) applyLocked() error {
	if err := c.Conn.SetReadDeadline(earliest(c.readDL, c.idleUntil)); err != nil {
		return err
	}
	return c.Conn.SetWriteDeadline(earliest(c.writeDL, c.idleUntil))
}

func (c *idleConn) idleExpired(err error) bool {
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !clock.Now().Before(c.idleUntil)
}

// earliest returns the sooner of two deadlines; the zero time means none.
func earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case a.Before(b):
		return a
	default:
		return b
	}
}
