// Package shutdown tears down the server and its advertisement exactly once
// when the process is asked to stop.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"grimm.is/servethis/internal/logging"
)

// DefaultTimeout bounds how long the advertisement may take to withdraw.
const DefaultTimeout = 5 * time.Second

// State is the lifecycle state of a Coordinator.
type State int32

const (
	Running State = iota
	ShuttingDown
	Terminated
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting down"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Server is the serving side that must be closed on shutdown.
type Server interface {
	Close() error
}

// Advertisement is an announcement that must be withdrawn before the server
// goes away.
type Advertisement interface {
	Stop(ctx context.Context) error
}

// Coordinator owns the running resources and releases them in order:
// advertisement first, then server, then any extra closers.
type Coordinator struct {
	server  Server
	ad      Advertisement
	closers []io.Closer
	logger  *logging.Logger
	timeout time.Duration

	once  sync.Once
	state atomic.Int32
	done  chan struct{}
	err   error
}

// New creates a coordinator. ad may be nil when nothing is advertised; pass
// an untyped nil, not a nil pointer.
func New(server Server, ad Advertisement, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.WithComponent("shutdown")
	}
	return &Coordinator{
		server:  server,
		ad:      ad,
		logger:  logger,
		timeout: DefaultTimeout,
		done:    make(chan struct{}),
	}
}

// AddCloser registers an extra resource closed after the server. Call it
// before Wait.
func (c *Coordinator) AddCloser(cl io.Closer) {
	c.closers = append(c.closers, cl)
}

// State returns the current state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Done is closed once shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Shutdown releases everything on the first call. Later calls only log the
// signal and return the first call's result.
func (c *Coordinator) Shutdown(sig os.Signal) error {
	return c.shutdown(fmt.Sprintf("RECEIVED signal %s: shutting down...", SignalName(sig)), sig)
}

// Abort shuts down for a reason other than a signal.
func (c *Coordinator) Abort(reason string) error {
	return c.shutdown(reason+": shutting down...", nil)
}

func (c *Coordinator) shutdown(msg string, sig os.Signal) error {
	first := false
	c.once.Do(func() {
		first = true
		c.state.Store(int32(ShuttingDown))
		c.logger.Info(msg)
		c.err = c.teardown()
		c.state.Store(int32(Terminated))
		close(c.done)
	})
	if !first {
		c.logger.Debug("Shutdown already in progress, ignoring", "signal", SignalName(sig))
	}
	return c.err
}

func (c *Coordinator) teardown() error {
	var errs []error

	if c.ad != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		if err := c.ad.Stop(ctx); err != nil {
			c.logger.Warn("Failed to withdraw advertisement", "error", err)
			errs = append(errs, fmt.Errorf("stop advertisement: %w", err))
		}
		cancel()
	}

	if c.server != nil {
		if err := c.server.Close(); err != nil {
			c.logger.Warn("Failed to close server", "error", err)
			errs = append(errs, fmt.Errorf("close server: %w", err))
		}
	}

	for _, cl := range c.closers {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until a signal arrives on sigCh or ctx is cancelled, then
// shuts down.
func (c *Coordinator) Wait(ctx context.Context, sigCh <-chan os.Signal) error {
	select {
	case sig := <-sigCh:
		return c.Shutdown(sig)
	case <-ctx.Done():
		return c.Abort("context cancelled")
	case <-c.done:
		return c.err
	}
}

// Notify subscribes to SIGINT and SIGTERM. The returned function stops
// delivery.
func Notify() (<-chan os.Signal, func()) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	return sigCh, func() { signal.Stop(sigCh) }
}

// SignalName returns the conventional upper-case name, e.g. "SIGINT".
func SignalName(sig os.Signal) string {
	switch sig {
	case nil:
		return "<none>"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGHUP:
		return "SIGHUP"
	case syscall.SIGQUIT:
		return "SIGQUIT"
	}
	return sig.String()
}
