// Package fileserver serves a directory tree over HTTP with generated
// listings for directories that have no index page.
package fileserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"grimm.is/servethis/internal/clock"
	"grimm.is/servethis/internal/config"
	"grimm.is/servethis/internal/i18n"
	"grimm.is/servethis/internal/logging"
	"grimm.is/servethis/internal/metrics"
)

// ShutdownTimeout bounds how long Close waits for in-flight requests.
const ShutdownTimeout = 5 * time.Second

// Server owns the HTTP listener and the request handler chain.
type Server struct {
	cfg     config.Config
	logger  *logging.Logger
	metrics *metrics.Registry
	handler http.Handler
	http    *http.Server

	mu        sync.Mutex
	listener  net.Listener
	closeOnce sync.Once
	closeErr  error
}

// New builds a server for cfg. A nil registry gets an isolated one.
func New(cfg config.Config, logger *logging.Logger, m *metrics.Registry) *Server {
	if m == nil {
		m = metrics.NewIsolated()
	}
	if logger == nil {
		logger = logging.WithComponent("http")
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}
	s.handler = s.buildHandler(clock.Real)
	s.http = &http.Server{
		Handler:  s.handler,
		ErrorLog: slog.NewLogLogger(logger.Handler(), logging.LevelDebug),
	}
	return s
}

func (s *Server) buildHandler(clk clock.Clock) http.Handler {
	root := http.Dir(s.cfg.Root)
	listing := &listingHandler{
		root:       root,
		showHidden: s.cfg.ShowHidden,
		clock:      clk,
		metrics:    s.metrics,
		logger:     s.logger,
	}
	static := &staticHandler{
		root:       root,
		showHidden: s.cfg.ShowHidden,
		next:       listing,
	}
	return accessLog(i18n.Middleware(static), s.logger, s.metrics)
}

// Handler returns the request handler chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Listen binds the listening socket. When it returns nil the socket is
// already accepting connections.
func (s *Server) Listen() error {
	return s.listenOn(s.cfg.Addr())
}

func (s *Server) listenOn(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = newIdleListener(ln, s.cfg.IdleTimeout, s.metrics)
	s.mu.Unlock()

	root, _ := filepath.Abs(s.cfg.Root)
	s.logger.Info("Listening", "addr", ln.Addr().String(), "root", root, "idle_timeout", s.cfg.IdleTimeout)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Port returns the bound TCP port, or 0 before Listen.
func (s *Server) Port() int {
	if tcp, ok := s.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Serve handles requests until Close. It returns nil after a clean close.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("fileserver: Serve called before Listen")
	}

	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve error: %w", err)
	}
	return nil
}

// Close stops accepting connections and waits up to ShutdownTimeout for
// active requests. Later calls return the first result.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()

		err := s.http.Shutdown(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("Forcing close of active connections")
			err = s.http.Close()
		}

		s.mu.Lock()
		if s.listener != nil {
			if lerr := s.listener.Close(); lerr != nil && !errors.Is(lerr, net.ErrClosed) && err == nil {
				err = lerr
			}
		}
		s.mu.Unlock()

		s.closeErr = err
		s.logger.Info("Server closed")
	})
	return s.closeErr
}
