package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"grimm.is/servethis/internal/config"
	"grimm.is/servethis/internal/fileserver"
	"grimm.is/servethis/internal/health"
	"grimm.is/servethis/internal/i18n"
	"grimm.is/servethis/internal/logging"
	"grimm.is/servethis/internal/metrics"
	"grimm.is/servethis/internal/services/mdns"
	"grimm.is/servethis/internal/shutdown"
)

// Printer writes user-facing CLI text.
var Printer = i18n.NewCLIPrinter()

// runtime holds the process hooks RunServe depends on.
type runtime struct {
	stdout  io.Writer
	stderr  io.Writer
	metrics *metrics.Registry
	notify  func() (<-chan os.Signal, func())
	// ready is called once the server is bound and advertised.
	ready func(*fileserver.Server)
}

// RunServe parses args (without the program name), serves until SIGINT or
// SIGTERM and returns the process exit status.
func RunServe(prog string, args []string) int {
	return runServe(context.Background(), prog, args, runtime{
		stdout:  os.Stdout,
		stderr:  os.Stderr,
		metrics: metrics.Get(),
		notify:  shutdown.Notify,
	})
}

func runServe(ctx context.Context, prog string, args []string, rt runtime) int {
	cfg, err := config.Parse(prog, args, rt.stdout)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		Printer.Fprintln(rt.stderr, err.Error())
		Printer.Fprintf(rt.stderr, "Run '%s --help' for usage.\n", prog)
		return 1
	}

	logging.SetProcessName(prog)
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		Printer.Fprintln(rt.stderr, err.Error())
		return 1
	}
	logger := logging.New(logging.Config{
		Level:      level,
		Output:     rt.stderr,
		JSON:       cfg.LogJSON,
		TimeFormat: time.RFC3339,
		Color:      logging.IsTerminal(rt.stderr),
	})
	logging.SetDefault(logger)

	// Channel first, so a signal during startup is not lost.
	sigCh, stopNotify := rt.notify()
	defer stopNotify()

	srv := fileserver.New(cfg, logger.WithComponent("http"), rt.metrics)
	if err := srv.Listen(); err != nil {
		logger.Error("Failed to start server", "error", err)
		return 1
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve()
	}()

	checker := health.NewChecker()
	checker.Register("root", health.CheckRoot(cfg.Root))

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv, err = startMetrics(cfg.MetricsAddr, rt.metrics, checker, logger.WithComponent("metrics"))
		if err != nil {
			logger.Error("Failed to start metrics endpoint", "error", err)
			srv.Close()
			return 1
		}
	}

	var ad shutdown.Advertisement
	if cfg.MDNS {
		adv, err := startAdvertiser(ctx, cfg, srv.Port(), logger.WithComponent("mdns"), rt.metrics)
		if err != nil {
			logger.Error("Failed to advertise over mDNS", "error", err)
			srv.Close()
			if metricsSrv != nil {
				metricsSrv.Close()
			}
			return 1
		}
		ad = adv
		checker.Register("mdns", health.CheckService(adv))
	}

	coord := shutdown.New(srv, ad, logger)
	if metricsSrv != nil {
		coord.AddCloser(metricsSrv)
	}

	if rt.ready != nil {
		rt.ready(srv)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- coord.Wait(ctx, sigCh)
	}()

	select {
	case err := <-waitErr:
		if err != nil {
			logger.Warn("Shutdown finished with errors", "error", err)
		}
	case err := <-serveErr:
		// Serve only returns early on a listener failure.
		logger.Error("Server stopped unexpectedly", "error", err)
		coord.Abort("server failure")
		return 1
	}

	if err := <-serveErr; err != nil {
		logger.Error("Server error", "error", err)
		return 1
	}
	return 0
}

func startAdvertiser(ctx context.Context, cfg config.Config, port int, logger *logging.Logger, m *metrics.Registry) (*mdns.Advertiser, error) {
	adv, err := mdns.NewAdvertiser(mdns.Service{
		Instance: cfg.ServiceName,
		Type:     mdns.ServiceHTTP,
		Port:     port,
	}, logger, m)
	if err != nil {
		return nil, err
	}
	if err := adv.Start(ctx); err != nil {
		return nil, err
	}
	return adv, nil
}

// startMetrics serves Prometheus metrics and the health probes on addr.
func startMetrics(addr string, m *metrics.Registry, checker *health.Checker, logger *logging.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/healthz", checker.Handler())
	mux.Handle("/livez", health.LivenessHandler())
	mux.Handle("/readyz", checker.ReadinessHandler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("Metrics endpoint stopped", "error", err)
		}
	}()
	logger.Info("Metrics endpoint listening", "addr", ln.Addr().String())
	return srv, nil
}
