// Package health exposes liveness and readiness probes for the server.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"grimm.is/servethis/internal/clock"
	"grimm.is/servethis/internal/services"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check.
type Check struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
	DurationMS  int64     `json:"duration_ms"`
}

// Report represents the overall health report.
type Report struct {
	Status    Status           `json:"status"`
	Checks    map[string]Check `json:"checks"`
	Timestamp time.Time        `json:"timestamp"`
}

// Checker runs registered checks and caches the report briefly.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	cache  *Report
	ttl    time.Duration
	clock  clock.Clock
}

// CheckFunc is a function that performs a health check.
type CheckFunc func(ctx context.Context) Check

// NewChecker creates a checker with no checks registered.
func NewChecker() *Checker {
	return &Checker{
		checks: make(map[string]CheckFunc),
		ttl:    2 * time.Second,
		clock:  clock.Real,
	}
}

// Register adds a health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
	c.cache = nil
}

// Check runs all health checks and returns a report.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	if c.cache != nil && c.clock.Since(c.cache.Timestamp) < c.ttl {
		report := *c.cache
		c.mu.RUnlock()
		return report
	}
	checkFuncs := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		checkFuncs[name] = fn
	}
	c.mu.RUnlock()

	checks := make(map[string]Check)
	overallStatus := StatusHealthy

	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checkFuncs {
		wg.Add(1)
		go func(name string, fn CheckFunc) {
			defer wg.Done()
			start := c.clock.Now()
			check := fn(ctx)
			check.Name = name
			check.LastChecked = start
			check.DurationMS = c.clock.Since(start).Milliseconds()

			mu.Lock()
			checks[name] = check
			if check.Status == StatusUnhealthy {
				overallStatus = StatusUnhealthy
			} else if check.Status == StatusDegraded && overallStatus != StatusUnhealthy {
				overallStatus = StatusDegraded
			}
			mu.Unlock()
		}(name, fn)
	}

	wg.Wait()

	report := Report{
		Status:    overallStatus,
		Checks:    checks,
		Timestamp: c.clock.Now(),
	}

	c.mu.Lock()
	c.cache = &report
	c.mu.Unlock()

	return report
}

// Handler returns an HTTP handler serving the JSON report.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		report := c.Check(ctx)

		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(report)
	}
}

// LivenessHandler returns a simple liveness probe handler.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}

// ReadinessHandler returns a readiness probe handler.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if c.Check(ctx).Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("NOT READY"))
			return
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
	}
}

// CheckRoot reports whether the served directory can still be listed.
func CheckRoot(root string) CheckFunc {
	return func(ctx context.Context) Check {
		f, err := os.Open(root)
		if err != nil {
			return Check{Status: StatusUnhealthy, Message: err.Error()}
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return Check{Status: StatusUnhealthy, Message: err.Error()}
		}
		if !info.IsDir() {
			return Check{Status: StatusUnhealthy, Message: fmt.Sprintf("%s is not a directory", root)}
		}
		if _, err := f.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
			return Check{Status: StatusDegraded, Message: fmt.Sprintf("directory not readable: %v", err)}
		}
		return Check{Status: StatusHealthy, Message: "directory readable"}
	}
}

// CheckService reports a background service as degraded once it stops running.
func CheckService(svc services.Service) CheckFunc {
	return func(ctx context.Context) Check {
		st := svc.Status()
		if st.Running {
			return Check{Status: StatusHealthy, Message: st.Name + " running"}
		}
		msg := st.Name + " not running"
		if st.Error != "" {
			msg += ": " + st.Error
		}
		return Check{Status: StatusDegraded, Message: msg}
	}
}
