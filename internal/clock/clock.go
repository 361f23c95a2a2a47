// Package clock provides the time source used by the file server.
// Production code uses Real; tests inject a *Mock to pin listing timestamps.
package clock

import (
	"sync"
	"time"
)

// Clock is the interface for time operations.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// Real is the system clock.
var Real Clock = realClock{}

type realClock struct{}

func (realClock) Now() time.Time                  { return time.Now() }
func (realClock) Since(t time.Time) time.Duration { return time.Since(t) }

// Mock is a test clock with controllable time.
type Mock struct {
	mu      sync.RWMutex
	current time.Time
}

// NewMock creates a mock clock set to the given time.
func NewMock(t time.Time) *Mock {
	return &Mock{current: t}
}

// Now returns the mock time.
func (c *Mock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Since returns the duration since t.
func (c *Mock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Set sets the mock time.
func (c *Mock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// Advance advances the mock time by d.
func (c *Mock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Now returns the current system time.
func Now() time.Time {
	return Real.Now()
}
