// Package config builds the immutable runtime configuration of serve-this
// from command-line flags and an optional HCL file.
package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"
)

const (
	// DefaultHost binds all IPv4 interfaces. mDNS advertising requires it.
	DefaultHost = "0.0.0.0"
	// DefaultIdleTimeout closes connections that see no traffic for this long.
	DefaultIdleTimeout = 2000 * time.Millisecond
	// MaxPort is exclusive.
	MaxPort = 65535
)

var portPattern = regexp.MustCompile(`^[1-9][0-9]*$`)

// ErrMutuallyExclusive is returned when --mdns is combined with a non-default --host.
var ErrMutuallyExclusive = errors.New("--mdns and --host are mutually exclusive.")

// ErrMissingPort is returned when no port was given on the command line or in a file.
var ErrMissingPort = errors.New("Missing required argument: port")

// Config is the validated runtime configuration.
type Config struct {
	Host        string
	Port        int
	MDNS        bool
	Root        string
	IdleTimeout time.Duration
	ShowHidden  bool
	MetricsAddr string
	LogLevel    string
	LogJSON     bool
	ServiceName string
}

// Default returns a Config with every optional field at its default.
func Default() Config {
	return Config{
		Host:        DefaultHost,
		Root:        ".",
		IdleTimeout: DefaultIdleTimeout,
		LogLevel:    "info",
	}
}

// Addr returns the host:port the HTTP listener binds.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks cross-field invariants. Port syntax is checked by ParsePort.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port >= MaxPort {
		return &PortError{Value: strconv.Itoa(c.Port)}
	}
	if c.MDNS && c.Host != DefaultHost {
		return ErrMutuallyExclusive
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %s", c.IdleTimeout)
	}
	return nil
}

// PortError reports a port value that is not a positive integer below 65535.
type PortError struct {
	Value string
}

func (e *PortError) Error() string {
	return "Invalid port: " + e.Value
}

// ParsePort accepts a decimal integer with no sign, whitespace or leading
// zero whose value is below 65535.
func ParsePort(value string) (int, error) {
	if !portPattern.MatchString(value) {
		return 0, &PortError{Value: value}
	}
	port, err := strconv.Atoi(value)
	if err != nil || port >= MaxPort {
		return 0, &PortError{Value: value}
	}
	return port, nil
}

// UsageError marks configuration errors that should be reported as a single
// line on stderr with exit status 1.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string {
	return e.Err.Error()
}

func (e *UsageError) Unwrap() error {
	return e.Err
}

func usageErr(err error) error {
	if err == nil {
		return nil
	}
	return &UsageError{Err: err}
}
