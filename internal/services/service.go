package services

import (
	"context"
)

// ServiceStatus represents the current state of a service.
type ServiceStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

// Service defines the lifecycle shared by background services.
type Service interface {
	// Name returns the unique name of the service.
	Name() string

	// Start starts the service.
	Start(ctx context.Context) error

	// Stop stops the service. Stopping a stopped service is a no-op.
	Stop(ctx context.Context) error

	// Status returns the current status of the service.
	Status() ServiceStatus
}
