// Package module defines the contract application modules implement and a
// base with the shared lifecycle plumbing.
package module

import (
	"context"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
)

// HealthStatus represents module health status
type HealthStatus struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Status represents health status values
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Module is the interface all application modules implement.
type Module interface {
	// RegisterRoutes sets up the module's typed API operations.
	RegisterRoutes(api huma.API)

	// RegisterHTTPRoutes sets up routes that need direct HTTP control
	// (WebSocket upgrades, no-content endpoints). Most modules keep this
	// empty.
	RegisterHTTPRoutes(r chi.Router)

	// StartBackgroundTasks starts any background processing for this module
	StartBackgroundTasks(ctx context.Context)

	// Stop gracefully stops the module and its background tasks
	Stop()

	// Health reports the module's current health.
	Health() HealthStatus

	// Name returns the module name for logging and identification
	Name() string
}

// BaseModule provides common functionality for all modules
type BaseModule struct {
	name     string
	stopCh   chan struct{}
	stopOnce chan struct{} // Ensures Stop() can only be called once
}

// NewBaseModule creates a new base module
func NewBaseModule(name string) *BaseModule {
	return &BaseModule{
		name:     name,
		stopCh:   make(chan struct{}),
		stopOnce: make(chan struct{}),
	}
}

// Name returns the module name
func (b *BaseModule) Name() string {
	return b.name
}

// StopChannel returns the stop channel for background tasks
func (b *BaseModule) StopChannel() <-chan struct{} {
	return b.stopCh
}

// Stop gracefully stops the module
func (b *BaseModule) Stop() {
	select {
	case <-b.stopOnce:
		return // Already stopped
	default:
		close(b.stopOnce)
		close(b.stopCh)
		slog.Info("Module stopped", "module", b.name)
	}
}

// RegisterHTTPRoutes is a no-op by default.
func (b *BaseModule) RegisterHTTPRoutes(r chi.Router) {}

// Health reports healthy by default; modules override as needed.
func (b *BaseModule) Health() HealthStatus {
	return HealthStatus{Status: StatusHealthy}
}
