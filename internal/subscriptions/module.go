// Package subscriptions owns the subscription registry, the forward and
// reverse matching indexes, and webhook delivery.
package subscriptions

import (
	"context"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"

	"wanderer-kills/internal/subscriptions/routes"
	"wanderer-kills/internal/subscriptions/services"
	"wanderer-kills/pkg/config"
	"wanderer-kills/pkg/metrics"
	"wanderer-kills/pkg/module"
)

// Module is the subscriptions application module.
type Module struct {
	*module.BaseModule
	service *services.Service
	routes  *routes.Routes
}

// New creates the subscriptions module.
func New(cfg config.Config, registry *metrics.Registry) *Module {
	svcCfg := services.DefaultServiceConfig()
	svcCfg.SweepInterval = cfg.IndexSweepInterval

	service := services.NewService(svcCfg, registry)

	return &Module{
		BaseModule: module.NewBaseModule("subscriptions"),
		service:    service,
		routes:     routes.NewRoutes(service),
	}
}

// Service exposes the registry to the websocket layer and the dispatcher.
func (m *Module) Service() *services.Service {
	return m.service
}

// RegisterRoutes registers the subscription operations.
func (m *Module) RegisterRoutes(api huma.API) {
	m.routes.RegisterRoutes(api)
}

// StartBackgroundTasks runs the index sweepers.
func (m *Module) StartBackgroundTasks(ctx context.Context) {
	slog.Info("Starting background tasks", "module", m.Name())
	m.service.StartBackgroundTasks(ctx)
}
