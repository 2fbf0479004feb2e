// Package killmails owns the killmail pipeline: parsing, enrichment, the
// in-memory event store, and the polling HTTP surface.
package killmails

import (
	"context"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"wanderer-kills/internal/killmails/routes"
	"wanderer-kills/internal/killmails/services"
	"wanderer-kills/pkg/clock"
	"wanderer-kills/pkg/config"
	"wanderer-kills/pkg/metrics"
	"wanderer-kills/pkg/module"
)

// Module is the killmails application module.
type Module struct {
	*module.BaseModule
	service *services.Service
	store   *services.EventStore
	routes  *routes.Routes
}

// New creates the killmails module and its pipeline.
func New(cfg config.Config, resolver services.ReferenceResolver, registry *metrics.Registry) *Module {
	clk := clock.System()

	enricher := services.NewEnricher(resolver, services.EnricherConfig{
		MinAttackersParallel: cfg.MinAttackersParallel,
		MaxConcurrency:       cfg.EnrichMaxConcurrency,
		TaskTimeout:          cfg.EnrichTaskTimeout,
	}, registry)

	store := services.NewEventStore(services.StoreConfig{
		MaxEventsPerSystem: cfg.MaxEventsPerSystem,
		GCInterval:         cfg.GCInterval,
	}, clk, nil, registry)

	service := services.NewService(enricher, store, cfg.CutoffWindow, clk, registry)

	return &Module{
		BaseModule: module.NewBaseModule("killmails"),
		service:    service,
		store:      store,
		routes:     routes.NewRoutes(service),
	}
}

// Service exposes the pipeline to the zkillboard consumer.
func (m *Module) Service() *services.Service {
	return m.service
}

// Store exposes the event store to the websocket and subscription layers.
func (m *Module) Store() *services.EventStore {
	return m.store
}

// RegisterRoutes registers the typed killmail operations.
func (m *Module) RegisterRoutes(api huma.API) {
	m.routes.RegisterRoutes(api)
}

// RegisterHTTPRoutes registers the killfeed polling endpoints.
func (m *Module) RegisterHTTPRoutes(r chi.Router) {
	m.routes.RegisterHTTPRoutes(r)
}

// StartBackgroundTasks runs the event store's garbage collector.
func (m *Module) StartBackgroundTasks(ctx context.Context) {
	slog.Info("Starting background tasks", "module", m.Name())
	m.store.StartGC(ctx)
}
