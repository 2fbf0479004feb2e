// Package zkillboard owns ingestion from zKillboard: the RedisQ polling
// consumer, the REST API client, and on-demand system imports.
package zkillboard

import (
	"context"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"

	killmailServices "wanderer-kills/internal/killmails/services"
	"wanderer-kills/internal/zkillboard/routes"
	"wanderer-kills/internal/zkillboard/services"
	"wanderer-kills/pkg/config"
	"wanderer-kills/pkg/evegateway"
	"wanderer-kills/pkg/metrics"
	"wanderer-kills/pkg/module"
)

// Module is the zkillboard application module.
type Module struct {
	*module.BaseModule
	consumer *services.RedisQConsumer
	importer *services.Importer
	routes   *routes.Routes
}

// New creates the zkillboard module. The fetcher is shared with the ESI
// gateway so both upstreams run under the same limiter.
func New(cfg config.Config, pipeline *killmailServices.Service, fetcher *evegateway.Fetcher, esi *evegateway.Client, registry *metrics.Registry) *Module {
	consumer := services.NewRedisQConsumer(pipeline, services.ConsumerConfig{
		Endpoint:       cfg.RedisQEndpoint,
		TTW:            cfg.RedisQTTW,
		FastInterval:   cfg.FastInterval,
		IdleInterval:   cfg.IdleInterval,
		BackoffInitial: cfg.BackoffInitial,
		BackoffFactor:  cfg.BackoffFactor,
		BackoffMax:     cfg.BackoffMax,
		HTTPTimeout:    cfg.HTTPTimeout,
		UserAgent:      cfg.UserAgent,
	})

	client := services.NewClient(fetcher, cfg.ZKBBaseURL)
	importer := services.NewImporter(client, esi, pipeline, services.ImporterConfig{
		Limit:       cfg.PreloadLimit,
		FreshWindow: cfg.RecentlyFetchedWindow,
	}, registry)

	return &Module{
		BaseModule: module.NewBaseModule("zkillboard"),
		consumer:   consumer,
		importer:   importer,
		routes:     routes.NewRoutes(consumer),
	}
}

// Importer exposes on-demand system imports to the websocket preloader.
func (m *Module) Importer() *services.Importer {
	return m.importer
}

// RegisterRoutes registers the consumer status operation.
func (m *Module) RegisterRoutes(api huma.API) {
	m.routes.RegisterRoutes(api)
}

// StartBackgroundTasks starts the RedisQ polling loop.
func (m *Module) StartBackgroundTasks(ctx context.Context) {
	slog.Info("Starting background tasks", "module", m.Name())
	if err := m.consumer.Start(ctx); err != nil {
		slog.Error("Failed to start RedisQ consumer", "error", err)
	}
}

// Stop stops the polling loop before the base teardown.
func (m *Module) Stop() {
	if m.consumer.Running() {
		if err := m.consumer.Stop(); err != nil {
			slog.Error("Failed to stop RedisQ consumer", "error", err)
		}
	}
	m.BaseModule.Stop()
}

// Health degrades when the consumer is not polling.
func (m *Module) Health() module.HealthStatus {
	if !m.consumer.Running() {
		return module.HealthStatus{Status: module.StatusDegraded, Message: "RedisQ consumer not running"}
	}
	return module.HealthStatus{Status: module.StatusHealthy}
}
