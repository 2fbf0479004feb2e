// Package websocket owns real-time fan-out: the in-process broker and the
// WebSocket sessions on the killmails lobby.
package websocket

import (
	"context"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	killmailServices "wanderer-kills/internal/killmails/services"
	"wanderer-kills/internal/websocket/routes"
	"wanderer-kills/internal/websocket/services"
	"wanderer-kills/pkg/config"
	"wanderer-kills/pkg/metrics"
	"wanderer-kills/pkg/module"
)

// Module is the websocket application module.
type Module struct {
	*module.BaseModule
	manager *services.SessionManager
	routes  *routes.Routes
}

// New creates the websocket module around a shared broker.
func New(cfg config.Config, store *killmailServices.EventStore, registry services.SubscriptionRegistry, preloader services.Preloader, metricsRegistry *metrics.Registry) *Module {
	broker := services.NewBroker(cfg.SessionBuffer, metricsRegistry)
	manager := services.NewSessionManager(broker, store, registry, preloader, services.SessionManagerConfig{
		OriginHost:   cfg.OriginHost,
		PreloadLimit: cfg.PreloadLimit,
	}, metricsRegistry)

	return &Module{
		BaseModule: module.NewBaseModule("websocket"),
		manager:    manager,
		routes:     routes.NewRoutes(manager),
	}
}

// Broker exposes the broker so the event store can publish into it.
func (m *Module) Broker() *services.Broker {
	return m.manager.Broker()
}

// RegisterRoutes registers the status operation.
func (m *Module) RegisterRoutes(api huma.API) {
	m.routes.RegisterRoutes(api)
}

// RegisterHTTPRoutes registers the upgrade endpoint.
func (m *Module) RegisterHTTPRoutes(r chi.Router) {
	m.routes.RegisterHTTPRoutes(r)
}

// StartBackgroundTasks is a no-op; sessions are driven by connections.
func (m *Module) StartBackgroundTasks(ctx context.Context) {}

// Stop closes all live sessions.
func (m *Module) Stop() {
	m.manager.Shutdown(context.Background())
	m.BaseModule.Stop()
	slog.Info("WebSocket module stopped")
}
