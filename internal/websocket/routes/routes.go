package routes

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"wanderer-kills/internal/websocket/models"
	"wanderer-kills/internal/websocket/services"
)

// Routes handles the WebSocket surface: the upgrade endpoint as a direct
// chi handler and the status operation through the typed API.
type Routes struct {
	manager *services.SessionManager
}

// NewRoutes creates a new Routes instance.
func NewRoutes(manager *services.SessionManager) *Routes {
	return &Routes{manager: manager}
}

// StatusOutput wraps the session stats response.
type StatusOutput struct {
	Body models.SessionStats
}

// RegisterRoutes registers the typed WebSocket operations.
func (r *Routes) RegisterRoutes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getWebSocketStatus",
		Method:      http.MethodGet,
		Path:        "/websocket/status",
		Summary:     "WebSocket session stats",
		Tags:        []string{"WebSocket"},
	}, func(ctx context.Context, input *struct{}) (*StatusOutput, error) {
		return &StatusOutput{Body: r.manager.GetStats()}, nil
	})
}

// RegisterHTTPRoutes registers the upgrade endpoint.
func (r *Routes) RegisterHTTPRoutes(router chi.Router) {
	router.Get("/socket/websocket", r.manager.HandleUpgrade)
}
