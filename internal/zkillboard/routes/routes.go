package routes

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"wanderer-kills/internal/zkillboard/services"
)

// Routes registers the zkillboard status operations.
type Routes struct {
	consumer *services.RedisQConsumer
}

// NewRoutes creates the zkillboard route handlers.
func NewRoutes(consumer *services.RedisQConsumer) *Routes {
	return &Routes{consumer: consumer}
}

// StatusOutput wraps the consumer status response.
type StatusOutput struct {
	Body services.Status
}

// RegisterRoutes registers the typed zkillboard operations.
func (r *Routes) RegisterRoutes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getZKillboardStatus",
		Method:      http.MethodGet,
		Path:        "/zkillboard/status",
		Summary:     "RedisQ consumer status",
		Description: "Polling state, queue identity, and counters for the zKillboard RedisQ consumer.",
		Tags:        []string{"ZKillboard"},
	}, func(ctx context.Context, input *struct{}) (*StatusOutput, error) {
		return &StatusOutput{Body: r.consumer.GetStatus()}, nil
	})
}
