package routes

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"wanderer-kills/internal/subscriptions/dto"
	"wanderer-kills/internal/subscriptions/services"
	"wanderer-kills/pkg/errs"
)

// Routes handles the subscription HTTP surface.
type Routes struct {
	service *services.Service
}

// NewRoutes creates a new Routes instance.
func NewRoutes(service *services.Service) *Routes {
	return &Routes{service: service}
}

// CreateInput wraps the creation body.
type CreateInput struct {
	Body dto.CreateSubscriptionRequest
}

// CreateOutput is the 201 response.
type CreateOutput struct {
	Body dto.CreateSubscriptionResponse
}

// ListOutput is the listing response.
type ListOutput struct {
	Body dto.SubscriptionListResponse
}

// DeleteInput identifies the subscriber whose subscriptions to remove.
type DeleteInput struct {
	SubscriberID string `path:"subscriber_id" doc:"Subscriber whose subscriptions to remove"`
}

// DeleteOutput reports the removal count.
type DeleteOutput struct {
	Body dto.DeleteSubscriptionsResponse
}

// StatsOutput wraps the registry stats.
type StatsOutput struct {
	Body services.Stats
}

// RegisterRoutes registers the subscription operations.
func (r *Routes) RegisterRoutes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "createSubscription",
		Method:        http.MethodPost,
		Path:          "/api/v1/subscriptions",
		Summary:       "Create a webhook subscription",
		Description:   "Registers interest in systems and/or characters; matching killmails are POSTed to the callback URL.",
		Tags:          []string{"Subscriptions"},
		DefaultStatus: http.StatusCreated,
	}, r.Create)

	huma.Register(api, huma.Operation{
		OperationID: "listSubscriptions",
		Method:      http.MethodGet,
		Path:        "/api/v1/subscriptions",
		Summary:     "List subscriptions",
		Tags:        []string{"Subscriptions"},
	}, r.List)

	huma.Register(api, huma.Operation{
		OperationID: "deleteSubscriptions",
		Method:      http.MethodDelete,
		Path:        "/api/v1/subscriptions/{subscriber_id}",
		Summary:     "Delete a subscriber's subscriptions",
		Tags:        []string{"Subscriptions"},
	}, r.Delete)

	huma.Register(api, huma.Operation{
		OperationID: "getSubscriptionStats",
		Method:      http.MethodGet,
		Path:        "/api/v1/subscriptions/stats",
		Summary:     "Subscription registry stats",
		Tags:        []string{"Subscriptions"},
	}, r.Stats)
}

// Create registers a webhook subscription.
func (r *Routes) Create(ctx context.Context, input *CreateInput) (*CreateOutput, error) {
	if err := dto.ValidateCreateSubscriptionRequest(&input.Body); err != nil {
		return nil, huma.Error400BadRequest("invalid subscription request", err)
	}

	sub, err := r.service.CreateWebhook(input.Body.SubscriberID, input.Body.SystemIDs, input.Body.CharacterIDs, input.Body.CallbackURL)
	if err != nil {
		if errs.KindOf(err) != "" {
			return nil, huma.Error400BadRequest(err.Error())
		}
		return nil, huma.Error500InternalServerError("failed to create subscription", err)
	}

	return &CreateOutput{Body: dto.CreateSubscriptionResponse{SubscriptionID: sub.ID}}, nil
}

// List returns all subscriptions.
func (r *Routes) List(ctx context.Context, input *struct{}) (*ListOutput, error) {
	subs := r.service.List()
	return &ListOutput{Body: dto.SubscriptionListResponse{Subscriptions: subs, Count: len(subs)}}, nil
}

// Delete removes every subscription owned by the subscriber.
func (r *Routes) Delete(ctx context.Context, input *DeleteInput) (*DeleteOutput, error) {
	removed := r.service.RemoveBySubscriber(input.SubscriberID)
	return &DeleteOutput{Body: dto.DeleteSubscriptionsResponse{Removed: removed}}, nil
}

// Stats returns registry sizes.
func (r *Routes) Stats(ctx context.Context, input *struct{}) (*StatsOutput, error) {
	return &StatsOutput{Body: r.service.GetStats()}, nil
}
