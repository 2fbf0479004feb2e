package dto

import (
	"github.com/go-playground/validator/v10"

	"wanderer-kills/internal/subscriptions/models"
)

// CreateSubscriptionRequest is the body of POST /api/v1/subscriptions. At
// least one of system_ids/character_ids must be present; wildcards exist
// only for WebSocket sessions.
type CreateSubscriptionRequest struct {
	SubscriberID string  `json:"subscriber_id" validate:"required,min=1,max=100"`
	SystemIDs    []int64 `json:"system_ids,omitempty" validate:"omitempty,max=10000,dive,gt=0,lte=50000000"`
	CharacterIDs []int64 `json:"character_ids,omitempty" validate:"omitempty,max=50000,dive,gt=0,lte=3000000000"`
	CallbackURL  string  `json:"callback_url" validate:"required,url,startswith=http"`
}

// ValidateCreateSubscriptionRequest validates the creation request beyond
// what struct tags express.
func ValidateCreateSubscriptionRequest(req *CreateSubscriptionRequest) error {
	validate := validator.New()
	return validate.Struct(req)
}

// CreateSubscriptionResponse is the 201 body.
type CreateSubscriptionResponse struct {
	SubscriptionID string `json:"subscription_id"`
}

// SubscriptionListResponse is the GET listing body.
type SubscriptionListResponse struct {
	Subscriptions []*models.Subscription `json:"subscriptions"`
	Count         int                    `json:"count"`
}

// DeleteSubscriptionsResponse reports how many subscriptions a delete
// removed.
type DeleteSubscriptionsResponse struct {
	Removed int `json:"removed"`
}
