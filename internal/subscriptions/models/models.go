package models

import "time"

// Per-subscription limits. IDs above the caps do not exist in the EVE
// universe and are rejected outright.
const (
	MaxSystemIDs    = 10000
	MaxCharacterIDs = 50000
	MaxSystemID     = 50_000_000
	MaxCharacterID  = 3_000_000_000
)

// SinkKind is how matched killmails reach the subscriber.
type SinkKind string

const (
	SinkWebhook   SinkKind = "webhook"
	SinkWebSocket SinkKind = "websocket"
)

// Subscription is an interest in systems and/or characters with a delivery
// sink. Both ID sets empty means a wildcard subscription that matches every
// killmail.
type Subscription struct {
	ID           string    `json:"subscription_id"`
	SubscriberID string    `json:"subscriber_id"`
	SystemIDs    []int64   `json:"system_ids,omitempty"`
	CharacterIDs []int64   `json:"character_ids,omitempty"`
	CallbackURL  string    `json:"callback_url,omitempty"`
	Sink         SinkKind  `json:"sink"`
	CreatedAt    time.Time `json:"created_at"`
}

// Wildcard reports whether the subscription matches every killmail.
func (s *Subscription) Wildcard() bool {
	return len(s.SystemIDs) == 0 && len(s.CharacterIDs) == 0
}
