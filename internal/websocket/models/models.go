package models

import (
	"time"

	killmodels "wanderer-kills/internal/killmails/models"
)

// LobbyTopic is the single channel clients join.
const LobbyTopic = "killmails:lobby"

// Client event names.
const (
	EventJoin               = "join"
	EventSubscribeSystems   = "subscribe_systems"
	EventUnsubscribeSystems = "unsubscribe_systems"
	EventGetStatus          = "get_status"
)

// Server event names.
const (
	EventReply           = "reply"
	EventError           = "error"
	EventKillmailUpdate  = "killmail_update"
	EventKillCountUpdate = "kill_count_update"
)

// ClientMessage is a message received from a WebSocket client.
type ClientMessage struct {
	Event   string  `json:"event"`
	Topic   string  `json:"topic,omitempty"`
	Ref     string  `json:"ref,omitempty"`
	Payload Payload `json:"payload"`
}

// Payload carries the client's arguments.
type Payload struct {
	Systems []int64 `json:"systems,omitempty"`
}

// ServerMessage is a message pushed to a WebSocket client.
type ServerMessage struct {
	Event   string `json:"event"`
	Ref     string `json:"ref,omitempty"`
	Payload any    `json:"payload"`
}

// JoinReply answers a successful lobby join.
type JoinReply struct {
	SubscriptionID    string  `json:"subscription_id"`
	SubscribedSystems []int64 `json:"subscribed_systems"`
	Status            string  `json:"status"`
}

// SystemsReply answers subscribe/unsubscribe requests.
type SystemsReply struct {
	SubscribedSystems []int64 `json:"subscribed_systems"`
}

// StatusReply answers get_status.
type StatusReply struct {
	SubscriptionID    string    `json:"subscription_id"`
	SubscribedSystems []int64   `json:"subscribed_systems"`
	ConnectedAt       time.Time `json:"connected_at"`
	UserID            string    `json:"user_id"`
}

// ErrorReply reports a protocol failure.
type ErrorReply struct {
	Reason string `json:"reason"`
}

// KillmailUpdate pushes killmails for one system.
type KillmailUpdate struct {
	SystemID  int64                  `json:"system_id"`
	Killmails []*killmodels.Killmail `json:"killmails"`
	Timestamp time.Time              `json:"timestamp"`
	Preload   bool                   `json:"preload"`
}

// KillCountUpdate pushes a system's running kill count.
type KillCountUpdate struct {
	SystemID  int64     `json:"system_id"`
	Count     int64     `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionStats summarizes the session manager for the status endpoint.
type SessionStats struct {
	ActiveSessions    int       `json:"active_sessions"`
	TotalSessions     int64     `json:"total_sessions"`
	MessagesDelivered int64     `json:"messages_delivered"`
	MessagesDropped   int64     `json:"messages_dropped"`
	LastConnection    time.Time `json:"last_connection,omitempty"`
}
