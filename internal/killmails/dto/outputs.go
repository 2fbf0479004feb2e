package dto

import (
	"wanderer-kills/internal/killmails/models"
)

// KillmailOutput wraps a single killmail response.
type KillmailOutput struct {
	Body models.Killmail
}

// SystemKillmailsResponse lists the stored killmails of one system.
type SystemKillmailsResponse struct {
	SystemID  int64              `json:"system_id"`
	Killmails []*models.Killmail `json:"killmails"`
	Count     int                `json:"count"`
}

// SystemKillmailsOutput wraps the system killmail list response.
type SystemKillmailsOutput struct {
	Body SystemKillmailsResponse
}

// SystemKillCountResponse carries a system's kill count.
type SystemKillCountResponse struct {
	SystemID int64 `json:"system_id"`
	Count    int64 `json:"count"`
}

// SystemKillCountOutput wraps the kill count response.
type SystemKillCountOutput struct {
	Body SystemKillCountResponse
}

// KillfeedResponse is the batch polling payload.
type KillfeedResponse struct {
	Events []*models.Event `json:"events"`
}
