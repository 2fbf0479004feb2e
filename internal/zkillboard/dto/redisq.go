package dto

import (
	"encoding/json"

	"wanderer-kills/internal/killmails/models"
)

// RedisQResponse represents the response from zKillboard RedisQ. Two
// envelopes are expected: {"package": null} (no activity) and
// {"package": {...}} (one new kill). Anything else is an unexpected format.
type RedisQResponse struct {
	Package *RedisQPackage `json:"package"`
}

// RedisQPackage represents a killmail package from RedisQ. The killmail is
// kept raw; the pipeline owns its parsing and normalization.
type RedisQPackage struct {
	KillID   int64           `json:"killID"`
	Killmail json.RawMessage `json:"killmail"`
	ZKB      models.ZKB      `json:"zkb"`
}

// SystemKill is one entry of the zKillboard systemID listing: the killmail
// ID plus zkb metadata (including the hash needed to fetch the body from
// ESI).
type SystemKill struct {
	KillmailID int64      `json:"killmail_id"`
	ZKB        models.ZKB `json:"zkb"`
}
