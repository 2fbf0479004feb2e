// Package models defines the killmail data model: the wire-adjacent
// killmail shape, the enrichment sub-records, and the event tuple stored in
// the event log. Killmails are immutable once enriched.
package models

import "time"

// ZKB is the zKillboard metadata attached to each killmail.
type ZKB struct {
	LocationID     int64   `json:"locationID,omitempty"`
	Hash           string  `json:"hash"`
	FittedValue    float64 `json:"fittedValue,omitempty"`
	DroppedValue   float64 `json:"droppedValue,omitempty"`
	DestroyedValue float64 `json:"destroyedValue,omitempty"`
	TotalValue     float64 `json:"totalValue"`
	Points         int     `json:"points,omitempty"`
	NPC            bool    `json:"npc"`
	Solo           bool    `json:"solo,omitempty"`
	Awox           bool    `json:"awox,omitempty"`
	Href           string  `json:"href,omitempty"`
}

// EntityRef is an enriched character, corporation, or alliance reference.
type EntityRef struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Ticker string `json:"ticker,omitempty"`
}

// ShipRef is an enriched ship type reference.
type ShipRef struct {
	TypeID    int64  `json:"type_id"`
	Name      string `json:"name"`
	GroupID   int64  `json:"group_id,omitempty"`
	GroupName string `json:"group_name,omitempty"`
}

// Item is a fitted or cargo item on the victim's ship.
type Item struct {
	ItemTypeID        int64  `json:"item_type_id"`
	Singleton         int64  `json:"singleton"`
	Flag              int64  `json:"flag"`
	QuantityDropped   *int64 `json:"quantity_dropped,omitempty"`
	QuantityDestroyed *int64 `json:"quantity_destroyed,omitempty"`
	Items             []Item `json:"items,omitempty"`
}

// Victim is the losing party of a killmail.
type Victim struct {
	CharacterID   *int64 `json:"character_id,omitempty"`
	CorporationID *int64 `json:"corporation_id,omitempty"`
	AllianceID    *int64 `json:"alliance_id,omitempty"`
	ShipTypeID    *int64 `json:"ship_type_id,omitempty"`
	DamageTaken   int64  `json:"damage_taken,omitempty"`
	Items         []Item `json:"items,omitempty"`

	// Enrichment, nil when the reference lookup failed or was skipped.
	Character   *EntityRef `json:"character,omitempty"`
	Corporation *EntityRef `json:"corporation,omitempty"`
	Alliance    *EntityRef `json:"alliance,omitempty"`
	Ship        *ShipRef   `json:"ship,omitempty"`
}

// Attacker is one attacking party of a killmail.
type Attacker struct {
	CharacterID    *int64   `json:"character_id,omitempty"`
	CorporationID  *int64   `json:"corporation_id,omitempty"`
	AllianceID     *int64   `json:"alliance_id,omitempty"`
	ShipTypeID     *int64   `json:"ship_type_id,omitempty"`
	WeaponTypeID   *int64   `json:"weapon_type_id,omitempty"`
	DamageDone     int64    `json:"damage_done,omitempty"`
	FinalBlow      bool     `json:"final_blow"`
	SecurityStatus *float64 `json:"security_status,omitempty"`

	Character   *EntityRef `json:"character,omitempty"`
	Corporation *EntityRef `json:"corporation,omitempty"`
	Alliance    *EntityRef `json:"alliance,omitempty"`
	Ship        *ShipRef   `json:"ship,omitempty"`
}

// Killmail is a fully parsed (and possibly enriched) killmail.
type Killmail struct {
	KillmailID    int64      `json:"killmail_id"`
	SolarSystemID int64      `json:"solar_system_id"`
	KillTime      time.Time  `json:"kill_time"`
	Victim        Victim     `json:"victim"`
	Attackers     []Attacker `json:"attackers"`
	ZKB           ZKB        `json:"zkb"`

	// Flattened convenience fields, filled during enrichment.
	VictimCharID     *int64 `json:"victim_char_id,omitempty"`
	VictimCorpID     *int64 `json:"victim_corp_id,omitempty"`
	VictimAllianceID *int64 `json:"victim_alliance_id,omitempty"`
	VictimShipTypeID *int64 `json:"victim_ship_type_id,omitempty"`
	AttackerCount    int    `json:"attacker_count"`
	Enriched         bool   `json:"-"`
}

// CharacterIDs returns the deduplicated set of character IDs appearing on
// the killmail (victim plus attackers), omitting absent IDs.
func (k *Killmail) CharacterIDs() []int64 {
	seen := make(map[int64]struct{}, len(k.Attackers)+1)
	ids := make([]int64, 0, len(k.Attackers)+1)
	add := func(id *int64) {
		if id == nil {
			return
		}
		if _, ok := seen[*id]; ok {
			return
		}
		seen[*id] = struct{}{}
		ids = append(ids, *id)
	}

	add(k.Victim.CharacterID)
	for i := range k.Attackers {
		add(k.Attackers[i].CharacterID)
	}
	return ids
}

// Event pairs a stored killmail with its monotonic event ID for ordered
// delivery to polling clients.
type Event struct {
	ID       int64     `json:"event_id"`
	SystemID int64     `json:"system_id"`
	Killmail *Killmail `json:"killmail"`
}
