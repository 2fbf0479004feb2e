package dto

// KillmailInput identifies a killmail by ID.
type KillmailInput struct {
	ID int64 `path:"id" minimum:"1" doc:"Killmail ID"`
}

// SystemInput identifies a solar system. EVE solar system IDs lie in
// [30000000, 50000000].
type SystemInput struct {
	SystemID int64 `path:"system_id" minimum:"30000000" maximum:"50000000" doc:"Solar system ID"`
}
