package services

import (
	"encoding/json"
	"time"

	"wanderer-kills/internal/killmails/models"
	"wanderer-kills/pkg/errs"
)

// fieldAliases maps the camelCase variants seen in legacy zKillboard
// payloads onto the canonical ESI snake_case names.
var fieldAliases = map[string]string{
	"killID":        "killmail_id",
	"solarSystemID": "solar_system_id",
	"killTime":      "killmail_time",
}

// Parse runs the pure stages of the pipeline over a raw killmail document:
// field normalization, required-field validation, time parsing, the cutoff
// check, and the zkb metadata merge. It returns errs.ErrOlder when the kill
// predates the cutoff; callers treat that as a successful skip.
func Parse(rawKillmail []byte, zkb *models.ZKB, cutoff time.Time) (*models.Killmail, error) {
	var raw map[string]any
	if err := json.Unmarshal(rawKillmail, &raw); err != nil {
		return nil, errs.InvalidFormat("killmail is not a JSON object").Wrap(err)
	}

	raw = normalizeFields(raw)

	if err := validateRequired(raw); err != nil {
		return nil, err
	}

	killTime, err := parseKillTime(raw)
	if err != nil {
		return nil, err
	}

	if killTime.Before(cutoff) {
		return nil, errs.ErrOlder
	}

	km, err := buildKillmail(raw, killTime)
	if err != nil {
		return nil, err
	}

	if zkb != nil {
		if zkb.Hash == "" {
			return nil, errs.MissingHash("killmail %d has no zkb hash", km.KillmailID)
		}
		km.ZKB = *zkb
	}

	return km, nil
}

// normalizeFields renames alias keys in place. Canonical keys win when both
// spellings are present.
func normalizeFields(raw map[string]any) map[string]any {
	for alias, canonical := range fieldAliases {
		if value, ok := raw[alias]; ok {
			if _, exists := raw[canonical]; !exists {
				raw[canonical] = value
			}
			delete(raw, alias)
		}
	}
	return raw
}

func validateRequired(raw map[string]any) error {
	var missing []string

	if !hasNumber(raw, "killmail_id") {
		missing = append(missing, "killmail_id")
	}
	if !hasNumber(raw, "solar_system_id") {
		missing = append(missing, "solar_system_id")
	}
	if _, ok := raw["victim"].(map[string]any); !ok {
		missing = append(missing, "victim")
	}
	if _, ok := raw["attackers"].([]any); !ok {
		missing = append(missing, "attackers")
	}
	if !hasString(raw, "killmail_time") && !hasString(raw, "kill_time") {
		missing = append(missing, "killmail_time")
	}

	if len(missing) > 0 {
		return errs.MissingRequiredFields(missing...)
	}
	return nil
}

func parseKillTime(raw map[string]any) (time.Time, error) {
	value, ok := raw["killmail_time"].(string)
	if !ok {
		value, _ = raw["kill_time"].(string)
	}

	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, errs.InvalidTime("cannot parse kill time %q", value).Wrap(err)
	}
	return parsed.UTC(), nil
}

// buildKillmail converts the normalized document into the model. The
// document's time aliases have already been resolved, so the JSON round
// trip only needs the canonical names.
func buildKillmail(raw map[string]any, killTime time.Time) (*models.Killmail, error) {
	// kill_time in the model carries the parsed instant; drop the string
	// variants so they cannot shadow it.
	delete(raw, "killmail_time")
	delete(raw, "kill_time")

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, errs.BuildFailed("re-encoding normalized killmail").Wrap(err)
	}

	var km models.Killmail
	if err := json.Unmarshal(data, &km); err != nil {
		return nil, errs.BuildFailed("decoding normalized killmail").Wrap(err)
	}

	if km.SolarSystemID <= 0 {
		return nil, errs.MissingSystemID("killmail %d has solar_system_id %d", km.KillmailID, km.SolarSystemID)
	}

	km.KillTime = killTime
	return &km, nil
}

func hasNumber(raw map[string]any, key string) bool {
	switch raw[key].(type) {
	case float64, int64, int, json.Number:
		return true
	}
	return false
}

func hasString(raw map[string]any, key string) bool {
	s, ok := raw[key].(string)
	return ok && s != ""
}
