package services

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wanderer-kills/internal/killmails/models"
	"wanderer-kills/pkg/errs"
)

var testCutoff = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const rawKillmail = `{
	"killmail_id": 1001,
	"solar_system_id": 30000142,
	"killmail_time": "2024-06-01T12:00:00Z",
	"victim": {"character_id": 100, "corporation_id": 2000, "ship_type_id": 587, "damage_taken": 500},
	"attackers": [
		{"character_id": 200, "final_blow": true, "damage_done": 500},
		{"character_id": 201, "final_blow": false}
	]
}`

func TestParseCanonicalFields(t *testing.T) {
	km, err := Parse([]byte(rawKillmail), &models.ZKB{Hash: "abc", TotalValue: 1500000}, testCutoff)
	require.NoError(t, err)

	assert.Equal(t, int64(1001), km.KillmailID)
	assert.Equal(t, int64(30000142), km.SolarSystemID)
	assert.Equal(t, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), km.KillTime)
	require.NotNil(t, km.Victim.CharacterID)
	assert.Equal(t, int64(100), *km.Victim.CharacterID)
	require.Len(t, km.Attackers, 2)
	assert.True(t, km.Attackers[0].FinalBlow)
	assert.Equal(t, "abc", km.ZKB.Hash)
	assert.Equal(t, float64(1500000), km.ZKB.TotalValue)
}

func TestParseLegacyAliases(t *testing.T) {
	legacy := `{
		"killID": 1002,
		"solarSystemID": 30000144,
		"killTime": "2024-06-01T12:00:00Z",
		"victim": {"character_id": 100},
		"attackers": []
	}`

	km, err := Parse([]byte(legacy), &models.ZKB{Hash: "def"}, testCutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1002), km.KillmailID)
	assert.Equal(t, int64(30000144), km.SolarSystemID)
}

func TestParseMissingRequiredFields(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"no killmail_id", `{"solar_system_id":1,"killmail_time":"2024-06-01T12:00:00Z","victim":{},"attackers":[]}`},
		{"no system", `{"killmail_id":1,"killmail_time":"2024-06-01T12:00:00Z","victim":{},"attackers":[]}`},
		{"no victim", `{"killmail_id":1,"solar_system_id":1,"killmail_time":"2024-06-01T12:00:00Z","attackers":[]}`},
		{"no attackers", `{"killmail_id":1,"solar_system_id":1,"killmail_time":"2024-06-01T12:00:00Z","victim":{}}`},
		{"no time", `{"killmail_id":1,"solar_system_id":1,"victim":{},"attackers":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw), nil, testCutoff)
			require.Error(t, err)
			assert.Equal(t, errs.KindMissingRequiredFields, errs.KindOf(err))
		})
	}
}

func TestParseInvalidTime(t *testing.T) {
	raw := `{"killmail_id":1,"solar_system_id":1,"killmail_time":"yesterday","victim":{},"attackers":[]}`
	_, err := Parse([]byte(raw), nil, testCutoff)
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidTime, errs.KindOf(err))
}

func TestParseOlderThanCutoff(t *testing.T) {
	raw := `{"killmail_id":1,"solar_system_id":1,"killmail_time":"2023-12-31T23:59:59Z","victim":{},"attackers":[]}`
	_, err := Parse([]byte(raw), nil, testCutoff)
	assert.True(t, errors.Is(err, errs.ErrOlder))
}

func TestParseMissingHash(t *testing.T) {
	_, err := Parse([]byte(rawKillmail), &models.ZKB{}, testCutoff)
	require.Error(t, err)
	assert.Equal(t, errs.KindMissingHash, errs.KindOf(err))
}

func TestParseNotAnObject(t *testing.T) {
	_, err := Parse([]byte(`[1,2,3]`), nil, testCutoff)
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidFormat, errs.KindOf(err))
}

func TestCharacterIDsDeduplicated(t *testing.T) {
	raw := `{
		"killmail_id": 1,
		"solar_system_id": 30000142,
		"killmail_time": "2024-06-01T12:00:00Z",
		"victim": {"character_id": 999},
		"attackers": [
			{"character_id": 999, "final_blow": true},
			{"character_id": 200},
			{"final_blow": false}
		]
	}`
	km, err := Parse([]byte(raw), nil, testCutoff)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{999, 200}, km.CharacterIDs())
}
