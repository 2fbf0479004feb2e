package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wanderer-kills/internal/killmails/models"
	"wanderer-kills/pkg/errs"
	"wanderer-kills/pkg/evegateway"
	"wanderer-kills/pkg/metrics"
)

// fakeResolver serves canned records, optionally stalling on chosen
// character IDs until the context expires.
type fakeResolver struct {
	stallCharacters map[int64]time.Duration
	failCharacters  map[int64]bool
	calls           atomic.Int64
}

func (f *fakeResolver) Character(ctx context.Context, id int64) (*evegateway.Character, error) {
	f.calls.Add(1)
	if d, ok := f.stallCharacters[id]; ok {
		select {
		case <-ctx.Done():
			return nil, errs.Timeout("character %d lookup timed out", id)
		case <-time.After(d):
		}
	}
	if f.failCharacters[id] {
		return nil, errs.NotFound("character %d", id)
	}
	return &evegateway.Character{Name: fmt.Sprintf("Pilot %d", id), CorporationID: 98000000 + id}, nil
}

func (f *fakeResolver) Corporation(ctx context.Context, id int64) (*evegateway.Corporation, error) {
	return &evegateway.Corporation{Name: fmt.Sprintf("Corp %d", id), Ticker: "CORP"}, nil
}

func (f *fakeResolver) Alliance(ctx context.Context, id int64) (*evegateway.Alliance, error) {
	return &evegateway.Alliance{Name: fmt.Sprintf("Alliance %d", id), Ticker: "ALLY"}, nil
}

func (f *fakeResolver) Type(ctx context.Context, id int64) (*evegateway.Type, error) {
	return &evegateway.Type{Name: fmt.Sprintf("Type %d", id), GroupID: 25}, nil
}

func (f *fakeResolver) Group(ctx context.Context, id int64) (*evegateway.Group, error) {
	return &evegateway.Group{Name: "Frigate", CategoryID: 6}, nil
}

func ptr(v int64) *int64 { return &v }

func TestEnrichVictimAndAttackers(t *testing.T) {
	enricher := NewEnricher(&fakeResolver{}, DefaultEnricherConfig(), metrics.NewRegistry())

	km := &models.Killmail{
		KillmailID:    1,
		SolarSystemID: 30000142,
		Victim:        models.Victim{CharacterID: ptr(100), CorporationID: ptr(2000), ShipTypeID: ptr(587)},
		Attackers:     []models.Attacker{{CharacterID: ptr(200), ShipTypeID: ptr(17738), FinalBlow: true}},
	}

	enricher.Enrich(context.Background(), km)

	require.NotNil(t, km.Victim.Character)
	assert.Equal(t, "Pilot 100", km.Victim.Character.Name)
	require.NotNil(t, km.Victim.Ship)
	assert.Equal(t, "Type 587", km.Victim.Ship.Name)
	assert.Equal(t, "Frigate", km.Victim.Ship.GroupName)
	require.NotNil(t, km.Attackers[0].Character)
	assert.Equal(t, "Pilot 200", km.Attackers[0].Character.Name)

	// Flattened fields.
	assert.Equal(t, ptr(100), km.VictimCharID)
	assert.Equal(t, ptr(587), km.VictimShipTypeID)
	assert.Equal(t, 1, km.AttackerCount)
	assert.True(t, km.Enriched)
}

func TestEnrichFailedLookupYieldsNilSubRecord(t *testing.T) {
	resolver := &fakeResolver{failCharacters: map[int64]bool{100: true}}
	enricher := NewEnricher(resolver, DefaultEnricherConfig(), metrics.NewRegistry())

	km := &models.Killmail{
		Victim:    models.Victim{CharacterID: ptr(100)},
		Attackers: []models.Attacker{{CharacterID: ptr(200)}},
	}
	enricher.Enrich(context.Background(), km)

	assert.Nil(t, km.Victim.Character, "failed lookup must leave a nil sub-record")
	assert.NotNil(t, km.Attackers[0].Character)
}

func TestEnrichParallelWithSlowLookup(t *testing.T) {
	// One of five attackers stalls past the task timeout; the kill must
	// still come out with all five attackers, the slow one unenriched.
	resolver := &fakeResolver{stallCharacters: map[int64]time.Duration{203: 500 * time.Millisecond}}
	cfg := EnricherConfig{MinAttackersParallel: 3, MaxConcurrency: 2, TaskTimeout: 50 * time.Millisecond}
	enricher := NewEnricher(resolver, cfg, metrics.NewRegistry())

	km := &models.Killmail{
		Victim: models.Victim{CharacterID: ptr(100)},
		Attackers: []models.Attacker{
			{CharacterID: ptr(201)},
			{CharacterID: ptr(202)},
			{CharacterID: ptr(203)},
			{CharacterID: ptr(204)},
			{CharacterID: ptr(205), FinalBlow: true},
		},
	}

	enricher.Enrich(context.Background(), km)

	require.Len(t, km.Attackers, 5)
	enriched := 0
	for _, att := range km.Attackers {
		if att.Character != nil {
			enriched++
		}
	}
	assert.Equal(t, 4, enriched, "the timed-out lookup must yield a nil sub-record")
	assert.Equal(t, 5, km.AttackerCount)
}

func TestEnrichSequentialBelowThreshold(t *testing.T) {
	resolver := &fakeResolver{}
	cfg := DefaultEnricherConfig()
	enricher := NewEnricher(resolver, cfg, metrics.NewRegistry())

	km := &models.Killmail{
		Attackers: []models.Attacker{{CharacterID: ptr(201)}, {CharacterID: ptr(202)}},
	}
	enricher.Enrich(context.Background(), km)

	for _, att := range km.Attackers {
		assert.NotNil(t, att.Character)
	}
}

func TestEnrichDeterministic(t *testing.T) {
	// Enriching the same raw killmail twice against stable reference data
	// must produce identical output.
	resolver := &fakeResolver{}
	enricher := NewEnricher(resolver, DefaultEnricherConfig(), metrics.NewRegistry())

	build := func() *models.Killmail {
		km, err := Parse([]byte(rawKillmail), &models.ZKB{Hash: "abc"}, testCutoff)
		require.NoError(t, err)
		enricher.Enrich(context.Background(), km)
		return km
	}

	first, err := json.Marshal(build())
	require.NoError(t, err)
	second, err := json.Marshal(build())
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(second))
}
