package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	killmodels "wanderer-kills/internal/killmails/models"
	"wanderer-kills/internal/subscriptions/models"
	"wanderer-kills/pkg/errs"
	"wanderer-kills/pkg/metrics"
)

func newTestService() *Service {
	return NewService(DefaultServiceConfig(), metrics.NewRegistry())
}

func ptr(v int64) *int64 { return &v }

func killIn(killmailID, systemID int64, victimChar int64, attackerChars ...int64) *killmodels.Killmail {
	km := &killmodels.Killmail{
		KillmailID:    killmailID,
		SolarSystemID: systemID,
		KillTime:      time.Now().UTC(),
	}
	if victimChar != 0 {
		km.Victim.CharacterID = ptr(victimChar)
	}
	for _, c := range attackerChars {
		km.Attackers = append(km.Attackers, killmodels.Attacker{CharacterID: ptr(c)})
	}
	return km
}

func TestMatcherRoutesBySystemAndCharacter(t *testing.T) {
	svc := newTestService()

	x, err := svc.CreateWebhook("owner-x", []int64{30000142}, nil, "https://example.com/x")
	require.NoError(t, err)
	y, err := svc.CreateWebhook("owner-y", nil, []int64{999}, "https://example.com/y")
	require.NoError(t, err)

	// Character match only.
	got := svc.Matcher().MatchKillmail(killIn(1, 30000999, 999))
	assert.Equal(t, []string{y.ID}, got)

	// System match only.
	got = svc.Matcher().MatchKillmail(killIn(2, 30000142, 1))
	assert.Equal(t, []string{x.ID}, got)

	// Both.
	got = svc.Matcher().MatchKillmail(killIn(3, 30000142, 999))
	assert.ElementsMatch(t, []string{x.ID, y.ID}, got)

	// Neither.
	assert.Empty(t, svc.Matcher().MatchKillmail(killIn(4, 30000001, 1)))
}

func TestMatcherAttackerCharactersCount(t *testing.T) {
	svc := newTestService()
	sub, err := svc.CreateWebhook("owner", nil, []int64{777}, "https://example.com/hook")
	require.NoError(t, err)

	got := svc.Matcher().MatchKillmail(killIn(1, 30000001, 5, 6, 777))
	assert.Equal(t, []string{sub.ID}, got)
}

func TestWildcardSessionMatchesEverything(t *testing.T) {
	svc := newTestService()
	sub, err := svc.CreateSession("ws-client", nil, nil)
	require.NoError(t, err)
	require.True(t, sub.Wildcard())

	got := svc.Matcher().MatchKillmail(killIn(1, 31002222, 0))
	assert.Equal(t, []string{sub.ID}, got)
}

func TestUpdateSystemsReindexes(t *testing.T) {
	svc := newTestService()
	sub, err := svc.CreateSession("ws-client", []int64{30000142}, nil)
	require.NoError(t, err)

	require.NoError(t, svc.UpdateSystems(sub.ID, []int64{30000144}))

	assert.Empty(t, svc.Matcher().Match(30000142, nil))
	assert.Equal(t, []string{sub.ID}, svc.Matcher().Match(30000144, nil))

	// Shrinking to empty makes the session a wildcard again.
	require.NoError(t, svc.UpdateSystems(sub.ID, nil))
	assert.Equal(t, []string{sub.ID}, svc.Matcher().Match(30000001, nil))
}

func TestCreateWebhookValidation(t *testing.T) {
	svc := newTestService()

	cases := []struct {
		name         string
		subscriberID string
		systems      []int64
		characters   []int64
		callback     string
	}{
		{"no criteria", "owner", nil, nil, "https://example.com/hook"},
		{"empty subscriber", "", []int64{30000142}, nil, "https://example.com/hook"},
		{"bad scheme", "owner", []int64{30000142}, nil, "ftp://example.com/hook"},
		{"no host", "owner", []int64{30000142}, nil, "https:///hook"},
		{"system out of range", "owner", []int64{60000001}, nil, "https://example.com/hook"},
		{"character out of range", "owner", nil, []int64{3000000001}, "https://example.com/hook"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateWebhook(tc.subscriberID, tc.systems, tc.characters, tc.callback)
			require.Error(t, err)
			assert.NotEmpty(t, errs.KindOf(err))
		})
	}
}

func TestCreateWebhookLimits(t *testing.T) {
	svc := newTestService()

	tooManySystems := make([]int64, models.MaxSystemIDs+1)
	for i := range tooManySystems {
		tooManySystems[i] = int64(30000000 + i)
	}
	_, err := svc.CreateWebhook("owner", tooManySystems, nil, "https://example.com/hook")
	require.Error(t, err)
	assert.Equal(t, errs.KindTooManyEntries, errs.KindOf(err))
}

func TestRemoveBySubscriber(t *testing.T) {
	svc := newTestService()
	_, err := svc.CreateWebhook("owner", []int64{30000142}, nil, "https://example.com/a")
	require.NoError(t, err)
	_, err = svc.CreateWebhook("owner", nil, []int64{999}, "https://example.com/b")
	require.NoError(t, err)
	other, err := svc.CreateWebhook("other", []int64{30000142}, nil, "https://example.com/c")
	require.NoError(t, err)

	assert.Equal(t, 2, svc.RemoveBySubscriber("owner"))
	assert.Zero(t, svc.RemoveBySubscriber("owner"))

	got := svc.Matcher().Match(30000142, nil)
	assert.Equal(t, []string{other.ID}, got)
	assert.Len(t, svc.List(), 1)
}

func TestBatchFilterGroupsBySubscription(t *testing.T) {
	svc := newTestService()
	x, err := svc.CreateWebhook("owner-x", []int64{30000142}, nil, "https://example.com/x")
	require.NoError(t, err)
	y, err := svc.CreateWebhook("owner-y", nil, []int64{999}, "https://example.com/y")
	require.NoError(t, err)

	kms := []*killmodels.Killmail{
		killIn(1, 30000142, 1),
		killIn(2, 30000999, 999),
		killIn(3, 30000142, 999),
		killIn(4, 30000001, 1),
	}

	grouped := svc.Matcher().BatchFilter(kms)
	require.Len(t, grouped, 2)
	assert.Len(t, grouped[x.ID], 2)
	assert.Len(t, grouped[y.ID], 2)
}

func TestDispatchDeliversWebhook(t *testing.T) {
	var deliveries atomic.Int64
	received := make(chan webhookPayload, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deliveries.Add(1)
		var payload webhookPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		received <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	svc := newTestService()
	sub, err := svc.CreateWebhook("owner", []int64{30000142}, nil, server.URL)
	require.NoError(t, err)

	svc.Dispatch(killIn(42, 30000142, 1))

	select {
	case payload := <-received:
		assert.Equal(t, sub.ID, payload.SubscriptionID)
		assert.Equal(t, int64(30000142), payload.SystemID)
		assert.Equal(t, int64(42), payload.Killmail.KillmailID)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered")
	}

	// A kill outside the subscription produces nothing.
	svc.Dispatch(killIn(43, 30000001, 1))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), deliveries.Load())
}

func TestDispatchSkipsSessionSinks(t *testing.T) {
	svc := newTestService()
	_, err := svc.CreateSession("ws-client", []int64{30000142}, nil)
	require.NoError(t, err)

	// No callback URL to hit; must simply not panic or deliver.
	svc.Dispatch(killIn(1, 30000142, 0))
}
