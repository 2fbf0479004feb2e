package services

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	killmailServices "wanderer-kills/internal/killmails/services"
	"wanderer-kills/pkg/errs"
	"wanderer-kills/pkg/evegateway"
	"wanderer-kills/pkg/metrics"
	"wanderer-kills/pkg/ratelimit"
)

type staticResolver struct{}

func (staticResolver) Character(ctx context.Context, id int64) (*evegateway.Character, error) {
	return &evegateway.Character{Name: fmt.Sprintf("Char %d", id), CorporationID: 98000001}, nil
}

func (staticResolver) Corporation(ctx context.Context, id int64) (*evegateway.Corporation, error) {
	return &evegateway.Corporation{Name: fmt.Sprintf("Corp %d", id), Ticker: "CORP"}, nil
}

func (staticResolver) Alliance(ctx context.Context, id int64) (*evegateway.Alliance, error) {
	return &evegateway.Alliance{Name: fmt.Sprintf("Alliance %d", id), Ticker: "ALLY"}, nil
}

func (staticResolver) Type(ctx context.Context, id int64) (*evegateway.Type, error) {
	return &evegateway.Type{Name: fmt.Sprintf("Type %d", id), GroupID: 27}, nil
}

func (staticResolver) Group(ctx context.Context, id int64) (*evegateway.Group, error) {
	return &evegateway.Group{Name: "Battleship", CategoryID: 6}, nil
}

func newTestPipeline(t *testing.T) *killmailServices.Service {
	t.Helper()
	registry := metrics.NewRegistry()
	enricher := killmailServices.NewEnricher(staticResolver{}, killmailServices.DefaultEnricherConfig(), registry)
	store := killmailServices.NewEventStore(killmailServices.DefaultStoreConfig(), nil, nil, registry)
	return killmailServices.NewService(enricher, store, 24*time.Hour, nil, registry)
}

func testConsumerConfig(endpoint string) ConsumerConfig {
	cfg := DefaultConsumerConfig()
	cfg.Endpoint = endpoint
	cfg.FastInterval = time.Millisecond
	cfg.IdleInterval = time.Millisecond
	cfg.BackoffInitial = time.Millisecond
	return cfg
}

func TestNextDelayAdaptiveSchedule(t *testing.T) {
	cfg := DefaultConsumerConfig()
	cfg.FastInterval = 1 * time.Second
	cfg.IdleInterval = 5 * time.Second
	cfg.BackoffInitial = 1 * time.Second
	cfg.BackoffFactor = 2
	cfg.BackoffMax = 30 * time.Second

	c := NewRedisQConsumer(newTestPipeline(t), cfg)

	assert.Equal(t, 1*time.Second, c.nextDelay(outcomeKill))
	assert.Equal(t, 5*time.Second, c.nextDelay(outcomeIdle))
	assert.Equal(t, 5*time.Second, c.nextDelay(outcomeOlder))
}

func TestNextDelayBackoffDoublesAndResets(t *testing.T) {
	cfg := DefaultConsumerConfig()
	cfg.BackoffInitial = 1 * time.Second
	cfg.BackoffFactor = 2
	cfg.BackoffMax = 30 * time.Second

	c := NewRedisQConsumer(newTestPipeline(t), cfg)

	// Three consecutive failures double the delay each time.
	assert.Equal(t, 2*time.Second, c.nextDelay(outcomeError))
	assert.Equal(t, 4*time.Second, c.nextDelay(outcomeError))
	assert.Equal(t, 8*time.Second, c.nextDelay(outcomeError))
	assert.Equal(t, "backing_off", ServiceState(c.state.Load()).String())

	// One success puts the schedule back to the start.
	assert.Equal(t, cfg.IdleInterval, c.nextDelay(outcomeIdle))
	assert.Equal(t, 2*time.Second, c.nextDelay(outcomeError))
}

func TestNextDelayBackoffCapped(t *testing.T) {
	cfg := DefaultConsumerConfig()
	cfg.BackoffInitial = 1 * time.Second
	cfg.BackoffFactor = 2
	cfg.BackoffMax = 30 * time.Second

	c := NewRedisQConsumer(newTestPipeline(t), cfg)

	var last time.Duration
	for i := 0; i < 10; i++ {
		last = c.nextDelay(outcomeError)
	}
	assert.Equal(t, 30*time.Second, last)
}

func TestPollNullPackageIsIdle(t *testing.T) {
	var queueIDs atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queueIDs.Store(r.URL.Query().Get("queueID"))
		assert.Equal(t, "1", r.URL.Query().Get("ttw"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"package":null}`)
	}))
	defer server.Close()

	c := NewRedisQConsumer(newTestPipeline(t), testConsumerConfig(server.URL))
	c.ctx = context.Background()

	assert.Equal(t, outcomeIdle, c.poll())
	assert.Equal(t, int64(1), c.metrics.NullResponses.Load())
	assert.Equal(t, c.queueID, queueIDs.Load())
}

func TestPollKillIsStoredAndEnriched(t *testing.T) {
	killTime := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	body := fmt.Sprintf(`{"package":{"killID":12345,"killmail":{
		"killmail_id":12345,"solar_system_id":30000142,"killmail_time":%q,
		"victim":{"character_id":90000001,"corporation_id":98000001,"ship_type_id":587,"damage_taken":500},
		"attackers":[{"character_id":90000002,"ship_type_id":670,"final_blow":true,"damage_done":500}]
	},"zkb":{"hash":"abc123","totalValue":1500000.5,"points":10}}}`, killTime)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	defer server.Close()

	pipeline := newTestPipeline(t)
	c := NewRedisQConsumer(pipeline, testConsumerConfig(server.URL))
	c.ctx = context.Background()

	assert.Equal(t, outcomeKill, c.poll())
	assert.Equal(t, int64(1), c.metrics.KillmailsFound.Load())
	assert.Equal(t, int64(12345), c.metrics.LastKillmailID.Load())

	km, ok := pipeline.Store().GetKillmail(12345)
	require.True(t, ok)
	assert.Equal(t, int64(30000142), km.SolarSystemID)
	assert.True(t, km.Enriched)
	require.NotNil(t, km.Victim.Character)
	assert.Equal(t, "Char 90000001", km.Victim.Character.Name)
	assert.Equal(t, "abc123", km.ZKB.Hash)
}

func TestPollOlderKillIsSkipped(t *testing.T) {
	killTime := time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339)
	body := fmt.Sprintf(`{"package":{"killID":555,"killmail":{
		"killmail_id":555,"solar_system_id":30000142,"killmail_time":%q,
		"victim":{"ship_type_id":587,"damage_taken":1},"attackers":[]
	},"zkb":{"hash":"old"}}}`, killTime)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	defer server.Close()

	pipeline := newTestPipeline(t)
	c := NewRedisQConsumer(pipeline, testConsumerConfig(server.URL))
	c.ctx = context.Background()

	assert.Equal(t, outcomeOlder, c.poll())
	assert.Equal(t, int64(1), c.metrics.OlderSkips.Load())
	_, ok := pipeline.Store().GetKillmail(555)
	assert.False(t, ok)
}

func TestPollServerErrorIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewRedisQConsumer(newTestPipeline(t), testConsumerConfig(server.URL))
	c.ctx = context.Background()

	assert.Equal(t, outcomeError, c.poll())
	assert.Equal(t, int64(1), c.metrics.HTTPErrors.Load())
}

func TestPollMalformedKillmailDoesNotHaltLoop(t *testing.T) {
	// Package present but the killmail is missing required fields. The loop
	// counts a parse error and keeps its normal pace.
	body := `{"package":{"killID":777,"killmail":{"solar_system_id":30000142},"zkb":{"hash":"x"}}}`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	defer server.Close()

	c := NewRedisQConsumer(newTestPipeline(t), testConsumerConfig(server.URL))
	c.ctx = context.Background()

	assert.Equal(t, outcomeIdle, c.poll())
	assert.Equal(t, int64(1), c.metrics.ParseErrors.Load())
}

func TestStartStopLifecycle(t *testing.T) {
	var polls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		fmt.Fprint(w, `{"package":null}`)
	}))
	defer server.Close()

	c := NewRedisQConsumer(newTestPipeline(t), testConsumerConfig(server.URL))

	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.Running())
	assert.Error(t, c.Start(context.Background()))

	assert.Eventually(t, func() bool { return polls.Load() > 0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Stop())
	assert.False(t, c.Running())
	assert.Error(t, c.Stop())

	status := c.GetStatus()
	assert.Equal(t, "stopped", status.State)
	assert.Greater(t, status.TotalPolls, int64(0))
	assert.Equal(t, status.TotalPolls, status.NullResponses)
}

func TestQueueIDStableAcrossPolls(t *testing.T) {
	c := NewRedisQConsumer(newTestPipeline(t), DefaultConsumerConfig())
	first := c.QueueID()
	assert.Equal(t, first, c.QueueID())
	assert.Contains(t, first, "wanderer-kills-")
}

func TestImportSystemSkipsRecentlyFetched(t *testing.T) {
	pipeline := newTestPipeline(t)
	pipeline.Store().SetFetchTimestamp(30000142)

	imp := NewImporter(nil, nil, pipeline, ImporterConfig{Limit: 5, FreshWindow: 5 * time.Second}, metrics.NewRegistry())
	result, err := imp.ImportSystem(context.Background(), 30000142)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Zero(t, result.Fetched)
}

func newTestLimiter() *ratelimit.Limiter {
	limiter := ratelimit.NewLimiter()
	limiter.Register(ratelimit.UpstreamZKB, 100, 100, nil)
	limiter.Register(ratelimit.UpstreamESI, 100, 100, nil)
	return limiter
}

type fakeSource struct {
	bodies map[int64][]byte
}

func (f *fakeSource) GetKillmailRaw(ctx context.Context, killmailID int64, hash string) ([]byte, error) {
	body, ok := f.bodies[killmailID]
	if !ok {
		return nil, errs.NotFound("killmail %d", killmailID)
	}
	return body, nil
}

func TestImportSystemFetchesAndStores(t *testing.T) {
	killTime := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	rawFor := func(id int64) []byte {
		return []byte(fmt.Sprintf(`{"killmail_id":%d,"solar_system_id":30000144,"killmail_time":%q,
			"victim":{"ship_type_id":587,"damage_taken":1},"attackers":[]}`, id, killTime))
	}

	// zKillboard listing with three kills; the body for 102 is missing on
	// ESI and must not sink the import.
	listing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/systemID/30000144/", r.URL.Path)
		fmt.Fprint(w, `[
			{"killmail_id":101,"zkb":{"hash":"h101"}},
			{"killmail_id":102,"zkb":{"hash":"h102"}},
			{"killmail_id":103,"zkb":{"hash":"h103"}}
		]`)
	}))
	defer listing.Close()

	registry := metrics.NewRegistry()
	fetcher := evegateway.NewFetcher(newTestLimiter(), registry, evegateway.DefaultFetcherConfig("wanderer-kills-test"))
	client := NewClient(fetcher, listing.URL)

	source := &fakeSource{bodies: map[int64][]byte{
		101: rawFor(101),
		103: rawFor(103),
	}}

	pipeline := newTestPipeline(t)
	imp := NewImporter(client, source, pipeline, ImporterConfig{Limit: 5, FreshWindow: 5 * time.Second}, registry)

	result, err := imp.ImportSystem(context.Background(), 30000144)
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, 2, result.Fetched)
	assert.Equal(t, 2, result.Stored)

	_, ok := pipeline.Store().GetKillmail(101)
	assert.True(t, ok)
	_, ok = pipeline.Store().GetKillmail(103)
	assert.True(t, ok)

	assert.True(t, pipeline.Store().RecentlyFetched(30000144, 5*time.Second))

	// A second import within the fresh window is a no-op.
	again, err := imp.ImportSystem(context.Background(), 30000144)
	require.NoError(t, err)
	assert.True(t, again.Skipped)
}

func TestImportSystemHonorsLimit(t *testing.T) {
	killTime := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)

	listing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"killmail_id":201,"zkb":{"hash":"h201"}},
			{"killmail_id":202,"zkb":{"hash":"h202"}},
			{"killmail_id":203,"zkb":{"hash":"h203"}}
		]`)
	}))
	defer listing.Close()

	registry := metrics.NewRegistry()
	fetcher := evegateway.NewFetcher(newTestLimiter(), registry, evegateway.DefaultFetcherConfig("wanderer-kills-test"))
	client := NewClient(fetcher, listing.URL)

	source := &fakeSource{bodies: map[int64][]byte{}}
	for _, id := range []int64{201, 202, 203} {
		source.bodies[id] = []byte(fmt.Sprintf(`{"killmail_id":%d,"solar_system_id":30000145,"killmail_time":%q,
			"victim":{"ship_type_id":587,"damage_taken":1},"attackers":[]}`, id, killTime))
	}

	pipeline := newTestPipeline(t)
	imp := NewImporter(client, source, pipeline, ImporterConfig{Limit: 2, FreshWindow: time.Second}, registry)

	result, err := imp.ImportSystem(context.Background(), 30000145)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Fetched)
}
