package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	killmailServices "wanderer-kills/internal/killmails/services"
	subServices "wanderer-kills/internal/subscriptions/services"
	"wanderer-kills/internal/websocket/models"
	"wanderer-kills/pkg/metrics"
)

type sessionFixture struct {
	manager *SessionManager
	store   *killmailServices.EventStore
	subs    *subServices.Service
	server  *httptest.Server
	conn    *websocket.Conn
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	registry := metrics.NewRegistry()
	broker := NewBroker(64, registry)
	store := killmailServices.NewEventStore(killmailServices.DefaultStoreConfig(), nil, broker, registry)
	subs := subServices.NewService(subServices.DefaultServiceConfig(), registry)

	manager := NewSessionManager(broker, store, subs, nil, SessionManagerConfig{PreloadLimit: 5}, registry)
	server := httptest.NewServer(http.HandlerFunc(manager.HandleUpgrade))

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	f := &sessionFixture{manager: manager, store: store, subs: subs, server: server, conn: conn}
	t.Cleanup(func() {
		conn.Close()
		server.Close()
	})
	return f
}

func (f *sessionFixture) sendEvent(t *testing.T, msg models.ClientMessage) {
	t.Helper()
	require.NoError(t, f.conn.WriteJSON(msg))
}

// readEvent reads server messages until one with the wanted event arrives.
func (f *sessionFixture) readEvent(t *testing.T, event string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := f.conn.ReadMessage()
		require.NoError(t, err)

		var msg struct {
			Event   string         `json:"event"`
			Payload map[string]any `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Event == event {
			return msg.Payload
		}
	}
	t.Fatalf("did not receive %q in time", event)
	return nil
}

func (f *sessionFixture) join(t *testing.T, systems ...int64) map[string]any {
	t.Helper()
	f.sendEvent(t, models.ClientMessage{
		Event:   models.EventJoin,
		Topic:   models.LobbyTopic,
		Payload: models.Payload{Systems: systems},
	})
	return f.readEvent(t, models.EventReply)
}

func TestSessionJoinLobby(t *testing.T) {
	f := newSessionFixture(t)

	reply := f.join(t, 30000142)
	assert.Equal(t, "connected", reply["status"])
	assert.NotEmpty(t, reply["subscription_id"])
	assert.Equal(t, []any{float64(30000142)}, reply["subscribed_systems"])

	// The join registered a live subscription.
	assert.Eventually(t, func() bool { return len(f.subs.List()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestSessionJoinUnknownTopic(t *testing.T) {
	f := newSessionFixture(t)

	f.sendEvent(t, models.ClientMessage{Event: models.EventJoin, Topic: "other:lobby"})
	payload := f.readEvent(t, models.EventError)
	assert.Contains(t, payload["reason"], "unknown topic")
}

func TestSessionRequiresJoinFirst(t *testing.T) {
	f := newSessionFixture(t)

	f.sendEvent(t, models.ClientMessage{Event: models.EventGetStatus})
	payload := f.readEvent(t, models.EventError)
	assert.Contains(t, payload["reason"], "join")
}

func TestSessionReceivesKillmailUpdates(t *testing.T) {
	f := newSessionFixture(t)
	f.join(t, 30000142)

	// Give the session time to attach its broker topics before inserting.
	f.readEvent(t, models.EventKillCountUpdate)

	_, stored := f.store.Insert(30000142, km(4242))
	require.True(t, stored)

	payload := f.readEvent(t, models.EventKillmailUpdate)
	assert.Equal(t, float64(30000142), payload["system_id"])
	assert.Equal(t, false, payload["preload"])
	kills := payload["killmails"].([]any)
	require.Len(t, kills, 1)
}

func TestSessionPreloadOnJoin(t *testing.T) {
	registryless := newSessionFixture(t)
	for i := int64(1); i <= 8; i++ {
		registryless.store.Insert(30000142, km(i))
	}

	registryless.join(t, 30000142)

	payload := registryless.readEvent(t, models.EventKillmailUpdate)
	assert.Equal(t, true, payload["preload"])
	kills := payload["killmails"].([]any)
	assert.Len(t, kills, 5)

	count := registryless.readEvent(t, models.EventKillCountUpdate)
	assert.Equal(t, float64(8), count["count"])
}

func TestSessionSubscribeAndUnsubscribe(t *testing.T) {
	f := newSessionFixture(t)
	f.join(t)

	f.sendEvent(t, models.ClientMessage{Event: models.EventSubscribeSystems, Payload: models.Payload{Systems: []int64{30000142, 30000144}}})
	reply := f.readEvent(t, models.EventReply)
	assert.Equal(t, []any{float64(30000142), float64(30000144)}, reply["subscribed_systems"])

	f.sendEvent(t, models.ClientMessage{Event: models.EventUnsubscribeSystems, Payload: models.Payload{Systems: []int64{30000142}}})
	reply = f.readEvent(t, models.EventReply)
	assert.Equal(t, []any{float64(30000144)}, reply["subscribed_systems"])
}

func TestSessionGetStatus(t *testing.T) {
	f := newSessionFixture(t)
	joinReply := f.join(t, 30000142)

	f.sendEvent(t, models.ClientMessage{Event: models.EventGetStatus})
	status := f.readEvent(t, models.EventReply)
	assert.Equal(t, joinReply["subscription_id"], status["subscription_id"])
	assert.Equal(t, []any{float64(30000142)}, status["subscribed_systems"])
	assert.NotEmpty(t, status["connected_at"])
}

func TestSessionDisconnectCleansUp(t *testing.T) {
	f := newSessionFixture(t)
	f.join(t, 30000142)
	require.Eventually(t, func() bool { return f.manager.ActiveSessions() == 1 }, time.Second, 10*time.Millisecond)

	f.conn.Close()

	assert.Eventually(t, func() bool { return f.manager.ActiveSessions() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(f.subs.List()) == 0 }, 2*time.Second, 10*time.Millisecond)

	_, _, topics := f.manager.Broker().Stats()
	assert.Zero(t, topics)
}
