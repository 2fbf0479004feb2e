package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	killmodels "wanderer-kills/internal/killmails/models"
	killmailServices "wanderer-kills/internal/killmails/services"
	submodels "wanderer-kills/internal/subscriptions/models"
	"wanderer-kills/internal/websocket/models"
	zkbServices "wanderer-kills/internal/zkillboard/services"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Preloader backfills a system's recent kills on demand. Satisfied by the
// zkillboard importer.
type Preloader interface {
	ImportSystem(ctx context.Context, systemID int64) (zkbServices.ImportResult, error)
}

// SubscriptionRegistry is the slice of the subscription service a session
// needs. Sessions register on join and deregister on disconnect so the
// matcher sees WebSocket interest alongside webhooks.
type SubscriptionRegistry interface {
	CreateSession(subscriberID string, systemIDs, characterIDs []int64) (*submodels.Subscription, error)
	UpdateSystems(subscriptionID string, systemIDs []int64) error
	Remove(subscriptionID string) bool
}

// Session is one WebSocket client on the killmails lobby. It owns a broker
// subscriber, the set of followed systems, and the two pumps. All writes go
// through the session goroutine; the reader goroutine only feeds inbound
// frames.
type Session struct {
	id     string
	userID string
	conn   *websocket.Conn

	manager *SessionManager
	sub     *Subscriber

	mu             sync.RWMutex
	joined         bool
	subscriptionID string
	systems        map[int64]struct{}
	connectedAt    time.Time
}

// systemsSorted returns the followed systems in ascending order.
func (s *Session) systemsSorted() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int64, 0, len(s.systems))
	for id := range s.systems {
		out = append(out, id)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// run is the session's main loop: inbound frames, broker messages, pings.
func (s *Session) run(ctx context.Context) {
	defer s.teardown()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	frames := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			frames <- data
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case data := <-frames:
			var msg models.ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.send(models.ServerMessage{Event: models.EventError, Payload: models.ErrorReply{Reason: "malformed message"}})
				continue
			}
			s.handleMessage(ctx, &msg)

		case bm := <-s.sub.C():
			s.pushKillmail(bm)

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("WebSocket read failed", "session_id", s.id, "error", err)
			}
			return
		}
	}
}

func (s *Session) handleMessage(ctx context.Context, msg *models.ClientMessage) {
	switch msg.Event {
	case models.EventJoin:
		s.handleJoin(ctx, msg)
	case models.EventSubscribeSystems:
		s.handleSubscribe(ctx, msg)
	case models.EventUnsubscribeSystems:
		s.handleUnsubscribe(msg)
	case models.EventGetStatus:
		s.handleGetStatus(msg)
	default:
		s.send(models.ServerMessage{Event: models.EventError, Ref: msg.Ref, Payload: models.ErrorReply{Reason: "unknown event: " + msg.Event}})
	}
}

func (s *Session) handleJoin(ctx context.Context, msg *models.ClientMessage) {
	if msg.Topic != models.LobbyTopic {
		s.send(models.ServerMessage{Event: models.EventError, Ref: msg.Ref, Payload: models.ErrorReply{Reason: "unknown topic: " + msg.Topic}})
		return
	}

	s.mu.Lock()
	if s.joined {
		s.mu.Unlock()
		s.send(models.ServerMessage{Event: models.EventError, Ref: msg.Ref, Payload: models.ErrorReply{Reason: "already joined"}})
		return
	}
	s.joined = true
	s.mu.Unlock()

	sub, err := s.manager.registry.CreateSession(s.id, msg.Payload.Systems, nil)
	if err != nil {
		s.mu.Lock()
		s.joined = false
		s.mu.Unlock()
		s.send(models.ServerMessage{Event: models.EventError, Ref: msg.Ref, Payload: models.ErrorReply{Reason: err.Error()}})
		return
	}

	s.mu.Lock()
	s.subscriptionID = sub.ID
	s.mu.Unlock()

	added := s.addSystems(msg.Payload.Systems)
	s.send(models.ServerMessage{Event: models.EventReply, Ref: msg.Ref, Payload: models.JoinReply{
		SubscriptionID:    sub.ID,
		SubscribedSystems: s.systemsSorted(),
		Status:            "connected",
	}})

	s.preloadSystems(ctx, added)
	slog.Info("Session joined lobby", "session_id", s.id, "subscription_id", sub.ID, "systems", len(added))
}

func (s *Session) handleSubscribe(ctx context.Context, msg *models.ClientMessage) {
	if !s.requireJoined(msg.Ref) {
		return
	}

	added := s.addSystems(msg.Payload.Systems)
	s.syncSubscription(msg.Ref)
	s.send(models.ServerMessage{Event: models.EventReply, Ref: msg.Ref, Payload: models.SystemsReply{SubscribedSystems: s.systemsSorted()}})
	s.preloadSystems(ctx, added)
}

func (s *Session) handleUnsubscribe(msg *models.ClientMessage) {
	if !s.requireJoined(msg.Ref) {
		return
	}

	s.mu.Lock()
	for _, id := range msg.Payload.Systems {
		if _, ok := s.systems[id]; !ok {
			continue
		}
		delete(s.systems, id)
		s.manager.broker.Unsubscribe(s.sub, TopicForSystem(id))
		s.manager.broker.Unsubscribe(s.sub, DetailedTopicForSystem(id))
	}
	s.mu.Unlock()

	s.syncSubscription(msg.Ref)
	s.send(models.ServerMessage{Event: models.EventReply, Ref: msg.Ref, Payload: models.SystemsReply{SubscribedSystems: s.systemsSorted()}})
}

func (s *Session) handleGetStatus(msg *models.ClientMessage) {
	if !s.requireJoined(msg.Ref) {
		return
	}

	s.mu.RLock()
	reply := models.StatusReply{
		SubscriptionID: s.subscriptionID,
		ConnectedAt:    s.connectedAt,
		UserID:         s.userID,
	}
	s.mu.RUnlock()
	reply.SubscribedSystems = s.systemsSorted()

	s.send(models.ServerMessage{Event: models.EventReply, Ref: msg.Ref, Payload: reply})
}

func (s *Session) requireJoined(ref string) bool {
	s.mu.RLock()
	joined := s.joined
	s.mu.RUnlock()
	if !joined {
		s.send(models.ServerMessage{Event: models.EventError, Ref: ref, Payload: models.ErrorReply{Reason: "join killmails:lobby first"}})
	}
	return joined
}

// addSystems registers new systems with the broker and returns the ones
// actually added.
func (s *Session) addSystems(systemIDs []int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var added []int64
	for _, id := range systemIDs {
		if _, ok := s.systems[id]; ok {
			continue
		}
		s.systems[id] = struct{}{}
		s.manager.broker.Subscribe(s.sub, TopicForSystem(id))
		s.manager.broker.Subscribe(s.sub, DetailedTopicForSystem(id))
		added = append(added, id)
	}
	return added
}

// syncSubscription pushes the current system set into the matcher indexes.
func (s *Session) syncSubscription(ref string) {
	s.mu.RLock()
	subID := s.subscriptionID
	s.mu.RUnlock()
	if subID == "" {
		return
	}
	if err := s.manager.registry.UpdateSystems(subID, s.systemsSorted()); err != nil {
		slog.Error("Failed to update session subscription", "session_id", s.id, "error", err)
		s.send(models.ServerMessage{Event: models.EventError, Ref: ref, Payload: models.ErrorReply{Reason: err.Error()}})
	}
}

// preloadSystems backfills and pushes recent kills for newly followed
// systems, then their current kill counts.
func (s *Session) preloadSystems(ctx context.Context, systemIDs []int64) {
	for _, systemID := range systemIDs {
		if s.manager.preloader != nil {
			if _, err := s.manager.preloader.ImportSystem(ctx, systemID); err != nil {
				slog.Warn("Preload import failed", "session_id", s.id, "system_id", systemID, "error", err)
			}
		}

		kills := s.manager.store.ListBySystem(systemID)
		if limit := s.manager.preloadLimitValue(); len(kills) > limit {
			kills = kills[:limit]
		}
		recent := make([]*killmodels.Killmail, 0, len(kills))
		cutoff := time.Now().UTC().Add(-24 * time.Hour)
		for _, km := range kills {
			if km.KillTime.After(cutoff) {
				recent = append(recent, km)
			}
		}
		if len(recent) > 0 {
			s.send(models.ServerMessage{Event: models.EventKillmailUpdate, Payload: models.KillmailUpdate{
				SystemID:  systemID,
				Killmails: recent,
				Timestamp: time.Now().UTC(),
				Preload:   true,
			}})
		}

		s.send(models.ServerMessage{Event: models.EventKillCountUpdate, Payload: models.KillCountUpdate{
			SystemID:  systemID,
			Count:     s.manager.store.KillCount(systemID),
			Timestamp: time.Now().UTC(),
		}})
	}
}

// pushKillmail forwards one broker message to the client. The detailed
// topic is skipped to avoid double delivery; both carry the full payload.
func (s *Session) pushKillmail(bm *BrokerMessage) {
	if bm.Topic == DetailedTopicForSystem(bm.SystemID) {
		return
	}
	s.send(models.ServerMessage{Event: models.EventKillmailUpdate, Payload: models.KillmailUpdate{
		SystemID:  bm.SystemID,
		Killmails: []*killmodels.Killmail{bm.Killmail},
		Timestamp: time.Now().UTC(),
		Preload:   false,
	}})
	s.manager.delivered.Add(1)
}

func (s *Session) send(msg models.ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to encode server message", "session_id", s.id, "error", err)
		return
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Debug("WebSocket write failed", "session_id", s.id, "error", err)
	}
}

// teardown removes the session's subscription, broker topics, and manager
// registration.
func (s *Session) teardown() {
	s.mu.RLock()
	subID := s.subscriptionID
	s.mu.RUnlock()

	if subID != "" {
		s.manager.registry.Remove(subID)
	}
	s.manager.broker.UnsubscribeAll(s.sub)
	s.manager.removeSession(s)
	s.conn.Close()

	slog.Info("Session closed", "session_id", s.id, "lagged", s.sub.Lagged())
}

var _ killmailServices.Publisher = (*Broker)(nil)
