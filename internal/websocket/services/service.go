package services

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	killmailServices "wanderer-kills/internal/killmails/services"
	"wanderer-kills/internal/websocket/models"
	"wanderer-kills/pkg/metrics"
)

// SessionManagerConfig tunes the WebSocket layer.
type SessionManagerConfig struct {
	// OriginHost restricts upgrade requests to this host. Empty allows any
	// origin (development).
	OriginHost   string
	PreloadLimit int
}

// SessionManager owns all live WebSocket sessions, the upgrader, and the
// shared broker.
type SessionManager struct {
	broker    *Broker
	store     *killmailServices.EventStore
	registry  SubscriptionRegistry
	preloader Preloader
	upgrader  websocket.Upgrader
	cfg       SessionManagerConfig
	metrics   *metrics.Registry

	mu       sync.RWMutex
	sessions map[string]*Session

	totalSessions atomic.Int64
	delivered     atomic.Int64
	lastConn      atomic.Value // time.Time
}

// NewSessionManager creates the WebSocket session manager.
func NewSessionManager(broker *Broker, store *killmailServices.EventStore, registry SubscriptionRegistry, preloader Preloader, cfg SessionManagerConfig, metricsRegistry *metrics.Registry) *SessionManager {
	m := &SessionManager{
		broker:    broker,
		store:     store,
		registry:  registry,
		preloader: preloader,
		cfg:       cfg,
		metrics:   metricsRegistry,
		sessions:  make(map[string]*Session),
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     m.checkOrigin,
	}
	return m
}

func (m *SessionManager) checkOrigin(r *http.Request) bool {
	if m.cfg.OriginHost == "" {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return origin == m.cfg.OriginHost
}

// preloadLimit is read by sessions; fixed after construction.
func (m *SessionManager) preloadLimitValue() int {
	if m.cfg.PreloadLimit <= 0 {
		return 5
	}
	return m.cfg.PreloadLimit
}

// HandleUpgrade upgrades the HTTP request and runs the session until the
// transport closes. Anonymous connections are allowed; user_id is taken
// from the query when present.
func (m *SessionManager) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	session := &Session{
		id:          uuid.NewString(),
		userID:      r.URL.Query().Get("user_id"),
		conn:        conn,
		manager:     m,
		sub:         m.broker.NewSubscriber(),
		systems:     make(map[int64]struct{}),
		connectedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.sessions[session.id] = session
	m.mu.Unlock()

	m.totalSessions.Add(1)
	m.lastConn.Store(session.connectedAt)
	m.metrics.Counter("websocket.connections").Inc()

	slog.Info("WebSocket session started", "session_id", session.id, "remote", r.RemoteAddr)
	session.run(r.Context())
}

func (m *SessionManager) removeSession(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
}

// Broker exposes the broker for wiring into the event store.
func (m *SessionManager) Broker() *Broker {
	return m.broker
}

// ActiveSessions returns the number of live sessions.
func (m *SessionManager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetStats summarizes the WebSocket layer for the status endpoint.
func (m *SessionManager) GetStats() models.SessionStats {
	_, dropped, _ := m.broker.Stats()
	stats := models.SessionStats{
		ActiveSessions:    m.ActiveSessions(),
		TotalSessions:     m.totalSessions.Load(),
		MessagesDelivered: m.delivered.Load(),
		MessagesDropped:   dropped,
	}
	if t, ok := m.lastConn.Load().(time.Time); ok {
		stats.LastConnection = t
	}
	return stats
}

// Shutdown closes every live session.
func (m *SessionManager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		s.conn.Close()
	}
	slog.Info("WebSocket sessions closed", "count", len(sessions))
}
