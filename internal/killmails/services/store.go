package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"wanderer-kills/internal/killmails/models"
	"wanderer-kills/pkg/clock"
	"wanderer-kills/pkg/metrics"
)

// Publisher receives each newly stored killmail for fan-out. Publish must
// never block the inserter.
type Publisher interface {
	PublishKillmail(systemID int64, km *models.Killmail)
}

// NopPublisher discards publications. Used in tests and before the broker
// is wired.
type NopPublisher struct{}

func (NopPublisher) PublishKillmail(int64, *models.Killmail) {}

// StoreConfig tunes the event store.
type StoreConfig struct {
	MaxEventsPerSystem int
	GCInterval         time.Duration
}

// DefaultStoreConfig returns the production store settings.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxEventsPerSystem: 10000,
		GCInterval:         time.Minute,
	}
}

// EventStore is the in-memory per-system event log: killmails keyed by ID,
// per-system kill lists, a process-global monotonic event counter, and
// per-client delivery offsets. All state lives for the process lifetime
// only; garbage collection trims events every client has consumed.
//
// All operations are linearizable under a single store-wide mutex; the
// event counter is advanced inside the same critical section that appends
// to the event log, so observers always see IDs in insertion order.
type EventStore struct {
	mu            sync.RWMutex
	counter       int64
	events        []*models.Event // ascending by event ID
	killmails     map[int64]*models.Killmail
	systemKills   map[int64][]int64 // insertion order, oldest first
	systemCounts  map[int64]int64
	clientOffsets map[string]map[int64]int64
	fetchTimes    map[int64]time.Time

	cfg       StoreConfig
	clk       clock.Clock
	publisher Publisher
	registry  *metrics.Registry
}

// NewEventStore creates an empty store.
func NewEventStore(cfg StoreConfig, clk clock.Clock, publisher Publisher, registry *metrics.Registry) *EventStore {
	if clk == nil {
		clk = clock.System()
	}
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &EventStore{
		killmails:     make(map[int64]*models.Killmail),
		systemKills:   make(map[int64][]int64),
		systemCounts:  make(map[int64]int64),
		clientOffsets: make(map[string]map[int64]int64),
		fetchTimes:    make(map[int64]time.Time),
		cfg:           cfg,
		clk:           clk,
		publisher:     publisher,
		registry:      registry,
	}
}

// SetPublisher installs the fan-out sink. Called once during wiring, before
// ingestion starts.
func (s *EventStore) SetPublisher(p Publisher) {
	s.mu.Lock()
	s.publisher = p
	s.mu.Unlock()
}

// Insert stores a killmail and assigns the next event ID. Idempotent by
// killmail ID: a duplicate insert returns the zero event ID and false, with
// no new event and no re-publish.
func (s *EventStore) Insert(systemID int64, km *models.Killmail) (int64, bool) {
	s.mu.Lock()

	if _, exists := s.killmails[km.KillmailID]; exists {
		s.mu.Unlock()
		s.registry.Counter("store.duplicates").Inc()
		return 0, false
	}

	s.counter++
	eventID := s.counter

	s.killmails[km.KillmailID] = km
	s.systemKills[systemID] = append(s.systemKills[systemID], km.KillmailID)
	s.systemCounts[systemID]++
	s.events = append(s.events, &models.Event{ID: eventID, SystemID: systemID, Killmail: km})

	// Publishing inside the critical section keeps broker delivery in
	// event-ID order; the broker never blocks the publisher.
	s.publisher.PublishKillmail(systemID, km)
	s.mu.Unlock()

	s.registry.Counter("store.inserts").Inc()
	return eventID, true
}

// GetKillmail returns a stored killmail by ID.
func (s *EventStore) GetKillmail(killmailID int64) (*models.Killmail, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	km, ok := s.killmails[killmailID]
	return km, ok
}

// ListBySystem returns all currently stored killmails for a system, newest
// first.
func (s *EventStore) ListBySystem(systemID int64) []*models.Killmail {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.systemKills[systemID]
	out := make([]*models.Killmail, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if km, ok := s.killmails[ids[i]]; ok {
			out = append(out, km)
		}
	}
	return out
}

// KillCount returns the number of kills observed in a system since startup.
// The count survives garbage collection.
func (s *EventStore) KillCount(systemID int64) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.systemCounts[systemID]
}

// FetchForClient returns every event for the requested systems with an ID
// greater than the client's offset, in ascending event-ID order, then
// advances the client's offsets to the highest ID observed per system. The
// read and the offset commit happen atomically.
func (s *EventStore) FetchForClient(clientID string, systemIDs []int64) []*models.Event {
	if len(systemIDs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	offsets := s.offsetsLocked(clientID)
	wanted := make(map[int64]struct{}, len(systemIDs))
	for _, id := range systemIDs {
		wanted[id] = struct{}{}
	}

	var out []*models.Event
	for _, ev := range s.events {
		if _, ok := wanted[ev.SystemID]; !ok {
			continue
		}
		if ev.ID <= offsets[ev.SystemID] {
			continue
		}
		out = append(out, ev)
		offsets[ev.SystemID] = ev.ID
	}

	s.registry.Counter("store.fetches").Inc()
	return out
}

// FetchOne returns the single oldest undelivered event across the requested
// systems, advancing only that system's offset.
func (s *EventStore) FetchOne(clientID string, systemIDs []int64) (*models.Event, bool) {
	if len(systemIDs) == 0 {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	offsets := s.offsetsLocked(clientID)
	wanted := make(map[int64]struct{}, len(systemIDs))
	for _, id := range systemIDs {
		wanted[id] = struct{}{}
	}

	for _, ev := range s.events {
		if _, ok := wanted[ev.SystemID]; !ok {
			continue
		}
		if ev.ID <= offsets[ev.SystemID] {
			continue
		}
		offsets[ev.SystemID] = ev.ID
		return ev, true
	}
	return nil, false
}

func (s *EventStore) offsetsLocked(clientID string) map[int64]int64 {
	offsets, ok := s.clientOffsets[clientID]
	if !ok {
		offsets = make(map[int64]int64)
		s.clientOffsets[clientID] = offsets
	}
	return offsets
}

// ClientOffset returns the client's offset for a system (0 when never
// delivered).
func (s *EventStore) ClientOffset(clientID string, systemID int64) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientOffsets[clientID][systemID]
}

// SetFetchTimestamp records the instant a system was last fetched from
// zKillboard.
func (s *EventStore) SetFetchTimestamp(systemID int64) {
	s.mu.Lock()
	s.fetchTimes[systemID] = s.clk.Now()
	s.mu.Unlock()
}

// GetFetchTimestamp returns when a system was last fetched from zKillboard.
func (s *EventStore) GetFetchTimestamp(systemID int64) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.fetchTimes[systemID]
	return t, ok
}

// RecentlyFetched reports whether the system was fetched within threshold.
func (s *EventStore) RecentlyFetched(systemID int64, threshold time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.fetchTimes[systemID]
	return ok && s.clk.Since(t) < threshold
}

// GarbageCollect trims the event log below the minimum offset across all
// clients and systems, bounds each system's kill list, and drops killmails
// no longer referenced anywhere. When no client offsets exist, the event
// log is left untouched.
func (s *EventStore) GarbageCollect() (removed int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	minOffset := int64(0)
	seen := false
	for _, offsets := range s.clientOffsets {
		for _, offset := range offsets {
			if !seen || offset < minOffset {
				minOffset = offset
				seen = true
			}
		}
	}

	if seen && minOffset > 0 {
		cut := 0
		for cut < len(s.events) && s.events[cut].ID <= minOffset {
			cut++
		}
		removed = cut
		s.events = append([]*models.Event(nil), s.events[cut:]...)
	}

	// Bound per-system kill lists.
	evicted := make(map[int64]struct{})
	for systemID, ids := range s.systemKills {
		if over := len(ids) - s.cfg.MaxEventsPerSystem; over > 0 {
			for _, id := range ids[:over] {
				evicted[id] = struct{}{}
			}
			s.systemKills[systemID] = append([]int64(nil), ids[over:]...)
		}
	}

	if removed > 0 || len(evicted) > 0 {
		s.dropOrphansLocked()
	}

	if removed > 0 {
		s.registry.Counter("store.gc_removed_events").Add(int64(removed))
		slog.Debug("Event store garbage collected", "removed_events", removed, "min_offset", minOffset, "remaining_events", len(s.events))
	}
	return removed
}

// dropOrphansLocked removes killmails referenced by neither the event log
// nor any system kill list. Caller holds mu.
func (s *EventStore) dropOrphansLocked() {
	referenced := make(map[int64]struct{}, len(s.events))
	for _, ev := range s.events {
		referenced[ev.Killmail.KillmailID] = struct{}{}
	}
	for _, ids := range s.systemKills {
		for _, id := range ids {
			referenced[id] = struct{}{}
		}
	}
	for id := range s.killmails {
		if _, ok := referenced[id]; !ok {
			delete(s.killmails, id)
		}
	}
}

// StartGC runs garbage collection on the configured interval until the
// context is cancelled.
func (s *EventStore) StartGC(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.GCInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.GarbageCollect()
			}
		}
	}()
}

// Stats summarizes the store for the status endpoint.
type StoreStats struct {
	Events    int   `json:"events"`
	Killmails int   `json:"killmails"`
	Systems   int   `json:"systems"`
	Clients   int   `json:"clients"`
	LastEvent int64 `json:"last_event_id"`
}

// Stats returns a snapshot of store sizes.
func (s *EventStore) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StoreStats{
		Events:    len(s.events),
		Killmails: len(s.killmails),
		Systems:   len(s.systemKills),
		Clients:   len(s.clientOffsets),
		LastEvent: s.counter,
	}
}
