package services

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	killmodels "wanderer-kills/internal/killmails/models"
	"wanderer-kills/internal/subscriptions/models"
	"wanderer-kills/pkg/errs"
	"wanderer-kills/pkg/metrics"
)

// ServiceConfig tunes the subscription service.
type ServiceConfig struct {
	WebhookTimeout time.Duration
	SweepInterval  time.Duration
}

// DefaultServiceConfig returns the production settings.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		WebhookTimeout: 10 * time.Second,
		SweepInterval:  5 * time.Minute,
	}
}

// Service owns the subscription registry, the matcher indexes, and webhook
// delivery. WebSocket sessions register through it too so a single matcher
// covers both sinks.
type Service struct {
	mu           sync.RWMutex
	subs         map[string]*models.Subscription
	bySubscriber map[string]map[string]struct{}

	matcher    *Matcher
	httpClient *http.Client
	cfg        ServiceConfig
	registry   *metrics.Registry
}

// NewService creates the subscription service.
func NewService(cfg ServiceConfig, registry *metrics.Registry) *Service {
	return &Service{
		subs:         make(map[string]*models.Subscription),
		bySubscriber: make(map[string]map[string]struct{}),
		matcher:      NewMatcher(),
		httpClient:   &http.Client{Timeout: cfg.WebhookTimeout},
		cfg:          cfg,
		registry:     registry,
	}
}

// Matcher exposes the matcher to the fan-out layers.
func (s *Service) Matcher() *Matcher {
	return s.matcher
}

// validateIDs enforces the per-subscription limits.
func validateIDs(systemIDs, characterIDs []int64) error {
	if len(systemIDs) > models.MaxSystemIDs {
		return errs.TooManyEntries("at most %d system IDs per subscription", models.MaxSystemIDs)
	}
	if len(characterIDs) > models.MaxCharacterIDs {
		return errs.TooManyEntries("at most %d character IDs per subscription", models.MaxCharacterIDs)
	}
	for _, id := range systemIDs {
		if id <= 0 || id > models.MaxSystemID {
			return errs.InvalidID("system ID %d out of range", id)
		}
	}
	for _, id := range characterIDs {
		if id <= 0 || id > models.MaxCharacterID {
			return errs.InvalidID("character ID %d out of range", id)
		}
	}
	return nil
}

func validateCallbackURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errs.InvalidFormat("callback_url is not a valid URL").Wrap(err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errs.InvalidFormat("callback_url must use http or https")
	}
	if u.Host == "" {
		return errs.InvalidFormat("callback_url must include a host")
	}
	return nil
}

// CreateWebhook registers a webhook subscription. At least one of the ID
// sets must be non-empty; wildcards are reserved for WebSocket sessions.
func (s *Service) CreateWebhook(subscriberID string, systemIDs, characterIDs []int64, callbackURL string) (*models.Subscription, error) {
	if subscriberID == "" {
		return nil, errs.MissingRequiredFields("subscriber_id")
	}
	if len(systemIDs) == 0 && len(characterIDs) == 0 {
		return nil, errs.MissingRequiredFields("system_ids", "character_ids")
	}
	if err := validateIDs(systemIDs, characterIDs); err != nil {
		return nil, err
	}
	if err := validateCallbackURL(callbackURL); err != nil {
		return nil, err
	}

	sub := &models.Subscription{
		ID:           uuid.NewString(),
		SubscriberID: subscriberID,
		SystemIDs:    dedupe(systemIDs),
		CharacterIDs: dedupe(characterIDs),
		CallbackURL:  callbackURL,
		Sink:         models.SinkWebhook,
		CreatedAt:    time.Now().UTC(),
	}
	s.register(sub)
	s.registry.Counter("subscriptions.webhook_created").Inc()
	return sub, nil
}

// CreateSession registers a WebSocket session subscription. Empty ID sets
// make it a wildcard.
func (s *Service) CreateSession(subscriberID string, systemIDs, characterIDs []int64) (*models.Subscription, error) {
	if err := validateIDs(systemIDs, characterIDs); err != nil {
		return nil, err
	}

	sub := &models.Subscription{
		ID:           uuid.NewString(),
		SubscriberID: subscriberID,
		SystemIDs:    dedupe(systemIDs),
		CharacterIDs: dedupe(characterIDs),
		Sink:         models.SinkWebSocket,
		CreatedAt:    time.Now().UTC(),
	}
	s.register(sub)
	s.registry.Counter("subscriptions.session_created").Inc()
	return sub, nil
}

// UpdateSystems replaces a subscription's system set, reindexing only the
// difference.
func (s *Service) UpdateSystems(subscriptionID string, systemIDs []int64) error {
	if err := validateIDs(systemIDs, nil); err != nil {
		return err
	}

	s.mu.Lock()
	sub, ok := s.subs[subscriptionID]
	if !ok {
		s.mu.Unlock()
		return errs.NotFound("subscription %s", subscriptionID)
	}
	sub.SystemIDs = dedupe(systemIDs)
	wildcard := sub.Wildcard()
	s.mu.Unlock()

	s.matcher.Systems().Update(subscriptionID, systemIDs)
	s.matcher.SetWildcard(subscriptionID, wildcard)
	return nil
}

func (s *Service) register(sub *models.Subscription) {
	s.mu.Lock()
	s.subs[sub.ID] = sub
	set, ok := s.bySubscriber[sub.SubscriberID]
	if !ok {
		set = make(map[string]struct{})
		s.bySubscriber[sub.SubscriberID] = set
	}
	set[sub.ID] = struct{}{}
	s.mu.Unlock()

	s.matcher.Systems().Add(sub.ID, sub.SystemIDs)
	s.matcher.Characters().Add(sub.ID, sub.CharacterIDs)
	s.matcher.SetWildcard(sub.ID, sub.Wildcard())

	slog.Info("Subscription created", "subscription_id", sub.ID, "subscriber_id", sub.SubscriberID, "sink", sub.Sink, "systems", len(sub.SystemIDs), "characters", len(sub.CharacterIDs))
}

// Get returns a subscription by ID.
func (s *Service) Get(subscriptionID string) (*models.Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[subscriptionID]
	return sub, ok
}

// List returns all subscriptions ordered by creation time.
func (s *Service) List() []*models.Subscription {
	s.mu.RLock()
	out := make([]*models.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

// Remove deletes a subscription and all its index entries.
func (s *Service) Remove(subscriptionID string) bool {
	s.mu.Lock()
	sub, ok := s.subs[subscriptionID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.subs, subscriptionID)
	if set, ok := s.bySubscriber[sub.SubscriberID]; ok {
		delete(set, subscriptionID)
		if len(set) == 0 {
			delete(s.bySubscriber, sub.SubscriberID)
		}
	}
	s.mu.Unlock()

	s.matcher.Systems().Remove(subscriptionID)
	s.matcher.Characters().Remove(subscriptionID)
	s.matcher.SetWildcard(subscriptionID, false)

	slog.Info("Subscription removed", "subscription_id", subscriptionID, "subscriber_id", sub.SubscriberID)
	return true
}

// RemoveBySubscriber deletes every subscription owned by a subscriber and
// returns how many were removed.
func (s *Service) RemoveBySubscriber(subscriberID string) int {
	s.mu.RLock()
	ids := make([]string, 0, len(s.bySubscriber[subscriberID]))
	for id := range s.bySubscriber[subscriberID] {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.Remove(id)
	}
	return len(ids)
}

// StartBackgroundTasks runs the index sweepers.
func (s *Service) StartBackgroundTasks(ctx context.Context) {
	s.matcher.Systems().StartSweeper(ctx, s.cfg.SweepInterval, "systems")
	s.matcher.Characters().StartSweeper(ctx, s.cfg.SweepInterval, "characters")
}

// webhookPayload is the body POSTed to callback URLs.
type webhookPayload struct {
	SubscriptionID string               `json:"subscription_id"`
	SystemID       int64                `json:"system_id"`
	Killmail       *killmodels.Killmail `json:"killmail"`
}

// Dispatch delivers a stored killmail to every matching webhook
// subscription. Deliveries run asynchronously; a slow or failing endpoint
// never blocks ingestion. WebSocket sinks are served by the broker, not
// here.
func (s *Service) Dispatch(km *killmodels.Killmail) {
	for _, id := range s.matcher.MatchKillmail(km) {
		sub, ok := s.Get(id)
		if !ok || sub.Sink != models.SinkWebhook {
			continue
		}
		go s.deliver(sub, km)
	}
}

func (s *Service) deliver(sub *models.Subscription, km *killmodels.Killmail) {
	body, err := json.Marshal(webhookPayload{
		SubscriptionID: sub.ID,
		SystemID:       km.SolarSystemID,
		Killmail:       km,
	})
	if err != nil {
		slog.Error("Failed to encode webhook payload", "subscription_id", sub.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WebhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.CallbackURL, bytes.NewReader(body))
	if err != nil {
		slog.Error("Failed to build webhook request", "subscription_id", sub.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.registry.Counter("subscriptions.webhook_errors").Inc()
		slog.Warn("Webhook delivery failed", "subscription_id", sub.ID, "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.registry.Counter("subscriptions.webhook_errors").Inc()
		slog.Warn("Webhook endpoint rejected delivery", "subscription_id", sub.ID, "status", resp.StatusCode)
		return
	}
	s.registry.Counter("subscriptions.webhook_deliveries").Inc()
}

// Stats summarizes the registry for the status endpoints.
type Stats struct {
	Subscriptions    int `json:"subscriptions"`
	Subscribers      int `json:"subscribers"`
	IndexedSystems   int `json:"indexed_systems"`
	IndexedCharacter int `json:"indexed_characters"`
}

// GetStats returns current registry sizes.
func (s *Service) GetStats() Stats {
	s.mu.RLock()
	subs := len(s.subs)
	owners := len(s.bySubscriber)
	s.mu.RUnlock()

	systems, _ := s.matcher.Systems().Size()
	characters, _ := s.matcher.Characters().Size()
	return Stats{
		Subscriptions:    subs,
		Subscribers:      owners,
		IndexedSystems:   systems,
		IndexedCharacter: characters,
	}
}

func dedupe(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
