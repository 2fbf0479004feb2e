package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"wanderer-kills/internal/killmails/models"
	"wanderer-kills/pkg/clock"
	"wanderer-kills/pkg/errs"
	"wanderer-kills/pkg/metrics"
)

// Service ties the pipeline together: parse, enrich, store. It is the
// single entry point for killmails arriving from RedisQ or from on-demand
// zKillboard imports.
type Service struct {
	enricher     *Enricher
	store        *EventStore
	cutoffWindow time.Duration
	clk          clock.Clock
	registry     *metrics.Registry
}

// NewService creates the killmail pipeline service.
func NewService(enricher *Enricher, store *EventStore, cutoffWindow time.Duration, clk clock.Clock, registry *metrics.Registry) *Service {
	if clk == nil {
		clk = clock.System()
	}
	return &Service{
		enricher:     enricher,
		store:        store,
		cutoffWindow: cutoffWindow,
		clk:          clk,
		registry:     registry,
	}
}

// Store exposes the underlying event store to the HTTP and WebSocket layers.
func (s *Service) Store() *EventStore {
	return s.store
}

// Cutoff returns the current ingestion cutoff (now − window).
func (s *Service) Cutoff() time.Time {
	return s.clk.Now().Add(-s.cutoffWindow)
}

// IngestResult reports what happened to one raw killmail.
type IngestResult struct {
	EventID  int64
	SystemID int64
	Stored   bool
	Older    bool
}

// Ingest runs one raw killmail through the full pipeline. Kills older than
// the cutoff are skipped (Older set, no error). Duplicate killmail IDs are
// absorbed by the store (Stored false).
func (s *Service) Ingest(ctx context.Context, rawKillmail []byte, zkb *models.ZKB) (IngestResult, error) {
	km, err := Parse(rawKillmail, zkb, s.Cutoff())
	if err != nil {
		if errors.Is(err, errs.ErrOlder) {
			s.registry.Counter("pipeline.older_skips").Inc()
			return IngestResult{Older: true}, nil
		}
		s.registry.Counter("pipeline.parse_errors").Inc()
		return IngestResult{}, err
	}

	s.enricher.Enrich(ctx, km)

	eventID, stored := s.store.Insert(km.SolarSystemID, km)
	if !stored {
		slog.Debug("Killmail already stored, skipping", "killmail_id", km.KillmailID)
	}

	return IngestResult{
		EventID:  eventID,
		SystemID: km.SolarSystemID,
		Stored:   stored,
	}, nil
}
