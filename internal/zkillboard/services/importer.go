package services

import (
	"context"
	"log/slog"
	"time"

	killmailServices "wanderer-kills/internal/killmails/services"
	"wanderer-kills/pkg/metrics"
)

// KillmailSource fetches raw killmail bodies by ID and hash. Satisfied by
// the ESI gateway client.
type KillmailSource interface {
	GetKillmailRaw(ctx context.Context, killmailID int64, hash string) ([]byte, error)
}

// ImporterConfig tunes on-demand system imports.
type ImporterConfig struct {
	// Limit caps how many kills one import pulls from the listing.
	Limit int
	// FreshWindow suppresses re-imports of a system fetched this recently.
	FreshWindow time.Duration
}

// Importer backfills a system on demand: list recent kills on zKillboard,
// fetch the bodies from ESI, and run them through the normal pipeline.
// WebSocket preload uses it when a client subscribes to a quiet system.
type Importer struct {
	client   *Client
	source   KillmailSource
	pipeline *killmailServices.Service
	cfg      ImporterConfig
	registry *metrics.Registry
}

// NewImporter creates an on-demand system importer.
func NewImporter(client *Client, source KillmailSource, pipeline *killmailServices.Service, cfg ImporterConfig, registry *metrics.Registry) *Importer {
	return &Importer{
		client:   client,
		source:   source,
		pipeline: pipeline,
		cfg:      cfg,
		registry: registry,
	}
}

// ImportResult reports what one system import did.
type ImportResult struct {
	SystemID int64
	Fetched  int
	Stored   int
	Skipped  bool
}

// ImportSystem pulls up to Limit recent kills for the system into the store.
// A system fetched within FreshWindow is skipped outright; kills already in
// the store are not re-fetched from ESI. Failures on individual kills are
// logged and skipped so one bad hash cannot sink the import.
func (i *Importer) ImportSystem(ctx context.Context, systemID int64) (ImportResult, error) {
	store := i.pipeline.Store()

	if store.RecentlyFetched(systemID, i.cfg.FreshWindow) {
		return ImportResult{SystemID: systemID, Skipped: true}, nil
	}

	listing, err := i.client.GetSystemKillmails(ctx, systemID)
	if err != nil {
		i.registry.Counter("importer.list_errors").Inc()
		return ImportResult{SystemID: systemID}, err
	}

	// Mark the fetch even when the listing is empty so quiet systems are
	// not hammered on every subscribe.
	store.SetFetchTimestamp(systemID)

	result := ImportResult{SystemID: systemID}
	for _, kill := range listing {
		if result.Fetched >= i.cfg.Limit {
			break
		}
		if _, ok := store.GetKillmail(kill.KillmailID); ok {
			continue
		}
		if kill.ZKB.Hash == "" {
			slog.Warn("zKillboard listing entry without hash", "killmail_id", kill.KillmailID)
			continue
		}

		raw, err := i.source.GetKillmailRaw(ctx, kill.KillmailID, kill.ZKB.Hash)
		if err != nil {
			i.registry.Counter("importer.fetch_errors").Inc()
			slog.Warn("Failed to fetch killmail body", "killmail_id", kill.KillmailID, "error", err)
			continue
		}
		result.Fetched++

		zkb := kill.ZKB
		ingested, err := i.pipeline.Ingest(ctx, raw, &zkb)
		if err != nil {
			i.registry.Counter("importer.ingest_errors").Inc()
			slog.Warn("Failed to ingest imported killmail", "killmail_id", kill.KillmailID, "error", err)
			continue
		}
		if ingested.Stored {
			result.Stored++
		}

		if ctx.Err() != nil {
			return result, ctx.Err()
		}
	}

	i.registry.Counter("importer.systems_imported").Inc()
	slog.Debug("System import complete", "system_id", systemID, "fetched", result.Fetched, "stored", result.Stored)
	return result, nil
}
