package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"wanderer-kills/internal/killmails/models"
	"wanderer-kills/pkg/evegateway"
	"wanderer-kills/pkg/metrics"
)

// ReferenceResolver resolves ESI reference records. Satisfied by
// *evegateway.Cache in production and by fakes in tests.
type ReferenceResolver interface {
	Character(ctx context.Context, id int64) (*evegateway.Character, error)
	Corporation(ctx context.Context, id int64) (*evegateway.Corporation, error)
	Alliance(ctx context.Context, id int64) (*evegateway.Alliance, error)
	Type(ctx context.Context, id int64) (*evegateway.Type, error)
	Group(ctx context.Context, id int64) (*evegateway.Group, error)
}

// EnricherConfig tunes the attacker fan-out.
type EnricherConfig struct {
	MinAttackersParallel int
	MaxConcurrency       int
	TaskTimeout          time.Duration
}

// DefaultEnricherConfig returns the production fan-out settings.
func DefaultEnricherConfig() EnricherConfig {
	return EnricherConfig{
		MinAttackersParallel: 3,
		MaxConcurrency:       10,
		TaskTimeout:          30 * time.Second,
	}
}

// Enricher attaches character, corporation, alliance, and ship sub-records
// to a killmail's victim and attackers via the reference cache. Enrichment
// never fails the killmail: a failed lookup yields a nil sub-record, a
// crashed attacker worker drops that attacker.
type Enricher struct {
	resolver ReferenceResolver
	cfg      EnricherConfig
	registry *metrics.Registry
}

// NewEnricher creates an enricher backed by the given resolver.
func NewEnricher(resolver ReferenceResolver, cfg EnricherConfig, registry *metrics.Registry) *Enricher {
	return &Enricher{resolver: resolver, cfg: cfg, registry: registry}
}

// Enrich fills in the enrichment sub-records and the flattened convenience
// fields. Attackers are processed concurrently once the list reaches
// MinAttackersParallel entries.
func (e *Enricher) Enrich(ctx context.Context, km *models.Killmail) {
	start := time.Now()

	e.enrichVictim(ctx, &km.Victim)

	if len(km.Attackers) >= e.cfg.MinAttackersParallel {
		km.Attackers = e.enrichAttackersParallel(ctx, km.Attackers)
	} else {
		for i := range km.Attackers {
			e.enrichAttacker(ctx, &km.Attackers[i])
		}
	}

	km.VictimCharID = km.Victim.CharacterID
	km.VictimCorpID = km.Victim.CorporationID
	km.VictimAllianceID = km.Victim.AllianceID
	km.VictimShipTypeID = km.Victim.ShipTypeID
	km.AttackerCount = len(km.Attackers)
	km.Enriched = true

	e.registry.Histogram("enrich.duration").Observe(time.Since(start))
	e.registry.Counter("enrich.killmails").Inc()
}

// enrichAttackersParallel fans attackers out to a bounded pool with a
// per-task timeout. Workers that panic leave a nil slot which is filtered
// out of the result.
func (e *Enricher) enrichAttackersParallel(ctx context.Context, attackers []models.Attacker) []models.Attacker {
	sem := semaphore.NewWeighted(int64(e.cfg.MaxConcurrency))
	results := make([]*models.Attacker, len(attackers))

	var wg sync.WaitGroup
	for i := range attackers {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Shutdown mid-kill: keep the remaining attackers unenriched.
			for j := i; j < len(attackers); j++ {
				att := attackers[j]
				results[j] = &att
			}
			break
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Attacker enrichment worker crashed", "panic", r)
					e.registry.Counter("enrich.worker_panics").Inc()
					results[i] = nil
				}
			}()

			taskCtx, cancel := context.WithTimeout(ctx, e.cfg.TaskTimeout)
			defer cancel()

			att := attackers[i]
			e.enrichAttacker(taskCtx, &att)
			results[i] = &att
		}(i)
	}
	wg.Wait()

	out := make([]models.Attacker, 0, len(attackers))
	for _, att := range results {
		if att != nil {
			out = append(out, *att)
		}
	}
	return out
}

func (e *Enricher) enrichVictim(ctx context.Context, v *models.Victim) {
	v.Character = e.characterRef(ctx, v.CharacterID)
	v.Corporation = e.corporationRef(ctx, v.CorporationID)
	v.Alliance = e.allianceRef(ctx, v.AllianceID)
	v.Ship = e.shipRef(ctx, v.ShipTypeID)
}

func (e *Enricher) enrichAttacker(ctx context.Context, a *models.Attacker) {
	a.Character = e.characterRef(ctx, a.CharacterID)
	a.Corporation = e.corporationRef(ctx, a.CorporationID)
	a.Alliance = e.allianceRef(ctx, a.AllianceID)
	a.Ship = e.shipRef(ctx, a.ShipTypeID)
}

func (e *Enricher) characterRef(ctx context.Context, id *int64) *models.EntityRef {
	if id == nil {
		return nil
	}
	char, err := e.resolver.Character(ctx, *id)
	if err != nil {
		e.registry.Counter("enrich.lookup_failures").Inc()
		return nil
	}
	return &models.EntityRef{ID: *id, Name: char.Name}
}

func (e *Enricher) corporationRef(ctx context.Context, id *int64) *models.EntityRef {
	if id == nil {
		return nil
	}
	corp, err := e.resolver.Corporation(ctx, *id)
	if err != nil {
		e.registry.Counter("enrich.lookup_failures").Inc()
		return nil
	}
	return &models.EntityRef{ID: *id, Name: corp.Name, Ticker: corp.Ticker}
}

func (e *Enricher) allianceRef(ctx context.Context, id *int64) *models.EntityRef {
	if id == nil {
		return nil
	}
	alliance, err := e.resolver.Alliance(ctx, *id)
	if err != nil {
		e.registry.Counter("enrich.lookup_failures").Inc()
		return nil
	}
	return &models.EntityRef{ID: *id, Name: alliance.Name, Ticker: alliance.Ticker}
}

func (e *Enricher) shipRef(ctx context.Context, id *int64) *models.ShipRef {
	if id == nil {
		return nil
	}
	typ, err := e.resolver.Type(ctx, *id)
	if err != nil {
		e.registry.Counter("enrich.lookup_failures").Inc()
		return nil
	}

	ref := &models.ShipRef{TypeID: *id, Name: typ.Name, GroupID: typ.GroupID}
	if typ.GroupID > 0 {
		if group, err := e.resolver.Group(ctx, typ.GroupID); err == nil {
			ref.GroupName = group.Name
		}
	}
	return ref
}
