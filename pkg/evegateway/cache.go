package evegateway

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"wanderer-kills/pkg/clock"
	"wanderer-kills/pkg/errs"
	"wanderer-kills/pkg/metrics"
)

// Kind identifies a class of cached reference records.
type Kind string

const (
	KindCharacter   Kind = "character"
	KindCorporation Kind = "corporation"
	KindAlliance    Kind = "alliance"
	KindType        Kind = "type"
	KindGroup       Kind = "group"
)

// CacheConfig holds per-kind TTLs.
type CacheConfig struct {
	LiveTTL     time.Duration // characters, corporations, alliances
	TypeTTL     time.Duration // types, groups
	NegativeTTL time.Duration // cached 404s
}

// DefaultCacheConfig returns the production TTLs.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		LiveTTL:     time.Hour,
		TypeTTL:     24 * time.Hour,
		NegativeTTL: time.Minute,
	}
}

type cacheEntry struct {
	value    any
	negative bool
	expires  time.Time
}

// Cache is the reference cache in front of the ESI client: a TTL key/value
// store keyed by (kind, id) with request coalescing, so at most one
// upstream call is in flight per key. Negative results are cached briefly
// to prevent thrash.
type Cache struct {
	client   *Client
	cfg      CacheConfig
	clk      clock.Clock
	registry *metrics.Registry

	mu      sync.RWMutex
	entries map[string]cacheEntry
	group   singleflight.Group
}

// NewCache creates a reference cache backed by the given ESI client.
func NewCache(client *Client, cfg CacheConfig, clk clock.Clock, registry *metrics.Registry) *Cache {
	if clk == nil {
		clk = clock.System()
	}
	return &Cache{
		client:   client,
		cfg:      cfg,
		clk:      clk,
		registry: registry,
		entries:  make(map[string]cacheEntry),
	}
}

func cacheKey(kind Kind, id int64) string {
	return string(kind) + ":" + strconv.FormatInt(id, 10)
}

func (c *Cache) ttl(kind Kind) time.Duration {
	switch kind {
	case KindType, KindGroup:
		return c.cfg.TypeTTL
	default:
		return c.cfg.LiveTTL
	}
}

// get returns the cached value for (kind, id), fetching through
// singleflight on miss. Concurrent callers for the same key share one
// upstream call.
func (c *Cache) get(ctx context.Context, kind Kind, id int64, fetch func(context.Context) (any, error)) (any, error) {
	key := cacheKey(kind, id)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && c.clk.Now().Before(entry.expires) {
		c.registry.Counter("refcache.hits").Inc()
		if entry.negative {
			return nil, errs.NotFound("%s %d not found (cached)", kind, id)
		}
		return entry.value, nil
	}

	c.registry.Counter("refcache.misses").Inc()

	value, err, _ := c.group.Do(key, func() (any, error) {
		// Another caller may have filled the entry while we waited.
		c.mu.RLock()
		entry, ok := c.entries[key]
		c.mu.RUnlock()
		if ok && c.clk.Now().Before(entry.expires) {
			if entry.negative {
				return nil, errs.NotFound("%s %d not found (cached)", kind, id)
			}
			return entry.value, nil
		}

		value, err := fetch(ctx)
		if err != nil {
			if errs.IsNotFound(err) {
				c.mu.Lock()
				c.entries[key] = cacheEntry{negative: true, expires: c.clk.Now().Add(c.cfg.NegativeTTL)}
				c.mu.Unlock()
				c.registry.Counter("refcache.negative").Inc()
				return nil, errs.NotFound("%s %d not found", kind, id)
			}
			return nil, err
		}

		c.mu.Lock()
		c.entries[key] = cacheEntry{value: value, expires: c.clk.Now().Add(c.ttl(kind))}
		c.mu.Unlock()
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Character resolves a character reference record.
func (c *Cache) Character(ctx context.Context, id int64) (*Character, error) {
	v, err := c.get(ctx, KindCharacter, id, func(ctx context.Context) (any, error) {
		return c.client.GetCharacter(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Character), nil
}

// Corporation resolves a corporation reference record.
func (c *Cache) Corporation(ctx context.Context, id int64) (*Corporation, error) {
	v, err := c.get(ctx, KindCorporation, id, func(ctx context.Context) (any, error) {
		return c.client.GetCorporation(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Corporation), nil
}

// Alliance resolves an alliance reference record.
func (c *Cache) Alliance(ctx context.Context, id int64) (*Alliance, error) {
	v, err := c.get(ctx, KindAlliance, id, func(ctx context.Context) (any, error) {
		return c.client.GetAlliance(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Alliance), nil
}

// Type resolves a ship/item type reference record.
func (c *Cache) Type(ctx context.Context, id int64) (*Type, error) {
	v, err := c.get(ctx, KindType, id, func(ctx context.Context) (any, error) {
		return c.client.GetType(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Type), nil
}

// Group resolves an item group reference record.
func (c *Cache) Group(ctx context.Context, id int64) (*Group, error) {
	v, err := c.get(ctx, KindGroup, id, func(ctx context.Context) (any, error) {
		return c.client.GetGroup(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Group), nil
}

// Seed installs a record directly, bypassing the upstream. Used by the
// ship-type CSV warm-up; ESI remains the source of truth once the entry
// expires.
func (c *Cache) Seed(kind Kind, id int64, value any) {
	c.mu.Lock()
	c.entries[cacheKey(kind, id)] = cacheEntry{value: value, expires: c.clk.Now().Add(c.ttl(kind))}
	c.mu.Unlock()
}

// Len returns the number of cached entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes expired entries.
func (c *Cache) Sweep() int {
	now := c.clk.Now()
	removed := 0
	c.mu.Lock()
	for key, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()
	return removed
}

// StartSweeper sweeps expired entries on the given interval until the
// context is cancelled.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := c.Sweep(); removed > 0 {
					slog.Debug("Reference cache swept", "removed", removed, "remaining", c.Len())
				}
			}
		}
	}()
}

// LoadShipTypesCSV seeds type records from a CSV file with header
// type_id,name,group_id. The seed is optional warm-up only.
func (c *Cache) LoadShipTypesCSV(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening ship type CSV: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		return 0, fmt.Errorf("reading ship type CSV: %w", err)
	}

	loaded := 0
	for i, rec := range records {
		if i == 0 || len(rec) < 3 {
			continue // header or short row
		}
		typeID, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			continue
		}
		groupID, _ := strconv.ParseInt(rec[2], 10, 64)
		c.Seed(KindType, typeID, &Type{Name: rec[1], GroupID: groupID})
		loaded++
	}

	slog.Info("Ship types seeded from CSV", "path", path, "loaded", loaded)
	return loaded, nil
}
