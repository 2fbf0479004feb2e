package config

import (
	"fmt"
	"time"
)

// Config is a flat, read-only snapshot of all tunables, loaded once at
// startup and passed by value to the components that need it.
type Config struct {
	// Server
	Port          int
	Environment   string
	SecretKeyBase string
	OriginHost    string

	// RedisQ poller
	RedisQEndpoint string
	RedisQTTW      int
	FastInterval   time.Duration
	IdleInterval   time.Duration
	BackoffInitial time.Duration
	BackoffFactor  float64
	BackoffMax     time.Duration

	// Upstreams
	ZKBBaseURL  string
	ESIBaseURL  string
	UserAgent   string
	HTTPTimeout time.Duration

	// Rate limits (tokens per second / bucket capacity)
	ZKBRateCapacity float64
	ZKBRateRefill   float64
	ESIRateCapacity float64
	ESIRateRefill   float64

	// HTTP fetcher
	FetchRetryBase time.Duration
	FetchRetryMax  time.Duration
	FetchMaxTries  int

	// Reference cache TTLs
	LiveTTL     time.Duration
	TypeTTL     time.Duration
	NegativeTTL time.Duration
	ShipTypeCSV string

	// Enricher
	CutoffWindow          time.Duration
	MinAttackersParallel  int
	EnrichMaxConcurrency  int
	EnrichTaskTimeout     time.Duration
	RecentlyFetchedWindow time.Duration

	// Event store
	GCInterval         time.Duration
	MaxEventsPerSystem int

	// WebSocket / broker
	SessionBuffer int
	PreloadLimit  int

	// Subscription index
	IndexSweepInterval time.Duration
}

// Load builds the configuration snapshot from the environment.
func Load() (Config, error) {
	cfg := Config{
		Port:          GetIntEnv("PORT", 4004),
		Environment:   GetEnv("ENVIRONMENT", "development"),
		SecretKeyBase: GetEnv("SECRET_KEY_BASE", ""),
		OriginHost:    GetEnv("ORIGIN_HOST", ""),

		RedisQEndpoint: GetEnv("ZKB_REDISQ_ENDPOINT", "https://zkillredisq.stream/listen.php"),
		RedisQTTW:      GetIntEnv("ZKB_REDISQ_TTW", 1),
		FastInterval:   GetDurationEnv("POLLER_FAST_INTERVAL", time.Second),
		IdleInterval:   GetDurationEnv("POLLER_IDLE_INTERVAL", 5*time.Second),
		BackoffInitial: GetDurationEnv("POLLER_BACKOFF_INITIAL", time.Second),
		BackoffFactor:  2,
		BackoffMax:     GetDurationEnv("POLLER_BACKOFF_MAX", 30*time.Second),

		ZKBBaseURL:  GetEnv("ZKB_BASE_URL", "https://zkillboard.com/api"),
		ESIBaseURL:  GetEnv("ESI_BASE_URL", "https://esi.evetech.net/latest"),
		UserAgent:   GetEnv("USER_AGENT", "wanderer-kills/1.0 (contact@example.com)"),
		HTTPTimeout: GetDurationEnv("HTTP_TIMEOUT", 30*time.Second),

		ZKBRateCapacity: float64(GetIntEnv("ZKB_RATE_CAPACITY", 100)),
		ZKBRateRefill:   float64(GetIntEnv("ZKB_RATE_REFILL", 50)),
		ESIRateCapacity: float64(GetIntEnv("ESI_RATE_CAPACITY", 100)),
		ESIRateRefill:   float64(GetIntEnv("ESI_RATE_REFILL", 100)),

		FetchRetryBase: GetDurationEnv("FETCH_RETRY_BASE", time.Second),
		FetchRetryMax:  GetDurationEnv("FETCH_RETRY_MAX", 30*time.Second),
		FetchMaxTries:  GetIntEnv("FETCH_MAX_RETRIES", 3),

		LiveTTL:     GetDurationEnv("REFCACHE_LIVE_TTL", time.Hour),
		TypeTTL:     GetDurationEnv("REFCACHE_TYPE_TTL", 24*time.Hour),
		NegativeTTL: GetDurationEnv("REFCACHE_NEGATIVE_TTL", time.Minute),
		ShipTypeCSV: GetEnv("SHIP_TYPES_CSV", ""),

		CutoffWindow:          GetDurationEnv("KILLMAIL_CUTOFF_WINDOW", 24*time.Hour),
		MinAttackersParallel:  GetIntEnv("ENRICH_MIN_ATTACKERS_PARALLEL", 3),
		EnrichMaxConcurrency:  GetIntEnv("ENRICH_MAX_CONCURRENCY", 10),
		EnrichTaskTimeout:     GetDurationEnv("ENRICH_TASK_TIMEOUT", 30*time.Second),
		RecentlyFetchedWindow: GetDurationEnv("RECENTLY_FETCHED_WINDOW", 5*time.Second),

		GCInterval:         GetDurationEnv("STORE_GC_INTERVAL", time.Minute),
		MaxEventsPerSystem: GetIntEnv("STORE_MAX_EVENTS_PER_SYSTEM", 10000),

		SessionBuffer: GetIntEnv("WS_SESSION_BUFFER", 256),
		PreloadLimit:  GetIntEnv("WS_PRELOAD_LIMIT", 5),

		IndexSweepInterval: GetDurationEnv("INDEX_SWEEP_INTERVAL", 5*time.Minute),
	}

	if cfg.Environment == "production" {
		if len(cfg.SecretKeyBase) < 64 {
			return Config{}, fmt.Errorf("SECRET_KEY_BASE must be set and at least 64 bytes in production")
		}
	}

	return cfg, nil
}
