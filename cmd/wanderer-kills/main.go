package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"wanderer-kills/internal/killmails"
	killmodels "wanderer-kills/internal/killmails/models"
	"wanderer-kills/internal/subscriptions"
	subServices "wanderer-kills/internal/subscriptions/services"
	"wanderer-kills/internal/websocket"
	wsServices "wanderer-kills/internal/websocket/services"
	"wanderer-kills/internal/zkillboard"
	"wanderer-kills/pkg/config"
	"wanderer-kills/pkg/evegateway"
	"wanderer-kills/pkg/handlers"
	"wanderer-kills/pkg/metrics"
	"wanderer-kills/pkg/module"
	"wanderer-kills/pkg/ratelimit"
	"wanderer-kills/pkg/version"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	_ "go.uber.org/automaxprocs"
)

// customLoggerMiddleware logs requests but excludes health check endpoints
func customLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/health") || r.URL.Path == "/ping" {
			next.ServeHTTP(w, r)
			return
		}
		middleware.Logger(next).ServeHTTP(w, r)
	})
}

// fanout is the event store's publisher: every stored killmail goes to the
// WebSocket broker and to the webhook dispatcher.
type fanout struct {
	broker *wsServices.Broker
	subs   *subServices.Service
}

func (f fanout) PublishKillmail(systemID int64, km *killmodels.Killmail) {
	f.broker.PublishKillmail(systemID, km)
	f.subs.Dispatch(km)
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment")
	}

	versionInfo := version.Get()
	log.Printf("WandererKills %s | built %s", version.String(), versionInfo.BuildDate)
	log.Printf("CPUs: %d | GOMAXPROCS: %d", runtime.NumCPU(), runtime.GOMAXPROCS(0))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := metrics.NewRegistry()

	// Upstream plumbing: one limiter shared by both APIs, one retrying
	// fetcher, the ESI client, and the reference cache in front of it.
	limiter := ratelimit.NewLimiter()
	limiter.Register(ratelimit.UpstreamZKB, cfg.ZKBRateCapacity, cfg.ZKBRateRefill, nil)
	limiter.Register(ratelimit.UpstreamESI, cfg.ESIRateCapacity, cfg.ESIRateRefill, nil)

	fetcher := evegateway.NewFetcher(limiter, registry, evegateway.FetcherConfig{
		UserAgent:  cfg.UserAgent,
		RetryBase:  cfg.FetchRetryBase,
		RetryMax:   cfg.FetchRetryMax,
		MaxRetries: cfg.FetchMaxTries,
		Timeout:    cfg.HTTPTimeout,
	})
	esiClient := evegateway.NewClient(fetcher, cfg.ESIBaseURL)
	refCache := evegateway.NewCache(esiClient, evegateway.CacheConfig{
		LiveTTL:     cfg.LiveTTL,
		TypeTTL:     cfg.TypeTTL,
		NegativeTTL: cfg.NegativeTTL,
	}, nil, registry)
	refCache.StartSweeper(ctx, time.Minute)

	if cfg.ShipTypeCSV != "" {
		if n, err := refCache.LoadShipTypesCSV(cfg.ShipTypeCSV); err != nil {
			slog.Warn("Ship type warm-up failed", "path", cfg.ShipTypeCSV, "error", err)
		} else {
			slog.Info("Ship types preloaded", "count", n)
		}
	}

	// Application modules.
	killmailsModule := killmails.New(cfg, refCache, registry)
	zkbModule := zkillboard.New(cfg, killmailsModule.Service(), fetcher, esiClient, registry)
	subsModule := subscriptions.New(cfg, registry)
	wsModule := websocket.New(cfg, killmailsModule.Store(), subsModule.Service(), zkbModule.Importer(), registry)

	killmailsModule.Store().SetPublisher(fanout{
		broker: wsModule.Broker(),
		subs:   subsModule.Service(),
	})

	modules := []module.Module{killmailsModule, zkbModule, subsModule, wsModule}

	// HTTP surface.
	r := chi.NewRouter()
	r.Use(customLoggerMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", handlers.HealthHandler(modules))
	r.Get("/ping", handlers.PingHandler())
	r.Get("/metrics", handlers.MetricsHandler(registry))

	humaConfig := huma.DefaultConfig("WandererKills API", versionInfo.Version)
	humaConfig.Info.Description = "Real-time EVE Online killmail feed: zKillboard ingestion, ESI enrichment, and per-system fan-out"
	api := humachi.New(r, humaConfig)

	for _, mod := range modules {
		mod.RegisterRoutes(api)
		mod.RegisterHTTPRoutes(r)
	}

	// Background work.
	for _, mod := range modules {
		mod.StartBackgroundTasks(ctx)
	}
	stopSummary := make(chan struct{})
	registry.StartSummaryLoop(stopSummary, time.Minute)

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("Starting WandererKills server", "addr", srv.Addr, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Received shutdown signal, initiating graceful shutdown")
	close(stopSummary)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	for _, mod := range modules {
		mod.Stop()
	}

	registry.LogSummary()
	slog.Info("WandererKills shutdown complete")
}
