// The gateway binary assembles the orchestration core from environment
// configuration and serves the HTTP API until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ocx/gateway/internal/api"
	"github.com/ocx/gateway/internal/backend"
	"github.com/ocx/gateway/internal/budget"
	"github.com/ocx/gateway/internal/cache"
	"github.com/ocx/gateway/internal/config"
	"github.com/ocx/gateway/internal/observability"
	"github.com/ocx/gateway/internal/orchestrator"
	"github.com/ocx/gateway/internal/ratelimit"
	"github.com/ocx/gateway/internal/router"
	"github.com/ocx/gateway/internal/search"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	metrics := observability.NewMetrics(nil)
	timeline := observability.NewTimeline()
	streamer := observability.NewEventStreamer(timeline, logger)
	go streamer.Run()
	defer streamer.Stop()

	// Cache: L1 always; L2 only when configured, behind the circuit breaker
	// so a dead Redis costs microseconds, not connect timeouts.
	l1 := cache.NewL1(cfg.CacheL1MaxItems, cfg.CacheL1MaxBytes)
	l1.OnEvict(metrics.CacheEvictions.Inc)
	var l2 cache.L2Client
	if cfg.CacheL2URL != "" {
		redis, err := cache.NewGoRedisL2(cfg.CacheL2URL)
		if err != nil {
			logger.Warn("L2 cache unavailable, running L1-only", "error", err)
		} else {
			defer redis.Close()
			l2 = cache.NewBreakerL2(redis, logger)
		}
	}
	tiered := cache.NewTiered(l1, l2, logger)

	limiter := ratelimit.New(ratelimit.Config{
		DefaultPerMinute: cfg.RateLimitPerMinuteDefault,
		MaxIdentifiers:   cfg.RateIdentMax,
		IdentifierTTL:    cfg.RateIdentTTL,
	}, logger)
	defer limiter.Stop()

	ledger := budget.NewLedger(cfg.DefaultMonthlyBudget, logger)

	catalog := router.DefaultCatalog(cfg.DefaultModel, cfg.FallbackModel)
	if cfg.RoutesFile != "" {
		loaded, err := router.LoadCatalog(cfg.RoutesFile)
		if err != nil {
			logger.Error("route catalog invalid", "path", cfg.RoutesFile, "error", err)
			os.Exit(1)
		}
		catalog = loaded
	}
	bandit := router.NewBandit(router.BanditOptions{
		PriorAlpha: cfg.BanditColdStartAlpha,
		PriorBeta:  cfg.BanditColdStartBeta,
	})
	routerCfg := router.DefaultConfig()
	routerCfg.ShadowRate = cfg.ShadowRate
	routerCfg.TargetLatency = cfg.TargetResponseTime
	rt := router.New(catalog, bandit, routerCfg, logger)

	pool := backend.NewPool(cfg.BackendEndpoints, backend.PoolOptions{
		MaxParallel:  cfg.BackendMaxParallel,
		QueueTimeout: cfg.QueueTimeout,
		OnQueueWait: func(d time.Duration) {
			metrics.BackendQueueWait.Observe(d.Seconds())
		},
	}, logger)
	defer pool.Stop()

	agg := search.NewAggregator(searchProviders(cfg, logger), logger)

	orch := orchestrator.New(orchestrator.Options{
		QueueHighWatermark: cfg.QueueHighWatermark,
		FallbackModel:      cfg.FallbackModel,
		StreamMinInterval:  cfg.StreamChunkMinInterval,
	}, ledger, rt, pool, tiered, agg, metrics, timeline, logger)

	server := api.NewServer(":"+cfg.Port, orch, limiter, streamer, metrics, map[string]api.StatsSource{
		"cache":     tiered.Stats,
		"ratelimit": limiter.Stats,
		"budget":    ledger.Stats,
		"backend":   pool.Stats,
		"router":    rt.Stats,
		"timeline":  timeline.Stats,
	}, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown did not drain cleanly", "error", err)
	}
}

// searchProviders parses the configured "name=url" provider list.
func searchProviders(cfg *config.Config, logger *slog.Logger) []search.Provider {
	var providers []search.Provider
	for _, entry := range cfg.SearchProviders {
		name, url, found := strings.Cut(entry, "=")
		if !found {
			logger.Warn("ignoring malformed search provider entry", "entry", entry)
			continue
		}
		providers = append(providers, search.NewHTTPProvider(name, url))
	}
	if len(providers) == 0 {
		logger.Warn("no search providers configured; search and research will degrade")
	}
	return providers
}
