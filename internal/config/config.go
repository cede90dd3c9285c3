// Package config loads gateway configuration from the environment. A .env
// file is honored when present (local development); real deployments inject
// variables directly.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration, constructed once in main and
// passed down explicitly. Components never read the environment themselves.
type Config struct {
	Port string

	// Backend pool
	BackendEndpoints   []string
	DefaultModel       string
	FallbackModel      string
	QueueTimeout       time.Duration
	BackendMaxParallel int64
	QueueHighWatermark int

	// Search providers, "name=url" pairs.
	SearchProviders []string

	// Cache
	CacheL2URL      string
	CacheL1MaxItems int
	CacheL1MaxBytes int64

	// Rate limiting
	RateLimitPerMinuteDefault int
	RateIdentMax              int
	RateIdentTTL              time.Duration

	// Budget
	DefaultMonthlyBudget float64

	// Router
	TargetResponseTime   time.Duration
	ShadowRate           float64
	BanditColdStartAlpha float64
	BanditColdStartBeta  float64

	// Streaming
	StreamChunkMinInterval time.Duration

	// Route catalog file; empty means the built-in catalog.
	RoutesFile string
}

// Load reads configuration from the environment, applying defaults for
// anything unset. The only hard requirement is at least one backend endpoint.
func Load() (*Config, error) {
	// Best effort; absence of a .env file is the normal production case.
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded environment from .env file")
	}

	cfg := &Config{
		Port:                      getEnv("PORT", "8080"),
		BackendEndpoints:          splitList(getEnv("BACKEND_ENDPOINTS", "http://localhost:11434")),
		DefaultModel:              getEnv("DEFAULT_MODEL", "llama3:8b"),
		FallbackModel:             getEnv("FALLBACK_MODEL", "gemma2:2b"),
		QueueTimeout:              getDurationMs("QUEUE_TIMEOUT_MS", 5000),
		BackendMaxParallel:        int64(getInt("BACKEND_MAX_PARALLEL", 1)),
		QueueHighWatermark:        getInt("QUEUE_HIGH_WATERMARK", 32),
		SearchProviders:           splitList(getEnv("SEARCH_PROVIDER_URLS", "")),
		CacheL2URL:                getEnv("CACHE_L2_URL", ""),
		CacheL1MaxItems:           getInt("CACHE_L1_MAX_ITEMS", 2048),
		CacheL1MaxBytes:           int64(getInt("CACHE_L1_MAX_BYTES", 64*1024*1024)),
		RateLimitPerMinuteDefault: getInt("RATE_LIMIT_PER_MINUTE_DEFAULT", 20),
		RateIdentMax:              getInt("RATE_IDENT_MAX", 10000),
		RateIdentTTL:              time.Duration(getInt("RATE_IDENT_TTL_SEC", 300)) * time.Second,
		DefaultMonthlyBudget:      getFloat("DEFAULT_MONTHLY_BUDGET", 10.0),
		TargetResponseTime:        getDurationMs("TARGET_RESPONSE_TIME_MS", 5000),
		ShadowRate:                getFloat("SHADOW_RATE", 0.0),
		BanditColdStartAlpha:      getFloat("BANDIT_COLD_START_ALPHA", 1.0),
		BanditColdStartBeta:       getFloat("BANDIT_COLD_START_BETA", 1.0),
		StreamChunkMinInterval:    getDurationMs("STREAM_CHUNK_MIN_MS", 50),
		RoutesFile:                getEnv("ROUTES_FILE", ""),
	}

	if len(cfg.BackendEndpoints) == 0 {
		return nil, fmt.Errorf("BACKEND_ENDPOINTS must list at least one endpoint")
	}
	if cfg.ShadowRate < 0 || cfg.ShadowRate > 1 {
		return nil, fmt.Errorf("SHADOW_RATE must be in [0,1], got %v", cfg.ShadowRate)
	}
	if cfg.BanditColdStartAlpha < 1 || cfg.BanditColdStartBeta < 1 {
		return nil, fmt.Errorf("bandit cold-start priors must be >= 1")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
		slog.Warn("ignoring malformed integer env var", "key", key, "value", v)
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
		slog.Warn("ignoring malformed float env var", "key", key, "value", v)
	}
	return fallback
}

func getDurationMs(key string, fallbackMs int) time.Duration {
	return time.Duration(getInt(key, fallbackMs)) * time.Millisecond
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
