package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"http://localhost:11434"}, cfg.BackendEndpoints)
	assert.Equal(t, 20, cfg.RateLimitPerMinuteDefault)
	assert.Equal(t, 10.0, cfg.DefaultMonthlyBudget)
	assert.Equal(t, 1.0, cfg.BanditColdStartAlpha)
	assert.Equal(t, 50*time.Millisecond, cfg.StreamChunkMinInterval)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BACKEND_ENDPOINTS", "http://gpu0:11434, http://gpu1:11434")
	t.Setenv("RATE_LIMIT_PER_MINUTE_DEFAULT", "120")
	t.Setenv("SHADOW_RATE", "0.1")
	t.Setenv("CACHE_L1_MAX_ITEMS", "totally-not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"http://gpu0:11434", "http://gpu1:11434"}, cfg.BackendEndpoints)
	assert.Equal(t, 120, cfg.RateLimitPerMinuteDefault)
	assert.Equal(t, 0.1, cfg.ShadowRate)
	// Malformed values fall back to defaults rather than failing startup.
	assert.Equal(t, 2048, cfg.CacheL1MaxItems)
}

func TestLoadRejectsBadShadowRate(t *testing.T) {
	t.Setenv("SHADOW_RATE", "1.5")

	_, err := Load()
	require.Error(t, err)
}
