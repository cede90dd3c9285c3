package router

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gateway/internal/core"
	"github.com/ocx/gateway/internal/fault"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog([]core.Route{
		{Name: "lite", Model: "gemma3:1b", LatencyClass: core.LatencyFast, CostPer1K: 0.2, Quality: core.QualityLow},
		{Name: "standard", Model: "qwen3:8b", LatencyClass: core.LatencyStandard, CostPer1K: 1.0, Quality: core.QualityStandard, Fallbacks: []string{"lite"}},
		{Name: "deep", Model: "qwen3:8b", LatencyClass: core.LatencySlow, CostPer1K: 1.5, Quality: core.QualityHigh, Fallbacks: []string{"standard", "lite"}},
	})
	require.NoError(t, err)
	return c
}

func testRouter(t *testing.T, cfg Config) *Router {
	t.Helper()
	if cfg.WQuality == 0 {
		cfg = DefaultConfig()
	}
	return New(testCatalog(t), NewBandit(BanditOptions{Seed: 3}), cfg, nil)
}

func TestSelectRespectsQualityFloor(t *testing.T) {
	rt := testRouter(t, Config{})

	for i := 0; i < 20; i++ {
		d, err := rt.Select(chatStd, core.Constraints{Quality: core.QualityHigh})
		require.NoError(t, err)
		assert.Equal(t, "deep", d.Route.Name)
	}
}

func TestSelectRespectsLatencyCeiling(t *testing.T) {
	rt := testRouter(t, Config{})

	for i := 0; i < 20; i++ {
		d, err := rt.Select(chatStd, core.Constraints{MaxLatencyMS: 2000})
		require.NoError(t, err)
		assert.Equal(t, "lite", d.Route.Name)
	}
}

func TestSelectRespectsCostCeiling(t *testing.T) {
	rt := testRouter(t, Config{})

	// estCost for deep is 1.5 * 800/1000 = 1.2 units.
	for i := 0; i < 20; i++ {
		d, err := rt.Select(chatStd, core.Constraints{MaxCost: 1.0})
		require.NoError(t, err)
		assert.NotEqual(t, "deep", d.Route.Name)
	}
}

func TestSelectAllNegativeUtilitiesStillPicksARoute(t *testing.T) {
	// A slow, expensive catalog drives every utility far below -1. Selection
	// must still land on a real route, never the zero value.
	c, err := NewCatalog([]core.Route{
		{Name: "pricey", Model: "qwen3:32b", LatencyClass: core.LatencySlow, CostPer1K: 50, Quality: core.QualityHigh},
	})
	require.NoError(t, err)
	rt := New(c, NewBandit(BanditOptions{Seed: 3}), DefaultConfig(), nil)

	for i := 0; i < 20; i++ {
		d, err := rt.Select(chatStd, core.Constraints{})
		require.NoError(t, err)
		assert.Equal(t, "pricey", d.Route.Name)
		assert.NotEmpty(t, d.Route.Model)
	}
}

func TestSelectUnsatisfiableConstraintsIsValidationError(t *testing.T) {
	rt := testRouter(t, Config{})

	_, err := rt.Select(chatStd, core.Constraints{Quality: core.QualityHigh, MaxLatencyMS: 2000})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindValidation))
}

func TestSelectConvergesToRewardedRoute(t *testing.T) {
	rt := testRouter(t, Config{})

	// Teach the bandit that standard succeeds and the others fail.
	for i := 0; i < 200; i++ {
		d, err := rt.Select(chatStd, core.Constraints{})
		require.NoError(t, err)
		rt.Commit(d, Outcome{
			Success: d.Route.Name == "standard",
			Latency: time.Second,
		})
	}

	wins := 0
	for i := 0; i < 100; i++ {
		d, err := rt.Select(chatStd, core.Constraints{})
		require.NoError(t, err)
		if d.Route.Name == "standard" {
			wins++
		}
		rt.Commit(d, Outcome{Success: d.Route.Name == "standard", Latency: time.Second})
	}
	assert.Greater(t, wins, 70)
}

func TestFallbackChainFiltersByConstraints(t *testing.T) {
	rt := testRouter(t, Config{})

	d, err := rt.Select(chatStd, core.Constraints{Quality: core.QualityStandard})
	require.NoError(t, err)
	// lite fails the quality floor, so it must not appear in the chain.
	for _, r := range d.Chain {
		assert.NotEqual(t, "lite", r.Name)
	}
	assert.Equal(t, d.Route.Name, d.Chain[0].Name)
}

func TestCommitTwiceAppliesOnce(t *testing.T) {
	rt := testRouter(t, Config{})

	d, err := rt.Select(chatStd, core.Constraints{})
	require.NoError(t, err)

	rt.Commit(d, Outcome{Success: true, Latency: time.Second})
	before := rt.bandit.Snapshot()
	rt.Commit(d, Outcome{Success: true, Latency: time.Second})
	after := rt.bandit.Snapshot()

	assert.Equal(t, before, after)
}

func TestRewardBounds(t *testing.T) {
	rt := testRouter(t, Config{})

	r := rt.Reward(Outcome{Success: true, Latency: time.Second, Cost: 0.1, CostCeiling: 1})
	assert.Greater(t, r, 0.9)

	r = rt.Reward(Outcome{Success: false, Latency: time.Minute})
	assert.Equal(t, 0.0, r)

	r = rt.Reward(Outcome{Success: true, Latency: 50 * time.Second, Cost: 2, CostCeiling: 1})
	assert.Greater(t, r, 0.0)
	assert.Less(t, r, 1.0)
}

func TestRewardThumbsNudges(t *testing.T) {
	rt := testRouter(t, Config{})
	o := Outcome{Success: true, Latency: time.Second}

	base := rt.Reward(o)
	o.Thumbs = 1
	up := rt.Reward(o)
	o.Thumbs = -1
	down := rt.Reward(o)

	assert.GreaterOrEqual(t, up, base)
	assert.Less(t, down, base)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		task core.TaskType
		text string
		want core.ComplexityClass
	}{
		{core.TaskChat, "hi there", core.ComplexityUltraFast},
		{core.TaskChat, "what is the capital of france and when was it founded exactly", core.ComplexityStandard},
		{core.TaskChat, "explain the borrow checker", core.ComplexityStandard},
		{core.TaskChat, "please analyze the tradeoffs between eventual and strong consistency in a geo replicated store and recommend one", core.ComplexityDetailed},
		{core.TaskResearch, "quantum computing", core.ComplexityStandard},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.task, tc.text), "text %q", tc.text)
	}
}

func TestCatalogValidation(t *testing.T) {
	_, err := NewCatalog(nil)
	assert.Error(t, err)

	_, err = NewCatalog([]core.Route{
		{Name: "a", Model: "m"},
		{Name: "a", Model: "m"},
	})
	assert.Error(t, err)

	_, err = NewCatalog([]core.Route{{Name: "a", Model: "m", Fallbacks: []string{"a"}}})
	assert.Error(t, err)

	_, err = NewCatalog([]core.Route{{Name: "a", Model: "m", Fallbacks: []string{"ghost"}}})
	assert.Error(t, err)
}

func TestLoadCatalogFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
routes:
  - name: lite
    model: gemma3:1b
    latency_class: fast
    cost_per_1k: 0.2
    quality: low
  - name: standard
    model: qwen3:8b
    latency_class: standard
    cost_per_1k: 1.0
    quality: standard
    fallbacks: [lite]
`), 0o644))

	c, err := LoadCatalog(path)
	require.NoError(t, err)

	r, ok := c.Lookup("standard")
	require.True(t, ok)
	assert.Equal(t, "qwen3:8b", r.Model)
	assert.Equal(t, core.LatencyStandard, r.LatencyClass)

	chain := c.Chain("standard")
	require.Len(t, chain, 2)
	assert.Equal(t, "lite", chain[1].Name)
}

func TestDefaultCatalogChains(t *testing.T) {
	c := DefaultCatalog("qwen3:8b", "gemma3:1b")
	require.NotNil(t, c)

	chain := c.Chain("primary-deep")
	require.Len(t, chain, 3)
	assert.Equal(t, "primary-standard", chain[1].Name)
	assert.Equal(t, "lite-fast", chain[2].Name)
}
