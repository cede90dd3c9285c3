package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gateway/internal/core"
)

func newTestLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	// Long sweep interval so tests drive sweepOnce directly.
	cfg.SweepInterval = time.Hour
	l := New(cfg, nil)
	t.Cleanup(l.Stop)
	return l
}

func TestAllowEnforcesTierCap(t *testing.T) {
	l := newTestLimiter(t, Config{DefaultPerMinute: 20})

	accepted := 0
	for i := 0; i < 25; i++ {
		if ok, _ := l.Allow("user-1", core.TierFree); ok {
			accepted++
		}
	}
	assert.Equal(t, 20, accepted)

	ok, retryAfter := l.Allow("user-1", core.TierFree)
	assert.False(t, ok)
	assert.Greater(t, retryAfter, 0)
	assert.LessOrEqual(t, retryAfter, 60)
}

func TestAllowWindowSlides(t *testing.T) {
	l := newTestLimiter(t, Config{DefaultPerMinute: 2})
	now := time.Now()
	l.now = func() time.Time { return now }

	ok, _ := l.Allow("u", core.TierFree)
	require.True(t, ok)
	ok, _ = l.Allow("u", core.TierFree)
	require.True(t, ok)
	ok, _ = l.Allow("u", core.TierFree)
	require.False(t, ok)

	// 61 seconds later both stamps have aged out.
	now = now.Add(61 * time.Second)
	ok, _ = l.Allow("u", core.TierFree)
	assert.True(t, ok)
}

func TestTiersAreIndependent(t *testing.T) {
	l := newTestLimiter(t, Config{DefaultPerMinute: 1, ProPerMinute: 3})

	ok, _ := l.Allow("free-user", core.TierFree)
	require.True(t, ok)
	ok, _ = l.Allow("free-user", core.TierFree)
	require.False(t, ok)

	for i := 0; i < 3; i++ {
		ok, _ = l.Allow("pro-user", core.TierPro)
		assert.True(t, ok, "pro request %d", i)
	}
	ok, _ = l.Allow("pro-user", core.TierPro)
	assert.False(t, ok)
}

func TestGlobalIdentifierCap(t *testing.T) {
	l := newTestLimiter(t, Config{DefaultPerMinute: 5, MaxIdentifiers: 100})

	for i := 0; i < 1000; i++ {
		l.Allow(fmt.Sprintf("ident-%d", i), core.TierFree)
	}

	assert.LessOrEqual(t, l.IdentifierCount(), 100)
}

func TestSweeperReclaimsIdleBuckets(t *testing.T) {
	l := newTestLimiter(t, Config{DefaultPerMinute: 5, IdentifierTTL: 5 * time.Minute})
	now := time.Now()
	l.now = func() time.Time { return now }

	for i := 0; i < 50; i++ {
		l.Allow(fmt.Sprintf("ident-%d", i), core.TierFree)
	}
	require.Equal(t, 50, l.IdentifierCount())

	// Keep one identifier fresh past the idle cutoff.
	now = now.Add(6 * time.Minute)
	l.Allow("ident-0", core.TierFree)

	l.sweepOnce()

	assert.Equal(t, 1, l.IdentifierCount())
}

func TestAllowConcurrentIdentifiers(t *testing.T) {
	l := newTestLimiter(t, Config{DefaultPerMinute: 30})

	done := make(chan int, 8)
	for g := 0; g < 8; g++ {
		go func(g int) {
			accepted := 0
			for i := 0; i < 50; i++ {
				if ok, _ := l.Allow(fmt.Sprintf("ident-%d", g), core.TierFree); ok {
					accepted++
				}
			}
			done <- accepted
		}(g)
	}

	for g := 0; g < 8; g++ {
		assert.Equal(t, 30, <-done)
	}
}
