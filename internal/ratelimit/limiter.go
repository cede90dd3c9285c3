// Package ratelimit enforces per-identifier request rates with a sliding
// window log. Memory stays bounded two ways: a background sweeper drops
// buckets idle past their TTL, and a global identifier cap evicts the oldest
// idle bucket when a new identifier would exceed it.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/gateway/internal/core"
)

const window = time.Minute

// Config sets the per-minute caps. Zero values inherit defaults.
type Config struct {
	DefaultPerMinute    int // free and anonymous tiers
	ProPerMinute        int
	EnterprisePerMinute int

	MaxIdentifiers int           // global bucket cap
	IdentifierTTL  time.Duration // idle time before the sweeper reclaims a bucket
	SweepInterval  time.Duration
}

func (c *Config) applyDefaults() {
	if c.DefaultPerMinute <= 0 {
		c.DefaultPerMinute = 20
	}
	if c.ProPerMinute <= 0 {
		c.ProPerMinute = 120
	}
	if c.EnterprisePerMinute <= 0 {
		c.EnterprisePerMinute = 600
	}
	if c.MaxIdentifiers <= 0 {
		c.MaxIdentifiers = 10000
	}
	if c.IdentifierTTL <= 0 {
		c.IdentifierTTL = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
}

type bucket struct {
	mu       sync.Mutex
	stamps   []time.Time
	lastSeen time.Time
}

// Limiter is the sliding-window log limiter. Checks for one identifier are
// serialized on its bucket lock; different identifiers don't contend beyond
// the map lookup.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	cfg     Config
	logger  *slog.Logger
	stop    chan struct{}
	stopped sync.Once

	// now is swappable for tests.
	now func() time.Time
}

// New creates a limiter and starts its sweeper.
func New(cfg Config, logger *slog.Logger) *Limiter {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
		logger:  logger.With("component", "ratelimit"),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.sweep()
	return l
}

// Stop halts the background sweeper.
func (l *Limiter) Stop() {
	l.stopped.Do(func() { close(l.stop) })
}

func (l *Limiter) capFor(tier core.Tier) int {
	switch tier {
	case core.TierPro:
		return l.cfg.ProPerMinute
	case core.TierEnterprise:
		return l.cfg.EnterprisePerMinute
	default:
		return l.cfg.DefaultPerMinute
	}
}

// Allow records one request attempt for the identifier. When rejected it
// returns the seconds until the oldest in-window timestamp ages out, for the
// Retry-After header.
func (l *Limiter) Allow(ident string, tier core.Tier) (bool, int) {
	now := l.now()
	limit := l.capFor(tier)
	b := l.bucketFor(ident, now)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSeen = now

	// Drop timestamps that fell out of the window.
	cutoff := now.Add(-window)
	keep := b.stamps[:0]
	for _, ts := range b.stamps {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	b.stamps = keep

	if len(b.stamps) >= limit {
		retryAfter := int(window/time.Second) - int(now.Sub(b.stamps[0])/time.Second)
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter
	}

	b.stamps = append(b.stamps, now)
	return true, 0
}

// bucketFor returns the identifier's bucket, creating it under the write
// lock and enforcing the global identifier cap.
func (l *Limiter) bucketFor(ident string, now time.Time) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[ident]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[ident]; ok {
		return b
	}

	if len(l.buckets) >= l.cfg.MaxIdentifiers {
		l.evictOldestLocked()
	}

	b = &bucket{lastSeen: now}
	l.buckets[ident] = b
	return b
}

// evictOldestLocked removes the most idle bucket. Caller holds the write lock.
func (l *Limiter) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, b := range l.buckets {
		b.mu.Lock()
		seen := b.lastSeen
		b.mu.Unlock()
		if oldestKey == "" || seen.Before(oldest) {
			oldestKey = key
			oldest = seen
		}
	}
	if oldestKey != "" {
		delete(l.buckets, oldestKey)
	}
}

// sweep reclaims idle buckets. It snapshots candidates under the read lock,
// then confirms idleness per bucket before deleting under the write lock.
func (l *Limiter) sweep() {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweepOnce()
		}
	}
}

func (l *Limiter) sweepOnce() {
	cutoff := l.now().Add(-l.cfg.IdentifierTTL)

	l.mu.RLock()
	var stale []string
	for key, b := range l.buckets {
		b.mu.Lock()
		idle := b.lastSeen.Before(cutoff)
		b.mu.Unlock()
		if idle {
			stale = append(stale, key)
		}
	}
	l.mu.RUnlock()

	if len(stale) == 0 {
		return
	}

	l.mu.Lock()
	for _, key := range stale {
		if b, ok := l.buckets[key]; ok {
			b.mu.Lock()
			if b.lastSeen.Before(cutoff) {
				delete(l.buckets, key)
			}
			b.mu.Unlock()
		}
	}
	l.mu.Unlock()

	l.logger.Debug("swept idle rate buckets", "reclaimed", len(stale))
}

// IdentifierCount returns how many buckets are live.
func (l *Limiter) IdentifierCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Stats reports limiter occupancy for the admin surface.
func (l *Limiter) Stats() map[string]interface{} {
	return map[string]interface{}{
		"identifiers":     l.IdentifierCount(),
		"max_identifiers": l.cfg.MaxIdentifiers,
		"default_per_min": l.cfg.DefaultPerMinute,
		"pro_per_min":     l.cfg.ProPerMinute,
		"ent_per_min":     l.cfg.EnterprisePerMinute,
	}
}
