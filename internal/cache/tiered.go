// Package cache implements the gateway's two-tier response cache: a sharded
// in-process LRU (L1) in front of a shared Redis tier (L2). L2 outages
// downgrade reads and writes to L1-only; the request never fails because the
// shared tier is away.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ocx/gateway/internal/core"
)

// TTLFor returns the freshness window for a produced entry. Search results
// expire fastest: freshness matters more than hit rate there.
func TTLFor(task core.TaskType, class core.ComplexityClass) time.Duration {
	if task == core.TaskSearch {
		return 15 * time.Minute
	}
	switch class {
	case core.ComplexityUltraFast:
		return 2 * time.Hour
	case core.ComplexityDetailed:
		return 30 * time.Minute
	default:
		return time.Hour
	}
}

// Tiered combines L1 and an optional L2 behind single-flight production.
type Tiered struct {
	l1     *L1
	l2     L2Client // nil means L1-only
	flight singleflight.Group
	logger *slog.Logger

	hits     atomic.Int64
	misses   atomic.Int64
	l2Errors atomic.Int64
	promoted atomic.Int64
}

// NewTiered builds the cache facade. Pass a nil l2 to run in-process only.
func NewTiered(l1 *L1, l2 L2Client, logger *slog.Logger) *Tiered {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tiered{l1: l1, l2: l2, logger: logger.With("component", "cache")}
}

// Get consults L1 then L2, promoting an L2 hit into L1. A corrupt L2 payload
// is deleted and reported as a miss; an L2 network error is a miss too
// (CACHE_DEGRADED is a log line, never a request failure).
func (t *Tiered) Get(ctx context.Context, key string) (*Entry, bool) {
	if entry, ok := t.l1.Get(key); ok {
		t.hits.Add(1)
		return entry, true
	}

	if t.l2 != nil {
		raw, err := t.l2.Get(ctx, key)
		switch {
		case err == nil:
			var entry Entry
			if jsonErr := json.Unmarshal(raw, &entry); jsonErr != nil || entry.Key != key {
				t.logger.Warn("discarding corrupt L2 payload", "key", key)
				_ = t.l2.Del(ctx, key)
				break
			}
			if entry.expired(time.Now()) {
				break
			}
			t.l1.Put(&entry)
			t.promoted.Add(1)
			t.hits.Add(1)
			return &entry, true
		case err == ErrMiss:
			// fall through
		default:
			t.l2Errors.Add(1)
			t.logger.Warn("CACHE_DEGRADED: L2 read failed, serving L1-only", "error", err)
		}
	}

	t.misses.Add(1)
	return nil, false
}

// Put writes through both tiers. An entry replaces any previous value for
// its key; nothing is mutated in place.
func (t *Tiered) Put(ctx context.Context, entry *Entry, ttl time.Duration) {
	now := time.Now()
	entry.CreatedAt = now
	entry.ExpiresAt = now.Add(ttl)
	if entry.SizeBytes == 0 {
		entry.SizeBytes = int64(len(entry.Payload))
	}

	t.l1.Put(entry)

	if t.l2 != nil {
		raw, err := json.Marshal(entry)
		if err != nil {
			t.logger.Warn("failed to serialize entry for L2", "key", entry.Key, "error", err)
			return
		}
		if err := t.l2.Set(ctx, entry.Key, raw, ttl); err != nil {
			t.l2Errors.Add(1)
			t.logger.Warn("CACHE_DEGRADED: L2 write skipped", "key", entry.Key, "error", err)
		}
	}
}

// Producer builds a cache entry on a full miss. The returned TTL governs
// both tiers.
type Producer func(ctx context.Context) (*Entry, time.Duration, error)

// GetOrProduce is the single-flight read path: concurrent misses on one key
// run the producer exactly once and all callers share its result or error.
// A producer error is not cached.
func (t *Tiered) GetOrProduce(ctx context.Context, key string, produce Producer) (*Entry, bool, error) {
	if entry, ok := t.Get(ctx, key); ok {
		return entry, true, nil
	}

	v, err, shared := t.flight.Do(key, func() (interface{}, error) {
		// Re-check: another caller may have produced while we queued.
		if entry, ok := t.Get(ctx, key); ok {
			return entry, nil
		}
		entry, ttl, err := produce(ctx)
		if err != nil {
			return nil, err
		}
		t.Put(ctx, entry, ttl)
		return entry, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*Entry), shared, nil
}

// Stats reports hit/miss counters for the admin surface.
func (t *Tiered) Stats() map[string]interface{} {
	return map[string]interface{}{
		"hits":        t.hits.Load(),
		"misses":      t.misses.Load(),
		"l2_errors":   t.l2Errors.Load(),
		"l2_promoted": t.promoted.Load(),
		"l2_enabled":  t.l2 != nil,
		"l1":          t.l1.Stats(),
	}
}
