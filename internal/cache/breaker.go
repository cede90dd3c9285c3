package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the lifecycle of the L2 guard.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation, calls pass through
	BreakerOpen                         // L2 considered down, calls short-circuit
	BreakerHalfOpen                     // probing whether L2 recovered
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ErrBreakerOpen short-circuits an L2 call while the guard is open. The
// tiered cache treats it like any other L2 error: a miss.
var ErrBreakerOpen = errors.New("cache: L2 circuit open")

const (
	breakerTripThreshold = 5                // consecutive failures before opening
	breakerCooldown      = 15 * time.Second // open duration before a probe
	breakerProbeLimit    = 2                // calls admitted while half-open
)

// BreakerL2 wraps an L2Client with a circuit breaker so a dead Redis does not
// tax every request with a connect timeout. While open, reads and writes fail
// fast and the gateway runs L1-only until a half-open probe succeeds.
type BreakerL2 struct {
	inner  L2Client
	logger *slog.Logger

	mu           sync.Mutex
	state        BreakerState
	failures     int // consecutive
	probes       int // in-flight while half-open
	openedAt     time.Time
	transitions  int64
	shortCircuit int64
}

// NewBreakerL2 guards the given client.
func NewBreakerL2(inner L2Client, logger *slog.Logger) *BreakerL2 {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerL2{inner: inner, logger: logger.With("component", "cache-breaker")}
}

// admit decides whether one call may proceed.
func (b *BreakerL2) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if time.Since(b.openedAt) < breakerCooldown {
			b.shortCircuit++
			return false
		}
		b.setStateLocked(BreakerHalfOpen)
		b.probes = 0
		fallthrough
	case BreakerHalfOpen:
		if b.probes >= breakerProbeLimit {
			b.shortCircuit++
			return false
		}
		b.probes++
		return true
	default:
		return true
	}
}

func (b *BreakerL2) observe(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// A cache miss is a healthy response.
	if err == nil || errors.Is(err, ErrMiss) {
		b.failures = 0
		if b.state != BreakerClosed {
			b.setStateLocked(BreakerClosed)
		}
		return
	}

	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= breakerTripThreshold {
		b.setStateLocked(BreakerOpen)
		b.openedAt = time.Now()
		b.failures = 0
	}
}

func (b *BreakerL2) setStateLocked(next BreakerState) {
	if b.state == next {
		return
	}
	b.logger.Warn("L2 breaker state change", "from", b.state.String(), "to", next.String())
	b.state = next
	b.transitions++
}

// State reports the current breaker state.
func (b *BreakerL2) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *BreakerL2) Get(ctx context.Context, key string) ([]byte, error) {
	if !b.admit() {
		return nil, ErrBreakerOpen
	}
	raw, err := b.inner.Get(ctx, key)
	b.observe(err)
	return raw, err
}

func (b *BreakerL2) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !b.admit() {
		return ErrBreakerOpen
	}
	err := b.inner.Set(ctx, key, value, ttl)
	b.observe(err)
	return err
}

func (b *BreakerL2) Del(ctx context.Context, keys ...string) error {
	if !b.admit() {
		return ErrBreakerOpen
	}
	err := b.inner.Del(ctx, keys...)
	b.observe(err)
	return err
}
