package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyL2 fails every call while broken is set.
type flakyL2 struct {
	broken bool
	calls  int
}

var errL2Down = errors.New("connection refused")

func (f *flakyL2) Get(ctx context.Context, key string) ([]byte, error) {
	f.calls++
	if f.broken {
		return nil, errL2Down
	}
	return nil, ErrMiss
}

func (f *flakyL2) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.calls++
	if f.broken {
		return errL2Down
	}
	return nil
}

func (f *flakyL2) Del(ctx context.Context, keys ...string) error {
	f.calls++
	if f.broken {
		return errL2Down
	}
	return nil
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyL2{broken: true}
	b := NewBreakerL2(inner, nil)
	ctx := context.Background()

	for i := 0; i < breakerTripThreshold; i++ {
		_, err := b.Get(ctx, "k")
		require.ErrorIs(t, err, errL2Down)
	}
	assert.Equal(t, BreakerOpen, b.State())

	// Open: calls short-circuit without touching the client.
	before := inner.calls
	_, err := b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, before, inner.calls)
}

func TestBreakerMissIsHealthy(t *testing.T) {
	inner := &flakyL2{broken: true}
	b := NewBreakerL2(inner, nil)
	ctx := context.Background()

	// Failures interleaved with misses never accumulate to the threshold.
	for i := 0; i < breakerTripThreshold*3; i++ {
		inner.broken = i%2 == 0
		b.Get(ctx, "k")
	}
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenProbeRecovers(t *testing.T) {
	inner := &flakyL2{broken: true}
	b := NewBreakerL2(inner, nil)
	ctx := context.Background()

	for i := 0; i < breakerTripThreshold; i++ {
		b.Get(ctx, "k")
	}
	require.Equal(t, BreakerOpen, b.State())

	// Age the open state past the cooldown and heal the client.
	b.mu.Lock()
	b.openedAt = time.Now().Add(-breakerCooldown - time.Second)
	b.mu.Unlock()
	inner.broken = false

	_, err := b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	inner := &flakyL2{broken: true}
	b := NewBreakerL2(inner, nil)
	ctx := context.Background()

	for i := 0; i < breakerTripThreshold; i++ {
		b.Get(ctx, "k")
	}
	b.mu.Lock()
	b.openedAt = time.Now().Add(-breakerCooldown - time.Second)
	b.mu.Unlock()

	// The probe fails: straight back to open, no threshold needed.
	_, err := b.Get(ctx, "k")
	require.ErrorIs(t, err, errL2Down)
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreakerHalfOpenLimitsProbes(t *testing.T) {
	inner := &flakyL2{broken: true}
	b := NewBreakerL2(inner, nil)

	for i := 0; i < breakerTripThreshold; i++ {
		b.Get(context.Background(), "k")
	}
	b.mu.Lock()
	b.openedAt = time.Now().Add(-breakerCooldown - time.Second)
	b.state = BreakerHalfOpen
	b.probes = breakerProbeLimit
	b.mu.Unlock()

	_, err := b.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrBreakerOpen)
}
