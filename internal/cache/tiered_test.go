package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gateway/internal/core"
)

func newTestTiered(t *testing.T) (*Tiered, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	l2, err := NewGoRedisL2("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { l2.Close() })
	return NewTiered(NewL1(128, 1<<20), l2, nil), mr
}

func TestTieredRoundTrip(t *testing.T) {
	tc, _ := newTestTiered(t)
	ctx := context.Background()

	tc.Put(ctx, &Entry{Key: "k1", Payload: []byte("answer"), SourceTag: "synthesize"}, time.Minute)

	got, ok := tc.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, []byte("answer"), got.Payload)
}

func TestTieredL2PromotionToL1(t *testing.T) {
	tc, _ := newTestTiered(t)
	ctx := context.Background()

	tc.Put(ctx, &Entry{Key: "k1", Payload: []byte("v")}, time.Minute)

	// Wipe L1; the entry must come back from L2 and be promoted.
	tc.l1.Delete("k1")
	_, ok := tc.l1.Get("k1")
	require.False(t, ok)

	got, ok := tc.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got.Payload)

	_, ok = tc.l1.Get("k1")
	assert.True(t, ok, "L2 hit must be promoted into L1")
}

func TestTieredTTLExpiry(t *testing.T) {
	tc, mr := newTestTiered(t)
	ctx := context.Background()

	tc.Put(ctx, &Entry{Key: "k1", Payload: []byte("v")}, 50*time.Millisecond)
	tc.l1.Delete("k1")
	mr.FastForward(time.Second)

	_, ok := tc.Get(ctx, "k1")
	assert.False(t, ok)
}

func TestTieredSurvivesL2Outage(t *testing.T) {
	tc, mr := newTestTiered(t)
	ctx := context.Background()

	mr.Close()

	// Writes and reads degrade to L1-only, never error.
	tc.Put(ctx, &Entry{Key: "k1", Payload: []byte("v")}, time.Minute)
	got, ok := tc.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got.Payload)
}

func TestTieredCorruptL2PayloadIsAMiss(t *testing.T) {
	tc, mr := newTestTiered(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("bad", "not json"))

	_, ok := tc.Get(ctx, "bad")
	assert.False(t, ok)
	// The corrupt value is dropped so it is not re-parsed every read.
	assert.False(t, mr.Exists("bad"))
}

func TestSingleFlightRunsProducerOnce(t *testing.T) {
	tc := NewTiered(NewL1(128, 1<<20), nil, nil)
	ctx := context.Background()

	var calls atomic.Int32
	var started sync.WaitGroup
	release := make(chan struct{})

	produce := func(ctx context.Context) (*Entry, time.Duration, error) {
		calls.Add(1)
		<-release
		return &Entry{Key: "k1", Payload: []byte("produced")}, time.Minute, nil
	}

	const n = 20
	results := make([][]byte, n)
	var done sync.WaitGroup
	for i := 0; i < n; i++ {
		started.Add(1)
		done.Add(1)
		go func(i int) {
			defer done.Done()
			started.Done()
			entry, _, err := tc.GetOrProduce(ctx, "k1", produce)
			require.NoError(t, err)
			results[i] = entry.Payload
		}(i)
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond) // let the flight coalesce
	close(release)
	done.Wait()

	assert.Equal(t, int32(1), calls.Load(), "producer must run exactly once")
	for _, r := range results {
		assert.Equal(t, []byte("produced"), r)
	}
}

func TestSingleFlightSharesError(t *testing.T) {
	tc := NewTiered(NewL1(128, 1<<20), nil, nil)
	ctx := context.Background()

	boom := errors.New("backend exploded")
	_, _, err := tc.GetOrProduce(ctx, "k1", func(ctx context.Context) (*Entry, time.Duration, error) {
		return nil, 0, boom
	})
	require.ErrorIs(t, err, boom)

	// The error was not cached; a later producer succeeds.
	entry, _, err := tc.GetOrProduce(ctx, "k1", func(ctx context.Context) (*Entry, time.Duration, error) {
		return &Entry{Key: "k1", Payload: []byte("ok")}, time.Minute, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), entry.Payload)
}

func TestTTLForPolicy(t *testing.T) {
	assert.Equal(t, 2*time.Hour, TTLFor(core.TaskChat, core.ComplexityUltraFast))
	assert.Equal(t, time.Hour, TTLFor(core.TaskChat, core.ComplexityStandard))
	assert.Equal(t, 30*time.Minute, TTLFor(core.TaskResearch, core.ComplexityDetailed))
	assert.Equal(t, 15*time.Minute, TTLFor(core.TaskSearch, core.ComplexityDetailed))
}
