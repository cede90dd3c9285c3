package workflow

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gateway/internal/core"
)

func collectChunks(dst *[]string) func(core.Chunk) error {
	return func(c core.Chunk) error {
		*dst = append(*dst, c.Delta)
		return nil
	}
}

func TestPacerFlushesAtWordBoundaries(t *testing.T) {
	var got []string
	p := NewPacer(collectChunks(&got), 0)

	require.NoError(t, p.Push("hel"))
	require.NoError(t, p.Push("lo wor"))
	require.NoError(t, p.Push("ld again"))
	require.NoError(t, p.Close())

	assert.Equal(t, []string{"hello ", "world ", "again"}, got)
	assert.Equal(t, "hello world again", strings.Join(got, ""))
}

func TestPacerCoalescesFastProducer(t *testing.T) {
	var got []string
	p := NewPacer(collectChunks(&got), 50*time.Millisecond)

	// Fake clock: all pushes land inside one interval, then time advances.
	clock := time.Unix(0, 0)
	p.now = func() time.Time { return clock }
	p.lastFlush = clock

	require.NoError(t, p.Push("one "))
	require.NoError(t, p.Push("two "))
	require.NoError(t, p.Push("three "))
	assert.Empty(t, got, "deltas inside the interval floor must coalesce")

	clock = clock.Add(100 * time.Millisecond)
	require.NoError(t, p.Push("four "))
	assert.Equal(t, []string{"one two three four "}, got)
}

func TestPacerCloseFlushesTail(t *testing.T) {
	var got []string
	p := NewPacer(collectChunks(&got), time.Hour)
	p.lastFlush = time.Now()

	require.NoError(t, p.Push("buffered tail"))
	require.Empty(t, got)
	require.NoError(t, p.Close())
	assert.Equal(t, []string{"buffered tail"}, got)
}
