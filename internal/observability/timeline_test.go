package observability

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimelineRecordsInOrder(t *testing.T) {
	tl := NewTimeline()

	tl.Record("req-1", "admission", "accepted", nil)
	tl.Record("req-1", "cache", "miss", map[string]interface{}{"tier": "l1"})
	tl.Record("req-2", "admission", "accepted", nil)

	evs := tl.For("req-1")
	require.Len(t, evs, 2)
	assert.Equal(t, "admission", evs[0].Stage)
	assert.Equal(t, "cache", evs[1].Stage)
	assert.Len(t, tl.For("req-2"), 1)
	assert.Empty(t, tl.For("req-unknown"))
}

func TestTimelineDropsOldestRequests(t *testing.T) {
	tl := NewTimeline()

	for i := 0; i < timelineCap+10; i++ {
		tl.Record(fmt.Sprintf("req-%d", i), "admission", "", nil)
	}

	assert.Empty(t, tl.For("req-0"))
	assert.Len(t, tl.For(fmt.Sprintf("req-%d", timelineCap+9)), 1)
	assert.Equal(t, timelineCap, tl.Stats()["requests"])
}

func TestTimelineNotifiesSubscribers(t *testing.T) {
	tl := NewTimeline()

	var got []Event
	tl.Subscribe(func(ev Event) { got = append(got, ev) })

	tl.Record("req-1", "route", "standard", nil)

	require.Len(t, got, 1)
	assert.Equal(t, "req-1", got[0].CorrelationID)
	assert.Equal(t, "route", got[0].Stage)
}

func TestNewMetricsRegistersOnCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RequestsTotal.WithLabelValues("chat", "ok").Inc()
	m.CacheLookups.WithLabelValues("l1", "hit").Inc()
	m.StreamChunks.Add(3)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["gateway_requests_total"])
	assert.True(t, names["gateway_cache_lookups_total"])
	assert.True(t, names["gateway_stream_chunks_total"])
}
