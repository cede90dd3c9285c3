package observability

import (
	"sync"
	"time"
)

// Event is one step in a request's lifecycle, keyed by correlation id.
type Event struct {
	CorrelationID string                 `json:"correlation_id"`
	Stage         string                 `json:"stage"` // admission, cache, route, node, backend, emit, error
	Detail        string                 `json:"detail,omitempty"`
	At            time.Time              `json:"at"`
	Fields        map[string]interface{} `json:"fields,omitempty"`
}

// timelineCap bounds how many recent request timelines stay resident.
const timelineCap = 256

// Timeline records per-request event sequences for the debug surface. It
// keeps the most recent timelineCap requests; older ones drop FIFO.
type Timeline struct {
	mu     sync.Mutex
	events map[string][]Event
	order  []string
	sinks  []func(Event)
}

// NewTimeline creates an empty recorder.
func NewTimeline() *Timeline {
	return &Timeline{events: make(map[string][]Event)}
}

// Subscribe registers a sink invoked for every recorded event. Used by the
// WebSocket streamer; must be called before traffic starts.
func (t *Timeline) Subscribe(sink func(Event)) {
	t.mu.Lock()
	t.sinks = append(t.sinks, sink)
	t.mu.Unlock()
}

// Record appends one event to its request's timeline.
func (t *Timeline) Record(corrID, stage, detail string, fields map[string]interface{}) {
	ev := Event{
		CorrelationID: corrID,
		Stage:         stage,
		Detail:        detail,
		At:            time.Now(),
		Fields:        fields,
	}

	t.mu.Lock()
	if _, ok := t.events[corrID]; !ok {
		t.order = append(t.order, corrID)
		if len(t.order) > timelineCap {
			drop := t.order[0]
			t.order = t.order[1:]
			delete(t.events, drop)
		}
	}
	t.events[corrID] = append(t.events[corrID], ev)
	sinks := t.sinks
	t.mu.Unlock()

	for _, sink := range sinks {
		sink(ev)
	}
}

// For returns the recorded timeline of one request, oldest first.
func (t *Timeline) For(corrID string) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	evs := t.events[corrID]
	out := make([]Event, len(evs))
	copy(out, evs)
	return out
}

// Stats reports recorder occupancy.
func (t *Timeline) Stats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, evs := range t.events {
		total += len(evs)
	}
	return map[string]interface{}{
		"requests": len(t.events),
		"events":   total,
	}
}
