package observability

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// EventStreamer fans timeline events out to WebSocket clients on the debug
// surface. Slow or dead clients are dropped rather than applying backpressure
// to request handling.
type EventStreamer struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *slog.Logger
	stop       chan struct{}
	stopped    sync.Once
}

// NewEventStreamer creates the hub and subscribes it to the timeline.
func NewEventStreamer(timeline *Timeline, logger *slog.Logger) *EventStreamer {
	if logger == nil {
		logger = slog.Default()
	}
	es := &EventStreamer{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "eventstream"),
		stop:   make(chan struct{}),
	}
	timeline.Subscribe(es.publish)
	return es
}

// publish enqueues an event, dropping it when the hub is saturated.
func (es *EventStreamer) publish(ev Event) {
	select {
	case es.broadcast <- ev:
	default:
	}
}

// Run starts the hub loop. Call in its own goroutine.
func (es *EventStreamer) Run() {
	for {
		select {
		case <-es.stop:
			return

		case client := <-es.register:
			es.mu.Lock()
			es.clients[client] = true
			n := len(es.clients)
			es.mu.Unlock()
			es.logger.Info("debug client connected", "total", n)

		case client := <-es.unregister:
			es.mu.Lock()
			if _, ok := es.clients[client]; ok {
				delete(es.clients, client)
				client.Close()
			}
			n := len(es.clients)
			es.mu.Unlock()
			es.logger.Info("debug client disconnected", "total", n)

		case ev := <-es.broadcast:
			es.mu.Lock()
			for client := range es.clients {
				if err := client.WriteJSON(ev); err != nil {
					client.Close()
					delete(es.clients, client)
				}
			}
			es.mu.Unlock()
		}
	}
}

// Stop shuts the hub loop down.
func (es *EventStreamer) Stop() {
	es.stopped.Do(func() { close(es.stop) })
}

// HandleWebSocket upgrades the connection and registers the client.
func (es *EventStreamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := es.upgrader.Upgrade(w, r, nil)
	if err != nil {
		es.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	es.register <- conn

	go func() {
		defer func() { es.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// ClientCount reports how many debug clients are attached.
func (es *EventStreamer) ClientCount() int {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return len(es.clients)
}
