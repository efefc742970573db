package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Activity is one notice on the shared activity feed
type Activity struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

const (
	ActivityRunStarted  = "run_started"
	ActivityRunFinished = "run_finished"
	ActivityModeChanged = "mode_changed"
)

// Hub fans activity out to every connected feed subscriber. A subscriber
// that cannot keep up is dropped.
type Hub struct {
	clients    map[chan Activity]bool
	broadcast  chan Activity
	register   chan chan Activity
	unregister chan chan Activity
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
}

// NewHub creates a new activity hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[chan Activity]bool),
		broadcast:  make(chan Activity, 64),
		register:   make(chan chan Activity),
		unregister: make(chan chan Activity),
		done:       make(chan struct{}),
	}
}

// Run starts the hub loop; it returns after Stop
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client <- event:
				default:
					close(client)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop ends the hub loop and closes every subscriber
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Clients returns the number of connected subscribers
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues an activity for all subscribers. It never blocks; when
// the queue is full the activity is dropped.
func (h *Hub) Broadcast(event Activity) {
	select {
	case h.broadcast <- event:
	case <-h.done:
	default:
	}
}

// Subscribe registers a new subscriber. The returned channel is closed
// when the subscriber is dropped or the hub stops.
func (h *Hub) Subscribe() (<-chan Activity, func()) {
	client := make(chan Activity, 16)
	select {
	case h.register <- client:
	case <-h.done:
		close(client)
		return client, func() {}
	}
	return client, func() {
		select {
		case h.unregister <- client:
		case <-h.done:
		}
	}
}

func (h *Hub) serveHTTP(keepAlive time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}
		setStreamHeaders(w)
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		events, unsubscribe := h.Subscribe()
		defer unsubscribe()

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			case event, ok := <-events:
				if !ok {
					return
				}
				data, _ := json.Marshal(event)
				fmt.Fprintf(w, "event: %s\n", event.Type)
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}
