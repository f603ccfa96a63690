package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// Event is a single Server-Sent Event payload.
type Event struct {
	Type string `json:"type"`
	JSON []byte `json:"data"`
}

// Broker fans run events out to connected SSE clients.
type Broker struct {
	mu         sync.RWMutex
	clients    map[chan Event]bool
	broadcast  chan Event
	register   chan chan Event
	unregister chan chan Event
	done       chan struct{}
	logger     *zap.Logger
}

// NewBroker creates a Broker. Call Start to begin dispatching.
func NewBroker(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		clients:    make(map[chan Event]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan chan Event),
		unregister: make(chan chan Event),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Start dispatches events until ctx is cancelled, then closes every client.
func (b *Broker) Start(ctx context.Context) {
	go b.run(ctx)
}

func (b *Broker) run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			for ch := range b.clients {
				close(ch)
				delete(b.clients, ch)
			}
			b.mu.Unlock()
			return

		case ch := <-b.register:
			b.mu.Lock()
			b.clients[ch] = true
			n := len(b.clients)
			b.mu.Unlock()
			b.logger.Debug("sse client connected", zap.Int("clients", n))

		case ch := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.clients[ch]; ok {
				delete(b.clients, ch)
				close(ch)
			}
			n := len(b.clients)
			b.mu.Unlock()
			b.logger.Debug("sse client disconnected", zap.Int("clients", n))

		case event := <-b.broadcast:
			b.mu.RLock()
			for ch := range b.clients {
				// Slow clients drop events instead of stalling the broker.
				select {
				case ch <- event:
				default:
					b.logger.Debug("sse event dropped for slow client", zap.String("type", event.Type))
				}
			}
			b.mu.RUnlock()
		}
	}
}

// Subscribe adds a new client and returns its event channel. After the
// broker stopped the returned channel is already closed.
func (b *Broker) Subscribe() chan Event {
	ch := make(chan Event, 64)
	select {
	case b.register <- ch:
	case <-b.done:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a client.
func (b *Broker) Unsubscribe(ch chan Event) {
	select {
	case b.unregister <- ch:
	case <-b.done:
	}
}

// Clients returns the number of connected clients.
func (b *Broker) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast queues an event for every client. It never blocks; when the
// queue is full the event is dropped.
func (b *Broker) Broadcast(eventType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("sse marshal failed", zap.String("type", eventType), zap.Error(err))
		return
	}
	select {
	case b.broadcast <- Event{Type: eventType, JSON: data}:
	default:
		b.logger.Debug("sse broadcast queue full", zap.String("type", eventType))
	}
}

// BackendHealth is the payload of a "health" event.
type BackendHealth struct {
	Backend string `json:"backend"`
	Healthy bool   `json:"healthy"`
}

// BackendHealthChanged broadcasts a "health" event. Its signature matches
// health.HealthChecker.OnStateChange.
func (b *Broker) BackendHealthChanged(url string, healthy bool) {
	b.Broadcast("health", BackendHealth{Backend: url, Healthy: healthy})
}

// StreamHandler returns an HTTP handler for establishing SSE connections.
func (b *Broker) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		ch := b.Subscribe()
		defer b.Unsubscribe(ch)

		fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, event.JSON)
				flusher.Flush()
			}
		}
	}
}
