// Package websocket streams event bus traffic to connected clients. Every
// task, trigger, health, and system event published on the bus is fanned out
// as a JSON frame; clients can narrow the stream to specific sessions.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/taskmill/taskmill/internal/common/logger"
	"github.com/taskmill/taskmill/internal/events"
	"github.com/taskmill/taskmill/internal/events/bus"
)

// ErrHubAlreadyRunning is returned when Start is called twice.
var ErrHubAlreadyRunning = errors.New("websocket hub is already running")

// Frame is the wire shape of one streamed event. Timestamp is Unix epoch
// milliseconds, matching the REST envelope.
type Frame struct {
	Type      string         `json:"type"`
	Source    string         `json:"source,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Hub tracks client connections and relays bus events to them.
type Hub struct {
	eventBus bus.EventBus

	clients map[*Client]bool

	// Clients that narrowed their stream to specific sessions.
	sessionSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *bus.Event

	subs    []bus.Subscription
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub wired to the given event bus.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	// done starts closed so Register and Unregister are no-ops until the
	// fan-out loop is live.
	done := make(chan struct{})
	close(done)
	return &Hub{
		eventBus:           eventBus,
		clients:            make(map[*Client]bool),
		sessionSubscribers: make(map[string]map[*Client]bool),
		register:           make(chan *Client),
		unregister:         make(chan *Client),
		broadcast:          make(chan *bus.Event, 256),
		done:               done,
		logger:             log.WithFields(zap.String("component", "ws-hub")),
	}
}

// Start subscribes to the bus streams and launches the fan-out loop.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}

	subjects := []string{
		events.TaskWildcardSubject(),
		events.TriggerWildcardSubject(),
		events.HealthSample,
		events.SystemStarted,
		events.SystemStopped,
	}
	for _, subject := range subjects {
		sub, err := h.eventBus.Subscribe(subject, h.enqueue)
		if err != nil {
			h.teardownLocked()
			return err
		}
		h.subs = append(h.subs, sub)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	h.running = true
	go h.run(runCtx, h.done)

	h.logger.Info("websocket hub started")
	return nil
}

// Stop detaches from the bus and closes every client connection.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.teardownLocked()
	h.cancel()
	done := h.done
	h.running = false
	h.mu.Unlock()

	<-done
	h.logger.Info("websocket hub stopped")
}

func (h *Hub) teardownLocked() {
	for _, sub := range h.subs {
		_ = sub.Unsubscribe()
	}
	h.subs = nil
}

// enqueue is the bus handler. A slow gateway must never stall publishers,
// so a full buffer drops the frame.
func (h *Hub) enqueue(_ context.Context, event *bus.Event) error {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast buffer full, dropping event",
			zap.String("type", event.Type))
	}
	return nil
}

func (h *Hub) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.id))

		case client := <-h.unregister:
			h.removeClient(client)

		case event := <-h.broadcast:
			h.broadcastEvent(event)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.sessionSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for sessionID := range client.sessions {
		h.dropSessionSubscriberLocked(client, sessionID)
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.id))
}

// broadcastEvent serializes once and fans out. Events without a session
// scope (health, system) reach every client; session-scoped events skip
// clients that filtered on other sessions.
func (h *Hub) broadcastEvent(event *bus.Event) {
	frame, err := json.Marshal(Frame{
		Type:      event.Type,
		Source:    event.Source,
		Timestamp: event.Timestamp.UnixMilli(),
		Data:      event.Data,
	})
	if err != nil {
		h.logger.Error("failed to marshal event frame", zap.Error(err))
		return
	}
	sessionID, _ := event.Data["sessionId"].(string)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.wants(sessionID) {
			continue
		}
		select {
		case client.send <- frame:
		default:
			// Buffer full, the write pump will clean the client up.
		}
	}
}

// Register adds a client to the hub. No-op once the hub is stopped.
func (h *Hub) Register(client *Client) {
	h.mu.RLock()
	done := h.done
	h.mu.RUnlock()
	select {
	case h.register <- client:
	case <-done:
	}
}

// Unregister removes a client from the hub. No-op once the hub is stopped;
// stopping already closed every connection.
func (h *Hub) Unregister(client *Client) {
	h.mu.RLock()
	done := h.done
	h.mu.RUnlock()
	select {
	case h.unregister <- client:
	case <-done:
	}
}

// SubscribeSession narrows a client's stream to the given session. A client
// with at least one session filter only receives matching task and trigger
// events, plus the unscoped health and system frames.
func (h *Hub) SubscribeSession(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessionSubscribers[sessionID]; !ok {
		h.sessionSubscribers[sessionID] = make(map[*Client]bool)
	}
	h.sessionSubscribers[sessionID][client] = true
	client.addSession(sessionID)
}

// UnsubscribeSession removes one session filter from a client.
func (h *Hub) UnsubscribeSession(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.removeSession(sessionID)
	h.dropSessionSubscriberLocked(client, sessionID)
}

func (h *Hub) dropSessionSubscriberLocked(client *Client, sessionID string) {
	if clients, ok := h.sessionSubscribers[sessionID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.sessionSubscribers, sessionID)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
