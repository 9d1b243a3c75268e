// Package websocket fans coordination events out to dashboard connections.
//
// Every authenticated connection receives the fleet-wide event streams
// (worker.*, swarm.*, workflow.*, spawn.*, trigger.*); blackboard events are
// delivered only to connections subscribed to the relevant swarm.
package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/swarmd/swarmd/internal/common/logger"
	"github.com/swarmd/swarmd/internal/events/bus"
)

// TokenValidator checks a client-supplied auth token and returns the uid it
// belongs to. The HTTP layer's auth service satisfies this.
type TokenValidator interface {
	Validate(token string) (string, error)
}

// Hub tracks connected clients and forwards bus events to them.
type Hub struct {
	logger    *logger.Logger
	validator TokenValidator
	sub       bus.Subscription

	mu      sync.RWMutex
	clients map[*Client]bool
	closed  bool
}

// NewHub creates the fanout hub and subscribes it to the full event stream.
func NewHub(eventBus bus.EventBus, validator TokenValidator, log *logger.Logger) (*Hub, error) {
	h := &Hub{
		logger:    log.WithFields(zap.String("component", "ws_hub")),
		validator: validator,
		clients:   make(map[*Client]bool),
	}
	sub, err := eventBus.Subscribe(">", h.onEvent)
	if err != nil {
		return nil, err
	}
	h.sub = sub
	return h, nil
}

// onEvent forwards one bus event to every eligible connection. The event tag
// becomes the message type in snake_case; the event data fields are inlined.
func (h *Hub) onEvent(_ context.Context, event *bus.Event) error {
	payload := make(map[string]any, len(event.Data)+1)
	for k, v := range event.Data {
		payload[k] = v
	}
	payload["type"] = eventType(event.Tag)

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	swarmScoped := strings.HasPrefix(string(event.Tag), "blackboard.")
	swarmID := event.String("swarm_id")

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.eligible(swarmScoped, swarmID) {
			continue
		}
		client.enqueue(data)
	}
	return nil
}

// register adds a connection to the fanout set.
func (h *Hub) register(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[client] = true
	h.logger.Debug("client connected", zap.String("client_id", client.id))
	return true
}

// unregister drops a connection. Its subscription set goes with it.
func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	h.logger.Debug("client disconnected", zap.String("client_id", client.id))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and stops the bus subscription.
func (h *Hub) Close() {
	if h.sub != nil {
		_ = h.sub.Unsubscribe()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

// eventType maps a bus tag onto the wire message type: "worker.spawned"
// becomes "worker_spawned".
func eventType(tag bus.Tag) string {
	return strings.ReplaceAll(string(tag), ".", "_")
}
