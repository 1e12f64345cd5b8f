package server

import (
	"sync"

	"github.com/codebox-cloud/codebox/internal/logger"
)

// Hub maintains per-sandbox sets of active clients and broadcasts
// messages to all clients attached to a sandbox.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]bool
	log     *logger.Logger
}

// NewHub creates a new hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]bool),
		log:     logger.Global().WithPrefix("hub"),
	}
}

// Register adds a client to its sandbox's subscriber set.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.clients[client.SandboxID]
	if !ok {
		set = make(map[*Client]bool)
		h.clients[client.SandboxID] = set
	}
	set[client] = true
	h.log.Debug("Client registered: %s (sandbox %s)", client.ID, client.SandboxID)
}

// Unregister removes a client. The client's send channel is closed
// here so the write pump drains and exits.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.clients[client.SandboxID]
	if !ok {
		return
	}
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	client.closeSend()
	if len(set) == 0 {
		delete(h.clients, client.SandboxID)
	}
	h.log.Debug("Client unregistered: %s (sandbox %s)", client.ID, client.SandboxID)
}

// Broadcast sends a message to every client attached to the sandbox.
// Clients with a full send buffer are skipped; terminal output is a
// live stream and a stalled client must not block the others.
func (h *Hub) Broadcast(sandboxID string, message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[sandboxID] {
		client.Send(message)
	}
}

// Each calls fn for every client attached to the sandbox.
func (h *Hub) Each(sandboxID string, fn func(*Client)) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients[sandboxID]))
	for client := range h.clients[sandboxID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		fn(client)
	}
}

// ClientCount returns the number of connected clients across all
// sandboxes.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, set := range h.clients {
		total += len(set)
	}
	return total
}
