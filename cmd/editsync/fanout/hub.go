package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/openrepo/editsync/common/logger"
)

// ErrHubStopped is returned when sending after Run has returned
var ErrHubStopped = errors.New("fanout hub stopped")

// Envelope types sent to websocket clients
const (
	TypeSnapshot     = "snapshot"
	TypeNotification = "notification"
)

// Envelope is one frame sent to a websocket client
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub maintains active WebSocket connections per resource URL and broadcasts messages
type Hub struct {
	// Map: resource URL → []*Client
	connections map[string][]*Client
	mutex       sync.RWMutex

	// Channel for registering clients
	register chan *Client

	// Channel for unregistering clients
	unregister chan *Client

	// Channel for broadcasting messages
	broadcast chan *Message

	// Closed when Run returns
	done chan struct{}

	log *logger.Logger
}

// Message is a frame for every client of a resource, or for one client when Client is set
type Message struct {
	ResourceURL string
	Data        []byte
	Client      *Client
}

// NewHub creates a new Hub instance
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		connections: make(map[string][]*Client),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Message, 256),
		done:        make(chan struct{}),
		log:         log,
	}
}

// Run starts the hub's main loop until ctx is done, then closes every client
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("fanout hub started")

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			h.log.Info("fanout hub stopped")
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case message := <-h.broadcast:
			h.deliver(message)
		}
	}
}

// Broadcast encodes v in an envelope and queues it for every client of resourceURL
func (h *Hub) Broadcast(resourceURL, kind string, v any) error {
	data, err := json.Marshal(Envelope{Type: kind, Data: v})
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	return h.enqueue(&Message{ResourceURL: resourceURL, Data: data})
}

func (h *Hub) enqueue(message *Message) error {
	select {
	case h.broadcast <- message:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// registerClient adds a client to the hub
func (h *Hub) registerClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.connections[client.resourceURL] = append(h.connections[client.resourceURL], client)
	h.log.Debug("client registered",
		"resource_url", client.resourceURL,
		"total_for_resource", len(h.connections[client.resourceURL]))
}

// unregisterClient removes a client from the hub
func (h *Hub) unregisterClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.remove(client)
}

// remove drops client and closes its send channel once. Caller holds the write lock.
func (h *Hub) remove(client *Client) {
	clients := h.connections[client.resourceURL]
	for i, c := range clients {
		if c != client {
			continue
		}
		h.connections[client.resourceURL] = append(clients[:i:i], clients[i+1:]...)
		close(client.send)

		// If no more clients for this resource, remove the map entry
		if len(h.connections[client.resourceURL]) == 0 {
			delete(h.connections, client.resourceURL)
		}
		h.log.Debug("client unregistered",
			"resource_url", client.resourceURL,
			"remaining_for_resource", len(h.connections[client.resourceURL]))
		return
	}
}

// deliver sends a message to its target clients. A client whose buffer is full is dropped.
func (h *Hub) deliver(message *Message) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	targets := h.connections[message.ResourceURL]
	if message.Client != nil {
		targets = nil
		for _, c := range h.connections[message.Client.resourceURL] {
			if c == message.Client {
				targets = []*Client{c}
				break
			}
		}
	}

	var slow []*Client
	for _, client := range targets {
		select {
		case client.send <- message.Data:
		default:
			slow = append(slow, client)
		}
	}
	for _, client := range slow {
		h.log.Warn("client send buffer full, closing connection", "resource_url", client.resourceURL)
		h.remove(client)
	}
}

func (h *Hub) closeAll() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for url, clients := range h.connections {
		for _, c := range clients {
			close(c.send)
		}
		delete(h.connections, url)
	}
}

// GetConnectionCount returns the total number of active connections
func (h *Hub) GetConnectionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	count := 0
	for _, clients := range h.connections {
		count += len(clients)
	}
	return count
}

// GetResourceCount returns the number of resources with at least one connection
func (h *Hub) GetResourceCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return len(h.connections)
}
