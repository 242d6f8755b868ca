package realtime

import (
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Hub maintains the set of connected downstream clients and fans every relay
// event out to all of them. Membership changes and broadcasts are serialized
// through the run loop, so an in-progress broadcast never races a join or
// leave.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan Event

	clientCount atomic.Int64

	mirror *Mirror
	logger zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Event, 256),
		logger:     logger,
	}
}

// SetMirror attaches an optional NATS mirror. Must be called before Run.
func (h *Hub) SetMirror(m *Mirror) {
	h.mirror = m
}

// Register adds a client to the registry.
func (h *Hub) Register(c *Client) {
	h.register <- c
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.unregister <- c
}

// Broadcast queues an event for delivery to every connected client, in the
// order received.
func (h *Hub) Broadcast(ev Event) {
	h.broadcast <- ev
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	return int(h.clientCount.Load())
}

// Run starts the hub's main event loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.clientCount.Store(int64(len(h.clients)))
			h.logger.Info().
				Str("clientId", client.id).
				Int("total", len(h.clients)).
				Msg("Relay client registered")

		case client := <-h.unregister:
			h.drop(client)

		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	h.clientCount.Store(int64(len(h.clients)))
	h.logger.Info().
		Str("clientId", client.id).
		Int("total", len(h.clients)).
		Msg("Relay client unregistered")
}

// deliver pushes the event onto every client's send queue. A client whose
// queue is full is dropped on the spot so one stalled consumer cannot hold
// up the rest.
func (h *Hub) deliver(ev Event) {
	for client := range h.clients {
		select {
		case client.send <- ev:
		default:
			h.logger.Warn().
				Str("clientId", client.id).
				Msg("Relay client send buffer full, dropping client")
			h.drop(client)
		}
	}
	if h.mirror != nil {
		h.mirror.Publish(ev)
	}
}
