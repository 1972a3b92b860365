package service

import (
	"time"

	"fieldsync/internal/metrics"
	"fieldsync/pkg/logger"
)

// StatusEvent is what stream clients receive: either a status snapshot
// or a heartbeat ping that keeps the SSE connection alive.
type StatusEvent struct {
	Type   string `json:"type"`
	Status Status `json:"status"`
}

const (
	EventStatus = "status"
	EventPing   = "ping"
)

// Client is one subscribed status-stream consumer.
type Client struct {
	Send chan StatusEvent
}

// Hub fans status transitions out to every connected stream client. A
// client that cannot keep up is disconnected rather than allowed to
// block the broadcast.
type Hub struct {
	clients    map[*Client]bool
	Broadcast  chan StatusEvent
	Register   chan *Client
	Unregister chan *Client

	observer  metrics.Observer
	heartbeat time.Duration
}

func NewHub(observer metrics.Observer, heartbeat time.Duration) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		Broadcast:  make(chan StatusEvent, 16),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		observer:   observer,
		heartbeat:  heartbeat,
	}
}

func (h *Hub) Run() {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case client := <-h.Register:
			h.clients[client] = true
			h.observer.IncStreamClients()

		case client := <-h.Unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
				h.observer.DecStreamClients()
			}

		case event := <-h.Broadcast:
			for client := range h.clients {
				select {
				case client.Send <- event:
					h.observer.RecordPush()
				default:
					logger.Warn("stream client lagging, disconnecting")
					close(client.Send)
					delete(h.clients, client)
					h.observer.DecStreamClients()
				}
			}

		case <-ticker.C:
			ping := StatusEvent{Type: EventPing}
			for client := range h.clients {
				select {
				case client.Send <- ping:
				default:
				}
			}
		}
	}
}
