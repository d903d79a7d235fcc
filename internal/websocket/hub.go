package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukerupert/nightwatch/internal/booking"
)

// Message is a realtime change notification.
type Message struct {
	Type   string         `json:"type"`
	Entity string         `json:"entity"`
	Action string         `json:"action"`
	ID     int64          `json:"id,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// NewMessage creates a Message with the Type field derived from entity and action.
func NewMessage(entity, action string, id int64, extra map[string]any) Message {
	return Message{
		Type:   fmt.Sprintf("%s_%s", entity, action),
		Entity: entity,
		Action: action,
		ID:     id,
		Extra:  extra,
	}
}

// Hub maintains the set of active clients and fans messages out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(msg Message) {
	h.deliver(msg, func(*Client) bool { return true })
}

// SendTo sends a message to every connection of one user.
func (h *Hub) SendTo(userID int64, msg Message) {
	h.deliver(msg, func(c *Client) bool { return c.userID == userID })
}

func (h *Hub) deliver(msg Message, match func(*Client) bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !match(c) {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Slow client: drop rather than block the publisher.
			h.logger.Debug("websocket buffer full, dropping message", "user_id", c.userID, "type", msg.Type)
		}
	}
}

// OnBookingEvent publishes a committed booking change. Everyone sees the
// slot change; a points change also refreshes the leaderboard and the
// owner's own stats.
func (h *Hub) OnBookingEvent(ev booking.Event) {
	h.Broadcast(NewMessage("booking", ev.Action, ev.BookingID, map[string]any{"user_id": ev.UserID}))
	if ev.PointsChanged {
		h.Broadcast(NewMessage("leaderboard", "changed", 0, nil))
		h.SendTo(ev.UserID, NewMessage("stats", "changed", ev.UserID, nil))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
