// Package push fans store-change events out to connected UI clients over
// websockets. It is push-only: clients act through the HTTP API, the
// socket carries notifications.
package push

import (
	"context"
	"encoding/json"
	"time"

	"github.com/niklas-mlrr/whatsapp-bridge/internal/bus"
	"go.uber.org/zap"
)

// Frame is the JSON shape of one pushed notification.
type Frame struct {
	Kind      string `json:"kind"`
	Timestamp int64  `json:"ts"`
	Payload   any    `json:"payload,omitempty"`
}

// Hub routes store-change events to every connected client. The run loop
// is the only goroutine touching the client set.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	bus        *bus.Bus
	logger     *zap.Logger
	cancel     context.CancelFunc
}

// NewHub creates a hub fed by the given bus.
func NewHub(b *bus.Bus, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		bus:        b,
		logger:     logger,
	}
}

// Start launches the run loop and the bus bridge.
func (h *Hub) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	go h.run(ctx)
	go h.bridge(ctx)
}

// Stop terminates the run loop. Connected clients are closed as their
// pumps notice the dead channels.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *Hub) run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.logger.Debug("push client connected", zap.Int("clients", len(h.clients)))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow consumer; drop the connection, not the event.
					close(client.send)
					delete(h.clients, client)
				}
			}

		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return
		}
	}
}

// bridge subscribes to message and chat events and republishes them as
// JSON frames.
func (h *Hub) bridge(ctx context.Context) {
	messages, unsubMessages := h.bus.Subscribe("message.", 128)
	chats, unsubChats := h.bus.Subscribe("chat.", 128)
	defer unsubMessages()
	defer unsubChats()

	for {
		select {
		case evt := <-messages:
			h.forward(evt)
		case evt := <-chats:
			h.forward(evt)
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) forward(evt bus.Event) {
	frame, err := json.Marshal(Frame{
		Kind:      evt.Kind,
		Timestamp: evt.Timestamp.UnixMilli(),
		Payload:   evt.Payload,
	})
	if err != nil {
		h.logger.Warn("unencodable push frame", zap.String("kind", evt.Kind), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- frame:
	default:
		h.logger.Warn("push broadcast backlog full, frame dropped", zap.String("kind", evt.Kind))
	}
}

// Broadcast injects a frame directly, bypassing the bus. Used for
// connection-level notices.
func (h *Hub) Broadcast(kind string, payload any) {
	h.forward(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
