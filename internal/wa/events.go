package wa

import (
	"context"
	"time"

	"github.com/niklas-mlrr/whatsapp-bridge/internal/bus"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/normalize"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// EventHandler translates whatsmeow events into session manager
// transitions and canonical envelopes. Envelopes go onto the bus as
// "wa.envelope"; the webhook sender subscribes independently.
type EventHandler struct {
	adapter    *Adapter
	manager    *Manager
	normalizer *normalize.Normalizer
	bus        *bus.Bus
	logger     *zap.Logger
}

// NewEventHandler creates the event handler.
func NewEventHandler(adapter *Adapter, manager *Manager, normalizer *normalize.Normalizer, b *bus.Bus, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		adapter:    adapter,
		manager:    manager,
		normalizer: normalizer,
		bus:        b,
		logger:     logger,
	}
}

// Handle is the whatsmeow event handler function.
func (h *EventHandler) Handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		h.handleMessage(evt)
	case *events.Connected:
		h.manager.HandleConnected()
	case *events.OfflineSyncCompleted:
		h.manager.HandleSynced()
	case *events.HistorySync:
		h.handleHistorySync(evt)
		h.manager.HandleSynced()
	case *events.UndecryptableMessage:
		h.handleUndecryptable(evt)
	case *events.Disconnected:
		h.manager.HandleClose(CloseTransient)
	case *events.StreamReplaced:
		h.manager.HandleClose(CloseConflict)
	case *events.LoggedOut:
		h.logger.Warn("logged out by server", zap.String("reason", evt.Reason.String()))
		h.manager.HandleClose(CloseLoggedOut)
	}
}

func (h *EventHandler) handleMessage(evt *events.Message) {
	// A live message while still syncing means the initial sync is
	// effectively done.
	h.manager.HandleSynced()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	env, err := h.normalizer.Normalize(ctx, evt)
	if err != nil {
		h.logger.Info("event dropped",
			zap.String("external_id", evt.Info.ID),
			zap.String("chat", evt.Info.Chat.String()),
			zap.Error(err))
		return
	}

	h.bus.Publish(bus.Event{
		Kind:      "wa.envelope",
		Timestamp: time.Now(),
		Payload:   env,
	})
}

// handleUndecryptable asks for a redelivery of group messages that could
// not be decrypted; direct chats retry through the protocol on their own.
func (h *EventHandler) handleUndecryptable(evt *events.UndecryptableMessage) {
	h.logger.Warn("undecryptable message",
		zap.String("external_id", evt.Info.ID),
		zap.String("chat", evt.Info.Chat.String()))
	if evt.Info.Chat.Server != types.GroupServer {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := h.adapter.RequestRedelivery(ctx, evt.Info); err != nil {
		h.logger.Warn("redelivery request failed",
			zap.String("external_id", evt.Info.ID), zap.Error(err))
	}
}

func (h *EventHandler) handleHistorySync(evt *events.HistorySync) {
	data := evt.Data
	if data == nil {
		return
	}

	count := 0
	for _, conv := range data.GetConversations() {
		chatJID := conv.GetID()
		for _, hm := range conv.GetMessages() {
			wmsg := hm.GetMessage()
			if wmsg == nil {
				continue
			}
			parsed, err := h.adapter.Client().ParseWebMessage(jidOrZero(chatJID), wmsg)
			if err != nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			env, nerr := h.normalizer.Normalize(ctx, parsed)
			cancel()
			if nerr != nil {
				continue
			}
			h.bus.Publish(bus.Event{
				Kind:      "wa.envelope",
				Timestamp: time.Now(),
				Payload:   env,
			})
			count++
		}
	}

	if count > 0 {
		h.logger.Info("history sync forwarded", zap.Int("messages", count))
	}
}
