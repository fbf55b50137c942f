// Package backend hosts the durable half of the bridge: it accepts
// normalized envelopes over the webhook boundary, persists them through
// the ingestion service, serves the stored data to UI clients and relays
// outbound commands to the receiver.
package backend

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/envelope"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/ingest"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/push"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/store"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/webhook"
	"go.uber.org/zap"
)

// APIKeyHeader authenticates UI requests.
const APIKeyHeader = "X-Api-Key"

// Server is the backend HTTP server.
type Server struct {
	db     *store.DB
	ingest *ingest.Service
	hub    *push.Hub
	relay  *Relay
	secret string
	apiKey string
	logger *zap.Logger
	http   *http.Server
}

// NewServer wires the backend surface. relay may be nil when no receiver
// is configured; outbound endpoints then answer 502.
func NewServer(listen, secret, apiKey string, db *store.DB, svc *ingest.Service, hub *push.Hub, relay *Relay, logger *zap.Logger) *Server {
	s := &Server{
		db:     db,
		ingest: svc,
		hub:    hub,
		relay:  relay,
		secret: secret,
		apiKey: apiKey,
		logger: logger,
	}
	s.http = &http.Server{
		Addr:              listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// The webhook boundary authenticates with the shared secret, not the
	// UI api key.
	r.Post("/webhook", s.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/ws", s.hub.ServeWS)

		r.Get("/chats", s.handleListChats)
		r.Get("/chats/{id}/messages", s.handleListMessages)
		r.Post("/chats/{id}/read", s.chatFlagHandler(s.db.MarkChatRead))
		r.Post("/chats/{id}/approve", s.chatFlagHandler(s.db.ApproveChat))
		r.Post("/chats/{id}/archive", s.chatToggleHandler(s.db.SetChatArchived))
		r.Post("/chats/{id}/mute", s.chatToggleHandler(s.db.SetChatMuted))

		// Outbound commands pass through to the receiver unchanged.
		r.Post("/send-message", s.relayHandler("/send-message"))
		r.Post("/send-reaction", s.relayHandler("/send-reaction"))
		r.Post("/delete-message", s.relayHandler("/delete-message"))
		r.Post("/edit-message", s.relayHandler("/edit-message"))
		r.Post("/send-poll-vote", s.relayHandler("/send-poll-vote"))
		r.Get("/receiver-status", s.handleReceiverStatus)
	})
	return r
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("backend server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("backend server failed", zap.Error(err))
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(APIKeyHeader)
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get(webhook.SecretHeader)
	if subtle.ConstantTimeCompare([]byte(secret), []byte(s.secret)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	}

	var env envelope.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "malformed envelope")
		return
	}
	if err := env.Validate(); err != nil {
		// Structural failures are permanent; 400 tells the sender not to
		// retry.
		s.logger.Warn("invalid envelope rejected", zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.ingest.Ingest(r.Context(), &env); err != nil {
		s.logger.Error("ingestion failed", zap.String("external_id", env.ExternalID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "ingestion failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.db.ListChats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list chats failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	chatID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chat id")
		return
	}
	before, _ := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	messages, err := s.db.ListMessages(chatID, before, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list messages failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// chatFlagHandler adapts single-argument chat mutations.
func (s *Server) chatFlagHandler(mutate func(int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chatID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid chat id")
			return
		}
		if _, err := s.db.GetChat(chatID); err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, "no such chat")
			return
		} else if err != nil {
			writeError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		if err := mutate(chatID); err != nil {
			writeError(w, http.StatusInternalServerError, "update failed")
			return
		}
		s.hub.Broadcast("chat.updated", map[string]any{"chat_id": chatID})
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// chatToggleHandler adapts boolean chat mutations; the value comes from
// the request body ({"value": true}) and defaults to true.
func (s *Server) chatToggleHandler(mutate func(int64, bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chatID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid chat id")
			return
		}
		body := struct {
			Value *bool `json:"value"`
		}{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		value := true
		if body.Value != nil {
			value = *body.Value
		}
		if _, err := s.db.GetChat(chatID); err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, "no such chat")
			return
		} else if err != nil {
			writeError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		if err := mutate(chatID, value); err != nil {
			writeError(w, http.StatusInternalServerError, "update failed")
			return
		}
		s.hub.Broadcast("chat.updated", map[string]any{"chat_id": chatID})
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) relayHandler(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.relay == nil {
			writeError(w, http.StatusBadGateway, "no receiver configured")
			return
		}
		s.relay.Forward(w, r, path)
	}
}

func (s *Server) handleReceiverStatus(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		writeError(w, http.StatusBadGateway, "no receiver configured")
		return
	}
	s.relay.ForwardGet(w, r, "/status")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"status": "error", "error": msg})
}
