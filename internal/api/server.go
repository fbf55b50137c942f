// Package api exposes the receiver's command surface over HTTP: outbound
// sends, message mutations and a status endpoint. It is the only way into
// the live session from outside the process.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/addr"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/envelope"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/retrybuf"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/status"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/wa"
	"go.uber.org/zap"
)

// APIKeyHeader authenticates command requests.
const APIKeyHeader = "X-Api-Key"

// Commands is the outbound surface the handlers drive. Satisfied by
// *wa.Adapter; stubbed in tests.
type Commands interface {
	SendText(ctx context.Context, to addr.Address, text string, quote *wa.QuoteRef) (string, error)
	SendMedia(ctx context.Context, to addr.Address, kind envelope.Kind, data []byte, mimeType, caption string) (string, error)
	SendReaction(ctx context.Context, chat addr.Address, messageID, emoji string, fromMe bool) (string, error)
	RevokeMessage(ctx context.Context, chat addr.Address, messageID string) (string, error)
	EditMessage(ctx context.Context, chat addr.Address, messageID, newText string) (string, error)
	SendPoll(ctx context.Context, to addr.Address, question string, options []string, selectableCount int) (string, error)
	SendPollVote(ctx context.Context, chat addr.Address, pollMessageID string, optionNames []string) (string, error)
	Logout(ctx context.Context) error
	IsLoggedIn() bool
	Self() addr.Address
}

// SessionGuard gates commands on session readiness.
type SessionGuard interface {
	Guard() error
	State() status.State
}

// Server is the receiver's HTTP command server.
type Server struct {
	commands Commands
	guard    SessionGuard
	sent     *retrybuf.Buffer
	apiKey   string
	logger   *zap.Logger
	http     *http.Server
}

// NewServer builds the command server. sent holds the payloads of
// recently sent messages, recorded by the session adapter; the
// delete-message handler evicts revoked content from it.
func NewServer(listen, apiKey string, commands Commands, guard SessionGuard, sent *retrybuf.Buffer, logger *zap.Logger) *Server {
	s := &Server{
		commands: commands,
		guard:    guard,
		sent:     sent,
		apiKey:   apiKey,
		logger:   logger,
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
	r.Use(s.authenticate)

	r.Get("/status", s.handleStatus)
	r.Group(func(r chi.Router) {
		r.Use(s.requireOpen)
		r.Post("/send-message", s.handleSendMessage)
		r.Post("/send-reaction", s.handleSendReaction)
		r.Post("/delete-message", s.handleDeleteMessage)
		r.Post("/edit-message", s.handleEditMessage)
		r.Post("/send-poll-vote", s.handleSendPollVote)
		r.Post("/logout", s.handleLogout)
	})
	return r
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("command server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("command server failed", zap.Error(err))
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

// requireOpen rejects commands while the session cannot send. The caller
// owns retrying; nothing is queued here.
func (s *Server) requireOpen(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.guard.Guard(); err != nil {
			writeError(w, http.StatusServiceUnavailable, "session not connected")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type sendMessageRequest struct {
	Chat     string `json:"chat"`
	Body     string `json:"body,omitempty"`
	Media    string `json:"media,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
	Kind     string `json:"kind,omitempty"`

	QuotedExternalID string `json:"quoted_external_id,omitempty"`
	QuotedSender     string `json:"quoted_sender,omitempty"`
	QuotedBody       string `json:"quoted_body,omitempty"`

	Poll *struct {
		Question        string   `json:"question"`
		Options         []string `json:"options"`
		SelectableCount int      `json:"selectable_count,omitempty"`
	} `json:"poll,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	chat, err := addr.Normalize(req.Chat)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chat address")
		return
	}

	var externalID string
	switch {
	case req.Poll != nil:
		if req.Poll.Question == "" || len(req.Poll.Options) < 2 {
			writeError(w, http.StatusBadRequest, "poll needs a question and at least two options")
			return
		}
		count := req.Poll.SelectableCount
		if count < 1 {
			count = 1
		}
		externalID, err = s.commands.SendPoll(r.Context(), chat, req.Poll.Question, req.Poll.Options, count)

	case req.Media != "":
		data, derr := base64.StdEncoding.DecodeString(req.Media)
		if derr != nil {
			writeError(w, http.StatusBadRequest, "media is not valid base64")
			return
		}
		kind := envelope.Kind(req.Kind)
		if !kind.IsMedia() {
			kind = kindFromMime(req.MimeType)
		}
		externalID, err = s.commands.SendMedia(r.Context(), chat, kind, data, req.MimeType, req.Body)

	case req.Body != "":
		var quote *wa.QuoteRef
		if req.QuotedExternalID != "" {
			quote = &wa.QuoteRef{
				ExternalID: req.QuotedExternalID,
				Sender:     req.QuotedSender,
				Body:       req.QuotedBody,
			}
		}
		externalID, err = s.commands.SendText(r.Context(), chat, req.Body, quote)

	default:
		writeError(w, http.StatusBadRequest, "nothing to send")
		return
	}
	if err != nil {
		s.logger.Error("send failed", zap.String("chat", chat.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "send failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "external_id": externalID})
}

type reactionRequest struct {
	Chat       string `json:"chat"`
	ExternalID string `json:"external_id"`
	Emoji      string `json:"emoji"`
	FromMe     bool   `json:"from_me,omitempty"`
}

func (s *Server) handleSendReaction(w http.ResponseWriter, r *http.Request) {
	var req reactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ExternalID == "" {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	chat, err := addr.Normalize(req.Chat)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chat address")
		return
	}
	id, err := s.commands.SendReaction(r.Context(), chat, req.ExternalID, req.Emoji, req.FromMe)
	if err != nil {
		s.logger.Error("reaction failed", zap.String("chat", chat.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "send failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "external_id": id})
}

type targetRequest struct {
	Chat       string `json:"chat"`
	ExternalID string `json:"external_id"`
	Body       string `json:"body,omitempty"`
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ExternalID == "" {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	chat, err := addr.Normalize(req.Chat)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chat address")
		return
	}
	id, err := s.commands.RevokeMessage(r.Context(), chat, req.ExternalID)
	if err != nil {
		s.logger.Error("revoke failed", zap.String("chat", chat.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "send failed")
		return
	}
	s.sent.Delete(req.ExternalID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "external_id": id})
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ExternalID == "" || req.Body == "" {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	chat, err := addr.Normalize(req.Chat)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chat address")
		return
	}
	id, err := s.commands.EditMessage(r.Context(), chat, req.ExternalID, req.Body)
	if err != nil {
		s.logger.Error("edit failed", zap.String("chat", chat.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "send failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "external_id": id})
}

type pollVoteRequest struct {
	Chat           string   `json:"chat"`
	PollExternalID string   `json:"poll_external_id"`
	OptionNames    []string `json:"option_names"`
}

func (s *Server) handleSendPollVote(w http.ResponseWriter, r *http.Request) {
	var req pollVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PollExternalID == "" {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	chat, err := addr.Normalize(req.Chat)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chat address")
		return
	}
	id, err := s.commands.SendPollVote(r.Context(), chat, req.PollExternalID, req.OptionNames)
	if err != nil {
		s.logger.Error("poll vote failed", zap.String("chat", chat.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "send failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "external_id": id})
}

// handleLogout unpairs the session. Credentials are invalidated on the
// server side and the connection closes with a logged-out event, which
// drives the session machine to its terminal state.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.commands.Logout(r.Context()); err != nil {
		s.logger.Error("logout failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := s.guard.State()
	self := ""
	if s.commands.IsLoggedIn() {
		self = s.commands.Self().String()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": string(state),
		"whatsapp": map[string]any{
			"initialized": s.commands.IsLoggedIn(),
			"connected":   state == status.Open,
			"user":        self,
		},
	})
}

func kindFromMime(mime string) envelope.Kind {
	switch {
	case len(mime) >= 6 && mime[:6] == "image/":
		return envelope.KindImage
	case len(mime) >= 6 && mime[:6] == "video/":
		return envelope.KindVideo
	case len(mime) >= 6 && mime[:6] == "audio/":
		return envelope.KindAudio
	default:
		return envelope.KindDocument
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"status": "error", "error": msg})
}
