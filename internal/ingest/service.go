// Package ingest applies normalized envelopes to the durable store. Each
// envelope is processed exactly once per external id; everything it
// touches (chat, contact, message, tallies) is resolved and written in
// one transaction.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/niklas-mlrr/whatsapp-bridge/internal/bus"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/envelope"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/store"
	"go.uber.org/zap"
)

const (
	// maxAttempts bounds how often a failing envelope is retried before
	// it is dropped with a critical log.
	maxAttempts = 3
	// baseRetryDelay doubles per attempt, capped at maxRetryDelay.
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
)

// Service ingests envelopes into the store. Envelopes for the same chat
// are serialized; different chats proceed concurrently.
type Service struct {
	db       *store.DB
	mediaDir string
	bus      *bus.Bus
	logger   *zap.Logger
	profiles ProfileFetcher

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	sleep func(time.Duration)
}

// New creates an ingestion service writing media files under mediaDir.
func New(db *store.DB, mediaDir string, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:       db,
		mediaDir: mediaDir,
		bus:      b,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
		sleep:    time.Sleep,
	}
}

// chatLock returns the mutex serializing one chat's envelopes. Locks are
// never released from the map; the set of active chats is small.
func (s *Service) chatLock(chatAddress string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[chatAddress]
	if !ok {
		l = &sync.Mutex{}
		s.locks[chatAddress] = l
	}
	return l
}

// Ingest validates and applies one envelope, retrying transient store
// failures. A permanently failing envelope is logged and dropped, never
// requeued: the external id stays in the log for manual replay.
func (s *Service) Ingest(ctx context.Context, env *envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}

	l := s.chatLock(env.ChatAddress)
	l.Lock()
	defer l.Unlock()

	delay := baseRetryDelay
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := s.apply(ctx, env)
		if err == nil {
			return nil
		}
		lastErr = err
		s.logger.Warn("ingest attempt failed",
			zap.String("external_id", env.ExternalID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == maxAttempts {
			break
		}
		s.sleep(delay)
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
	s.logger.Error("envelope dropped after retries",
		zap.String("external_id", env.ExternalID),
		zap.String("kind", string(env.Kind)),
		zap.Error(lastErr))
	return fmt.Errorf("ingest %s: %w", env.ExternalID, lastErr)
}

// stagedEvent is a bus publication recorded during the transaction and
// emitted only after commit, so subscribers never observe state that a
// rollback takes away.
type stagedEvent struct {
	kind    string
	payload any
}

// txWork bundles one envelope's transactional state: the statement set
// bound to the open transaction and the events staged for publication.
type txWork struct {
	q      *store.Queries
	events []stagedEvent
}

func (w *txWork) stage(kind string, payload any) {
	w.events = append(w.events, stagedEvent{kind: kind, payload: payload})
}

// apply writes one envelope's mutations inside a single transaction. A
// failed attempt rolls back completely, so the retry in Ingest starts
// from a clean slate instead of finding half-applied state.
func (s *Service) apply(ctx context.Context, env *envelope.Envelope) error {
	// Duplicate check up front so redelivered envelopes cost one lookup.
	if _, err := s.db.GetMessageByExternalID(env.ExternalID); err == nil {
		s.logger.Debug("duplicate envelope ignored", zap.String("external_id", env.ExternalID))
		return nil
	} else if err != store.ErrNotFound {
		return err
	}

	// The media file is written before the transaction opens; the message
	// row is what makes it reachable, so a rollback leaves at worst an
	// orphan file, never a row pointing at a missing file.
	var media savedMedia
	if env.Kind.IsMedia() && env.MediaPayload != "" {
		path, width, height, err := s.saveMedia(env)
		if err != nil {
			// The message is still worth keeping without its file.
			s.logger.Warn("media save failed",
				zap.String("external_id", env.ExternalID), zap.Error(err))
		} else {
			media = savedMedia{path: path, width: width, height: height}
		}
	}

	w := &txWork{}
	var fetchContact *store.Contact
	err := s.db.InTx(func(q *store.Queries) error {
		w.q = q
		w.events = w.events[:0]
		fetchContact = nil

		chat, err := s.resolveChat(w, env)
		if err != nil {
			return fmt.Errorf("resolve chat: %w", err)
		}

		var senderID int64
		if !env.FromMe {
			contact, err := s.resolveContact(w, env)
			if err != nil {
				return fmt.Errorf("resolve contact: %w", err)
			}
			senderID = contact.ID
			fetchContact = contact
		}

		switch env.Kind {
		case envelope.KindReaction:
			return s.applyReaction(w, env, chat)
		case envelope.KindPollVote:
			return s.applyVote(w, env)
		case envelope.KindEdit:
			return s.applyEdit(w, env, chat)
		case envelope.KindDelete:
			return s.applyDelete(w, env, chat)
		default:
			return s.applyNewMessage(w, env, chat, senderID, media)
		}
	})
	if err != nil {
		return err
	}

	s.refreshProfile(ctx, fetchContact)
	for _, ev := range w.events {
		s.publish(ev.kind, ev.payload)
	}
	return nil
}

type savedMedia struct {
	path          string
	width, height int
}

func (s *Service) applyNewMessage(w *txWork, env *envelope.Envelope, chat *store.Chat, senderID int64, media savedMedia) error {
	msg := &store.Message{
		ExternalID:        env.ExternalID,
		ChatID:            chat.ID,
		SenderID:          senderID,
		Kind:              string(env.Kind),
		Body:              env.Body,
		MimeType:          env.MimeType,
		MediaPath:         media.path,
		MediaWidth:        media.width,
		MediaHeight:       media.height,
		FromMe:            env.FromMe,
		SentAt:            env.SentAt,
		ReplyToExternalID: env.QuotedExternalID,
	}
	if env.FromMe {
		msg.Status = "sent"
	}

	if env.Kind == envelope.KindPoll {
		if err := seedPoll(msg, env.Poll); err != nil {
			return err
		}
	}

	created, err := w.q.InsertMessage(msg)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	if err := w.q.TouchChatLastMessage(chat.ID, env.SentAt, preview(env), !env.FromMe); err != nil {
		return err
	}

	w.stage("message.created", map[string]any{
		"chat_id":     chat.ID,
		"message_id":  msg.ID,
		"external_id": env.ExternalID,
		"kind":        string(env.Kind),
	})
	return nil
}

func (s *Service) applyEdit(w *txWork, env *envelope.Envelope, chat *store.Chat) error {
	target, err := w.q.GetMessageByExternalID(env.TargetExternalID)
	if err == store.ErrNotFound {
		// The edited original was never ingested; nothing to amend.
		s.logger.Info("edit for unknown message dropped",
			zap.String("target", env.TargetExternalID))
		return nil
	}
	if err != nil {
		return err
	}
	if err := w.q.UpdateMessageBody(target.ID, env.Body, env.SentAt); err != nil {
		return err
	}
	w.stage("message.updated", map[string]any{
		"chat_id":    chat.ID,
		"message_id": target.ID,
	})
	return nil
}

func (s *Service) applyDelete(w *txWork, env *envelope.Envelope, chat *store.Chat) error {
	target, err := w.q.GetMessageByExternalID(env.TargetExternalID)
	if err == store.ErrNotFound {
		s.logger.Info("delete for unknown message dropped",
			zap.String("target", env.TargetExternalID))
		return nil
	}
	if err != nil {
		return err
	}
	if err := w.q.MarkMessageDeleted(target.ID, env.SentAt); err != nil {
		return err
	}
	w.stage("message.deleted", map[string]any{
		"chat_id":    chat.ID,
		"message_id": target.ID,
	})
	return nil
}

func (s *Service) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// preview renders the one-line chat list preview for an envelope.
func preview(env *envelope.Envelope) string {
	if env.Body != "" {
		return env.Body
	}
	switch env.Kind {
	case envelope.KindImage:
		return "[image]"
	case envelope.KindVideo:
		return "[video]"
	case envelope.KindAudio:
		return "[audio]"
	case envelope.KindDocument:
		return "[document]"
	case envelope.KindLocation:
		return "[location]"
	case envelope.KindContact:
		return "[contact]"
	case envelope.KindPoll:
		return "[poll]"
	}
	return ""
}
