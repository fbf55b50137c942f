package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/niklas-mlrr/whatsapp-bridge/internal/envelope"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/store"
	"go.uber.org/zap"
)

// applyReaction updates the target message's reaction map. Each sender
// holds at most one reaction; an empty emoji removes theirs.
func (s *Service) applyReaction(w *txWork, env *envelope.Envelope, chat *store.Chat) error {
	target, err := w.q.GetMessageByExternalID(env.TargetExternalID)
	if err == store.ErrNotFound {
		s.logger.Info("reaction for unknown message dropped",
			zap.String("target", env.TargetExternalID))
		return nil
	}
	if err != nil {
		return err
	}

	reactions := map[string]string{}
	if target.Reactions != "" {
		if jerr := json.Unmarshal([]byte(target.Reactions), &reactions); jerr != nil {
			return fmt.Errorf("decode reactions of %s: %w", target.ExternalID, jerr)
		}
	}

	if env.Emoji == "" {
		delete(reactions, env.SenderAddress)
	} else {
		reactions[env.SenderAddress] = env.Emoji
	}

	encoded, err := json.Marshal(reactions)
	if err != nil {
		return err
	}
	if err := w.q.SetMessageReactions(target.ID, string(encoded)); err != nil {
		return err
	}
	w.stage("message.updated", map[string]any{
		"chat_id":    chat.ID,
		"message_id": target.ID,
	})
	return nil
}
