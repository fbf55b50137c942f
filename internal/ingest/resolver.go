package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/niklas-mlrr/whatsapp-bridge/internal/addr"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/envelope"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/store"
	"go.uber.org/zap"
)

// ProfileFetcher optionally refreshes contact profiles on demand. Nil
// disables refreshing; envelopes already carry opportunistic profile data.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, address string) (avatarURL, bio string, err error)
}

// SetProfileFetcher installs an on-demand profile source.
func (s *Service) SetProfileFetcher(f ProfileFetcher) {
	s.profiles = f
}

// resolveChat finds or creates the chat an envelope belongs to. Direct
// chats are matched on the digits-only peer id so a peer that appears
// under different domain suffixes keeps one chat. Group chats are matched
// on the full address. A chat created by an unsolicited inbound message
// starts pending approval.
func (s *Service) resolveChat(w *txWork, env *envelope.Envelope) (*store.Chat, error) {
	a, err := addr.Normalize(env.ChatAddress)
	if err != nil {
		return nil, err
	}

	if a.IsGroup() {
		chat, err := w.q.FindGroupChat(a.String())
		if err == store.ErrNotFound {
			chat = &store.Chat{
				Address:         a.String(),
				IsGroup:         true,
				PendingApproval: !env.FromMe,
			}
			if env.GroupMeta != nil {
				chat.Name = env.GroupMeta.Name
			}
			if cerr := w.q.CreateChat(chat); cerr != nil {
				return nil, cerr
			}
			w.stage("chat.created", map[string]any{"chat_id": chat.ID, "address": chat.Address})
		} else if err != nil {
			return nil, err
		}
		if env.GroupMeta != nil {
			if uerr := w.q.UpdateChatProfile(chat.ID, env.GroupMeta.Name, env.GroupMeta.Topic,
				env.GroupMeta.AvatarURL, encodeParticipants(env.GroupMeta.Participants)); uerr != nil {
				s.logger.Warn("group profile update failed",
					zap.Int64("chat_id", chat.ID), zap.Error(uerr))
			}
		}
		return chat, nil
	}

	chat, err := w.q.FindDirectChatByDigits(a.Digits())
	if err == store.ErrNotFound {
		chat = &store.Chat{
			Address:         a.String(),
			AddrDigits:      a.Digits(),
			Name:            env.SenderName,
			PendingApproval: !env.FromMe,
		}
		if err := w.q.CreateChat(chat); err != nil {
			return nil, err
		}
		w.stage("chat.created", map[string]any{"chat_id": chat.ID, "address": chat.Address})
		return chat, nil
	}
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// encodeParticipants renders the member list as the JSON stored in the
// chats row, or "" when the envelope carried none so known members are
// not erased.
func encodeParticipants(participants []string) string {
	if len(participants) == 0 {
		return ""
	}
	encoded, err := json.Marshal(participants)
	if err != nil {
		return ""
	}
	return string(encoded)
}

// resolveContact finds or creates the sender's contact row, folding in
// whatever profile data the envelope carries.
func (s *Service) resolveContact(w *txWork, env *envelope.Envelope) (*store.Contact, error) {
	a, err := addr.Normalize(env.SenderAddress)
	if err != nil {
		return nil, err
	}

	contact, err := w.q.FindContact(a.String())
	if err == store.ErrNotFound {
		contact = &store.Contact{
			Address:   a.String(),
			Name:      env.SenderName,
			AvatarURL: env.SenderAvatarURL,
			Bio:       env.SenderBio,
		}
		if env.SenderAvatarURL != "" || env.SenderBio != "" {
			contact.ProfileRefreshedAt = time.Now().UnixMilli()
		}
		if cerr := w.q.CreateContact(contact); cerr != nil {
			return nil, cerr
		}
		return contact, nil
	}
	if err != nil {
		return nil, err
	}

	// A learned display name beats a sequential placeholder.
	if env.SenderName != "" && isPlaceholderName(contact.Name) {
		if rerr := w.q.RenameContact(contact.ID, env.SenderName); rerr == nil {
			contact.Name = env.SenderName
		}
	}

	s.applyEnvelopeProfile(w, contact, env)
	return contact, nil
}

// applyEnvelopeProfile folds envelope-carried avatar and bio into the
// contact row; data that differs from what is stored always wins.
func (s *Service) applyEnvelopeProfile(w *txWork, contact *store.Contact, env *envelope.Envelope) {
	if env.SenderAvatarURL == "" && env.SenderBio == "" {
		return
	}
	if env.SenderAvatarURL == contact.AvatarURL && env.SenderBio == contact.Bio {
		return
	}
	avatar := env.SenderAvatarURL
	if avatar == "" {
		avatar = contact.AvatarURL
	}
	bio := env.SenderBio
	if bio == "" {
		bio = contact.Bio
	}
	now := time.Now().UnixMilli()
	if err := w.q.UpdateContactProfile(contact.ID, avatar, bio, now); err == nil {
		contact.AvatarURL = avatar
		contact.Bio = bio
		contact.ProfileRefreshedAt = now
	}
}

// refreshProfile runs the installed fetcher when a contact's profile is
// empty or stale (not refreshed today). It runs after the envelope's
// transaction commits: a slow network fetch must not hold the write lock.
func (s *Service) refreshProfile(ctx context.Context, contact *store.Contact) {
	if contact == nil || s.profiles == nil {
		return
	}
	now := time.Now()
	empty := contact.AvatarURL == "" && contact.Bio == ""
	if !empty && sameDay(time.UnixMilli(contact.ProfileRefreshedAt), now) {
		return
	}
	avatar, bio, err := s.profiles.FetchProfile(ctx, contact.Address)
	if err != nil {
		s.logger.Debug("profile fetch failed",
			zap.String("contact", contact.Address), zap.Error(err))
		return
	}
	if err := s.db.UpdateContactProfile(contact.ID, avatar, bio, now.UnixMilli()); err == nil {
		contact.AvatarURL = avatar
		contact.Bio = bio
		contact.ProfileRefreshedAt = now.UnixMilli()
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// isPlaceholderName reports whether the name is one of the sequential
// "Contact N" placeholders assigned at creation.
func isPlaceholderName(name string) bool {
	const prefix = "Contact "
	if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
		return false
	}
	for _, r := range name[len(prefix):] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
