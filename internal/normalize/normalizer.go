// Package normalize turns raw protocol events into canonical envelopes.
// It unwraps carrier wrappers, classifies the payload into the envelope
// kind enum, extracts quoted-message and profile metadata, and resolves
// the effective sender address.
package normalize

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/niklas-mlrr/whatsapp-bridge/internal/addr"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/envelope"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// maxUnwrapDepth bounds how many carrier wrappers (ephemeral, view-once,
// device-relay) are peeled before giving up. Real payloads nest two or
// three deep; anything past this is malformed.
const maxUnwrapDepth = 8

// Session is the live-session surface the normalizer needs. Satisfied by
// *wa.Adapter; stubbed in tests.
type Session interface {
	Self() addr.Address
	FetchAvatarURL(ctx context.Context, of addr.Address) (string, error)
	FetchBio(ctx context.Context, of addr.Address) (string, error)
	FetchGroupMeta(ctx context.Context, group addr.Address) (*envelope.GroupMeta, error)
	RequestRedelivery(ctx context.Context, info types.MessageInfo) error
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)
	DecryptPollVote(ctx context.Context, evt *events.Message) (*waE2E.PollVoteMessage, error)
}

// Drop explains why an event produced no envelope. Dropped events are
// logged, never retried.
type Drop struct {
	Reason string
}

func (d *Drop) Error() string { return "event dropped: " + d.Reason }

// Normalizer converts protocol events into envelopes. Identity and dedup
// state is owned by the instance, not process-wide.
type Normalizer struct {
	session Session
	lids    *addr.LIDMap
	gate    *groupGate
	polls   *pollCache
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a normalizer around the given session handle.
func New(session Session, lids *addr.LIDMap, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{
		session: session,
		lids:    lids,
		gate:    newGroupGate(DefaultGroupMetaWindow, time.Now),
		polls:   newPollCache(),
		logger:  logger,
		now:     time.Now,
	}
}

// Normalize converts one protocol event into a canonical envelope, or
// returns a *Drop describing why no envelope was produced.
func (n *Normalizer) Normalize(ctx context.Context, evt *events.Message) (*envelope.Envelope, error) {
	chat, err := addr.Normalize(evt.Info.Chat.String())
	if err != nil {
		return nil, &Drop{Reason: "unparseable chat address"}
	}

	msg := unwrap(evt.Message)
	if !hasContent(msg) {
		// The observable signature of an undecryptable message. For
		// group chats, ask for a redelivery before giving up.
		if chat.IsGroup() {
			if rerr := n.session.RequestRedelivery(ctx, evt.Info); rerr != nil {
				n.logger.Warn("redelivery request failed",
					zap.String("external_id", evt.Info.ID), zap.Error(rerr))
			}
		}
		return nil, &Drop{Reason: "no content"}
	}

	env := &envelope.Envelope{
		ChatAddress: chat.String(),
		ExternalID:  evt.Info.ID,
		SentAt:      evt.Info.Timestamp.UnixMilli(),
		SenderName:  evt.Info.PushName,
		FromMe:      evt.Info.IsFromMe,
	}
	env.SenderAddress = n.resolveSender(evt.Info).String()

	if err := n.classify(ctx, evt, msg, env); err != nil {
		return nil, err
	}

	n.extractQuote(msg, env)

	// Profile enrichment is best-effort: never block or fail
	// normalization on it.
	if !env.FromMe {
		n.enrichProfile(ctx, env)
	}
	if chat.IsGroup() && n.gate.allow(chat.String()) {
		if meta, gerr := n.session.FetchGroupMeta(ctx, chat); gerr == nil {
			env.GroupMeta = meta
		} else {
			n.gate.reset(chat.String())
			n.logger.Warn("group metadata fetch failed",
				zap.String("group", chat.String()), zap.Error(gerr))
		}
	}

	return env, nil
}

// resolveSender picks the effective sender address: an explicit phone
// hint wins over the learned anonymized-id map; an unresolved anonymized
// id passes through unchanged.
func (n *Normalizer) resolveSender(info types.MessageInfo) addr.Address {
	sender, err := addr.Normalize(info.Sender.String())
	if err != nil {
		return addr.Address{User: info.Sender.User, Server: info.Sender.Server}
	}
	if !sender.IsAnonymized() {
		return sender
	}
	if !info.SenderAlt.IsEmpty() {
		if hint, herr := addr.Normalize(info.SenderAlt.String()); herr == nil && !hint.IsAnonymized() {
			n.lids.Learn(sender.User, hint)
			return hint
		}
	}
	return n.lids.Resolve(sender)
}

func (n *Normalizer) enrichProfile(ctx context.Context, env *envelope.Envelope) {
	sender, err := addr.Normalize(env.SenderAddress)
	if err != nil || sender.IsAnonymized() {
		return
	}
	if url, aerr := n.session.FetchAvatarURL(ctx, sender); aerr == nil {
		env.SenderAvatarURL = url
	}
	if bio, berr := n.session.FetchBio(ctx, sender); berr == nil {
		env.SenderBio = bio
	}
}

// unwrap peels carrier wrappers down to the real payload, bounded by
// maxUnwrapDepth.
func unwrap(msg *waE2E.Message) *waE2E.Message {
	for depth := 0; msg != nil && depth < maxUnwrapDepth; depth++ {
		switch {
		case msg.GetEphemeralMessage().GetMessage() != nil:
			msg = msg.GetEphemeralMessage().GetMessage()
		case msg.GetViewOnceMessage().GetMessage() != nil:
			msg = msg.GetViewOnceMessage().GetMessage()
		case msg.GetViewOnceMessageV2().GetMessage() != nil:
			msg = msg.GetViewOnceMessageV2().GetMessage()
		case msg.GetViewOnceMessageV2Extension().GetMessage() != nil:
			msg = msg.GetViewOnceMessageV2Extension().GetMessage()
		case msg.GetDocumentWithCaptionMessage().GetMessage() != nil:
			msg = msg.GetDocumentWithCaptionMessage().GetMessage()
		case msg.GetDeviceSentMessage().GetMessage() != nil:
			msg = msg.GetDeviceSentMessage().GetMessage()
		default:
			return msg
		}
	}
	return msg
}

// hasContent reports whether anything beyond bare context metadata
// survived unwrapping.
func hasContent(msg *waE2E.Message) bool {
	if msg == nil {
		return false
	}
	if msg.GetConversation() != "" ||
		msg.GetExtendedTextMessage() != nil ||
		msg.GetImageMessage() != nil ||
		msg.GetVideoMessage() != nil ||
		msg.GetAudioMessage() != nil ||
		msg.GetDocumentMessage() != nil ||
		msg.GetStickerMessage() != nil ||
		msg.GetLocationMessage() != nil ||
		msg.GetLiveLocationMessage() != nil ||
		msg.GetContactMessage() != nil ||
		msg.GetContactsArrayMessage() != nil ||
		msg.GetReactionMessage() != nil ||
		msg.GetPollCreationMessage() != nil ||
		msg.GetPollCreationMessageV2() != nil ||
		msg.GetPollCreationMessageV3() != nil ||
		msg.GetPollUpdateMessage() != nil ||
		msg.GetProtocolMessage() != nil {
		return true
	}
	// Unknown-but-present payloads still count as content; only a bare
	// MessageContextInfo (or empty message) is "no content".
	return rawShape(msg) != ""
}

func (n *Normalizer) classify(ctx context.Context, evt *events.Message, msg *waE2E.Message, env *envelope.Envelope) error {
	switch {
	case msg.GetConversation() != "":
		env.Kind = envelope.KindText
		env.Body = msg.GetConversation()

	case msg.GetExtendedTextMessage() != nil:
		env.Kind = envelope.KindText
		env.Body = msg.GetExtendedTextMessage().GetText()

	case msg.GetImageMessage() != nil:
		im := msg.GetImageMessage()
		env.Kind = envelope.KindImage
		env.Body = im.GetCaption()
		env.MimeType = im.GetMimetype()
		n.attachMedia(ctx, env, im)

	case msg.GetStickerMessage() != nil:
		st := msg.GetStickerMessage()
		env.Kind = envelope.KindImage
		env.MimeType = st.GetMimetype()
		n.attachMedia(ctx, env, st)

	case msg.GetVideoMessage() != nil:
		vm := msg.GetVideoMessage()
		env.Kind = envelope.KindVideo
		env.Body = vm.GetCaption()
		env.MimeType = vm.GetMimetype()
		n.attachMedia(ctx, env, vm)

	case msg.GetAudioMessage() != nil:
		am := msg.GetAudioMessage()
		env.Kind = envelope.KindAudio
		env.MimeType = am.GetMimetype()
		n.attachMedia(ctx, env, am)

	case msg.GetDocumentMessage() != nil:
		dm := msg.GetDocumentMessage()
		env.Kind = envelope.KindDocument
		env.Body = dm.GetFileName()
		env.MimeType = dm.GetMimetype()
		n.attachMedia(ctx, env, dm)

	case msg.GetLocationMessage() != nil:
		lm := msg.GetLocationMessage()
		env.Kind = envelope.KindLocation
		env.Location = &envelope.Location{
			Latitude:  lm.GetDegreesLatitude(),
			Longitude: lm.GetDegreesLongitude(),
			Name:      lm.GetName(),
			Address:   lm.GetAddress(),
		}

	case msg.GetLiveLocationMessage() != nil:
		lm := msg.GetLiveLocationMessage()
		env.Kind = envelope.KindLocation
		env.Location = &envelope.Location{
			Latitude:  lm.GetDegreesLatitude(),
			Longitude: lm.GetDegreesLongitude(),
		}

	case msg.GetContactMessage() != nil:
		cm := msg.GetContactMessage()
		env.Kind = envelope.KindContact
		env.Contact = &envelope.ContactCard{
			DisplayName: cm.GetDisplayName(),
			VCard:       cm.GetVcard(),
		}

	case msg.GetReactionMessage() != nil:
		rm := msg.GetReactionMessage()
		env.Kind = envelope.KindReaction
		env.TargetExternalID = rm.GetKey().GetID()
		env.Emoji = rm.GetText()

	case msg.GetPollCreationMessage() != nil:
		n.classifyPoll(env, msg.GetPollCreationMessage())
	case msg.GetPollCreationMessageV2() != nil:
		n.classifyPoll(env, msg.GetPollCreationMessageV2())
	case msg.GetPollCreationMessageV3() != nil:
		n.classifyPoll(env, msg.GetPollCreationMessageV3())

	case msg.GetPollUpdateMessage() != nil:
		return n.classifyPollVote(ctx, evt, msg.GetPollUpdateMessage(), env)

	case msg.GetProtocolMessage() != nil:
		return classifyProtocol(msg.GetProtocolMessage(), env)

	default:
		env.Kind = envelope.KindUnknown
		env.RawKind = rawShape(msg)
		n.logger.Info("unclassified message shape",
			zap.String("external_id", env.ExternalID),
			zap.String("shape", env.RawKind))
	}
	return nil
}

func (n *Normalizer) classifyPoll(env *envelope.Envelope, poll *waE2E.PollCreationMessage) {
	env.Kind = envelope.KindPoll
	options := make([]string, 0, len(poll.GetOptions()))
	for _, o := range poll.GetOptions() {
		options = append(options, o.GetOptionName())
	}
	env.Body = poll.GetName()
	env.Poll = &envelope.Poll{
		Question:        poll.GetName(),
		Options:         options,
		SelectableCount: int(poll.GetSelectableOptionsCount()),
	}
	n.polls.put(env.ExternalID, options)
}

func (n *Normalizer) classifyPollVote(ctx context.Context, evt *events.Message, upd *waE2E.PollUpdateMessage, env *envelope.Envelope) error {
	targetID := upd.GetPollCreationMessageKey().GetID()
	vote, err := n.session.DecryptPollVote(ctx, evt)
	if err != nil {
		n.logger.Warn("poll vote decryption failed",
			zap.String("poll_external_id", targetID), zap.Error(err))
		return &Drop{Reason: "undecryptable poll vote"}
	}

	options, ok := n.polls.get(targetID)
	if !ok {
		return &Drop{Reason: "vote for unknown poll"}
	}

	indices := matchOptionHashes(vote.GetSelectedOptions(), options)
	if len(indices) == 0 && len(vote.GetSelectedOptions()) > 0 {
		return &Drop{Reason: "poll vote options did not match"}
	}

	env.Kind = envelope.KindPollVote
	env.TargetExternalID = targetID
	env.Vote = &envelope.PollVote{OptionIndices: indices}
	return nil
}

// matchOptionHashes maps SHA-256 option-name digests back to option
// indices. Unknown digests are skipped.
func matchOptionHashes(selected [][]byte, options []string) []int {
	byHash := make(map[[32]byte]int, len(options))
	for i, name := range options {
		byHash[sha256.Sum256([]byte(name))] = i
	}
	var indices []int
	for _, sel := range selected {
		if len(sel) != 32 {
			continue
		}
		var key [32]byte
		copy(key[:], sel)
		if i, ok := byHash[key]; ok {
			indices = append(indices, i)
		}
	}
	return indices
}

func classifyProtocol(pm *waE2E.ProtocolMessage, env *envelope.Envelope) error {
	switch pm.GetType() {
	case waE2E.ProtocolMessage_REVOKE:
		env.Kind = envelope.KindDelete
		env.TargetExternalID = pm.GetKey().GetID()
	case waE2E.ProtocolMessage_MESSAGE_EDIT:
		env.Kind = envelope.KindEdit
		env.TargetExternalID = pm.GetKey().GetID()
		edited := unwrap(pm.GetEditedMessage())
		if edited.GetConversation() != "" {
			env.Body = edited.GetConversation()
		} else {
			env.Body = edited.GetExtendedTextMessage().GetText()
		}
	default:
		// Key distribution, history notices and the like are protocol
		// plumbing, not chat content.
		return &Drop{Reason: fmt.Sprintf("protocol message %s", pm.GetType())}
	}
	return nil
}

// attachMedia downloads the payload and embeds it base64-encoded.
// Failures are non-fatal: the envelope still carries caption and mime.
func (n *Normalizer) attachMedia(ctx context.Context, env *envelope.Envelope, msg whatsmeow.DownloadableMessage) {
	data, err := n.session.Download(ctx, msg)
	if err != nil {
		n.logger.Warn("media download failed",
			zap.String("external_id", env.ExternalID), zap.Error(err))
		return
	}
	env.MediaPayload = base64.StdEncoding.EncodeToString(data)
}

// extractQuote pulls the quoted-message reference out of the context
// metadata, if the message is a reply.
func (n *Normalizer) extractQuote(msg *waE2E.Message, env *envelope.Envelope) {
	ci := contextInfoOf(msg)
	if ci == nil || ci.GetStanzaID() == "" {
		return
	}
	env.QuotedExternalID = ci.GetStanzaID()
	quoted := unwrap(ci.GetQuotedMessage())
	if quoted.GetConversation() != "" {
		env.QuotedBody = quoted.GetConversation()
	} else if quoted.GetExtendedTextMessage() != nil {
		env.QuotedBody = quoted.GetExtendedTextMessage().GetText()
	}
}

func contextInfoOf(msg *waE2E.Message) *waE2E.ContextInfo {
	switch {
	case msg.GetExtendedTextMessage() != nil:
		return msg.GetExtendedTextMessage().GetContextInfo()
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetContextInfo()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetContextInfo()
	case msg.GetAudioMessage() != nil:
		return msg.GetAudioMessage().GetContextInfo()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetContextInfo()
	case msg.GetStickerMessage() != nil:
		return msg.GetStickerMessage().GetContextInfo()
	case msg.GetLocationMessage() != nil:
		return msg.GetLocationMessage().GetContextInfo()
	case msg.GetContactMessage() != nil:
		return msg.GetContactMessage().GetContextInfo()
	}
	return nil
}

// rawShape names the first populated field of an unclassified message so
// it stays diagnosable after the fact.
func rawShape(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	var name string
	msg.ProtoReflect().Range(func(fd protoreflect.FieldDescriptor, _ protoreflect.Value) bool {
		if fd.Name() == "messageContextInfo" || fd.Name() == "message_context_info" {
			return true
		}
		name = string(fd.Name())
		return false
	})
	return name
}
