package wa

import (
	"context"
	"fmt"

	"github.com/niklas-mlrr/whatsapp-bridge/internal/addr"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/bus"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/envelope"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/paths"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/retrybuf"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

// Adapter wraps the whatsmeow client. It is the only place that touches
// the protocol library; everything else in the receiver works against the
// adapter's methods and the events it republishes.
type Adapter struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	bus       *bus.Bus
	logger    *zap.Logger
	session   string
	retain    *retrybuf.Buffer
}

// NewAdapter creates an adapter for the given session, backed by the
// session's credential store.
func NewAdapter(ctx context.Context, sessionName string, b *bus.Bus, logger *zap.Logger) (*Adapter, error) {
	// Device name shown on the phone's linked devices list.
	wastore.SetOSInfo("WA-Bridge", [3]uint32{0, 1, 0})

	dbPath := paths.SessionDBPath(sessionName)

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, nil)

	return &Adapter{
		client:    client,
		container: container,
		bus:       b,
		logger:    logger,
		session:   sessionName,
	}, nil
}

// Client returns the underlying whatsmeow client.
func (a *Adapter) Client() *whatsmeow.Client {
	return a.client
}

// IsLoggedIn reports whether the adapter has valid credentials.
func (a *Adapter) IsLoggedIn() bool {
	return a.client.Store.ID != nil
}

// Connect initiates the network connection.
func (a *Adapter) Connect() error {
	a.logger.Info("connecting to WhatsApp")
	return a.client.Connect()
}

// Disconnect terminates the network connection.
func (a *Adapter) Disconnect() {
	a.logger.Info("disconnecting from WhatsApp")
	a.client.Disconnect()
}

// Logout invalidates the session and removes credentials.
func (a *Adapter) Logout(ctx context.Context) error {
	return a.client.Logout(ctx)
}

// RegisterEventHandler adds a handler for whatsmeow events.
func (a *Adapter) RegisterEventHandler(handler whatsmeow.EventHandler) {
	a.client.AddEventHandler(handler)
}

// Self returns the logged-in account's address, or the zero value when
// not authenticated.
func (a *Adapter) Self() addr.Address {
	if a.client.Store.ID == nil {
		return addr.Address{}
	}
	return addr.Address{User: a.client.Store.ID.User, Server: addr.ServerUser}
}

func parseJID(a addr.Address) (types.JID, error) {
	jid, err := types.ParseJID(a.String())
	if err != nil {
		return types.EmptyJID, fmt.Errorf("parse JID %q: %w", a.String(), err)
	}
	return jid, nil
}

// SendMessage sends an arbitrary protocol message and returns the server
// message id.
func (a *Adapter) SendMessage(ctx context.Context, to addr.Address, msg *waE2E.Message) (string, error) {
	jid, err := parseJID(to)
	if err != nil {
		return "", err
	}
	resp, err := a.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	a.retainSent(resp.ID, msg)
	return resp.ID, nil
}

// SendText sends a plain text message, optionally quoting another message.
func (a *Adapter) SendText(ctx context.Context, to addr.Address, text string, quote *QuoteRef) (string, error) {
	if quote == nil {
		return a.SendMessage(ctx, to, &waE2E.Message{
			Conversation: proto.String(text),
		})
	}
	return a.SendMessage(ctx, to, &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(text),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:    proto.String(quote.ExternalID),
				Participant: proto.String(quote.Sender),
				QuotedMessage: &waE2E.Message{
					Conversation: proto.String(quote.Body),
				},
			},
		},
	})
}

// QuoteRef identifies a message being replied to.
type QuoteRef struct {
	ExternalID string
	Sender     string
	Body       string
}

// SendMedia uploads a media payload and sends it as the given kind.
func (a *Adapter) SendMedia(ctx context.Context, to addr.Address, kind envelope.Kind, data []byte, mimeType, caption string) (string, error) {
	var mediaType whatsmeow.MediaType
	switch kind {
	case envelope.KindImage:
		mediaType = whatsmeow.MediaImage
	case envelope.KindVideo:
		mediaType = whatsmeow.MediaVideo
	case envelope.KindAudio:
		mediaType = whatsmeow.MediaAudio
	case envelope.KindDocument:
		mediaType = whatsmeow.MediaDocument
	default:
		return "", fmt.Errorf("kind %q is not a media kind", kind)
	}

	uploaded, err := a.client.Upload(ctx, data, mediaType)
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}

	size := uint64(len(data))
	msg := &waE2E.Message{}
	switch kind {
	case envelope.KindImage:
		msg.ImageMessage = &waE2E.ImageMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(size),
		}
	case envelope.KindVideo:
		msg.VideoMessage = &waE2E.VideoMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(size),
		}
	case envelope.KindAudio:
		msg.AudioMessage = &waE2E.AudioMessage{
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(size),
		}
	case envelope.KindDocument:
		msg.DocumentMessage = &waE2E.DocumentMessage{
			Title:         proto.String(caption),
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(size),
		}
	}
	return a.SendMessage(ctx, to, msg)
}

// SendReaction sends (or, with an empty emoji, removes) a reaction to the
// message with the given id.
func (a *Adapter) SendReaction(ctx context.Context, chat addr.Address, messageID, emoji string, fromMe bool) (string, error) {
	chatJID, err := parseJID(chat)
	if err != nil {
		return "", err
	}
	senderJID := chatJID
	if fromMe && a.client.Store.ID != nil {
		senderJID = *a.client.Store.ID
	}
	msg := a.client.BuildReaction(chatJID, senderJID, messageID, emoji)
	return a.SendMessage(ctx, chat, msg)
}

// RevokeMessage deletes a previously sent message. With forEveryone=false
// only the reference in this client is affected, so the revoke is still
// sent but marked accordingly by the library.
func (a *Adapter) RevokeMessage(ctx context.Context, chat addr.Address, messageID string) (string, error) {
	chatJID, err := parseJID(chat)
	if err != nil {
		return "", err
	}
	msg := a.client.BuildRevoke(chatJID, types.EmptyJID, messageID)
	return a.SendMessage(ctx, chat, msg)
}

// EditMessage replaces the body of a previously sent text message.
func (a *Adapter) EditMessage(ctx context.Context, chat addr.Address, messageID, newText string) (string, error) {
	chatJID, err := parseJID(chat)
	if err != nil {
		return "", err
	}
	msg := a.client.BuildEdit(chatJID, messageID, &waE2E.Message{
		Conversation: proto.String(newText),
	})
	return a.SendMessage(ctx, chat, msg)
}

// SendPoll creates a poll message.
func (a *Adapter) SendPoll(ctx context.Context, to addr.Address, question string, options []string, selectableCount int) (string, error) {
	msg := a.client.BuildPollCreation(question, options, selectableCount)
	return a.SendMessage(ctx, to, msg)
}

// SendPollVote votes on a poll message by option names.
func (a *Adapter) SendPollVote(ctx context.Context, chat addr.Address, pollMessageID string, optionNames []string) (string, error) {
	chatJID, err := parseJID(chat)
	if err != nil {
		return "", err
	}
	pollInfo := &types.MessageInfo{
		MessageSource: types.MessageSource{Chat: chatJID},
		ID:            pollMessageID,
	}
	msg, err := a.client.BuildPollVote(ctx, pollInfo, optionNames)
	if err != nil {
		return "", fmt.Errorf("build poll vote: %w", err)
	}
	return a.SendMessage(ctx, chat, msg)
}

// FetchAvatarURL returns the peer's profile picture URL, best-effort.
func (a *Adapter) FetchAvatarURL(ctx context.Context, of addr.Address) (string, error) {
	jid, err := parseJID(of)
	if err != nil {
		return "", err
	}
	info, err := a.client.GetProfilePictureInfo(ctx, jid, &whatsmeow.GetProfilePictureParams{Preview: true})
	if err != nil || info == nil {
		return "", err
	}
	return info.URL, nil
}

// FetchBio returns the peer's status text, best-effort.
func (a *Adapter) FetchBio(ctx context.Context, of addr.Address) (string, error) {
	jid, err := parseJID(of)
	if err != nil {
		return "", err
	}
	infos, err := a.client.GetUserInfo(ctx, []types.JID{jid})
	if err != nil {
		return "", err
	}
	if info, ok := infos[jid]; ok {
		return info.Status, nil
	}
	return "", nil
}

// FetchGroupMeta returns group metadata for a group address.
func (a *Adapter) FetchGroupMeta(ctx context.Context, group addr.Address) (*envelope.GroupMeta, error) {
	jid, err := parseJID(group)
	if err != nil {
		return nil, err
	}
	info, err := a.client.GetGroupInfo(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("get group info: %w", err)
	}
	meta := &envelope.GroupMeta{
		Name:  info.Name,
		Topic: info.Topic,
	}
	for _, p := range info.Participants {
		meta.Participants = append(meta.Participants, p.JID.ToNonAD().String())
	}
	if url, err := a.FetchAvatarURL(ctx, group); err == nil {
		meta.AvatarURL = url
	}
	return meta, nil
}

// SetRetryBuffer installs the buffer holding recently sent payloads and
// wires it to the protocol library's resend hook, so a peer that failed
// to decrypt a message gets back the exact payload that was sent,
// whatever its kind.
func (a *Adapter) SetRetryBuffer(buf *retrybuf.Buffer) {
	a.retain = buf
	a.client.GetMessageForRetry = func(requester, to types.JID, id types.MessageID) *waE2E.Message {
		return messageForRetry(buf, string(id), a.logger)
	}
}

// retainSent keeps the marshalled payload of an outbound message so a
// resend request can be answered after the fact.
func (a *Adapter) retainSent(id string, msg *waE2E.Message) {
	if a.retain == nil {
		return
	}
	payload, err := proto.Marshal(msg)
	if err != nil {
		a.logger.Warn("marshal sent message for resend buffer",
			zap.String("external_id", id), zap.Error(err))
		return
	}
	a.retain.Store(id, payload)
}

func messageForRetry(buf *retrybuf.Buffer, id string, logger *zap.Logger) *waE2E.Message {
	payload, ok := buf.Fetch(id)
	if !ok {
		logger.Warn("resend requested for expired message", zap.String("external_id", id))
		return nil
	}
	var msg waE2E.Message
	if err := proto.Unmarshal(payload, &msg); err != nil {
		logger.Warn("corrupt resend payload dropped",
			zap.String("external_id", id), zap.Error(err))
		return nil
	}
	return &msg
}

// RequestRedelivery asks the network to resend a message that arrived
// without decryptable content, by sending a history sync request to the
// paired phone.
func (a *Adapter) RequestRedelivery(ctx context.Context, info types.MessageInfo) error {
	if a.client.Store.ID == nil {
		return fmt.Errorf("not logged in")
	}
	msg := a.client.BuildHistorySyncRequest(&info, 1)
	_, err := a.client.SendMessage(ctx, a.client.Store.ID.ToNonAD(), msg, whatsmeow.SendRequestExtra{Peer: true})
	if err != nil {
		return fmt.Errorf("request redelivery: %w", err)
	}
	return nil
}

// Download fetches and decrypts a media payload.
func (a *Adapter) Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error) {
	return a.client.Download(ctx, msg)
}

// DecryptPollVote decrypts the selected-option hashes of a poll update.
func (a *Adapter) DecryptPollVote(ctx context.Context, evt *events.Message) (*waE2E.PollVoteMessage, error) {
	return a.client.DecryptPollVote(ctx, evt)
}
