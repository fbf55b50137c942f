// Package envelope defines the canonical message envelope exchanged between
// the receiver and the backend over the webhook boundary. It is the only
// wire shape the two halves share; neither side ever sees the other's
// internal types.
package envelope

// Kind classifies the payload of an envelope. Downstream code switches on
// it exhaustively instead of probing optional fields.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindDocument Kind = "document"
	KindLocation Kind = "location"
	KindContact  Kind = "contact"
	KindReaction Kind = "reaction"
	KindPoll     Kind = "poll"
	KindPollVote Kind = "poll_vote"
	KindEdit     Kind = "edit"
	KindDelete   Kind = "delete"
	KindUnknown  Kind = "unknown"
)

// IsMedia reports whether the kind carries a binary media payload.
func (k Kind) IsMedia() bool {
	switch k {
	case KindImage, KindVideo, KindAudio, KindDocument:
		return true
	}
	return false
}

// CreatesMessage reports whether ingesting this kind produces a new message
// row. Reactions, poll votes, edits and deletes mutate existing rows.
func (k Kind) CreatesMessage() bool {
	switch k {
	case KindReaction, KindPollVote, KindEdit, KindDelete:
		return false
	}
	return true
}

// Envelope is the normalized form of one protocol event. Created by the
// receiver's normalizer, consumed exactly once by the backend's ingestion
// service, never stored verbatim.
type Envelope struct {
	SenderAddress string `json:"sender"`
	ChatAddress   string `json:"chat"`
	SenderName    string `json:"sender_name,omitempty"`
	FromMe        bool   `json:"from_me,omitempty"`

	Kind Kind   `json:"kind"`
	Body string `json:"body,omitempty"`

	// MediaPayload is base64-encoded raw media bytes for media kinds.
	MediaPayload string `json:"media,omitempty"`
	MimeType     string `json:"mimetype,omitempty"`

	ExternalID string `json:"external_id"`
	// SentAt is the sender's client timestamp in Unix milliseconds.
	SentAt int64 `json:"sent_at"`

	QuotedExternalID string `json:"quoted_external_id,omitempty"`
	QuotedBody       string `json:"quoted_body,omitempty"`

	SenderAvatarURL string `json:"sender_avatar_url,omitempty"`
	SenderBio       string `json:"sender_bio,omitempty"`

	// TargetExternalID is the external id of the message a reaction, poll
	// vote, edit or delete refers to. Empty for other kinds.
	TargetExternalID string `json:"target_external_id,omitempty"`
	// Emoji is the reaction content; an empty emoji on a reaction kind
	// means "remove my reaction".
	Emoji string `json:"emoji,omitempty"`

	Location  *Location    `json:"location,omitempty"`
	Contact   *ContactCard `json:"contact_card,omitempty"`
	Poll      *Poll        `json:"poll,omitempty"`
	Vote      *PollVote    `json:"poll_vote,omitempty"`
	GroupMeta *GroupMeta   `json:"group_meta,omitempty"`

	// RawKind preserves the protocol-level payload shape for kind=unknown,
	// so unclassified messages stay diagnosable after the fact.
	RawKind string `json:"raw_kind,omitempty"`
}

// Location carries the structured fields of a location message.
type Location struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// ContactCard carries the structured fields of a shared-contact message.
type ContactCard struct {
	DisplayName string `json:"display_name"`
	VCard       string `json:"vcard,omitempty"`
}

// Poll carries the structured fields of a poll-creation message.
type Poll struct {
	Question        string   `json:"question"`
	Options         []string `json:"options"`
	SelectableCount int      `json:"selectable_count,omitempty"`
}

// PollVote carries a voter's selected option indices for a poll message
// identified by Envelope.TargetExternalID.
type PollVote struct {
	OptionIndices []int `json:"option_indices"`
}

// GroupMeta is group metadata the normalizer attaches opportunistically to
// an envelope addressed to a group chat. The backend treats it as a chat
// profile update; its absence means "no change observed".
type GroupMeta struct {
	Name         string   `json:"name,omitempty"`
	Topic        string   `json:"topic,omitempty"`
	Participants []string `json:"participants,omitempty"`
	AvatarURL    string   `json:"avatar_url,omitempty"`
}

// Validate reports the first structural problem with the envelope, or nil.
// Validation failures are never retried by the backend.
func (e *Envelope) Validate() error {
	if e.ExternalID == "" {
		return errMissing("external_id")
	}
	if e.ChatAddress == "" {
		return errMissing("chat")
	}
	if e.Kind == "" {
		return errMissing("kind")
	}
	switch e.Kind {
	case KindReaction, KindEdit, KindDelete, KindPollVote:
		if e.TargetExternalID == "" {
			return errMissing("target_external_id")
		}
	}
	if e.Kind == KindPollVote && (e.Vote == nil || len(e.Vote.OptionIndices) == 0) {
		return errMissing("poll_vote.option_indices")
	}
	if e.Kind == KindPoll && (e.Poll == nil || len(e.Poll.Options) == 0) {
		return errMissing("poll.options")
	}
	return nil
}

type errMissing string

func (e errMissing) Error() string { return "envelope missing required field " + string(e) }
