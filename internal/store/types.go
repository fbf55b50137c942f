package store

// Chat is one conversation, direct or group. Direct chats are matched on
// AddrDigits so historical domain-suffix variants of the same peer
// collapse into one row. Participants is a JSON array of member
// addresses, populated for groups.
type Chat struct {
	ID                 int64
	Address            string
	AddrDigits         string
	Name               string
	Topic              string
	AvatarURL          string
	Participants       string
	IsGroup            bool
	PendingApproval    bool
	Archived           bool
	Muted              bool
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
}

// Contact is one known peer. Name starts as a sequential placeholder
// until a real display name is learned.
type Contact struct {
	ID                 int64
	Address            string
	Name               string
	AvatarURL          string
	Bio                string
	ProfileRefreshedAt int64
}

// Message is one stored message. Reactions, PollOptions, PollCounts and
// the vote ledger's OptionIndices are JSON-encoded columns.
type Message struct {
	ID                int64
	ExternalID        string
	ChatID            int64
	SenderID          int64
	Kind              string
	Body              string
	MediaPath         string
	MimeType          string
	MediaWidth        int
	MediaHeight       int
	FromMe            bool
	Status            string
	SentAt            int64
	ReplyToExternalID string
	Reactions         string
	PollQuestion      string
	PollOptions       string
	PollCounts        string
	PollMultiChoice   bool
	EditedAt          int64
	DeletedAt         int64
}

// PollVote is one voter's current ballot for a poll message.
type PollVote struct {
	MessageID     int64
	Voter         string
	OptionIndices string
	VotedAt       int64
}
