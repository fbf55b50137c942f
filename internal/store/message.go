package store

import (
	"database/sql"
	"errors"
	"time"
)

const messageColumns = `id, external_id, chat_id, COALESCE(sender_id, 0), kind, body,
	media_path, mime_type, media_width, media_height, from_me, status, sent_at,
	reply_to_external_id, reactions, poll_question, poll_options, poll_counts,
	poll_multi_choice, edited_at, deleted_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ExternalID, &m.ChatID, &m.SenderID, &m.Kind, &m.Body,
		&m.MediaPath, &m.MimeType, &m.MediaWidth, &m.MediaHeight, &m.FromMe, &m.Status,
		&m.SentAt, &m.ReplyToExternalID, &m.Reactions, &m.PollQuestion, &m.PollOptions,
		&m.PollCounts, &m.PollMultiChoice, &m.EditedAt, &m.DeletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertMessage inserts a message row. created=false means a row with the
// same external id already exists and nothing was written.
func (db *Queries) InsertMessage(m *Message) (created bool, err error) {
	var sender any
	if m.SenderID != 0 {
		sender = m.SenderID
	}
	res, err := db.q.Exec(`
		INSERT INTO messages (external_id, chat_id, sender_id, kind, body, media_path,
			mime_type, media_width, media_height, from_me, status, sent_at,
			reply_to_external_id, reactions, poll_question, poll_options, poll_counts,
			poll_multi_choice, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO NOTHING`,
		m.ExternalID, m.ChatID, sender, m.Kind, m.Body, m.MediaPath,
		m.MimeType, m.MediaWidth, m.MediaHeight, m.FromMe, coalesceStatus(m.Status), m.SentAt,
		m.ReplyToExternalID, coalesceJSON(m.Reactions, "{}"),
		m.PollQuestion, coalesceJSON(m.PollOptions, "[]"), coalesceJSON(m.PollCounts, "[]"),
		m.PollMultiChoice, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	m.ID, err = res.LastInsertId()
	return true, err
}

func coalesceStatus(s string) string {
	if s == "" {
		return "received"
	}
	return s
}

func coalesceJSON(s, empty string) string {
	if s == "" {
		return empty
	}
	return s
}

// GetMessageByExternalID returns the message with the given external id.
func (db *Queries) GetMessageByExternalID(externalID string) (*Message, error) {
	return scanMessage(db.q.QueryRow(
		`SELECT `+messageColumns+` FROM messages WHERE external_id = ?`, externalID))
}

// ListMessages returns messages for a chat using keyset pagination by
// sent time.
func (db *Queries) ListMessages(chatID int64, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.q.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE chat_id = ? AND sent_at < ?
		ORDER BY sent_at DESC
		LIMIT ?`, chatID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// UpdateMessageBody applies an edit, stamping the edit time.
func (db *Queries) UpdateMessageBody(id int64, body string, editedAt int64) error {
	_, err := db.q.Exec(`UPDATE messages SET body = ?, edited_at = ? WHERE id = ?`,
		body, editedAt, id)
	return err
}

// MarkMessageDeleted tombstones a message. The row survives so replies
// and reactions keep their target.
func (db *Queries) MarkMessageDeleted(id int64, deletedAt int64) error {
	_, err := db.q.Exec(`UPDATE messages SET deleted_at = ?, body = '' WHERE id = ?`,
		deletedAt, id)
	return err
}

// SetMessageReactions replaces the reactions JSON column.
func (db *Queries) SetMessageReactions(id int64, reactions string) error {
	_, err := db.q.Exec(`UPDATE messages SET reactions = ? WHERE id = ?`, reactions, id)
	return err
}

// SetPollCounts replaces the per-option tally JSON column.
func (db *Queries) SetPollCounts(id int64, counts string) error {
	_, err := db.q.Exec(`UPDATE messages SET poll_counts = ? WHERE id = ?`, counts, id)
	return err
}
