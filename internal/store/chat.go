package store

import (
	"database/sql"
	"errors"
	"time"
)

const chatColumns = `id, address, addr_digits, name, topic, avatar_url, participants,
	is_group, pending_approval, archived, muted, unread_count, last_message_at,
	last_message_preview`

func scanChat(row interface{ Scan(...any) error }) (*Chat, error) {
	var c Chat
	err := row.Scan(&c.ID, &c.Address, &c.AddrDigits, &c.Name, &c.Topic, &c.AvatarURL,
		&c.Participants, &c.IsGroup, &c.PendingApproval, &c.Archived, &c.Muted,
		&c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateChat inserts a new chat row.
func (db *Queries) CreateChat(c *Chat) error {
	now := time.Now().UnixMilli()
	res, err := db.q.Exec(`
		INSERT INTO chats (address, addr_digits, name, participants, is_group, pending_approval, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Address, c.AddrDigits, c.Name, coalesceJSON(c.Participants, "[]"),
		c.IsGroup, c.PendingApproval, now, now)
	if err != nil {
		return err
	}
	c.ID, err = res.LastInsertId()
	return err
}

// FindGroupChat looks a group chat up by its full address.
func (db *Queries) FindGroupChat(address string) (*Chat, error) {
	return scanChat(db.q.QueryRow(
		`SELECT `+chatColumns+` FROM chats WHERE address = ? AND is_group = 1`, address))
}

// FindDirectChatByDigits looks a direct chat up by the digits-only form
// of the peer address.
func (db *Queries) FindDirectChatByDigits(digits string) (*Chat, error) {
	return scanChat(db.q.QueryRow(
		`SELECT `+chatColumns+` FROM chats WHERE addr_digits = ? AND is_group = 0`, digits))
}

// GetChat returns a chat by id.
func (db *Queries) GetChat(id int64) (*Chat, error) {
	return scanChat(db.q.QueryRow(`SELECT `+chatColumns+` FROM chats WHERE id = ?`, id))
}

// ListChats returns all chats ordered by recency.
func (db *Queries) ListChats() ([]Chat, error) {
	rows, err := db.q.Query(`SELECT ` + chatColumns + ` FROM chats ORDER BY last_message_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	return chats, rows.Err()
}

// TouchChatLastMessage updates the chat's recency columns and, when
// unread is set, bumps the unread counter.
func (db *Queries) TouchChatLastMessage(id int64, at int64, preview string, unread bool) error {
	bump := 0
	if unread {
		bump = 1
	}
	_, err := db.q.Exec(`
		UPDATE chats SET last_message_at = ?, last_message_preview = ?,
			unread_count = unread_count + ?, updated_at = ?
		WHERE id = ?`,
		at, preview, bump, time.Now().UnixMilli(), id)
	return err
}

// UpdateChatProfile refreshes group metadata columns. Empty values are
// kept as is so a partial fetch never erases known data. participants is
// a JSON array of member addresses, or "" when the update carries none.
func (db *Queries) UpdateChatProfile(id int64, name, topic, avatarURL, participants string) error {
	_, err := db.q.Exec(`
		UPDATE chats SET
			name = CASE WHEN ? != '' THEN ? ELSE name END,
			topic = CASE WHEN ? != '' THEN ? ELSE topic END,
			avatar_url = CASE WHEN ? != '' THEN ? ELSE avatar_url END,
			participants = CASE WHEN ? != '' THEN ? ELSE participants END,
			updated_at = ?
		WHERE id = ?`,
		name, name, topic, topic, avatarURL, avatarURL,
		participants, participants, time.Now().UnixMilli(), id)
	return err
}

// MarkChatRead clears the unread counter.
func (db *Queries) MarkChatRead(id int64) error {
	_, err := db.q.Exec(`UPDATE chats SET unread_count = 0, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	return err
}

// SetChatArchived toggles the archived flag.
func (db *Queries) SetChatArchived(id int64, archived bool) error {
	_, err := db.q.Exec(`UPDATE chats SET archived = ?, updated_at = ? WHERE id = ?`,
		archived, time.Now().UnixMilli(), id)
	return err
}

// SetChatMuted toggles the muted flag.
func (db *Queries) SetChatMuted(id int64, muted bool) error {
	_, err := db.q.Exec(`UPDATE chats SET muted = ?, updated_at = ? WHERE id = ?`,
		muted, time.Now().UnixMilli(), id)
	return err
}

// ApproveChat clears the pending-approval flag set when a chat was
// auto-created from an unsolicited inbound message.
func (db *Queries) ApproveChat(id int64) error {
	_, err := db.q.Exec(`UPDATE chats SET pending_approval = 0, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	return err
}
