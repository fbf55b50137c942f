package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const contactColumns = `id, address, name, avatar_url, bio, profile_refreshed_at`

func scanContact(row interface{ Scan(...any) error }) (*Contact, error) {
	var c Contact
	err := row.Scan(&c.ID, &c.Address, &c.Name, &c.AvatarURL, &c.Bio, &c.ProfileRefreshedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FindContact looks a contact up by canonical address.
func (db *Queries) FindContact(address string) (*Contact, error) {
	return scanContact(db.q.QueryRow(
		`SELECT `+contactColumns+` FROM contacts WHERE address = ?`, address))
}

// GetContact returns a contact by id.
func (db *Queries) GetContact(id int64) (*Contact, error) {
	return scanContact(db.q.QueryRow(
		`SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id))
}

// CreateContact inserts a new contact. An empty name gets a sequential
// placeholder so every contact is addressable in a UI before its real
// name is learned.
func (db *Queries) CreateContact(c *Contact) error {
	now := time.Now().UnixMilli()
	if c.Name == "" {
		var n int64
		if err := db.q.QueryRow(`SELECT COUNT(*) FROM contacts`).Scan(&n); err != nil {
			return err
		}
		c.Name = fmt.Sprintf("Contact %d", n+1)
	}
	res, err := db.q.Exec(`
		INSERT INTO contacts (address, name, avatar_url, bio, profile_refreshed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.Address, c.Name, c.AvatarURL, c.Bio, c.ProfileRefreshedAt, now)
	if err != nil {
		return err
	}
	c.ID, err = res.LastInsertId()
	return err
}

// RenameContact sets a learned display name.
func (db *Queries) RenameContact(id int64, name string) error {
	_, err := db.q.Exec(`UPDATE contacts SET name = ? WHERE id = ?`, name, id)
	return err
}

// UpdateContactProfile stores freshly fetched avatar and bio and stamps
// the refresh time.
func (db *Queries) UpdateContactProfile(id int64, avatarURL, bio string, at int64) error {
	_, err := db.q.Exec(`
		UPDATE contacts SET avatar_url = ?, bio = ?, profile_refreshed_at = ? WHERE id = ?`,
		avatarURL, bio, at, id)
	return err
}
