package store

import (
	"database/sql"
	"errors"
)

// GetPollVote returns the voter's current ballot for the poll message,
// or ErrNotFound when they have not voted.
func (db *Queries) GetPollVote(messageID int64, voter string) (*PollVote, error) {
	var v PollVote
	err := db.q.QueryRow(`
		SELECT message_id, voter, option_indices, voted_at
		FROM poll_votes WHERE message_id = ? AND voter = ?`,
		messageID, voter).Scan(&v.MessageID, &v.Voter, &v.OptionIndices, &v.VotedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// UpsertPollVote records or replaces the voter's ballot.
func (db *Queries) UpsertPollVote(v *PollVote) error {
	_, err := db.q.Exec(`
		INSERT INTO poll_votes (message_id, voter, option_indices, voted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(message_id, voter) DO UPDATE SET
			option_indices = excluded.option_indices,
			voted_at = excluded.voted_at`,
		v.MessageID, v.Voter, v.OptionIndices, v.VotedAt)
	return err
}
