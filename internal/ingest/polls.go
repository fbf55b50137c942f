package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/niklas-mlrr/whatsapp-bridge/internal/envelope"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/store"
	"go.uber.org/zap"
)

// seedPoll fills the poll columns of a fresh poll message with zeroed
// per-option tallies.
func seedPoll(msg *store.Message, poll *envelope.Poll) error {
	options, err := json.Marshal(poll.Options)
	if err != nil {
		return err
	}
	counts, err := json.Marshal(make([]int, len(poll.Options)))
	if err != nil {
		return err
	}
	msg.PollQuestion = poll.Question
	msg.PollOptions = string(options)
	msg.PollCounts = string(counts)
	msg.PollMultiChoice = poll.SelectableCount != 1
	return nil
}

// applyVote folds a vote envelope into the poll's tallies.
//
// Single-choice polls treat a new ballot as a replacement: the voter's
// previous option is decremented (floored at zero) before the new one is
// incremented, and the ledger records the new ballot. Multi-choice polls
// accumulate: selections add to the tallies and the ledger keeps the
// union, matching how the upstream network reports them. A selection the
// ledger already holds is skipped, so a redelivered ballot never
// double-counts.
func (s *Service) applyVote(w *txWork, env *envelope.Envelope) error {
	poll, err := w.q.GetMessageByExternalID(env.TargetExternalID)
	if err == store.ErrNotFound {
		s.logger.Info("vote for unknown poll dropped",
			zap.String("target", env.TargetExternalID))
		return nil
	}
	if err != nil {
		return err
	}
	if poll.Kind != string(envelope.KindPoll) {
		s.logger.Warn("vote targets a non-poll message",
			zap.String("target", env.TargetExternalID))
		return nil
	}

	var counts []int
	if err := json.Unmarshal([]byte(poll.PollCounts), &counts); err != nil {
		return fmt.Errorf("decode poll counts of %s: %w", poll.ExternalID, err)
	}

	// Out-of-range indices are rejected per index, not per ballot.
	var selected []int
	for _, idx := range env.Vote.OptionIndices {
		if idx < 0 || idx >= len(counts) {
			s.logger.Warn("vote option out of range",
				zap.String("poll", poll.ExternalID), zap.Int("index", idx))
			continue
		}
		selected = append(selected, idx)
	}
	if len(selected) == 0 {
		return nil
	}

	var previous []int
	ledger, err := w.q.GetPollVote(poll.ID, env.SenderAddress)
	if err == nil {
		if jerr := json.Unmarshal([]byte(ledger.OptionIndices), &previous); jerr != nil {
			return fmt.Errorf("decode ballot of %s: %w", env.SenderAddress, jerr)
		}
	} else if err != store.ErrNotFound {
		return err
	}

	if poll.PollMultiChoice {
		added := false
		for _, idx := range selected {
			if hasIndex(previous, idx) {
				continue
			}
			counts[idx]++
			previous = append(previous, idx)
			added = true
		}
		if !added {
			s.logger.Debug("ballot already recorded",
				zap.String("poll", poll.ExternalID), zap.String("voter", env.SenderAddress))
			return nil
		}
	} else {
		for _, idx := range previous {
			if idx >= 0 && idx < len(counts) && counts[idx] > 0 {
				counts[idx]--
			}
		}
		counts[selected[0]]++
		previous = selected[:1]
	}

	encodedCounts, err := json.Marshal(counts)
	if err != nil {
		return err
	}
	if err := w.q.SetPollCounts(poll.ID, string(encodedCounts)); err != nil {
		return err
	}

	encodedBallot, err := json.Marshal(previous)
	if err != nil {
		return err
	}
	if err := w.q.UpsertPollVote(&store.PollVote{
		MessageID:     poll.ID,
		Voter:         env.SenderAddress,
		OptionIndices: string(encodedBallot),
		VotedAt:       env.SentAt,
	}); err != nil {
		return err
	}

	w.stage("message.updated", map[string]any{
		"chat_id":    poll.ChatID,
		"message_id": poll.ID,
	})
	return nil
}

func hasIndex(indices []int, idx int) bool {
	for _, have := range indices {
		if have == idx {
			return true
		}
	}
	return false
}
