package wa

import "go.mau.fi/whatsmeow/types"

// jidOrZero parses a JID string, returning the zero JID on failure so
// history entries with malformed chat ids are skipped downstream instead
// of aborting the whole batch.
func jidOrZero(s string) types.JID {
	jid, err := types.ParseJID(s)
	if err != nil {
		return types.EmptyJID
	}
	return jid
}
