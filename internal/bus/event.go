package bus

import "time"

// Event is a domain event published on the in-process bus. Kind uses
// dotted namespaces ("session.", "wa.", "message.", "chat.") so
// subscribers can filter by prefix.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
