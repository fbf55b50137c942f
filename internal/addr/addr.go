// Package addr normalizes WhatsApp network identifiers into one of two
// canonical address families (direct, group) and resolves anonymized
// sender ids back to stable addresses where a mapping is known.
package addr

import (
	"fmt"
	"strings"
)

// Well-known server suffixes.
const (
	ServerUser   = "s.whatsapp.net"
	ServerGroup  = "g.us"
	ServerLID    = "lid"
	ServerHosted = "hosted.lid"
)

// Family distinguishes the two canonical address families.
type Family int

const (
	FamilyDirect Family = iota
	FamilyGroup
)

// Address is a parsed network address: a user part (digits for direct
// addresses, a numeric group id for groups) plus a server suffix.
type Address struct {
	User   string
	Server string
}

// String renders the canonical user@server form.
func (a Address) String() string {
	return a.User + "@" + a.Server
}

// IsGroup reports whether the address belongs to the group family.
func (a Address) IsGroup() bool {
	return a.Server == ServerGroup
}

// Family returns the address family.
func (a Address) Family() Family {
	if a.IsGroup() {
		return FamilyGroup
	}
	return FamilyDirect
}

// IsAnonymized reports whether the address is a rotating LID identifier
// rather than a stable phone-number address.
func (a Address) IsAnonymized() bool {
	return a.Server == ServerLID || a.Server == ServerHosted
}

// Digits returns the digits-only portion of the user part. Direct chats
// are matched on this value so historical domain-suffix variants of the
// same peer collapse into one chat.
func (a Address) Digits() string {
	return digitsOf(a.User)
}

// Normalize parses a raw address string into canonical form. It strips
// scheme prefixes and device/agent suffixes, classifies the family by
// server suffix, and defaults a bare number to the direct family.
func Normalize(raw string) (Address, error) {
	s := strings.TrimSpace(raw)
	for _, prefix := range []string{"whatsapp:", "wa:", "tel:", "+"} {
		s = strings.TrimPrefix(s, prefix)
	}
	if s == "" {
		return Address{}, fmt.Errorf("empty address %q", raw)
	}

	user := s
	server := ServerUser
	if i := strings.IndexByte(s, '@'); i >= 0 {
		user = s[:i]
		server = s[i+1:]
	}

	// Drop device and agent qualifiers (user.agent:device@server).
	if i := strings.IndexAny(user, ".:"); i >= 0 {
		user = user[:i]
	}

	switch server {
	case ServerGroup:
		// Group ids may contain a hyphenated creation timestamp; keep as is.
	case ServerLID, ServerHosted:
		user = digitsOf(user)
	default:
		server = ServerUser
		user = digitsOf(user)
	}
	if user == "" {
		return Address{}, fmt.Errorf("address %q has no usable id", raw)
	}
	return Address{User: user, Server: server}, nil
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
