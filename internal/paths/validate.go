package paths

import (
	"fmt"
	"regexp"
)

// DefaultSessionName is used when neither flag nor config names a session.
const DefaultSessionName = "main"

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateSessionName checks that name conforms to session naming rules.
func ValidateSessionName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}
