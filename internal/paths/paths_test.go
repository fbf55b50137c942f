package paths

import (
	"strings"
	"testing"
)

func TestSessionPathsUnderBase(t *testing.T) {
	base := BaseDir()
	for name, p := range map[string]string{
		"session dir": SessionDir("main"),
		"session db":  SessionDBPath("main"),
		"qr":          QRPath("main"),
		"log":         ReceiverLogPath("main"),
	} {
		if !strings.HasPrefix(p, base) {
			t.Errorf("%s %q not under base %q", name, p, base)
		}
		if !strings.Contains(p, "main") {
			t.Errorf("%s %q does not contain session name", name, p)
		}
	}
}

func TestValidateSessionName(t *testing.T) {
	valid := []string{"main", "work-account", "a", "test_1"}
	for _, n := range valid {
		if err := ValidateSessionName(n); err != nil {
			t.Errorf("ValidateSessionName(%q) = %v, want nil", n, err)
		}
	}

	invalid := []string{"", "UPPER", "has space", "a/b", strings.Repeat("x", 65)}
	for _, n := range invalid {
		if err := ValidateSessionName(n); err == nil {
			t.Errorf("ValidateSessionName(%q) = nil, want error", n)
		}
	}
}
