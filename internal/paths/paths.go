// Package paths centralizes the on-disk layout under ~/.wabridge.
package paths

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.wabridge.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wabridge")
}

// SessionDir returns the directory for one receiver session.
func SessionDir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// SessionDBPath returns the protocol library's credential store path.
func SessionDBPath(name string) string {
	return filepath.Join(SessionDir(name), "session.db")
}

// QRPath returns where the pairing QR PNG is written during auth.
func QRPath(name string) string {
	return filepath.Join(SessionDir(name), "qr.png")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(SessionDir(name), "logs")
}

// ReceiverLogPath returns the receiver daemon log file path.
func ReceiverLogPath(name string) string {
	return filepath.Join(LogDir(name), "receiverd.log")
}

// BackendDir returns the backend data directory.
func BackendDir() string {
	return filepath.Join(BaseDir(), "backend")
}

// BackendDBPath returns the backend's application database path.
func BackendDBPath() string {
	return filepath.Join(BackendDir(), "bridge.db")
}

// MediaDir returns where decoded media payloads are stored.
func MediaDir() string {
	return filepath.Join(BackendDir(), "media")
}

// BackendLogPath returns the backend daemon log file path.
func BackendLogPath() string {
	return filepath.Join(BackendDir(), "logs", "backendd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureSessionDirs creates the session directory tree with 0700 perms.
func EnsureSessionDirs(name string) error {
	for _, d := range []string{SessionDir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// EnsureBackendDirs creates the backend directory tree with 0700 perms.
func EnsureBackendDirs(dataDir string) error {
	if dataDir == "" {
		dataDir = BackendDir()
	}
	for _, d := range []string{dataDir, filepath.Join(dataDir, "media"), filepath.Join(dataDir, "logs")} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
