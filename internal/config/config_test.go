package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := &Config{
		Session: "work",
		Receiver: Receiver{
			WebhookURL:    "http://127.0.0.1:8091/webhook",
			WebhookSecret: "s3cret",
		},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Session != "work" {
		t.Errorf("Session = %q, want work", loaded.Session)
	}
	if loaded.Receiver.WebhookURL != "http://127.0.0.1:8091/webhook" {
		t.Errorf("WebhookURL = %q", loaded.Receiver.WebhookURL)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(""), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Session != "main" {
		t.Errorf("Session = %q, want main", cfg.Session)
	}
	if cfg.Receiver.WebhookMaxAttempts != 3 {
		t.Errorf("WebhookMaxAttempts = %d, want 3", cfg.Receiver.WebhookMaxAttempts)
	}
	if cfg.Receiver.RetryBufTTLSecs != 300 {
		t.Errorf("RetryBufTTLSecs = %d, want 300", cfg.Receiver.RetryBufTTLSecs)
	}
	if cfg.Backend.ReceiverURL == "" {
		t.Error("ReceiverURL default not applied")
	}
}

func TestLoadRejectsWebhookWithoutSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := "[receiver]\nwebhook_url = \"http://localhost:1234/webhook\"\n"
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load() accepted webhook_url without webhook_secret")
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load("/nonexistent/config.toml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := Save(path, &Config{Session: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
