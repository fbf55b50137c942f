// Package config loads the shared ~/.wabridge/config.toml consumed by
// both daemons.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/paths"
)

// Config is the global bridge configuration.
type Config struct {
	// Session names the receiver session; overridable with --session.
	Session string `toml:"session"`

	Receiver Receiver `toml:"receiver"`
	Backend  Backend  `toml:"backend"`
}

// Receiver configures the connection-side daemon.
type Receiver struct {
	// Listen is the HTTP command surface address.
	Listen string `toml:"listen"`
	// APIKey authenticates command requests (X-Api-Key header).
	APIKey string `toml:"api_key"`

	// WebhookURL is where canonical envelopes are POSTed.
	WebhookURL string `toml:"webhook_url"`
	// WebhookSecret is sent in X-Webhook-Secret on every delivery.
	WebhookSecret string `toml:"webhook_secret"`
	// WebhookTimeoutSecs bounds one delivery attempt. Default 10.
	WebhookTimeoutSecs int `toml:"webhook_timeout_secs"`
	// WebhookMaxAttempts bounds delivery retries. Default 3.
	WebhookMaxAttempts int `toml:"webhook_max_attempts"`

	// RetryBufTTLSecs is the outbound retry buffer TTL. Default 300.
	RetryBufTTLSecs int `toml:"retry_buffer_ttl_secs"`
}

// Backend configures the backend-side daemon.
type Backend struct {
	// Listen is the webhook + API address.
	Listen string `toml:"listen"`
	// WebhookSecret must match the receiver's.
	WebhookSecret string `toml:"webhook_secret"`
	// APIKey authenticates backend API requests.
	APIKey string `toml:"api_key"`
	// DataDir holds bridge.db and media/. Empty means ~/.wabridge/backend.
	DataDir string `toml:"data_dir"`
	// ReceiverURL is the base URL of the receiver's command surface, used
	// to relay outbound actions.
	ReceiverURL string `toml:"receiver_url"`
}

// Default returns a config with all defaults applied and nothing else
// set. Used when no config file exists yet.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads config from the given path and applies defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyDefaults() {
	if c.Session == "" {
		c.Session = paths.DefaultSessionName
	}
	if c.Receiver.Listen == "" {
		c.Receiver.Listen = "127.0.0.1:8090"
	}
	if c.Receiver.WebhookTimeoutSecs <= 0 {
		c.Receiver.WebhookTimeoutSecs = 10
	}
	if c.Receiver.WebhookMaxAttempts <= 0 {
		c.Receiver.WebhookMaxAttempts = 3
	}
	if c.Receiver.RetryBufTTLSecs <= 0 {
		c.Receiver.RetryBufTTLSecs = 300
	}
	if c.Backend.Listen == "" {
		c.Backend.Listen = "127.0.0.1:8091"
	}
	if c.Backend.ReceiverURL == "" {
		c.Backend.ReceiverURL = "http://" + c.Receiver.Listen
	}
}

func (c *Config) validate() error {
	if c.Receiver.WebhookURL != "" && c.Receiver.WebhookSecret == "" {
		return fmt.Errorf("receiver.webhook_secret must be set when webhook_url is configured")
	}
	return nil
}

// WebhookTimeout returns the per-attempt delivery timeout as a duration.
func (r Receiver) WebhookTimeout() time.Duration {
	return time.Duration(r.WebhookTimeoutSecs) * time.Second
}

// RetryBufTTL returns the retry buffer TTL as a duration.
func (r Receiver) RetryBufTTL() time.Duration {
	return time.Duration(r.RetryBufTTLSecs) * time.Second
}
