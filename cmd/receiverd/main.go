// Command receiverd runs the connection-side daemon: it holds the live
// WhatsApp session, normalizes events into envelopes, delivers them to
// the backend webhook and serves the outbound command API.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/niklas-mlrr/whatsapp-bridge/internal/config"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/paths"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/receiver"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "", "config file path (default ~/.wabridge/config.toml)")
	sessionFlag := flag.String("session", "", "session name (overrides config)")
	flag.Parse()

	configPath := *configFlag
	if configPath == "" {
		configPath = paths.ConfigPath()
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	sessionName := cfg.Session
	if *sessionFlag != "" {
		sessionName = *sessionFlag
	}
	if err := paths.ValidateSessionName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		receiver.Module(receiver.Params{SessionName: sessionName, Config: cfg}),
	)
	app.Run()
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "no config at %s, using defaults\n", path)
		return config.Default(), nil
	}
	return config.Load(path)
}
