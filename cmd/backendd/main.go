// Command backendd runs the durable half of the bridge: it accepts
// envelopes on the webhook endpoint, persists them and serves chats,
// messages and live updates to UI clients.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/niklas-mlrr/whatsapp-bridge/internal/backend"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/config"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/paths"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "", "config file path (default ~/.wabridge/config.toml)")
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

	app := fx.New(
		backend.Module(backend.Params{Config: cfg}),
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
