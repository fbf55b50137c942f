package backend

import (
	"context"
	"path/filepath"

	"github.com/niklas-mlrr/whatsapp-bridge/internal/bus"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/config"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/ingest"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/logging"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/paths"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/push"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	Config *config.Config
}

// Module returns the fx module for the backend daemon.
func Module(p Params) fx.Option {
	return fx.Module("backend",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStore,
			provideIngestService,
			provideHub,
			provideRelay,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	logPath := paths.BackendLogPath()
	if p.Config.Backend.DataDir != "" {
		logPath = filepath.Join(p.Config.Backend.DataDir, "logs", "backendd.log")
	}
	return logging.New(logPath, "backendd")
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	if err := paths.EnsureBackendDirs(p.Config.Backend.DataDir); err != nil {
		return nil, err
	}
	dbPath := paths.BackendDBPath()
	if p.Config.Backend.DataDir != "" {
		dbPath = filepath.Join(p.Config.Backend.DataDir, "bridge.db")
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideIngestService(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) *ingest.Service {
	mediaDir := paths.MediaDir()
	if p.Config.Backend.DataDir != "" {
		mediaDir = filepath.Join(p.Config.Backend.DataDir, "media")
	}
	return ingest.New(db, mediaDir, b, logger)
}

func provideHub(b *bus.Bus, logger *zap.Logger) *push.Hub {
	return push.NewHub(b, logger)
}

// provideRelay returns nil when no receiver URL is configured; outbound
// endpoints then answer 502.
func provideRelay(p Params, logger *zap.Logger) *Relay {
	b := p.Config.Backend
	if b.ReceiverURL == "" {
		logger.Warn("no receiver_url configured, outbound commands disabled")
		return nil
	}
	return NewRelay(b.ReceiverURL, p.Config.Receiver.APIKey, logger)
}

func provideServer(p Params, db *store.DB, svc *ingest.Service, hub *push.Hub, relay *Relay, logger *zap.Logger) *Server {
	b := p.Config.Backend
	return NewServer(b.Listen, b.WebhookSecret, b.APIKey, db, svc, hub, relay, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, hub *push.Hub, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			hub.Start(context.Background())
			srv.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil {
				logger.Warn("backend server shutdown", zap.Error(err))
			}
			hub.Stop()
			err := db.Close()
			logger.Info("backend stopped")
			return err
		},
	})
}
