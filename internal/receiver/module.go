// Package receiver composes the connection-side daemon: the live session,
// the normalizer, the webhook sender and the HTTP command surface.
package receiver

import (
	"context"
	"net/http"

	"github.com/niklas-mlrr/whatsapp-bridge/internal/addr"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/api"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/bus"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/config"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/lock"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/logging"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/normalize"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/paths"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/retrybuf"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/status"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/wa"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	SessionName string
	Config      *config.Config
}

// Module returns the fx module for the receiver daemon.
func Module(p Params) fx.Option {
	return fx.Module("receiver",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideAdapter,
			provideManager,
			provideNormalizer,
			provideRetryBuffer,
			provideWebhookSender,
			provideAPIServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(paths.ReceiverLogPath(p.SessionName), "receiverd")
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := paths.EnsureSessionDirs(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(paths.SessionDir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideAdapter(p Params, b *bus.Bus, logger *zap.Logger) (*wa.Adapter, error) {
	return wa.NewAdapter(context.Background(), p.SessionName, b, logger)
}

func provideManager(adapter *wa.Adapter, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *wa.Manager {
	return wa.NewManager(adapter, machine, b, logger)
}

func provideNormalizer(adapter *wa.Adapter, logger *zap.Logger) *normalize.Normalizer {
	return normalize.New(adapter, addr.NewLIDMap(), logger)
}

func provideRetryBuffer(p Params) *retrybuf.Buffer {
	return retrybuf.New(retrybuf.WithTTL(p.Config.Receiver.RetryBufTTL()))
}

// provideWebhookSender returns nil when no webhook endpoint is
// configured; envelopes then stay on the bus for other subscribers.
func provideWebhookSender(p Params, b *bus.Bus, logger *zap.Logger) *webhook.Sender {
	r := p.Config.Receiver
	if r.WebhookURL == "" {
		logger.Warn("no webhook_url configured, envelopes will not be delivered")
		return nil
	}
	return webhook.NewSender(r.WebhookURL, r.WebhookSecret, b, logger,
		webhook.WithHTTPClient(&http.Client{Timeout: r.WebhookTimeout()}),
		webhook.WithRetry(r.WebhookMaxAttempts, webhook.DefaultBaseDelay),
	)
}

func provideAPIServer(p Params, adapter *wa.Adapter, manager *wa.Manager, sent *retrybuf.Buffer, logger *zap.Logger) *api.Server {
	r := p.Config.Receiver
	return api.NewServer(r.Listen, r.APIKey, adapter, manager, sent, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, lk *lock.Lock, adapter *wa.Adapter, manager *wa.Manager, normalizer *normalize.Normalizer, machine *status.Machine, sent *retrybuf.Buffer, sender *webhook.Sender, srv *api.Server, b *bus.Bus, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			handler := wa.NewEventHandler(adapter, manager, normalizer, b, logger)
			adapter.RegisterEventHandler(handler.Handle)

			adapter.SetRetryBuffer(sent)
			sent.Start(context.Background())
			if sender != nil {
				sender.Start(context.Background())
			}
			srv.Start()

			if adapter.IsLoggedIn() {
				go func() {
					if err := manager.Open(); err != nil {
						logger.Error("initial connect failed", zap.Error(err))
					}
				}()
				return nil
			}
			go runQRAuth(p.SessionName, adapter, machine, logger)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			manager.Close()
			if sender != nil {
				sender.Stop()
			}
			sent.Stop()
			if err := srv.Stop(ctx); err != nil {
				logger.Warn("command server shutdown", zap.Error(err))
			}
			err := lk.Release()
			logger.Info("receiver stopped")
			return err
		},
	})
}
