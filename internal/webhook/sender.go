// Package webhook delivers normalized envelopes to the backend over HTTP.
// Delivery is decoupled from the protocol event handler through the bus:
// the handler publishes envelopes and moves on, the sender drains them.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/niklas-mlrr/whatsapp-bridge/internal/bus"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/envelope"
	"go.uber.org/zap"
)

// SecretHeader carries the shared webhook secret on every delivery.
const SecretHeader = "X-Webhook-Secret"

const (
	// DefaultMaxAttempts bounds delivery retries per envelope.
	DefaultMaxAttempts = 3
	// DefaultBaseDelay is the wait after the first failed attempt; it
	// doubles on each subsequent failure.
	DefaultBaseDelay = 2 * time.Second
)

// Sender subscribes to normalized envelopes on the bus and POSTs each
// one to the configured endpoint.
type Sender struct {
	url         string
	secret      string
	client      *http.Client
	maxAttempts int
	baseDelay   time.Duration
	bus         *bus.Bus
	logger      *zap.Logger
	cancel      context.CancelFunc
	done        chan struct{}
}

// Option configures a Sender.
type Option func(*Sender)

// WithHTTPClient replaces the HTTP client, mainly to shorten timeouts in
// tests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sender) { s.client = c }
}

// WithRetry overrides the retry schedule.
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(s *Sender) {
		s.maxAttempts = maxAttempts
		s.baseDelay = baseDelay
	}
}

// NewSender creates a sender targeting url, authenticated with secret.
func NewSender(url, secret string, b *bus.Bus, logger *zap.Logger, opts ...Option) *Sender {
	s := &Sender{
		url:         url,
		secret:      secret,
		client:      &http.Client{Timeout: 10 * time.Second},
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		bus:         b,
		logger:      logger,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins draining envelopes from the bus.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	events, unsubscribe := s.bus.Subscribe("wa.envelope", 256)
	go s.loop(ctx, events, unsubscribe)
}

// Stop cancels the drain loop and waits for the in-flight delivery to
// finish.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sender) loop(ctx context.Context, events <-chan bus.Event, unsubscribe func()) {
	defer close(s.done)
	defer unsubscribe()

	for {
		select {
		case evt := <-events:
			env, ok := evt.Payload.(*envelope.Envelope)
			if !ok {
				s.logger.Warn("unexpected payload on envelope topic",
					zap.String("kind", evt.Kind))
				continue
			}
			if err := s.Deliver(ctx, env); err != nil {
				s.logger.Error("envelope delivery failed permanently",
					zap.String("external_id", env.ExternalID),
					zap.String("kind", string(env.Kind)),
					zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Deliver POSTs one envelope, retrying transient failures with a
// doubling delay. Client errors (4xx) are permanent and never retried.
func (s *Sender) Deliver(ctx context.Context, env *envelope.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	delay := s.baseDelay
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		retryable, err := s.post(ctx, body)
		if err == nil {
			if attempt > 1 {
				s.logger.Info("envelope delivered after retry",
					zap.String("external_id", env.ExternalID),
					zap.Int("attempt", attempt))
			}
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
		s.logger.Warn("envelope delivery attempt failed",
			zap.String("external_id", env.ExternalID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == s.maxAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return fmt.Errorf("delivery failed after %d attempts: %w", s.maxAttempts, lastErr)
}

// post performs one delivery attempt. The bool reports whether the
// failure is worth retrying: network errors and 5xx responses are,
// anything the endpoint rejected outright is not.
func (s *Sender) post(ctx context.Context, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, s.secret)

	resp, err := s.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("endpoint returned %s", resp.Status)
	default:
		return false, fmt.Errorf("endpoint rejected envelope: %s", resp.Status)
	}
}
