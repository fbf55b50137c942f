package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/niklas-mlrr/whatsapp-bridge/internal/bus"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/envelope"
	"go.uber.org/zap"
)

func testEnvelope() *envelope.Envelope {
	return &envelope.Envelope{
		SenderAddress: "4912345@s.whatsapp.net",
		ChatAddress:   "4912345@s.whatsapp.net",
		Kind:          envelope.KindText,
		Body:          "hello",
		ExternalID:    "M1",
		SentAt:        1700000000000,
	}
}

func newTestSender(url string, opts ...Option) *Sender {
	opts = append([]Option{WithRetry(3, time.Millisecond)}, opts...)
	return NewSender(url, "s3cret", bus.New(), zap.NewNop(), opts...)
}

func TestDeliverSetsSecretAndBody(t *testing.T) {
	var gotSecret string
	var gotEnv envelope.Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get(SecretHeader)
		if err := json.NewDecoder(r.Body).Decode(&gotEnv); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestSender(srv.URL)
	if err := s.Deliver(context.Background(), testEnvelope()); err != nil {
		t.Fatal(err)
	}
	if gotSecret != "s3cret" {
		t.Errorf("secret header = %q", gotSecret)
	}
	if gotEnv.ExternalID != "M1" || gotEnv.Kind != envelope.KindText {
		t.Errorf("delivered envelope = %+v", gotEnv)
	}
}

func TestDeliverRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestSender(srv.URL)
	if err := s.Deliver(context.Background(), testEnvelope()); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestDeliverGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := newTestSender(srv.URL)
	if err := s.Deliver(context.Background(), testEnvelope()); err == nil {
		t.Fatal("Deliver() = nil, want error")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestDeliverDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := newTestSender(srv.URL)
	if err := s.Deliver(context.Background(), testEnvelope()); err == nil {
		t.Fatal("Deliver() = nil, want error")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestDeliverRetriesNetworkErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse all connections

	var calls atomic.Int32
	s := newTestSender(srv.URL, WithHTTPClient(&http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			calls.Add(1)
			return http.DefaultTransport.RoundTrip(r)
		}),
	}))
	if err := s.Deliver(context.Background(), testEnvelope()); err == nil {
		t.Fatal("Deliver() = nil, want error")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestSenderDrainsBus(t *testing.T) {
	received := make(chan envelope.Envelope, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env envelope.Envelope
		_ = json.NewDecoder(r.Body).Decode(&env)
		received <- env
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := bus.New()
	s := NewSender(srv.URL, "s3cret", b, zap.NewNop(), WithRetry(1, time.Millisecond))
	s.Start(context.Background())
	defer s.Stop()

	b.Publish(bus.Event{
		Kind:      "wa.envelope",
		Timestamp: time.Now(),
		Payload:   testEnvelope(),
	})

	select {
	case env := <-received:
		if env.ExternalID != "M1" {
			t.Errorf("ExternalID = %q", env.ExternalID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("envelope never delivered")
	}
}
