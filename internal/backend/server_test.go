package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/niklas-mlrr/whatsapp-bridge/internal/bus"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/envelope"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/ingest"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/push"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/store"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/webhook"
	"go.uber.org/zap"
)

const (
	testSecret = "hook-secret"
	testAPIKey = "ui-key"
)

func testBackend(t *testing.T, relay *Relay) (*httptest.Server, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	svc := ingest.New(db, t.TempDir(), b, zap.NewNop())
	hub := push.NewHub(b, zap.NewNop())
	hub.Start(context.Background())
	t.Cleanup(hub.Stop)

	s := NewServer("127.0.0.1:0", testSecret, testAPIKey, db, svc, hub, relay, zap.NewNop())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, db
}

func postWebhook(t *testing.T, url, secret, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/webhook", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.SecretHeader, secret)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func validEnvelopeJSON(t *testing.T, externalID string) string {
	t.Helper()
	env := envelope.Envelope{
		SenderAddress: "4967890@s.whatsapp.net",
		ChatAddress:   "4967890@s.whatsapp.net",
		Kind:          envelope.KindText,
		Body:          "hello",
		ExternalID:    externalID,
		SentAt:        time.Now().UnixMilli(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestWebhookRejectsBadSecret(t *testing.T) {
	srv, _ := testBackend(t, nil)
	resp := postWebhook(t, srv.URL, "wrong", validEnvelopeJSON(t, "M1"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestWebhookRejectsInvalidEnvelope(t *testing.T) {
	srv, _ := testBackend(t, nil)
	resp := postWebhook(t, srv.URL, testSecret, `{"kind":"text","body":"no ids"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWebhookIngestsEnvelope(t *testing.T) {
	srv, db := testBackend(t, nil)
	resp := postWebhook(t, srv.URL, testSecret, validEnvelopeJSON(t, "M1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["status"] != "ok" {
		t.Errorf("body = %v", out)
	}

	if _, err := db.GetMessageByExternalID("M1"); err != nil {
		t.Errorf("message not stored: %v", err)
	}
}

func TestWebhookDuplicateIsOK(t *testing.T) {
	srv, _ := testBackend(t, nil)
	body := validEnvelopeJSON(t, "M1")
	for i := 0; i < 2; i++ {
		resp := postWebhook(t, srv.URL, testSecret, body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("delivery %d status = %d", i+1, resp.StatusCode)
		}
	}
}

func apiReq(t *testing.T, method, url, key, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(APIKeyHeader, key)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestChatEndpointsRequireAPIKey(t *testing.T) {
	srv, _ := testBackend(t, nil)
	resp := apiReq(t, http.MethodGet, srv.URL+"/chats", "wrong", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestListChatsAndMessages(t *testing.T) {
	srv, _ := testBackend(t, nil)
	postWebhook(t, srv.URL, testSecret, validEnvelopeJSON(t, "M1"))

	resp := apiReq(t, http.MethodGet, srv.URL+"/chats", testAPIKey, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var chatsOut struct {
		Chats []store.Chat `json:"chats"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&chatsOut); err != nil {
		t.Fatal(err)
	}
	if len(chatsOut.Chats) != 1 {
		t.Fatalf("chats = %d, want 1", len(chatsOut.Chats))
	}

	chatID := chatsOut.Chats[0].ID
	resp = apiReq(t, http.MethodGet,
		srv.URL+"/chats/"+jsonInt(chatID)+"/messages", testAPIKey, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("messages status = %d", resp.StatusCode)
	}
	var msgsOut struct {
		Messages []store.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&msgsOut); err != nil {
		t.Fatal(err)
	}
	if len(msgsOut.Messages) != 1 || msgsOut.Messages[0].ExternalID != "M1" {
		t.Errorf("messages = %+v", msgsOut.Messages)
	}
}

func TestMarkReadAndArchive(t *testing.T) {
	srv, db := testBackend(t, nil)
	postWebhook(t, srv.URL, testSecret, validEnvelopeJSON(t, "M1"))

	chats, _ := db.ListChats()
	id := jsonInt(chats[0].ID)

	if resp := apiReq(t, http.MethodPost, srv.URL+"/chats/"+id+"/read", testAPIKey, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("read status = %d", resp.StatusCode)
	}
	if resp := apiReq(t, http.MethodPost, srv.URL+"/chats/"+id+"/archive", testAPIKey, `{"value":true}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("archive status = %d", resp.StatusCode)
	}

	chat, _ := db.GetChat(chats[0].ID)
	if chat.UnreadCount != 0 || !chat.Archived {
		t.Errorf("chat = %+v", chat)
	}
}

func TestChatMutationUnknownChat404(t *testing.T) {
	srv, _ := testBackend(t, nil)
	resp := apiReq(t, http.MethodPost, srv.URL+"/chats/999/read", testAPIKey, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRelayForwardsToReceiver(t *testing.T) {
	var gotPath, gotKey string
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get(receiverAPIKeyHeader)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","external_id":"SRV1"}`))
	}))
	defer receiver.Close()

	relay := NewRelay(receiver.URL, "receiver-key", zap.NewNop())
	srv, _ := testBackend(t, relay)

	resp := apiReq(t, http.MethodPost, srv.URL+"/send-message", testAPIKey,
		`{"chat":"4912345","body":"hi"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if gotPath != "/send-message" || gotKey != "receiver-key" {
		t.Errorf("forwarded path=%q key=%q", gotPath, gotKey)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["external_id"] != "SRV1" {
		t.Errorf("relayed body = %v", out)
	}
}

func TestRelayUnconfiguredAnswers502(t *testing.T) {
	srv, _ := testBackend(t, nil)
	resp := apiReq(t, http.MethodPost, srv.URL+"/send-message", testAPIKey, `{}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func jsonInt(v int64) string {
	data, _ := json.Marshal(v)
	return string(data)
}
