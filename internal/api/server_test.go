package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/niklas-mlrr/whatsapp-bridge/internal/addr"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/envelope"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/retrybuf"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/status"
	"github.com/niklas-mlrr/whatsapp-bridge/internal/wa"
	"go.uber.org/zap"
)

type stubCommands struct {
	lastChat  addr.Address
	lastText  string
	lastQuote *wa.QuoteRef
	lastKind  envelope.Kind
	lastEmoji string
	loggedOut bool
	sendErr   error
}

func (c *stubCommands) SendText(_ context.Context, to addr.Address, text string, quote *wa.QuoteRef) (string, error) {
	c.lastChat, c.lastText, c.lastQuote = to, text, quote
	return "SRV1", c.sendErr
}

func (c *stubCommands) SendMedia(_ context.Context, to addr.Address, kind envelope.Kind, _ []byte, _, caption string) (string, error) {
	c.lastChat, c.lastKind, c.lastText = to, kind, caption
	return "SRV2", c.sendErr
}

func (c *stubCommands) SendReaction(_ context.Context, chat addr.Address, _, emoji string, _ bool) (string, error) {
	c.lastChat, c.lastEmoji = chat, emoji
	return "SRV3", c.sendErr
}

func (c *stubCommands) RevokeMessage(_ context.Context, chat addr.Address, _ string) (string, error) {
	c.lastChat = chat
	return "SRV4", c.sendErr
}

func (c *stubCommands) EditMessage(_ context.Context, chat addr.Address, _, newText string) (string, error) {
	c.lastChat, c.lastText = chat, newText
	return "SRV5", c.sendErr
}

func (c *stubCommands) SendPoll(_ context.Context, to addr.Address, question string, _ []string, _ int) (string, error) {
	c.lastChat, c.lastText = to, question
	return "SRV6", c.sendErr
}

func (c *stubCommands) SendPollVote(_ context.Context, chat addr.Address, _ string, _ []string) (string, error) {
	c.lastChat = chat
	return "SRV7", c.sendErr
}

func (c *stubCommands) Logout(_ context.Context) error {
	c.loggedOut = true
	return c.sendErr
}

func (c *stubCommands) IsLoggedIn() bool { return true }

func (c *stubCommands) Self() addr.Address {
	return addr.Address{User: "999", Server: addr.ServerUser}
}

type stubGuard struct {
	state status.State
}

func (g *stubGuard) Guard() error {
	if g.state != status.Open {
		return wa.ErrNotReady
	}
	return nil
}

func (g *stubGuard) State() status.State { return g.state }

const testAPIKey = "test-key"

func testServer(t *testing.T, commands *stubCommands, guard *stubGuard) (*httptest.Server, *retrybuf.Buffer) {
	t.Helper()
	sent := retrybuf.New()
	s := NewServer("127.0.0.1:0", testAPIKey, commands, guard, sent, zap.NewNop())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, sent
}

func TestSendMessageText(t *testing.T) {
	commands := &stubCommands{}
	srv, _ := testServer(t, commands, &stubGuard{state: status.Open})

	resp := post(t, srv.URL, "/send-message", testAPIKey,
		`{"chat":"+49 123 45","body":"hello there"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["external_id"] != "SRV1" {
		t.Errorf("external_id = %q", out["external_id"])
	}
	if commands.lastChat.String() != "4912345@s.whatsapp.net" {
		t.Errorf("chat = %q, want normalized address", commands.lastChat)
	}
}

func post(t *testing.T, url, path, key, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(APIKeyHeader, key)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAuthRejectsBadKey(t *testing.T) {
	srv, _ := testServer(t, &stubCommands{}, &stubGuard{state: status.Open})
	resp := post(t, srv.URL, "/send-message", "wrong-key", `{"chat":"4912345","body":"hi"}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestSendMessageQuoted(t *testing.T) {
	commands := &stubCommands{}
	srv, _ := testServer(t, commands, &stubGuard{state: status.Open})

	resp := post(t, srv.URL, "/send-message", testAPIKey,
		`{"chat":"4912345","body":"reply","quoted_external_id":"ORIG","quoted_body":"orig text"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if commands.lastQuote == nil || commands.lastQuote.ExternalID != "ORIG" {
		t.Errorf("quote = %+v", commands.lastQuote)
	}
}

func TestSendMessageMediaKindFromMime(t *testing.T) {
	commands := &stubCommands{}
	srv, _ := testServer(t, commands, &stubGuard{state: status.Open})

	resp := post(t, srv.URL, "/send-message", testAPIKey,
		`{"chat":"4912345","media":"aGVsbG8=","mimetype":"image/png","body":"caption"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if commands.lastKind != envelope.KindImage {
		t.Errorf("kind = %q, want image", commands.lastKind)
	}
}

func TestSendMessageRejectsBadMedia(t *testing.T) {
	srv, _ := testServer(t, &stubCommands{}, &stubGuard{state: status.Open})
	resp := post(t, srv.URL, "/send-message", testAPIKey,
		`{"chat":"4912345","media":"not base64!!!"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSendMessagePoll(t *testing.T) {
	commands := &stubCommands{}
	srv, _ := testServer(t, commands, &stubGuard{state: status.Open})

	resp := post(t, srv.URL, "/send-message", testAPIKey,
		`{"chat":"4912345","poll":{"question":"Lunch?","options":["Pizza","Sushi"]}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if commands.lastText != "Lunch?" {
		t.Errorf("question = %q", commands.lastText)
	}

	resp = post(t, srv.URL, "/send-message", testAPIKey,
		`{"chat":"4912345","poll":{"question":"Lunch?","options":["only one"]}}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("single-option poll status = %d, want 400", resp.StatusCode)
	}
}

func TestSendMessageEmptyRejected(t *testing.T) {
	srv, _ := testServer(t, &stubCommands{}, &stubGuard{state: status.Open})
	resp := post(t, srv.URL, "/send-message", testAPIKey, `{"chat":"4912345"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCommandsRejectedWhileNotOpen(t *testing.T) {
	srv, _ := testServer(t, &stubCommands{}, &stubGuard{state: status.Connecting})
	for _, path := range []string{
		"/send-message", "/send-reaction", "/delete-message", "/edit-message", "/send-poll-vote", "/logout",
	} {
		resp := post(t, srv.URL, path, testAPIKey, `{"chat":"4912345","external_id":"X","body":"y"}`)
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", path, resp.StatusCode)
		}
	}
}

func TestSendFailureReturns500(t *testing.T) {
	commands := &stubCommands{sendErr: errors.New("boom")}
	srv, _ := testServer(t, commands, &stubGuard{state: status.Open})
	resp := post(t, srv.URL, "/send-message", testAPIKey, `{"chat":"4912345","body":"hi"}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestSendReaction(t *testing.T) {
	commands := &stubCommands{}
	srv, _ := testServer(t, commands, &stubGuard{state: status.Open})
	resp := post(t, srv.URL, "/send-reaction", testAPIKey,
		`{"chat":"4912345","external_id":"M1","emoji":"👍"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if commands.lastEmoji != "👍" {
		t.Errorf("emoji = %q", commands.lastEmoji)
	}
}

func TestEditMessage(t *testing.T) {
	commands := &stubCommands{}
	srv, _ := testServer(t, commands, &stubGuard{state: status.Open})
	resp := post(t, srv.URL, "/edit-message", testAPIKey,
		`{"chat":"4912345","external_id":"M1","body":"fixed"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if commands.lastText != "fixed" {
		t.Errorf("edit body = %q", commands.lastText)
	}
}

func TestLogout(t *testing.T) {
	commands := &stubCommands{}
	srv, _ := testServer(t, commands, &stubGuard{state: status.Open})
	resp := post(t, srv.URL, "/logout", testAPIKey, ``)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !commands.loggedOut {
		t.Error("logout not forwarded to the session")
	}
}

func TestDeleteMessageDropsSentBuffer(t *testing.T) {
	srv, sent := testServer(t, &stubCommands{}, &stubGuard{state: status.Open})
	sent.Store("M1", []byte("old"))
	resp := post(t, srv.URL, "/delete-message", testAPIKey,
		`{"chat":"4912345","external_id":"M1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if _, ok := sent.Fetch("M1"); ok {
		t.Error("deleted message still in sent buffer")
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := testServer(t, &stubCommands{}, &stubGuard{state: status.Open})
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/status", nil)
	req.Header.Set(APIKeyHeader, testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out struct {
		Status   string `json:"status"`
		WhatsApp struct {
			Initialized bool   `json:"initialized"`
			Connected   bool   `json:"connected"`
			User        string `json:"user"`
		} `json:"whatsapp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Status != string(status.Open) {
		t.Errorf("status = %q", out.Status)
	}
	if !out.WhatsApp.Connected || !out.WhatsApp.Initialized {
		t.Errorf("whatsapp block = %+v", out.WhatsApp)
	}
	if out.WhatsApp.User != "999@s.whatsapp.net" {
		t.Errorf("user = %q", out.WhatsApp.User)
	}
}
