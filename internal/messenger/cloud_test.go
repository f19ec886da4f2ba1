package messenger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"lrmgateway/internal/config"
	"lrmgateway/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestCloud(t *testing.T, base string) *Cloud {
	t.Helper()
	c, err := NewCloud(config.CloudConfig{
		APIBase:       base,
		AccessToken:   "test-token",
		PhoneNumberID: "12345",
		VerifyToken:   "secret",
	}, "55", testLogger())
	if err != nil {
		t.Fatalf("NewCloud: %v", err)
	}
	return c
}

func TestNewCloudRequiresCredentials(t *testing.T) {
	_, err := NewCloud(config.CloudConfig{PhoneNumberID: "12345"}, "55", testLogger())
	if err == nil {
		t.Error("expected error for missing access token")
	}

	_, err = NewCloud(config.CloudConfig{AccessToken: "tok"}, "55", testLogger())
	if err == nil {
		t.Error("expected error for missing phone number id")
	}
}

func TestCloudKindAndConnected(t *testing.T) {
	c := newTestCloud(t, "")
	if c.Kind() != domain.KindCloud {
		t.Errorf("Kind() = %q, want %q", c.Kind(), domain.KindCloud)
	}
	if !c.Connected() {
		t.Error("cloud transport should always report connected")
	}
}

func TestCloudFormatNumber(t *testing.T) {
	c := newTestCloud(t, "")

	tests := []struct {
		in   string
		want string
	}{
		{"11999999999", "5511999999999"},
		{"5511999999999", "5511999999999"},
		{"+55 11 99999-9999", "5511999999999"},
		{"(11) 99999-9999", "5511999999999"},
	}
	for _, tt := range tests {
		if got := c.FormatNumber(tt.in); got != tt.want {
			t.Errorf("FormatNumber(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCloudInitialize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "12345"})
	}))
	defer srv.Close()

	c := newTestCloud(t, srv.URL)
	if err := c.Initialize(context.Background()); err != nil {
		t.Errorf("Initialize with valid token: %v", err)
	}
}

func TestCloudInitializeBadToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestCloud(t, srv.URL)
	err := c.Initialize(context.Background())
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if err.Error() != "invalid access token" {
		t.Errorf("error = %q, want %q", err.Error(), "invalid access token")
	}
}

func TestCloudSend(t *testing.T) {
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/12345/messages" {
			t.Errorf("path = %q, want /12345/messages", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotPayload)
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{{"id": "wamid.ABC123"}},
		})
	}))
	defer srv.Close()

	c := newTestCloud(t, srv.URL)
	res := c.Send(context.Background(), "11999999999", "hello")
	if !res.Success {
		t.Fatalf("Send failed: %s", res.Error)
	}
	if res.MessageID != "wamid.ABC123" {
		t.Errorf("MessageID = %q, want wamid.ABC123", res.MessageID)
	}
	if gotPayload["to"] != "5511999999999" {
		t.Errorf("payload to = %v, want formatted number", gotPayload["to"])
	}
	if gotPayload["messaging_product"] != "whatsapp" {
		t.Errorf("payload messaging_product = %v", gotPayload["messaging_product"])
	}
}

func TestCloudSendAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": "bad recipient"}})
	}))
	defer srv.Close()

	c := newTestCloud(t, srv.URL)
	res := c.Send(context.Background(), "11999999999", "hello")
	if res.Success {
		t.Error("expected failure for 400 response")
	}
	if res.Error == "" {
		t.Error("expected error detail in result")
	}
}

func TestCloudSendNetworkError(t *testing.T) {
	c := newTestCloud(t, "http://127.0.0.1:1")
	res := c.Send(context.Background(), "11999999999", "hello")
	if res.Success {
		t.Error("expected failure when the API is unreachable")
	}
}

func TestCloudVerifyWebhook(t *testing.T) {
	c := newTestCloud(t, "")

	challenge, ok := c.VerifyWebhook("subscribe", "secret", "ch-123")
	if !ok || challenge != "ch-123" {
		t.Errorf("valid verification: got (%q, %v), want (ch-123, true)", challenge, ok)
	}

	if _, ok := c.VerifyWebhook("subscribe", "wrong", "ch-123"); ok {
		t.Error("wrong token must not verify")
	}
	if _, ok := c.VerifyWebhook("unsubscribe", "secret", "ch-123"); ok {
		t.Error("non-subscribe mode must not verify")
	}
}

func TestCloudVerifySignature(t *testing.T) {
	c, err := NewCloud(config.CloudConfig{
		AccessToken:   "tok",
		PhoneNumberID: "123",
		AppSecret:     "app-secret",
	}, "55", testLogger())
	if err != nil {
		t.Fatalf("NewCloud: %v", err)
	}

	body := []byte(`{"object":"whatsapp_business_account"}`)
	mac := hmac.New(sha256.New, []byte("app-secret"))
	mac.Write(body)
	good := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if !c.VerifySignature(body, good) {
		t.Error("valid signature must verify")
	}
	if c.VerifySignature(body, "sha256=deadbeef") {
		t.Error("wrong digest must not verify")
	}
	if c.VerifySignature(body, "") {
		t.Error("missing header must not verify when a secret is configured")
	}
	if c.VerifySignature([]byte("tampered"), good) {
		t.Error("tampered body must not verify")
	}
}

func TestCloudVerifySignatureDisabled(t *testing.T) {
	c := newTestCloud(t, "") // no app secret configured
	if !c.VerifySignature([]byte("anything"), "") {
		t.Error("without an app secret the check is disabled")
	}
}

func TestCloudHandleWebhook(t *testing.T) {
	c := newTestCloud(t, "")

	var got []domain.IncomingMessage
	c.OnMessage(func(msg domain.IncomingMessage) {
		got = append(got, msg)
	})

	payload := `{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "ent-1",
			"changes": [{
				"field": "messages",
				"value": {
					"messaging_product": "whatsapp",
					"contacts": [{"wa_id": "5511999999999", "profile": {"name": "Maria"}}],
					"messages": [
						{"from": "5511999999999", "id": "wamid.1", "type": "text", "timestamp": "1730000000", "text": {"body": "oi"}},
						{"from": "5511999999999", "id": "wamid.2", "type": "image", "timestamp": "1730000001"}
					]
				}
			}]
		}]
	}`

	if err := c.HandleWebhook(context.Background(), []byte(payload)); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("delivered %d messages, want 1 (non-text skipped)", len(got))
	}
	msg := got[0]
	if msg.From != "5511999999999" || msg.Body != "oi" {
		t.Errorf("message = %+v", msg)
	}
	if msg.SenderName != "Maria" {
		t.Errorf("SenderName = %q, want Maria", msg.SenderName)
	}
	if msg.ProviderID != "wamid.1" {
		t.Errorf("ProviderID = %q, want wamid.1", msg.ProviderID)
	}
	if !msg.Timestamp.Equal(time.Unix(1730000000, 0)) {
		t.Errorf("Timestamp = %v, want unix 1730000000", msg.Timestamp)
	}
}

func TestCloudHandleWebhookStatusUpdate(t *testing.T) {
	c := newTestCloud(t, "")

	called := false
	c.OnMessage(func(domain.IncomingMessage) { called = true })

	// Delivery receipts carry no messages array and must be ignored.
	payload := `{"object":"whatsapp_business_account","entry":[{"id":"e","changes":[{"field":"messages","value":{"messaging_product":"whatsapp","statuses":[{"id":"wamid.1","status":"delivered"}]}}]}]}`
	if err := c.HandleWebhook(context.Background(), []byte(payload)); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if called {
		t.Error("status update must not reach the message handler")
	}
}

func TestCloudHandleWebhookBadPayload(t *testing.T) {
	c := newTestCloud(t, "")
	if err := c.HandleWebhook(context.Background(), []byte("not json")); err == nil {
		t.Error("expected error for malformed payload")
	}
}
