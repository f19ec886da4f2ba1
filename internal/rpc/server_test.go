package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"lrmgateway/internal/domain"
)

// fakeMessenger is a scriptable domain.Messenger with optional QR support.
type fakeMessenger struct {
	kind      domain.Kind
	connected bool
	initErr   error
	initCount int
	sendRes   domain.SendResult
	sentTo    string
	sentBody  string
	qr        string
	hasQR     bool
}

func (f *fakeMessenger) Kind() domain.Kind { return f.kind }

func (f *fakeMessenger) Initialize(ctx context.Context) error {
	f.initCount++
	if f.initErr != nil {
		return f.initErr
	}
	f.connected = true
	return nil
}

func (f *fakeMessenger) Send(ctx context.Context, to, body string) domain.SendResult {
	f.sentTo, f.sentBody = to, body
	return f.sendRes
}

func (f *fakeMessenger) OnMessage(handler func(domain.IncomingMessage)) {}
func (f *fakeMessenger) Connected() bool                               { return f.connected }
func (f *fakeMessenger) Disconnect(ctx context.Context) error          { f.connected = false; return nil }

// qrMessenger adds the QR capability on top of fakeMessenger.
type qrMessenger struct{ fakeMessenger }

func (q *qrMessenger) QRCode() string { return q.qr }

type fakeSource struct {
	m   domain.Messenger
	err error
}

func (f *fakeSource) Get(ctx context.Context) (domain.Messenger, error) { return f.m, f.err }

func serverLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func callToolRequest(args string) *mcp.CallToolRequest {
	return &mcp.CallToolRequest{
		Params: &mcp.CallToolParamsRaw{Arguments: json.RawMessage(args)},
	}
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("result carries no content")
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want *mcp.TextContent", res.Content[0])
	}
	return text.Text
}

func TestHandleSendMessage(t *testing.T) {
	fake := &fakeMessenger{
		kind:    domain.KindWeb,
		sendRes: domain.SendResult{Success: true, MessageID: "web-1"},
	}
	s := NewServer(&fakeSource{m: fake}, "test", serverLogger())

	res, err := s.handleSendMessage(context.Background(), callToolRequest(`{"to":"5511999999999","message":"oi"}`))
	if err != nil {
		t.Fatalf("handleSendMessage: %v", err)
	}
	if res.IsError {
		t.Fatalf("IsError set: %s", resultText(t, res))
	}

	var out domain.SendResult
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
		t.Fatalf("parse result: %v", err)
	}
	if !out.Success || out.MessageID != "web-1" {
		t.Errorf("result = %+v", out)
	}
	if fake.sentTo != "5511999999999" || fake.sentBody != "oi" {
		t.Errorf("forwarded (%q, %q)", fake.sentTo, fake.sentBody)
	}
}

func TestHandleSendMessageMissingArgs(t *testing.T) {
	fake := &fakeMessenger{kind: domain.KindWeb}
	s := NewServer(&fakeSource{m: fake}, "test", serverLogger())

	res, err := s.handleSendMessage(context.Background(), callToolRequest(`{"to":"5511999999999"}`))
	if err != nil {
		t.Fatalf("handleSendMessage: %v", err)
	}
	if !res.IsError {
		t.Error("missing message must produce an error result")
	}
	if fake.sentTo != "" {
		t.Error("the messenger must not be invoked on invalid arguments")
	}
}

func TestHandleSendMessageFailure(t *testing.T) {
	fake := &fakeMessenger{
		kind:    domain.KindCloud,
		sendRes: domain.SendFailure("cloud API 400"),
	}
	s := NewServer(&fakeSource{m: fake}, "test", serverLogger())

	res, err := s.handleSendMessage(context.Background(), callToolRequest(`{"to":"123","message":"oi"}`))
	if err != nil {
		t.Fatalf("handleSendMessage: %v", err)
	}
	if !res.IsError {
		t.Error("failed send must set IsError")
	}
	var out domain.SendResult
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
		t.Fatalf("parse result: %v", err)
	}
	if out.Error != "cloud API 400" {
		t.Errorf("Error = %q", out.Error)
	}
}

func TestHandleGetStatus(t *testing.T) {
	fake := &qrMessenger{fakeMessenger{kind: domain.KindWeb, connected: false}}
	fake.qr = "2@pairing"
	s := NewServer(&fakeSource{m: fake}, "test", serverLogger())

	res, err := s.handleGetStatus(context.Background(), callToolRequest(`{}`))
	if err != nil {
		t.Fatalf("handleGetStatus: %v", err)
	}
	if res.IsError {
		t.Fatalf("IsError set: %s", resultText(t, res))
	}

	var status map[string]any
	if err := json.Unmarshal([]byte(resultText(t, res)), &status); err != nil {
		t.Fatalf("parse status: %v", err)
	}
	if status["connected"] != false {
		t.Errorf("connected = %v", status["connected"])
	}
	if status["transport"] != "web" {
		t.Errorf("transport = %v", status["transport"])
	}
	if status["qrCode"] != "2@pairing" {
		t.Errorf("qrCode = %v", status["qrCode"])
	}
}

func TestHandleInitialize(t *testing.T) {
	fake := &fakeMessenger{kind: domain.KindWeb}
	s := NewServer(&fakeSource{m: fake}, "test", serverLogger())

	res, err := s.handleInitialize(context.Background(), callToolRequest(`{}`))
	if err != nil {
		t.Fatalf("handleInitialize: %v", err)
	}
	if res.IsError {
		t.Fatalf("IsError set: %s", resultText(t, res))
	}
	if fake.initCount != 1 {
		t.Errorf("initCount = %d, want 1", fake.initCount)
	}

	// Second call short-circuits on the connected check.
	if _, err := s.handleInitialize(context.Background(), callToolRequest(`{}`)); err != nil {
		t.Fatalf("second handleInitialize: %v", err)
	}
	if fake.initCount != 1 {
		t.Errorf("initCount = %d after second call, want 1", fake.initCount)
	}
}

func TestHandleInitializeFailure(t *testing.T) {
	fake := &fakeMessenger{kind: domain.KindWeb, initErr: errors.New("browser crashed")}
	s := NewServer(&fakeSource{m: fake}, "test", serverLogger())

	res, err := s.handleInitialize(context.Background(), callToolRequest(`{}`))
	if err != nil {
		t.Fatalf("handleInitialize: %v", err)
	}
	if !res.IsError {
		t.Error("failed initialize must set IsError")
	}
}

func TestHandleGetQRCode(t *testing.T) {
	fake := &qrMessenger{fakeMessenger{kind: domain.KindWeb}}
	fake.qr = "2@abc"
	s := NewServer(&fakeSource{m: fake}, "test", serverLogger())

	res, err := s.handleGetQRCode(context.Background(), callToolRequest(`{}`))
	if err != nil {
		t.Fatalf("handleGetQRCode: %v", err)
	}
	if res.IsError {
		t.Fatalf("IsError set: %s", resultText(t, res))
	}

	var payload struct {
		QRCode string `json:"qrCode"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &payload); err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if payload.QRCode != "2@abc" {
		t.Errorf("qrCode = %q", payload.QRCode)
	}
}

func TestHandleGetQRCodeUnsupported(t *testing.T) {
	fake := &fakeMessenger{kind: domain.KindCloud}
	s := NewServer(&fakeSource{m: fake}, "test", serverLogger())

	res, err := s.handleGetQRCode(context.Background(), callToolRequest(`{}`))
	if err != nil {
		t.Fatalf("handleGetQRCode: %v", err)
	}
	if !res.IsError {
		t.Error("transport without QR pairing must produce an error result")
	}
}

func TestHandlersSourceError(t *testing.T) {
	s := NewServer(&fakeSource{err: errors.New("no transport configured")}, "test", serverLogger())

	for name, call := range map[string]func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"send_message": s.handleSendMessage,
		"get_status":   s.handleGetStatus,
		"initialize":   s.handleInitialize,
		"get_qr_code":  s.handleGetQRCode,
	} {
		res, err := call(context.Background(), callToolRequest(`{"to":"1","message":"x"}`))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !res.IsError {
			t.Errorf("%s: source error must produce an error result", name)
		}
	}
}
