package domain

import (
	"context"
	"time"
)

// Kind identifies the transport variant behind a Messenger.
type Kind string

const (
	// KindWeb is the browser-automation transport (WhatsApp Web session).
	KindWeb Kind = "web"
	// KindCloud is the WhatsApp Business Cloud API transport.
	KindCloud Kind = "cloud"
	// KindRPC is the subprocess tool-RPC transport.
	KindRPC Kind = "rpc"
)

// Messenger is the contract every WhatsApp transport implements.
//
// Send never returns a transport error: every failure is folded into the
// SendResult so callers branch on the Success flag. Connected must answer
// truthfully before Send is attempted.
type Messenger interface {
	Kind() Kind
	Initialize(ctx context.Context) error
	Send(ctx context.Context, to, body string) SendResult
	// OnMessage registers the inbound handler. The slot is single-subscriber:
	// the last registration wins, there is no fan-out.
	OnMessage(handler func(IncomingMessage))
	Connected() bool
	Disconnect(ctx context.Context) error
}

// QRProvider is implemented by transports that pair through a QR handshake.
type QRProvider interface {
	// QRCode returns the current QR payload, or "" when none is pending.
	QRCode() string
}

// QRFetcher is implemented by transports that must cross an RPC boundary to
// learn the pending pairing code, as opposed to QRProvider's local cache.
type QRFetcher interface {
	FetchQRCode(ctx context.Context) (string, error)
}

// InfoProvider is implemented by transports that know their own account.
type InfoProvider interface {
	ConnectionInfo(ctx context.Context) (ConnectionInfo, error)
}

// StatusProvider is implemented by transports whose status lives on the far
// side of an RPC boundary; the payload is merged over the baseline status.
type StatusProvider interface {
	Status(ctx context.Context) (map[string]any, error)
}

// SignatureVerifier is implemented by transports whose provider signs webhook
// deliveries. An unconfigured secret disables the check and verifies
// everything.
type SignatureVerifier interface {
	// VerifySignature checks the raw body against the provider's signature
	// header (e.g. X-Hub-Signature-256).
	VerifySignature(body []byte, signature string) bool
}

// WebhookReceiver is implemented by transports that receive inbound traffic
// through a provider webhook.
type WebhookReceiver interface {
	// VerifyWebhook answers the provider's subscription challenge. It returns
	// the challenge and true only when mode and token match exactly.
	VerifyWebhook(mode, token, challenge string) (string, bool)
	HandleWebhook(ctx context.Context, body []byte) error
}

// IncomingMessage is an inbound message as delivered to the OnMessage handler.
// Immutable once constructed.
type IncomingMessage struct {
	From       string    // transport address form (e.g. 5511999999999 or ...@c.us)
	Body       string
	SenderName string    // display name when the transport knows it
	ProviderID string    // provider-assigned message id, may be empty
	Timestamp  time.Time
}

// SendResult is the outcome of a Send. Success carries the provider message
// id when one exists; failure carries a human-readable error string.
type SendResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SendFailure builds a failed SendResult from an error message.
func SendFailure(msg string) SendResult {
	return SendResult{Success: false, Error: msg}
}

// ConnectionInfo describes the account a transport is bound to.
type ConnectionInfo struct {
	Number   string `json:"number,omitempty"`
	Name     string `json:"name,omitempty"`
	Platform string `json:"platform,omitempty"`
}
