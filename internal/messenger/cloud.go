package messenger

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"lrmgateway/internal/config"
	"lrmgateway/internal/domain"
)

const defaultCloudAPIBase = "https://graph.facebook.com/v21.0"

// nationalNumberLen is the maximum length of a Brazilian national number
// (2-digit area code + 9-digit mobile). Anything longer already carries a
// country code.
const nationalNumberLen = 11

// Cloud implements domain.Messenger over the WhatsApp Business Cloud API.
// The transport is stateless HTTP: Connected is always true once the
// credentials are present.
type Cloud struct {
	base        string
	accessToken string
	phoneID     string
	verifyToken string
	appSecret   string
	countryCode string
	client      *http.Client
	logger      *slog.Logger

	mu      sync.Mutex
	handler func(domain.IncomingMessage)
}

func NewCloud(cfg config.CloudConfig, countryCode string, logger *slog.Logger) (*Cloud, error) {
	if cfg.AccessToken == "" {
		return nil, errors.New("cloud transport: access token is required")
	}
	if cfg.PhoneNumberID == "" {
		return nil, errors.New("cloud transport: phone number id is required")
	}
	base := cfg.APIBase
	if base == "" {
		base = defaultCloudAPIBase
	}
	if countryCode == "" {
		countryCode = "55"
	}
	return &Cloud{
		base:        base,
		accessToken: cfg.AccessToken,
		phoneID:     cfg.PhoneNumberID,
		verifyToken: cfg.VerifyToken,
		appSecret:   cfg.AppSecret,
		countryCode: countryCode,
		client:      &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
	}, nil
}

func (c *Cloud) Kind() domain.Kind { return domain.KindCloud }

func (c *Cloud) Connected() bool { return true }

// Initialize performs one credential-verification round-trip against the
// phone-number endpoint.
func (c *Cloud) Initialize(ctx context.Context) error {
	url := fmt.Sprintf("%s/%s", c.base, c.phoneID)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("invalid credentials: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.New("invalid access token")
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("invalid credentials: cloud API %d: %s", resp.StatusCode, string(body))
	}

	c.logger.Info("cloud API credentials verified", "phone_id", c.phoneID)
	return nil
}

// Send posts a text message. Every failure, HTTP or provider-side, is folded
// into the SendResult.
func (c *Cloud) Send(ctx context.Context, to, body string) domain.SendResult {
	to = c.FormatNumber(to)

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]string{"body": body},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.SendFailure("marshal payload: " + err.Error())
	}

	url := fmt.Sprintf("%s/%s/messages", c.base, c.phoneID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return domain.SendFailure("build request: " + err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.SendFailure("send: " + err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		c.logger.Error("cloud API send failed", "status", resp.StatusCode, "to", to)
		return domain.SendFailure(fmt.Sprintf("cloud API %d: %s", resp.StatusCode, string(respBody)))
	}

	var parsed struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return domain.SendFailure("parse response: " + err.Error())
	}
	if len(parsed.Messages) == 0 {
		return domain.SendFailure("cloud API response carried no message id")
	}

	c.logger.Info("message sent", "to", to, "id", parsed.Messages[0].ID)
	return domain.SendResult{Success: true, MessageID: parsed.Messages[0].ID}
}

func (c *Cloud) OnMessage(handler func(domain.IncomingMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

func (c *Cloud) Disconnect(ctx context.Context) error { return nil }

func (c *Cloud) ConnectionInfo(ctx context.Context) (domain.ConnectionInfo, error) {
	return domain.ConnectionInfo{
		Number:   c.phoneID,
		Platform: "whatsapp-cloud-api",
	}, nil
}

// VerifyWebhook answers the provider's subscription challenge. The challenge
// is echoed only when mode is "subscribe" and the token matches exactly.
func (c *Cloud) VerifyWebhook(mode, token, challenge string) (string, bool) {
	if mode != "subscribe" {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(c.verifyToken)) != 1 {
		return "", false
	}
	return challenge, true
}

// VerifySignature checks the X-Hub-Signature-256 header over the raw payload.
// Without a configured app secret the check is disabled.
func (c *Cloud) VerifySignature(body []byte, signature string) bool {
	if c.appSecret == "" {
		return true
	}
	if len(signature) < 7 || signature[:7] != "sha256=" {
		return false
	}
	expected := signature[7:]

	mac := hmac.New(sha256.New, []byte(c.appSecret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(computed))
}

// HandleWebhook parses an inbound provider payload and delivers text messages
// to the registered handler. Payloads without a messages array (delivery
// receipts, status updates) are ignored.
func (c *Cloud) HandleWebhook(ctx context.Context, body []byte) error {
	var payload waPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("parse webhook payload: %w", err)
	}

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Value.Messages == nil {
				continue
			}
			names := map[string]string{}
			for _, contact := range change.Value.Contacts {
				names[contact.WaID] = contact.Profile.Name
			}
			for _, msg := range change.Value.Messages {
				if msg.Type != "text" || msg.Text == nil {
					continue
				}

				ts := time.Now()
				if sec, err := strconv.ParseInt(msg.Timestamp, 10, 64); err == nil {
					ts = time.Unix(sec, 0)
				}

				c.logger.Info("webhook message received", "from", msg.From, "id", msg.ID)

				if handler == nil {
					continue
				}
				handler(domain.IncomingMessage{
					From:       msg.From,
					Body:       msg.Text.Body,
					SenderName: names[msg.From],
					ProviderID: msg.ID,
					Timestamp:  ts,
				})
			}
		}
	}
	return nil
}

// FormatNumber normalizes a recipient into the Cloud API address form.
// Non-digits (including a leading plus) are stripped; the country code is
// prepended only when the remainder still looks like a national number.
func (c *Cloud) FormatNumber(raw string) string {
	var b []byte
	for i := 0; i < len(raw); i++ {
		if raw[i] >= '0' && raw[i] <= '9' {
			b = append(b, raw[i])
		}
	}
	n := string(b)
	if len(n) <= nationalNumberLen && !strings.HasPrefix(n, c.countryCode) {
		n = c.countryCode + n
	}
	return n
}

// --- Cloud API webhook payload types ---

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Contacts         []waContact `json:"contacts"`
	Messages         []waMessage `json:"messages"`
}

type waContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type waMessage struct {
	From      string  `json:"from"`
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	Timestamp string  `json:"timestamp"`
	Text      *waText `json:"text,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}
