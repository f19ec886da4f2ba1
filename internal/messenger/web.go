package messenger

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/google/uuid"

	"lrmgateway/internal/config"
	"lrmgateway/internal/domain"
)

const (
	whatsappWebURL = "https://web.whatsapp.com"
	waSuffix       = "@c.us"
	groupSuffix    = "@g.us"

	defaultQRTimeout = 120 * time.Second
	loginPollEvery   = 2 * time.Second
	inboundPollEvery = 3 * time.Second
	sendTimeout      = 45 * time.Second
)

type webState int

const (
	stateUninitialized webState = iota
	stateAwaitingScan
	stateReady
	stateDisconnected
)

func (s webState) String() string {
	switch s {
	case stateAwaitingScan:
		return "awaiting-scan"
	case stateReady:
		return "ready"
	case stateDisconnected:
		return "disconnected"
	default:
		return "uninitialized"
	}
}

// Web implements domain.Messenger by driving a WhatsApp Web session in a
// headless Chrome instance with a persisted profile, so a session survives
// restarts without a fresh QR handshake.
type Web struct {
	profileDir  string
	headless    bool
	countryCode string
	qrTimeout   time.Duration
	logger      *slog.Logger

	mu          sync.Mutex
	state       webState
	qrCode      string
	selfID      string
	handler     func(domain.IncomingMessage)
	browser     context.Context
	cancelTask  context.CancelFunc
	cancelAlloc context.CancelFunc
	pollStop    context.CancelFunc
	seen        map[string]string // chat id -> last delivered body
}

func NewWeb(cfg config.WebConfig, countryCode string, logger *slog.Logger) *Web {
	profileDir := cfg.ProfileDir
	if profileDir == "" {
		home, _ := os.UserHomeDir()
		profileDir = filepath.Join(home, ".lrmgateway", "chrome-profile")
	}
	qrTimeout := defaultQRTimeout
	if cfg.QRTimeoutSeconds > 0 {
		qrTimeout = time.Duration(cfg.QRTimeoutSeconds) * time.Second
	}
	if countryCode == "" {
		countryCode = "55"
	}
	return &Web{
		profileDir:  profileDir,
		headless:    cfg.Headless,
		countryCode: countryCode,
		qrTimeout:   qrTimeout,
		logger:      logger,
		seen:        make(map[string]string),
	}
}

func (w *Web) Kind() domain.Kind { return domain.KindWeb }

func (w *Web) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == stateReady
}

// QRCode returns the pending pairing code, or "" when no scan is expected.
func (w *Web) QRCode() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.qrCode
}

func (w *Web) OnMessage(handler func(domain.IncomingMessage)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handler = handler
}

// Initialize opens the WhatsApp Web page and waits for the session to become
// ready. While the login screen is showing, the QR payload is cached for the
// status surface; the wait is bounded by the configured scan timeout.
//
// A retry after a scan timeout resumes the browser that is already showing
// the login page. Launching a second Chrome would orphan the first and
// contend for the profile's singleton lock.
func (w *Web) Initialize(ctx context.Context) error {
	w.mu.Lock()
	if w.state == stateReady {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	if browser := w.resumeBrowser(); browser != nil {
		return w.awaitLogin(ctx, browser)
	}

	if err := os.MkdirAll(w.profileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(w.profileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.UserAgent("Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"),
	)
	if w.headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	// The browser outlives the initialize call, so it hangs off Background
	// rather than the request context.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)

	if err := chromedp.Run(taskCtx, chromedp.Navigate(whatsappWebURL)); err != nil {
		cancelTask()
		cancelAlloc()
		return fmt.Errorf("open whatsapp web: %w", err)
	}

	w.mu.Lock()
	w.browser = taskCtx
	w.cancelTask = cancelTask
	w.cancelAlloc = cancelAlloc
	w.state = stateAwaitingScan
	w.mu.Unlock()

	return w.awaitLogin(ctx, taskCtx)
}

// resumeBrowser returns the live browser context left by a previous attempt,
// or nil after tearing a dead one down so the caller can relaunch.
func (w *Web) resumeBrowser() context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.browser == nil {
		return nil
	}
	if w.browser.Err() == nil {
		return w.browser
	}
	w.closeBrowserLocked()
	w.state = stateUninitialized
	return nil
}

// awaitLogin polls the page until login is detected or the scan timeout
// elapses, caching the QR payload while the login screen is showing.
func (w *Web) awaitLogin(ctx context.Context, taskCtx context.Context) error {
	deadline := time.Now().Add(w.qrTimeout)
	ticker := time.NewTicker(loginPollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		var loggedIn bool
		if err := chromedp.Run(taskCtx,
			chromedp.Evaluate(`document.querySelector('#side') !== null`, &loggedIn),
		); err != nil {
			return fmt.Errorf("probe session state: %w", err)
		}

		if loggedIn {
			w.becomeReady(taskCtx)
			return nil
		}

		var qr string
		if err := chromedp.Run(taskCtx,
			chromedp.Evaluate(`(document.querySelector('div[data-ref]') || {getAttribute: () => ''}).getAttribute('data-ref') || ''`, &qr),
		); err == nil && qr != "" {
			w.mu.Lock()
			if w.qrCode != qr {
				w.logger.Info("qr code issued, waiting for scan")
			}
			w.qrCode = qr
			w.mu.Unlock()
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s waiting for the QR code scan", w.qrTimeout)
		}
	}
}

// becomeReady flips the state machine to Ready and starts the inbound poll loop.
func (w *Web) becomeReady(taskCtx context.Context) {
	var selfID string
	_ = chromedp.Run(taskCtx, chromedp.Evaluate(
		`(localStorage.getItem('last-wid-md') || localStorage.getItem('last-wid') || '').replace(/"/g, '')`,
		&selfID,
	))

	pollCtx, pollStop := context.WithCancel(taskCtx)

	w.mu.Lock()
	w.state = stateReady
	w.qrCode = ""
	w.selfID = selfID
	w.pollStop = pollStop
	w.mu.Unlock()

	w.logger.Info("whatsapp web session ready", "account", selfID)
	go w.pollInbound(pollCtx, taskCtx)
}

// Send fails fast when the session is not ready; it never queues.
func (w *Web) Send(ctx context.Context, to, body string) domain.SendResult {
	w.mu.Lock()
	state := w.state
	browser := w.browser
	w.mu.Unlock()

	if state != stateReady {
		return domain.SendFailure(fmt.Sprintf("whatsapp web session is %s; initialize and scan the QR code first", state))
	}

	number := w.FormatNumber(to)
	phone := strings.TrimSuffix(number, waSuffix)

	sendCtx, cancel := context.WithTimeout(browser, sendTimeout)
	defer cancel()

	composeURL := fmt.Sprintf("%s/send?phone=%s&text=%s", whatsappWebURL, phone, url.QueryEscape(body))
	err := chromedp.Run(sendCtx,
		chromedp.Navigate(composeURL),
		chromedp.WaitVisible(`footer div[contenteditable="true"]`, chromedp.ByQuery),
		chromedp.Sleep(500*time.Millisecond),
		chromedp.Click(`footer div[contenteditable="true"]`, chromedp.ByQuery),
		chromedp.KeyEvent(kb.Enter),
		chromedp.Sleep(500*time.Millisecond),
	)
	if err != nil {
		w.logger.Error("web send failed", "to", number, "err", err)
		return domain.SendFailure("send via whatsapp web: " + err.Error())
	}

	// WhatsApp Web exposes no message id to the page; issue a local receipt id.
	id := "web-" + uuid.NewString()
	w.logger.Info("message sent", "to", number, "id", id)
	return domain.SendResult{Success: true, MessageID: id}
}

func (w *Web) ConnectionInfo(ctx context.Context) (domain.ConnectionInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	number := w.selfID
	if i := strings.Index(number, "@"); i >= 0 {
		number = number[:i]
	}
	if i := strings.Index(number, ":"); i >= 0 {
		number = number[:i]
	}
	return domain.ConnectionInfo{
		Number:   number,
		Platform: "whatsapp-web",
	}, nil
}

func (w *Web) Disconnect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closeBrowserLocked()
	w.state = stateDisconnected
	w.qrCode = ""
	return nil
}

// closeBrowserLocked stops the poll loop and releases both chromedp contexts.
// Callers hold w.mu.
func (w *Web) closeBrowserLocked() {
	if w.pollStop != nil {
		w.pollStop()
		w.pollStop = nil
	}
	if w.cancelTask != nil {
		w.cancelTask()
		w.cancelTask = nil
	}
	if w.cancelAlloc != nil {
		w.cancelAlloc()
		w.cancelAlloc = nil
	}
	w.browser = nil
}

// pollInbound watches the chat list for unread messages and delivers them to
// the registered handler.
func (w *Web) pollInbound(ctx context.Context, browser context.Context) {
	ticker := time.NewTicker(inboundPollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var rows []inboundRow
		err := chromedp.Run(browser, chromedp.Evaluate(unreadChatsJS, &rows))
		if err != nil {
			w.logger.Debug("inbound poll failed", "err", err)
			continue
		}

		for _, row := range rows {
			if !w.shouldDeliver(row.ChatID) {
				continue
			}

			w.mu.Lock()
			if w.seen[row.ChatID] == row.Body {
				w.mu.Unlock()
				continue
			}
			w.seen[row.ChatID] = row.Body
			handler := w.handler
			w.mu.Unlock()

			if handler == nil || row.Body == "" {
				continue
			}
			handler(domain.IncomingMessage{
				From:       row.ChatID,
				Body:       row.Body,
				SenderName: row.Title,
				Timestamp:  time.Now(),
			})
		}
	}
}

// shouldDeliver is the inbound filter: the driver's own account and group
// chats are suppressed so replies never echo back and group noise stays out.
func (w *Web) shouldDeliver(chatID string) bool {
	if chatID == "" {
		return false
	}
	if strings.HasSuffix(chatID, groupSuffix) {
		return false
	}
	w.mu.Lock()
	self := w.selfID
	w.mu.Unlock()
	if self != "" && strings.HasPrefix(chatID, strings.TrimSuffix(self, waSuffix)) {
		return false
	}
	return true
}

// FormatNumber normalizes a recipient into the WhatsApp Web address form.
// Already-suffixed values pass through unchanged, so formatting is idempotent.
func (w *Web) FormatNumber(raw string) string {
	if strings.HasSuffix(raw, waSuffix) {
		return raw
	}
	var b []byte
	for i := 0; i < len(raw); i++ {
		if raw[i] >= '0' && raw[i] <= '9' {
			b = append(b, raw[i])
		}
	}
	digits := string(b)
	if !strings.HasPrefix(digits, w.countryCode) {
		digits = w.countryCode + digits
	}
	return digits + waSuffix
}

type inboundRow struct {
	ChatID string `json:"chatId"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// unreadChatsJS scrapes the chat list for rows carrying an unread badge and
// returns chat id, title and last-message preview for each.
const unreadChatsJS = `(() => {
	const out = [];
	for (const row of document.querySelectorAll('#pane-side [role="listitem"]')) {
		if (!row.querySelector('span[aria-label*="unread" i], span[aria-label*="não lida" i]')) continue;
		const chat = row.querySelector('[data-id]');
		const title = row.querySelector('span[title]');
		const preview = row.querySelectorAll('span[title]').length > 1
			? row.querySelectorAll('span[title]')[1] : null;
		out.push({
			chatId: chat ? chat.getAttribute('data-id') : (title ? title.getAttribute('title') : ''),
			title: title ? title.getAttribute('title') : '',
			body: preview ? preview.getAttribute('title') : '',
		});
	}
	return out;
})()`
