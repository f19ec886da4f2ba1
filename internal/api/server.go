// Package api is the HTTP facade over the active messenger. It adapts the
// capability differences of the three transport variants into one uniform
// response shape.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"lrmgateway/internal/config"
	"lrmgateway/internal/domain"
	"lrmgateway/internal/metrics"
	"lrmgateway/internal/store"
)

const maxWebhookBody = 1 << 20 // 1MB

// MessengerSource resolves the active messenger; the factory satisfies it.
type MessengerSource interface {
	Get(ctx context.Context) (domain.Messenger, error)
}

// Server exposes the gateway over HTTP.
type Server struct {
	source  MessengerSource
	store   *store.Store // nil when the message log is disabled
	logger  *slog.Logger
	host    string
	port    int
	metrics bool
	server  *http.Server
}

type Config struct {
	API     config.APIConfig
	Metrics bool
	Source  MessengerSource
	Store   *store.Store
	Logger  *slog.Logger
}

func New(cfg Config) *Server {
	host := cfg.API.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.API.Port
	if port == 0 {
		port = 3001
	}
	return &Server{
		source:  cfg.Source,
		store:   cfg.Store,
		logger:  cfg.Logger,
		host:    host,
		port:    port,
		metrics: cfg.Metrics,
	}
}

// Routes builds the handler; split out so tests can drive it directly.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /whatsapp/status", s.handleStatus)
	mux.HandleFunc("POST /whatsapp/send", s.handleSend)
	mux.HandleFunc("GET /whatsapp/webhook", s.handleWebhookVerify)
	mux.HandleFunc("POST /whatsapp/webhook", s.handleWebhookReceive)
	mux.HandleFunc("POST /whatsapp/initialize", s.handleInitialize)
	mux.HandleFunc("GET /whatsapp/messages", s.handleMessages)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	if s.metrics {
		mux.HandleFunc("GET /metrics", metrics.Collector.Handler())
	}

	return s.recover(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Routes(),
	}

	s.logger.Info("gateway API started", "addr", "http://"+addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// recover is the last line of defense: residual panics become a 500 with the
// message in the body.
func (s *Server) recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic", "path", r.URL.Path, "err", rec)
				writeJSON(rw, http.StatusInternalServerError, map[string]any{
					"error": fmt.Sprint(rec),
				})
			}
		}()
		next.ServeHTTP(rw, r)
	})
}

func (s *Server) handleStatus(rw http.ResponseWriter, r *http.Request) {
	m, err := s.source.Get(r.Context())
	if err != nil {
		writeJSON(rw, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	status := map[string]any{
		"connected": m.Connected(),
		"platform":  nil,
		"number":    nil,
		"name":      nil,
		"qrCode":    nil,
	}
	if ip, ok := m.(domain.InfoProvider); ok {
		if info, err := ip.ConnectionInfo(r.Context()); err == nil {
			if info.Platform != "" {
				status["platform"] = info.Platform
			}
			if info.Number != "" {
				status["number"] = info.Number
			}
			if info.Name != "" {
				status["name"] = info.Name
			}
		}
	}
	if qp, ok := m.(domain.QRProvider); ok {
		if qr := qp.QRCode(); qr != "" {
			status["qrCode"] = qr
		}
	}
	// The rpc variant's state lives in the subprocess; its payload wins.
	if sp, ok := m.(domain.StatusProvider); ok {
		if payload, err := sp.Status(r.Context()); err == nil {
			for k, v := range payload {
				status[k] = v
			}
		} else {
			s.logger.Warn("status call to subprocess failed", "err", err)
		}
	}
	// Subprocesses that keep the QR code out of their status payload still
	// answer a direct fetch.
	if status["qrCode"] == nil {
		if qf, ok := m.(domain.QRFetcher); ok {
			if qr, err := qf.FetchQRCode(r.Context()); err == nil && qr != "" {
				status["qrCode"] = qr
			}
		}
	}

	if connected, ok := status["connected"].(bool); ok && connected {
		metrics.GatewayConnected.Set(1)
	} else {
		metrics.GatewayConnected.Set(0)
	}

	writeJSON(rw, http.StatusOK, status)
}

func (s *Server) handleSend(rw http.ResponseWriter, r *http.Request) {
	var body struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "invalid JSON body",
		})
		return
	}
	if body.To == "" || body.Message == "" {
		writeJSON(rw, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "both to and message are required",
		})
		return
	}

	m, err := s.source.Get(r.Context())
	if err != nil {
		writeJSON(rw, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	res := m.Send(r.Context(), body.To, body.Message)
	if !res.Success {
		metrics.SendFailures.Inc()
		writeJSON(rw, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   res.Error,
		})
		return
	}

	metrics.MessagesSent.Inc()
	if s.store != nil {
		if err := s.store.SaveOutbound(r.Context(), body.To, body.Message, res.MessageID); err != nil {
			s.logger.Error("log outbound message failed", "err", err)
		}
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"success":   true,
		"messageId": res.MessageID,
		"message":   "message sent",
	})
}

func (s *Server) handleWebhookVerify(rw http.ResponseWriter, r *http.Request) {
	m, err := s.source.Get(r.Context())
	if err != nil {
		writeJSON(rw, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	wr, ok := m.(domain.WebhookReceiver)
	if !ok {
		writeJSON(rw, http.StatusNotFound, map[string]any{
			"error": "the " + string(m.Kind()) + " transport has no webhook",
		})
		return
	}

	q := r.URL.Query()
	challenge, ok := wr.VerifyWebhook(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
	if !ok {
		s.logger.Warn("webhook verification rejected", "mode", q.Get("hub.mode"))
		writeJSON(rw, http.StatusForbidden, map[string]any{"error": "verification failed"})
		return
	}

	s.logger.Info("webhook verified")
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.WriteHeader(http.StatusOK)
	fmt.Fprint(rw, challenge)
}

// handleWebhookReceive always answers 200 for the cloud variant, even when
// processing fails: a non-200 would trigger the provider's retry storm. The
// error detail travels in the body instead.
func (s *Server) handleWebhookReceive(rw http.ResponseWriter, r *http.Request) {
	m, err := s.source.Get(r.Context())
	if err != nil {
		writeJSON(rw, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	wr, ok := m.(domain.WebhookReceiver)
	if !ok {
		writeJSON(rw, http.StatusNotFound, map[string]any{
			"error": "the " + string(m.Kind()) + " transport has no webhook",
		})
		return
	}

	metrics.WebhookRequests.Inc()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(rw, http.StatusOK, map[string]any{"error": "read body: " + err.Error()})
		return
	}
	if sv, ok := m.(domain.SignatureVerifier); ok {
		if !sv.VerifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
			s.logger.Warn("webhook signature rejected")
			writeJSON(rw, http.StatusOK, map[string]any{"error": "invalid signature"})
			return
		}
	}
	if err := wr.HandleWebhook(r.Context(), body); err != nil {
		s.logger.Error("webhook processing failed", "err", err)
		writeJSON(rw, http.StatusOK, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleInitialize(rw http.ResponseWriter, r *http.Request) {
	m, err := s.source.Get(r.Context())
	if err != nil {
		writeJSON(rw, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	if m.Connected() {
		writeJSON(rw, http.StatusOK, map[string]any{
			"success":        true,
			"message":        "already connected",
			"connectionInfo": connectionInfo(r.Context(), m),
		})
		return
	}

	if err := m.Initialize(r.Context()); err != nil {
		s.logger.Error("initialize failed", "transport", m.Kind(), "err", err)
		writeJSON(rw, http.StatusInternalServerError, map[string]any{
			"error":   err.Error(),
			"message": "initialization failed; check the gateway logs",
		})
		return
	}

	writeJSON(rw, http.StatusOK, map[string]any{
		"success":        true,
		"message":        "initialized",
		"connectionInfo": connectionInfo(r.Context(), m),
	})
}

func (s *Server) handleMessages(rw http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(rw, http.StatusNotFound, map[string]any{"error": "message log is disabled"})
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	entries, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		writeJSON(rw, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []store.Entry{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"messages": entries})
}

func (s *Server) handleHealth(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func connectionInfo(ctx context.Context, m domain.Messenger) map[string]any {
	out := map[string]any{}
	if ip, ok := m.(domain.InfoProvider); ok {
		if info, err := ip.ConnectionInfo(ctx); err == nil {
			if info.Number != "" {
				out["number"] = info.Number
			}
			if info.Name != "" {
				out["name"] = info.Name
			}
			if info.Platform != "" {
				out["platform"] = info.Platform
			}
		}
	}
	return out
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
