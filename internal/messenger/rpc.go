package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"lrmgateway/internal/domain"
	"lrmgateway/internal/rpc"
)

// ToolCaller is the slice of the rpc client the driver needs. *rpc.Client
// satisfies it; tests substitute a fake.
type ToolCaller interface {
	Connect(ctx context.Context) error
	Connected() bool
	CallTool(ctx context.Context, name string, args map[string]any) (rpc.ToolResult, error)
	Close() error
}

// RPC implements domain.Messenger by delegating every capability to a
// messenger subprocess over the tool-RPC boundary.
//
// The protocol is strictly call/response, so inbound delivery has no channel
// to travel on: OnMessage registration is accepted but never invoked. The
// transport is send-only.
type RPC struct {
	caller ToolCaller
	logger *slog.Logger

	mu          sync.Mutex
	initialized bool
	handler     func(domain.IncomingMessage)
}

func NewRPC(caller ToolCaller, logger *slog.Logger) *RPC {
	return &RPC{caller: caller, logger: logger}
}

func (r *RPC) Kind() domain.Kind { return domain.KindRPC }

func (r *RPC) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initialized && r.caller.Connected()
}

func (r *RPC) OnMessage(handler func(domain.IncomingMessage)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
	r.logger.Warn("rpc transport is send-only; the inbound handler will not be invoked")
}

func (r *RPC) Initialize(ctx context.Context) error {
	return r.ensureInitialized(ctx)
}

// ensureInitialized runs the connect+initialize sequence at most once; every
// accessor funnels through it so a cold driver costs one subprocess
// round-trip per logical operation, not one per call.
func (r *RPC) ensureInitialized(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return nil
	}
	if err := r.caller.Connect(ctx); err != nil {
		return err
	}

	res, err := r.caller.CallTool(ctx, "initialize", nil)
	if err != nil {
		return err
	}
	if res.IsError {
		return fmt.Errorf("subprocess initialize failed: %s", res.Text)
	}

	r.initialized = true
	r.logger.Info("rpc messenger initialized")
	return nil
}

func (r *RPC) Send(ctx context.Context, to, body string) domain.SendResult {
	if err := r.ensureInitialized(ctx); err != nil {
		return domain.SendFailure("rpc transport: " + err.Error())
	}

	res, err := r.caller.CallTool(ctx, "send_message", map[string]any{
		"to":      to,
		"message": body,
	})
	if err != nil {
		return domain.SendFailure("rpc transport: " + err.Error())
	}
	if res.IsError {
		var out domain.SendResult
		if json.Unmarshal([]byte(res.Text), &out) == nil && out.Error != "" {
			return out
		}
		return domain.SendFailure(res.Text)
	}

	var out domain.SendResult
	if err := json.Unmarshal([]byte(res.Text), &out); err != nil {
		return domain.SendFailure("rpc transport: parse send result: " + err.Error())
	}
	return out
}

// Status returns the subprocess's status payload, which the HTTP facade
// merges over its baseline.
func (r *RPC) Status(ctx context.Context) (map[string]any, error) {
	if err := r.ensureInitialized(ctx); err != nil {
		return nil, err
	}

	res, err := r.caller.CallTool(ctx, "get_status", nil)
	if err != nil {
		return nil, err
	}
	if res.IsError {
		return nil, errors.New(res.Text)
	}

	var status map[string]any
	if err := json.Unmarshal([]byte(res.Text), &status); err != nil {
		return nil, fmt.Errorf("parse status payload: %w", err)
	}
	return status, nil
}

// FetchQRCode asks the subprocess for a pending pairing code.
func (r *RPC) FetchQRCode(ctx context.Context) (string, error) {
	if err := r.ensureInitialized(ctx); err != nil {
		return "", err
	}

	res, err := r.caller.CallTool(ctx, "get_qr_code", nil)
	if err != nil {
		return "", err
	}
	if res.IsError {
		return "", errors.New(res.Text)
	}

	var payload struct {
		QRCode string `json:"qrCode"`
	}
	if err := json.Unmarshal([]byte(res.Text), &payload); err != nil {
		return "", fmt.Errorf("parse qr payload: %w", err)
	}
	return payload.QRCode, nil
}

func (r *RPC) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initialized = false
	return r.caller.Close()
}
