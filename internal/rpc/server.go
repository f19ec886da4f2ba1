package rpc

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"lrmgateway/internal/domain"
)

// MessengerSource resolves the active messenger. The gateway factory
// satisfies it, so the subprocess and the HTTP path always agree on which
// transport variant is live.
type MessengerSource interface {
	Get(ctx context.Context) (domain.Messenger, error)
}

// Server exposes the messenger over stdio as four fixed tools:
// send_message, get_status, initialize and get_qr_code.
type Server struct {
	source MessengerSource
	logger *slog.Logger
	mcp    *mcp.Server
}

func NewServer(source MessengerSource, version string, logger *slog.Logger) *Server {
	s := &Server{source: source, logger: logger}

	srv := mcp.NewServer(&mcp.Implementation{Name: "lrm-whatsapp", Version: version}, nil)

	srv.AddTool(&mcp.Tool{
		Name:        "send_message",
		Description: "Send a WhatsApp text message through the active transport",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"to":      {Type: "string", Description: "Recipient phone number"},
				"message": {Type: "string", Description: "Message body"},
			},
			Required: []string{"to", "message"},
		},
	}, s.handleSendMessage)

	srv.AddTool(&mcp.Tool{
		Name:        "get_status",
		Description: "Report the active transport's connection state",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, s.handleGetStatus)

	srv.AddTool(&mcp.Tool{
		Name:        "initialize",
		Description: "Initialize the active transport (idempotent)",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, s.handleInitialize)

	srv.AddTool(&mcp.Tool{
		Name:        "get_qr_code",
		Description: "Return the pending QR pairing code, when the transport uses one",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, s.handleGetQRCode)

	s.mcp = srv
	return s
}

// Run serves the tool surface over stdin/stdout until ctx is cancelled or the
// parent closes the pipe.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("messenger rpc server listening on stdio")
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) handleSendMessage(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var in struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(req.Params.Arguments, &in); err != nil {
		return errorResult("parse arguments: " + err.Error()), nil
	}
	if in.To == "" || in.Message == "" {
		return errorResult("both to and message are required"), nil
	}

	m, err := s.source.Get(ctx)
	if err != nil {
		return errorResult("resolve messenger: " + err.Error()), nil
	}

	res := m.Send(ctx, in.To, in.Message)
	return jsonResult(res, !res.Success), nil
}

func (s *Server) handleGetStatus(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m, err := s.source.Get(ctx)
	if err != nil {
		return errorResult("resolve messenger: " + err.Error()), nil
	}

	status := map[string]any{
		"connected": m.Connected(),
		"transport": string(m.Kind()),
	}
	if ip, ok := m.(domain.InfoProvider); ok {
		if info, err := ip.ConnectionInfo(ctx); err == nil {
			if info.Number != "" {
				status["number"] = info.Number
			}
			if info.Name != "" {
				status["name"] = info.Name
			}
			if info.Platform != "" {
				status["platform"] = info.Platform
			}
		}
	}
	if qp, ok := m.(domain.QRProvider); ok {
		if qr := qp.QRCode(); qr != "" {
			status["qrCode"] = qr
		}
	}
	return jsonResult(status, false), nil
}

func (s *Server) handleInitialize(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m, err := s.source.Get(ctx)
	if err != nil {
		return errorResult("resolve messenger: " + err.Error()), nil
	}

	if m.Connected() {
		return jsonResult(map[string]any{"success": true, "message": "already connected"}, false), nil
	}
	if err := m.Initialize(ctx); err != nil {
		s.logger.Error("initialize failed", "transport", m.Kind(), "err", err)
		return jsonResult(map[string]any{"success": false, "error": err.Error()}, true), nil
	}
	return jsonResult(map[string]any{"success": true, "message": "initialized"}, false), nil
}

func (s *Server) handleGetQRCode(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m, err := s.source.Get(ctx)
	if err != nil {
		return errorResult("resolve messenger: " + err.Error()), nil
	}

	qp, ok := m.(domain.QRProvider)
	if !ok {
		return errorResult("the " + string(m.Kind()) + " transport has no QR pairing"), nil
	}
	return jsonResult(map[string]any{"qrCode": qp.QRCode()}, false), nil
}

// jsonResult wraps a value as a JSON text payload in the content array.
func jsonResult(v any, isError bool) *mcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResult("marshal result: " + err.Error())
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		IsError: isError,
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		IsError: true,
	}
}
