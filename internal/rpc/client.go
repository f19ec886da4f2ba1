// Package rpc carries the stdio tool-RPC surface of the gateway: a client
// that drives a messenger living in a child process, and the server that
// child process runs. Both sides speak MCP, so any protocol-aware agent can
// use the same four tools the gateway itself does.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolResult is the client-side view of one tool invocation: the first text
// content item of the response, plus the server's error flag.
type ToolResult struct {
	Text    string
	IsError bool
}

// ToolInfo describes one advertised tool.
type ToolInfo struct {
	Name        string
	Description string
}

// Client owns one messenger subprocess and issues correlated tool calls
// against it over stdio. Connect is idempotent; Close on a never-connected
// client is a no-op.
type Client struct {
	command string
	args    []string
	logger  *slog.Logger

	mu      sync.Mutex
	session *mcp.ClientSession
}

func NewClient(command string, args []string, logger *slog.Logger) *Client {
	return &Client{
		command: command,
		args:    args,
		logger:  logger,
	}
}

// Connect spawns the subprocess and performs the protocol handshake. Repeated
// calls after the first return immediately.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		return nil
	}
	if c.command == "" {
		return errors.New("rpc transport: no subprocess command configured")
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "lrm-gateway", Version: "1.0.0"}, nil)
	cmd := exec.Command(c.command, c.args...)

	session, err := client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return fmt.Errorf("connect to messenger subprocess: %w", err)
	}

	c.session = session
	c.logger.Info("messenger subprocess connected", "command", c.command)
	return nil
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// ListTools returns the tools the subprocess advertises.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return nil, errors.New("rpc transport: not connected")
	}

	res, err := session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	tools := make([]ToolInfo, 0, len(res.Tools))
	for _, t := range res.Tools {
		tools = append(tools, ToolInfo{Name: t.Name, Description: t.Description})
	}
	return tools, nil
}

// CallTool invokes one tool and extracts the first text content item.
// Transport failures come back as errors; tool-level failures come back as
// ToolResult.IsError with the server's message in Text.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return ToolResult{}, errors.New("rpc transport: not connected")
	}

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return ToolResult{}, fmt.Errorf("call %s: %w", name, err)
	}

	out := ToolResult{IsError: res.IsError}
	for _, content := range res.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			out.Text = text.Text
			break
		}
	}
	return out, nil
}

// Close terminates the session and the subprocess. Safe to call when never
// connected or already closed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	if err != nil {
		return fmt.Errorf("close messenger subprocess: %w", err)
	}
	c.logger.Info("messenger subprocess disconnected")
	return nil
}
