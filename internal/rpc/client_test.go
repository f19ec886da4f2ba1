package rpc

import (
	"context"
	"testing"
)

func TestClientConnectRequiresCommand(t *testing.T) {
	c := NewClient("", nil, serverLogger())
	if err := c.Connect(context.Background()); err == nil {
		t.Error("expected error when no command is configured")
	}
	if c.Connected() {
		t.Error("client must not report connected")
	}
}

func TestClientCloseWithoutConnect(t *testing.T) {
	c := NewClient("node", []string{"bot.js"}, serverLogger())
	if err := c.Close(); err != nil {
		t.Errorf("Close on a never-connected client: %v", err)
	}
	// Close is safe to repeat.
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestClientCallToolNotConnected(t *testing.T) {
	c := NewClient("node", nil, serverLogger())
	if _, err := c.CallTool(context.Background(), "get_status", nil); err == nil {
		t.Error("CallTool before Connect must fail")
	}
	if _, err := c.ListTools(context.Background()); err == nil {
		t.Error("ListTools before Connect must fail")
	}
}
