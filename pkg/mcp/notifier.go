package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/toolflow/pkg/schema"
)

// RunNotifier pushes run events to a connected client session.
type RunNotifier interface {
	Notify(ctx context.Context, sessionID string, event schema.Event) error
}

// SessionNotifier implements RunNotifier with MCP log-message notifications.
type SessionNotifier struct {
	mcpServer *server.MCPServer
}

// NewSessionNotifier creates a notifier that pushes through mcpServer.
func NewSessionNotifier(mcpServer *server.MCPServer) *SessionNotifier {
	return &SessionNotifier{mcpServer: mcpServer}
}

// Notify sends event as a notifications/message to the session.
// Best-effort: a session that went away is not an error.
func (n *SessionNotifier) Notify(_ context.Context, sessionID string, event schema.Event) error {
	level := "info"
	switch event.Type {
	case schema.EventStepFailed, schema.EventStepCompensationFailed:
		level = "warning"
	case schema.EventStepStarted, schema.EventStepRetrying:
		level = "debug"
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", map[string]any{
		"level":  level,
		"logger": "toolflow",
		"data":   event,
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		return nil
	}
	return err
}
