package providers

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/toolflow/pkg/schema"
)

// MCPServerConfig describes an MCP server launched as a subprocess.
type MCPServerConfig struct {
	Name    string   `mapstructure:"name" json:"name"`
	Command string   `mapstructure:"command" json:"command"`
	Args    []string `mapstructure:"args" json:"args,omitempty"`
	Env     []string `mapstructure:"env" json:"env,omitempty"`
}

// Dialer opens a transport-ready MCP client.
type Dialer func(ctx context.Context) (*client.Client, error)

// StdioDialer launches cfg.Command and talks MCP over its stdio.
func StdioDialer(cfg MCPServerConfig) Dialer {
	return func(ctx context.Context) (*client.Client, error) {
		return client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	}
}

// MCPProvider exposes the tools of an MCP server as actions.
type MCPProvider struct {
	name string
	dial Dialer

	mu     sync.RWMutex
	client *client.Client
	tools  []ActionInfo
}

// NewMCPProvider creates a provider named name. Tools are discovered by Start.
func NewMCPProvider(name string, dial Dialer) *MCPProvider {
	return &MCPProvider{name: name, dial: dial}
}

func (p *MCPProvider) Name() string { return p.name }

func (p *MCPProvider) Actions() []ActionInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]ActionInfo(nil), p.tools...)
}

// Start connects, performs the MCP handshake and lists the server's tools.
func (p *MCPProvider) Start(ctx context.Context) error {
	c, err := p.dial(ctx)
	if err != nil {
		return err
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "toolflow", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return err
	}

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return err
	}

	tools := make([]ActionInfo, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		schemaJSON, _ := json.Marshal(t.InputSchema)
		tools = append(tools, ActionInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaJSON,
		})
	}

	p.mu.Lock()
	p.client = c
	p.tools = tools
	p.mu.Unlock()
	return nil
}

// Invoke calls the tool named action. A tool-level error result becomes a
// PROVIDER_ERROR carrying the tool's text.
func (p *MCPProvider) Invoke(ctx context.Context, action string, params map[string]any) (any, error) {
	p.mu.RLock()
	c := p.client
	p.mu.RUnlock()
	if c == nil {
		return nil, schema.NewErrorf(schema.ErrCodeProvider, "mcp provider %q not started", p.name)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = action
	req.Params.Arguments = params

	res, err := c.CallTool(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeProvider, "%s.%s: %s", p.name, action, err.Error()).WithCause(err)
	}

	text := resultText(res)
	if res.IsError {
		return nil, schema.NewErrorf(schema.ErrCodeProvider, "%s.%s: %s", p.name, action, text)
	}
	if res.StructuredContent != nil {
		return res.StructuredContent, nil
	}
	if text == "" {
		return nil, nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		return decoded, nil
	}
	return text, nil
}

// Close terminates the MCP session.
func (p *MCPProvider) Close() error {
	p.mu.Lock()
	c := p.client
	p.client = nil
	p.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

func resultText(res *mcp.CallToolResult) string {
	parts := make([]string, 0, len(res.Content))
	for _, content := range res.Content {
		if s := mcp.GetTextFromContent(content); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}
