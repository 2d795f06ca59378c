package providers

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/toolflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSourceControlServer is an in-process MCP server standing in for a
// source-control provider.
func newSourceControlServer() *server.MCPServer {
	s := server.NewMCPServer("scm", "0.0.1", server.WithToolCapabilities(false))
	s.AddTool(
		mcp.NewTool("create_branch",
			mcp.WithDescription("Create a branch"),
			mcp.WithString("name", mcp.Required()),
		),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			name, err := req.RequireString("name")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText(`{"id":"br-7","ref":"` + name + `"}`), nil
		},
	)
	s.AddTool(
		mcp.NewTool("whoami", mcp.WithDescription("Plain text reply")),
		func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("toolflow-bot"), nil
		},
	)
	return s
}

func inProcessDialer(s *server.MCPServer) Dialer {
	return func(ctx context.Context) (*client.Client, error) {
		c, err := client.NewInProcessClient(s)
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}

func TestMCPProvider_DiscoversAndCallsTools(t *testing.T) {
	ctx := context.Background()
	p := NewMCPProvider("github", inProcessDialer(newSourceControlServer()))
	require.NoError(t, p.Start(ctx))
	defer p.Close()

	names := make([]string, 0)
	for _, a := range p.Actions() {
		names = append(names, a.Name)
	}
	assert.ElementsMatch(t, []string{"create_branch", "whoami"}, names)

	out, err := p.Invoke(ctx, "create_branch", map[string]any{"name": "feature/x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "br-7", "ref": "feature/x"}, out)

	out, err = p.Invoke(ctx, "whoami", nil)
	require.NoError(t, err)
	assert.Equal(t, "toolflow-bot", out)
}

func TestMCPProvider_ToolErrorIsProviderError(t *testing.T) {
	ctx := context.Background()
	p := NewMCPProvider("github", inProcessDialer(newSourceControlServer()))
	require.NoError(t, p.Start(ctx))
	defer p.Close()

	_, err := p.Invoke(ctx, "create_branch", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeProvider, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "github.create_branch")
}

func TestMCPProvider_ThroughRegistry(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(DefaultBreakerConfig(), nil)
	require.NoError(t, r.Register(NewMCPProvider("github", inProcessDialer(newSourceControlServer()))))
	require.NoError(t, r.Start(ctx))
	defer r.Close()

	out, err := r.Invoke(ctx, "github", "create_branch", map[string]any{"name": "main"})
	require.NoError(t, err)
	assert.Equal(t, "main", out.(map[string]any)["ref"])

	_, err = r.Invoke(ctx, "github", "delete_repo", nil)
	assert.Equal(t, schema.ErrCodeProviderNotFound, schema.CodeOf(err))
}

func TestMCPProvider_NotStarted(t *testing.T) {
	p := NewMCPProvider("github", nil)
	assert.Empty(t, p.Actions())
	_, err := p.Invoke(context.Background(), "create_branch", nil)
	assert.Equal(t, schema.ErrCodeProvider, schema.CodeOf(err))
	assert.NoError(t, p.Close())
}
