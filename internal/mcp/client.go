package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// Client calls tools on external MCP servers over the streamable HTTP
// transport. Every call opens its own session and closes it afterwards;
// connections are never pooled.
type Client struct {
	name    string
	version string
	logger  *slog.Logger
}

// NewClient returns a Client that identifies itself with the given version.
func NewClient(version string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{name: "tsunagi", version: version, logger: logger}
}

// CallTool connects to the server at serverURL, invokes toolName with args,
// and returns the text content of the result. A result flagged as an error
// by the server is returned as a Go error carrying the server's message.
func (c *Client) CallTool(ctx context.Context, serverURL, serverName, toolName string, args map[string]any) (string, error) {
	cl, err := mcpclient.NewStreamableHttpClient(serverURL)
	if err != nil {
		return "", fmt.Errorf("mcp: connect %s: %w", serverName, err)
	}
	defer func() {
		if err := cl.Close(); err != nil {
			c.logger.Debug("mcp: close client", "server", serverName, "error", err)
		}
	}()

	if _, err := cl.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ProtocolVersion: mcplib.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcplib.Implementation{Name: c.name, Version: c.version},
		},
	}); err != nil {
		return "", fmt.Errorf("mcp: initialize %s: %w", serverName, err)
	}

	res, err := cl.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	})
	if err != nil {
		return "", fmt.Errorf("mcp: call %s on %s: %w", toolName, serverName, err)
	}

	text := resultText(res)
	if res.IsError {
		return "", fmt.Errorf("mcp: %s on %s failed: %s", toolName, serverName, text)
	}
	return text, nil
}

// resultText joins the text parts of a tool result. Non-text parts are skipped.
func resultText(res *mcplib.CallToolResult) string {
	var parts []string
	for _, content := range res.Content {
		if tc, ok := mcplib.AsTextContent(content); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
