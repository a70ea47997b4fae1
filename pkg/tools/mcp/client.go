// Package mcp adapts Model Context Protocol servers to tools.Adapter.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"mcpagent/pkg/config"
	"mcpagent/pkg/tools"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	clientName    = "mcpagent"
	clientVersion = "0.1.0"
)

// TransportFunc builds the transport for one connection attempt.
type TransportFunc func(ctx context.Context) (mcpsdk.Transport, error)

// Client is a tools.Adapter backed by one MCP server session.
type Client struct {
	name      string
	transport TransportFunc
	impl      *mcpsdk.Client

	mu      sync.RWMutex
	session *mcpsdk.ClientSession
	tools   []tools.Tool
	closed  bool
}

// NewClient creates an adapter for the server described by cfg. Nothing is
// started until Connect.
func NewClient(cfg config.MCPServerConfig) (*Client, error) {
	build, err := transportFor(cfg)
	if err != nil {
		return nil, fmt.Errorf("mcp server %s: %w", cfg.Name, err)
	}
	return NewClientWithTransport(cfg.Name, build), nil
}

// NewClientWithTransport creates an adapter over a caller-supplied transport.
func NewClientWithTransport(name string, build TransportFunc) *Client {
	return &Client{
		name:      name,
		transport: build,
		impl:      mcpsdk.NewClient(&mcpsdk.Implementation{Name: clientName, Version: clientVersion}, nil),
	}
}

// Name implements tools.Adapter.
func (c *Client) Name() string {
	return c.name
}

// Connect performs the initialize handshake and lists the server's tools.
func (c *Client) Connect(ctx context.Context) ([]tools.Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%s: %w", c.name, tools.ErrAdapterClosed)
	}
	if c.session != nil {
		return append([]tools.Tool(nil), c.tools...), nil
	}

	transport, err := c.transport(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: build transport: %w", c.name, err)
	}
	session, err := c.impl.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: connect: %w", c.name, err)
	}

	var list []tools.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("%s: list tools: %w", c.name, err)
		}
		list = append(list, toTool(tool))
	}

	c.session = session
	c.tools = list
	slog.InfoContext(ctx, "MCP server connected", "server", c.name, "tools", len(list))
	return append([]tools.Tool(nil), list...), nil
}

// Tools implements tools.Adapter.
func (c *Client) Tools() []tools.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]tools.Tool(nil), c.tools...)
}

// Call invokes a tool on the server.
func (c *Client) Call(ctx context.Context, name string, args map[string]any) (tools.Result, error) {
	c.mu.RLock()
	session, closed := c.session, c.closed
	c.mu.RUnlock()
	switch {
	case closed:
		return nil, fmt.Errorf("%s: %w", c.name, tools.ErrAdapterClosed)
	case session == nil:
		return nil, fmt.Errorf("%s: %w", c.name, tools.ErrNotConnected)
	}

	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("%s: call %s: %w", c.name, name, err)
	}
	return toResult(res), nil
}

// Close ends the session and, for stdio servers, the child process. It is
// a no-op when never connected or already closed.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.closed = true
	c.mu.Unlock()

	if session == nil {
		return nil
	}
	if err := session.Close(); err != nil {
		return fmt.Errorf("%s: close: %w", c.name, err)
	}
	slog.DebugContext(ctx, "MCP server disconnected", "server", c.name)
	return nil
}

//----------------------------------------------------------------
// conversions
//----------------------------------------------------------------

func toTool(t *mcpsdk.Tool) tools.Tool {
	if t == nil {
		return tools.Tool{}
	}
	return tools.Tool{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  schemaMap(t.InputSchema),
	}
}

// schemaMap turns whatever the SDK decoded the input schema into back into
// a plain JSON object.
func schemaMap(schema any) map[string]any {
	switch s := schema.(type) {
	case nil:
		return map[string]any{"type": "object"}
	case map[string]any:
		return s
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return map[string]any{"type": "object"}
	}
	return out
}

// toResult maps a CallToolResult onto the result union. A result carrying
// only structured output is passed through opaque.
func toResult(res *mcpsdk.CallToolResult) tools.Result {
	if res == nil {
		return tools.StructuredContent{}
	}
	if len(res.Content) == 0 && res.StructuredContent != nil {
		return tools.RawOpaque{Value: res.StructuredContent}
	}

	out := tools.StructuredContent{IsError: res.IsError}
	for _, content := range res.Content {
		switch v := content.(type) {
		case *mcpsdk.TextContent:
			out.Content = append(out.Content, tools.ContentItem{Type: "text", Text: v.Text})
		case *mcpsdk.ImageContent:
			out.Content = append(out.Content, tools.ContentItem{Type: "image", MimeType: v.MIMEType})
		case *mcpsdk.AudioContent:
			out.Content = append(out.Content, tools.ContentItem{Type: "audio", MimeType: v.MIMEType})
		case *mcpsdk.EmbeddedResource:
			item := tools.ContentItem{Type: "resource"}
			if v.Resource != nil {
				item.Text = v.Resource.Text
				item.MimeType = v.Resource.MIMEType
			}
			out.Content = append(out.Content, item)
		case *mcpsdk.ResourceLink:
			out.Content = append(out.Content, tools.ContentItem{Type: "resource_link", MimeType: v.MIMEType})
		}
	}
	return out
}

//----------------------------------------------------------------
// transports
//----------------------------------------------------------------

func transportFor(cfg config.MCPServerConfig) (TransportFunc, error) {
	switch strings.ToLower(cfg.Transport) {
	case "", "stdio":
		if strings.TrimSpace(cfg.Command) == "" {
			return nil, fmt.Errorf("stdio transport requires a command")
		}
		return func(ctx context.Context) (mcpsdk.Transport, error) {
			// #nosec G204 -- command comes from the operator's config file
			cmd := exec.Command(cfg.Command, cfg.Args...)
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
			cmd.Stderr = os.Stderr
			return &mcpsdk.CommandTransport{Command: cmd}, nil
		}, nil
	case "sse":
		endpoint, err := normalizeHTTPURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid SSE endpoint: %w", err)
		}
		return func(ctx context.Context) (mcpsdk.Transport, error) {
			return &mcpsdk.SSEClientTransport{Endpoint: endpoint}, nil
		}, nil
	case "http":
		endpoint, err := normalizeHTTPURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid HTTP endpoint: %w", err)
		}
		return func(ctx context.Context) (mcpsdk.Transport, error) {
			return &mcpsdk.StreamableClientTransport{Endpoint: endpoint}, nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

func normalizeHTTPURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("endpoint is empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("missing host")
	}
	parsed.Scheme = scheme
	return parsed.String(), nil
}
