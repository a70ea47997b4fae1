package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// LocalAdapter serves the tools of a ToolRegistry through the Adapter
// interface. Tool failures become error results, the way an MCP server
// reports them; only adapter-level problems are returned as errors.
type LocalAdapter struct {
	name     string
	registry *ToolRegistry

	mu        sync.RWMutex
	tools     []Tool
	connected bool
	closed    bool
}

// NewLocalAdapter creates an adapter named name over registry.
func NewLocalAdapter(name string, registry *ToolRegistry) *LocalAdapter {
	return &LocalAdapter{
		name:     name,
		registry: registry,
	}
}

// Name implements Adapter.
func (a *LocalAdapter) Name() string {
	return a.name
}

// Connect snapshots the registry's descriptors.
func (a *LocalAdapter) Connect(ctx context.Context) ([]Tool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, fmt.Errorf("%s: %w", a.name, ErrAdapterClosed)
	}

	a.tools = a.tools[:0]
	for _, t := range a.registry.GetAll() {
		a.tools = append(a.tools, Tool{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	a.connected = true
	slog.DebugContext(ctx, "Local adapter connected", "adapter", a.name, "tools", len(a.tools))
	return append([]Tool(nil), a.tools...), nil
}

// Tools implements Adapter.
func (a *LocalAdapter) Tools() []Tool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Tool(nil), a.tools...)
}

// Call runs the named tool. Panics inside the tool are recovered and
// reported as an error result.
func (a *LocalAdapter) Call(ctx context.Context, name string, args map[string]any) (res Result, err error) {
	a.mu.RLock()
	connected, closed := a.connected, a.closed
	a.mu.RUnlock()
	switch {
	case closed:
		return nil, fmt.Errorf("%s: %w", a.name, ErrAdapterClosed)
	case !connected:
		return nil, fmt.Errorf("%s: %w", a.name, ErrNotConnected)
	}

	tool, ok := a.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w %q", a.name, ErrUnknownTool, name)
	}

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "Tool execution panicked", "tool", name, "error", r)
			res, err = TextResult(fmt.Sprintf("internal error: %v", r), true), nil
		}
	}()

	out, execErr := tool.Execute(ctx, args)
	if execErr != nil {
		return TextResult(execErr.Error(), true), nil
	}
	if out == nil {
		return StructuredContent{}, nil
	}
	return StructuredContent{Content: out.Content, IsError: out.IsError}, nil
}

// Close marks the adapter closed. Repeated calls are no-ops.
func (a *LocalAdapter) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.connected = false
	return nil
}
