package tools

import (
	"context"
	"errors"

	"mcpagent/pkg/llm"
)

// Errors reported by adapters and the adapter set.
var (
	ErrDuplicateToolName = errors.New("duplicate tool name")
	ErrAdapterClosed     = errors.New("adapter is closed")
	ErrNotConnected      = errors.New("adapter is not connected")
	ErrUnknownTool       = errors.New("unknown tool")
)

// Tool describes one callable capability offered by an adapter.
type Tool struct {
	Name        string
	Description string
	// Parameters is the JSON schema of the arguments object.
	Parameters map[string]any
}

// Schema converts the descriptor to the canonical function-calling shape.
func (t Tool) Schema() llm.ToolSchema {
	return llm.NewFunctionTool(t.Name, t.Description, t.Parameters)
}

// Adapter wraps one tool-provider backend.
type Adapter interface {
	// Name identifies the backend in logs and errors.
	Name() string
	// Connect establishes the session and returns the tools on offer.
	Connect(ctx context.Context) ([]Tool, error)
	// Tools returns the descriptors captured by Connect.
	Tools() []Tool
	// Call invokes a tool with already-parsed arguments.
	Call(ctx context.Context, name string, args map[string]any) (Result, error)
	// Close releases the session. It must be safe to call more than once
	// and before Connect.
	Close(ctx context.Context) error
}

//----------------------------------------------------------------
// Result - provider result union
//----------------------------------------------------------------

// Result is what a provider hands back for one call. It is either
// StructuredContent or RawOpaque.
type Result interface {
	isResult()
}

// ContentItem is one entry of a structured result.
type ContentItem struct {
	Type     string `json:"type"` // "text", "image", "audio", "resource"...
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// StructuredContent is a result that exposes a list of content items.
type StructuredContent struct {
	Content []ContentItem
	IsError bool
}

// RawOpaque is a result with no recognized shape.
type RawOpaque struct {
	Value any
}

func (StructuredContent) isResult() {}
func (RawOpaque) isResult()         {}

// TextResult is shorthand for a single-item text result.
func TextResult(text string, isError bool) StructuredContent {
	return StructuredContent{
		Content: []ContentItem{{Type: "text", Text: text}},
		IsError: isError,
	}
}
