package tools

import (
	"context"
	"sync"
)

// LocalTool defines the structural interface for a capability that runs
// in-process. It includes metadata for the model (JSON Schema) and the
// execution logic itself.
type LocalTool interface {
	Name() string
	Description() string
	// Parameters returns the JSON schema of the arguments object.
	Parameters() map[string]any
	// Execute performs the actual tool logic using the provided argument map.
	Execute(ctx context.Context, args map[string]any) (*ToolResult, error)
}

// ToolResult encapsulates the outcome of a local tool execution.
type ToolResult struct {
	Content []ContentItem  `json:"content"`           // Ordered blocks of result data
	IsError bool           `json:"isError,omitempty"` // The tool ran but reports failure
	Details map[string]any `json:"details,omitempty"` // Arbitrary technical metadata
}

// ToolRegistry acts as a central inventory for local tools. It remembers
// registration order so descriptors are listed deterministically.
type ToolRegistry struct {
	mu    sync.RWMutex         // Protects concurrent access to the tools map
	tools map[string]LocalTool // Internal map of tool name to implementation
	order []string
}

// NewToolRegistry creates a new tool registry
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]LocalTool),
	}
}

// Register adds a tool to the registry, replacing one with the same name
func (tr *ToolRegistry) Register(tool LocalTool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	name := tool.Name()
	if _, exists := tr.tools[name]; !exists {
		tr.order = append(tr.order, name)
	}
	tr.tools[name] = tool
}

// Unregister removes a tool from the registry
func (tr *ToolRegistry) Unregister(name string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if _, exists := tr.tools[name]; !exists {
		return
	}
	delete(tr.tools, name)
	for i, n := range tr.order {
		if n == name {
			tr.order = append(tr.order[:i], tr.order[i+1:]...)
			break
		}
	}
}

// Get retrieves a tool by name
func (tr *ToolRegistry) Get(name string) (LocalTool, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	tool, ok := tr.tools[name]
	return tool, ok
}

// GetAll returns all registered tools in registration order
func (tr *ToolRegistry) GetAll() []LocalTool {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	tools := make([]LocalTool, 0, len(tr.order))
	for _, name := range tr.order {
		tools = append(tools, tr.tools[name])
	}
	return tools
}
