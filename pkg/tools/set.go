package tools

import (
	"fmt"

	"mcpagent/pkg/llm"
)

// Set is the ordered list of adapters a conversation may call into. The
// registration order is the lookup order.
type Set struct {
	adapters []Adapter
}

// NewSet creates a set from adapters in registration order.
func NewSet(adapters ...Adapter) *Set {
	return &Set{adapters: append([]Adapter(nil), adapters...)}
}

// Adapters returns the adapters in registration order.
func (s *Set) Adapters() []Adapter {
	return append([]Adapter(nil), s.adapters...)
}

// Len returns the number of adapters.
func (s *Set) Len() int {
	return len(s.adapters)
}

// Validate fails with ErrDuplicateToolName when two tools, in the same or in
// different adapters, share a name.
func (s *Set) Validate() error {
	owner := make(map[string]string)
	for _, a := range s.adapters {
		for _, t := range a.Tools() {
			if prev, ok := owner[t.Name]; ok {
				return fmt.Errorf("%w: %q offered by %s and %s", ErrDuplicateToolName, t.Name, prev, a.Name())
			}
			owner[t.Name] = a.Name()
		}
	}
	return nil
}

// Find returns the first adapter, in registration order, offering a tool
// named name.
func (s *Set) Find(name string) (Adapter, bool) {
	for _, a := range s.adapters {
		for _, t := range a.Tools() {
			if t.Name == name {
				return a, true
			}
		}
	}
	return nil, false
}

// Schemas lists every tool of every adapter in the canonical function shape.
func (s *Set) Schemas() []llm.ToolSchema {
	var out []llm.ToolSchema
	for _, a := range s.adapters {
		for _, t := range a.Tools() {
			out = append(out, t.Schema())
		}
	}
	return out
}
