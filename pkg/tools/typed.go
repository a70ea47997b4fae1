package tools

import (
	"context"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TypedTool is a LocalTool whose arguments are the Go type In. The JSON
// schema is inferred from In once, at construction, and every call is
// validated against it before decoding.
type TypedTool[In any] struct {
	name        string
	description string
	params      map[string]any
	resolved    *jsonschema.Resolved
	fn          func(ctx context.Context, in In) (string, error)
}

// NewTypedTool builds a TypedTool. Struct fields without omitempty are
// required; `jsonschema:"..."` tags become property descriptions.
func NewTypedTool[In any](name, description string, fn func(ctx context.Context, in In) (string, error)) (*TypedTool[In], error) {
	schema, err := jsonschema.For[In](nil)
	if err != nil {
		return nil, fmt.Errorf("tool %s: infer schema: %w", name, err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("tool %s: resolve schema: %w", name, err)
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("tool %s: marshal schema: %w", name, err)
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("tool %s: decode schema: %w", name, err)
	}
	return &TypedTool[In]{
		name:        name,
		description: description,
		params:      params,
		resolved:    resolved,
		fn:          fn,
	}, nil
}

func (t *TypedTool[In]) Name() string               { return t.name }
func (t *TypedTool[In]) Description() string        { return t.description }
func (t *TypedTool[In]) Parameters() map[string]any { return t.params }

// Execute validates args, decodes them into In and runs the tool. Invalid
// arguments produce an error result so the model can correct itself.
func (t *TypedTool[In]) Execute(ctx context.Context, args map[string]any) (*ToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	if err := t.resolved.Validate(args); err != nil {
		return &ToolResult{
			Content: []ContentItem{{Type: "text", Text: "invalid arguments: " + err.Error()}},
			IsError: true,
		}, nil
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	var in In
	if err := json.Unmarshal(raw, &in); err != nil {
		return &ToolResult{
			Content: []ContentItem{{Type: "text", Text: "invalid arguments: " + err.Error()}},
			IsError: true,
		}, nil
	}

	out, err := t.fn(ctx, in)
	if err != nil {
		return nil, err
	}
	return &ToolResult{
		Content: []ContentItem{{Type: "text", Text: out}},
	}, nil
}
