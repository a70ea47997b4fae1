package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"mcpagent/pkg/llm"
	"mcpagent/pkg/tools"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// resultJSON renders normalized results; tool output often contains markup,
// so HTML characters are left alone.
var resultJSON = jsoniter.Config{EscapeHTML: false, SortMapKeys: true}.Froze()

var errArgsNotObject = errors.New("arguments must be a JSON object")

// Router resolves a finalized tool call to its adapter and normalizes the
// answer. It holds no state of its own and never touches history.
type Router struct {
	set *tools.Set
}

// NewRouter creates a router over set.
func NewRouter(set *tools.Set) *Router {
	return &Router{set: set}
}

// Dispatch runs call on the first adapter offering call.Name. An unknown
// tool yields ToolNotFoundResult and a nil error.
func (r *Router) Dispatch(ctx context.Context, call llm.ToolCall) (string, error) {
	adapter, ok := r.set.Find(call.Name)
	if !ok {
		slog.WarnContext(ctx, "Unknown tool call", "name", call.Name, "id", call.ID)
		return ToolNotFoundResult, nil
	}

	args, err := parseArguments(call.Arguments)
	if err != nil {
		return "", &ToolDispatchError{Tool: call.Name, CallID: call.ID, Err: err}
	}

	slog.InfoContext(ctx, "Executing tool", "name", call.Name, "adapter", adapter.Name(), "args", args)
	res, err := adapter.Call(ctx, call.Name, args)
	if err != nil {
		return "", &ToolDispatchError{Tool: call.Name, CallID: call.ID, Err: err}
	}
	return Normalize(res)
}

// parseArguments decodes the raw argument text. An empty string counts as
// an empty object.
func parseArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("parse arguments %q: %w", raw, err)
	}
	if args == nil {
		return nil, fmt.Errorf("parse arguments %q: %w", raw, errArgsNotObject)
	}
	return args, nil
}

// Normalize renders a provider result as the single string the model gets
// back. Structured results keep only the first item's text:
//
//	{"content": "42", "isError": false}
//
// Anything else is stringified as is.
func Normalize(res tools.Result) (string, error) {
	switch v := res.(type) {
	case nil:
		return renderContent("", false)
	case tools.StructuredContent:
		text := ""
		if len(v.Content) > 0 {
			text = v.Content[0].Text
		}
		return renderContent(text, v.IsError)
	case *tools.StructuredContent:
		if v == nil {
			return renderContent("", false)
		}
		return Normalize(*v)
	case tools.RawOpaque:
		return stringify(v.Value)
	case *tools.RawOpaque:
		if v == nil {
			return stringify(nil)
		}
		return stringify(v.Value)
	default:
		return stringify(v)
	}
}

func renderContent(text string, isError bool) (string, error) {
	quoted, err := resultJSON.Marshal(text)
	if err != nil {
		return "", fmt.Errorf("encode tool result: %w", err)
	}
	return fmt.Sprintf(`{"content": %s, "isError": %t}`, quoted, isError), nil
}

func stringify(v any) (string, error) {
	switch s := v.(type) {
	case nil:
		return "null", nil
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	case fmt.Stringer:
		return s.String(), nil
	case error:
		return s.Error(), nil
	}
	raw, err := resultJSON.Marshal(v)
	if err != nil {
		return fmt.Sprint(v), nil
	}
	return string(raw), nil
}
