package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpagent/pkg/llm"
	"mcpagent/pkg/tools"
)

func connected(t *testing.T, adapters ...*fakeAdapter) *tools.Set {
	t.Helper()
	list := make([]tools.Adapter, 0, len(adapters))
	for _, a := range adapters {
		_, err := a.Connect(context.Background())
		require.NoError(t, err)
		list = append(list, a)
	}
	return tools.NewSet(list...)
}

func TestRouterDispatchesToOwner(t *testing.T) {
	a := newFakeAdapter("a", "alpha")
	b := newFakeAdapter("b", "beta")
	b.handler = func(name string, args map[string]any) (tools.Result, error) {
		return tools.TextResult("from b", false), nil
	}
	r := NewRouter(connected(t, a, b))

	out, err := r.Dispatch(context.Background(), llm.ToolCall{ID: "1", Name: "beta", Arguments: `{"n":1}`})
	require.NoError(t, err)
	assert.Equal(t, `{"content": "from b", "isError": false}`, out)
	assert.Equal(t, 0, a.callCount())
	require.Equal(t, 1, b.callCount())
	assert.Equal(t, map[string]any{"n": float64(1)}, b.calls[0].Args)
}

func TestRouterFirstAdapterWins(t *testing.T) {
	a := newFakeAdapter("a", "same")
	b := newFakeAdapter("b", "same")
	r := NewRouter(connected(t, a, b))

	_, err := r.Dispatch(context.Background(), llm.ToolCall{ID: "1", Name: "same"})
	require.NoError(t, err)
	assert.Equal(t, 1, a.callCount())
	assert.Equal(t, 0, b.callCount())
}

func TestRouterUnknownTool(t *testing.T) {
	a := newFakeAdapter("a", "alpha")
	r := NewRouter(connected(t, a))

	out, err := r.Dispatch(context.Background(), llm.ToolCall{ID: "1", Name: "missing", Arguments: "not json"})
	require.NoError(t, err)
	assert.Equal(t, ToolNotFoundResult, out)
	assert.Equal(t, 0, a.callCount())
}

func TestRouterArguments(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    map[string]any
		wantErr bool
	}{
		{name: "empty", raw: "", want: map[string]any{}},
		{name: "blank", raw: "  ", want: map[string]any{}},
		{name: "object", raw: `{"a":"b"}`, want: map[string]any{"a": "b"}},
		{name: "malformed", raw: `{"a":`, wantErr: true},
		{name: "array", raw: `[1]`, wantErr: true},
		{name: "null", raw: `null`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newFakeAdapter("a", "tool")
			r := NewRouter(connected(t, a))

			_, err := r.Dispatch(context.Background(), llm.ToolCall{ID: "c9", Name: "tool", Arguments: tt.raw})
			if tt.wantErr {
				var de *ToolDispatchError
				require.ErrorAs(t, err, &de)
				assert.Equal(t, "tool", de.Tool)
				assert.Equal(t, "c9", de.CallID)
				assert.Equal(t, 0, a.callCount())
				return
			}
			require.NoError(t, err)
			require.Equal(t, 1, a.callCount())
			assert.Equal(t, tt.want, a.calls[0].Args)
		})
	}
}

func TestRouterProviderError(t *testing.T) {
	boom := errors.New("server went away")
	a := newFakeAdapter("a", "tool")
	a.handler = func(string, map[string]any) (tools.Result, error) { return nil, boom }
	r := NewRouter(connected(t, a))

	_, err := r.Dispatch(context.Background(), llm.ToolCall{ID: "1", Name: "tool"})
	var de *ToolDispatchError
	require.ErrorAs(t, err, &de)
	assert.ErrorIs(t, err, boom)
}

type label string

func (l label) String() string { return "label:" + string(l) }

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   tools.Result
		want string
	}{
		{
			name: "text",
			in:   tools.TextResult("42", false),
			want: `{"content": "42", "isError": false}`,
		},
		{
			name: "error flag",
			in:   tools.TextResult("division by zero", true),
			want: `{"content": "division by zero", "isError": true}`,
		},
		{
			name: "no items",
			in:   tools.StructuredContent{},
			want: `{"content": "", "isError": false}`,
		},
		{
			name: "first item only",
			in: tools.StructuredContent{Content: []tools.ContentItem{
				{Type: "text", Text: "one"},
				{Type: "text", Text: "two"},
			}},
			want: `{"content": "one", "isError": false}`,
		},
		{
			name: "quotes and markup",
			in:   tools.TextResult(`say "<b>hi</b>"`, false),
			want: `{"content": "say \"<b>hi</b>\"", "isError": false}`,
		},
		{
			name: "non-ascii kept as utf-8",
			in:   tools.TextResult("溫度 21°C", false),
			want: `{"content": "溫度 21°C", "isError": false}`,
		},
		{
			name: "pointer",
			in:   &tools.StructuredContent{Content: []tools.ContentItem{{Type: "text", Text: "p"}}},
			want: `{"content": "p", "isError": false}`,
		},
		{
			name: "nil",
			in:   nil,
			want: `{"content": "", "isError": false}`,
		},
		{
			name: "opaque string",
			in:   tools.RawOpaque{Value: "plain"},
			want: "plain",
		},
		{
			name: "opaque map",
			in:   tools.RawOpaque{Value: map[string]any{"b": 2, "a": "<x>"}},
			want: `{"a":"<x>","b":2}`,
		},
		{
			name: "opaque stringer",
			in:   tools.RawOpaque{Value: label("v")},
			want: "label:v",
		},
		{
			name: "opaque nil",
			in:   tools.RawOpaque{},
			want: "null",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
