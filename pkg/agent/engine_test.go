package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"mcpagent/pkg/llm"
	"mcpagent/pkg/monitor"
	"mcpagent/pkg/tools"
	"mcpagent/pkg/tools/builtin"
)

func newInitialized(t *testing.T, client llm.LLMClient, adapters []tools.Adapter, opts ...Option) *Engine {
	t.Helper()
	e := NewEngine(client, adapters, opts...)
	require.NoError(t, e.Initialize(context.Background()))
	return e
}

func roles(msgs []llm.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Role)
	}
	return out
}

func TestConverseBeforeInitialize(t *testing.T) {
	e := NewEngine(&scriptedClient{}, nil)
	_, err := e.Converse(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestConverseCalculatorRoundTrip(t *testing.T) {
	calc, err := builtin.New([]string{"calculator"})
	require.NoError(t, err)

	client := &scriptedClient{turns: [][]llm.StreamChunk{
		toolCallTurn(
			llm.ToolCallDelta{Index: 0, ID: "call_1", Name: "calculator", Arguments: `{"expr":`},
			llm.ToolCallDelta{Index: 0, Arguments: `"2 + 3 * 4"}`},
		),
		textTurn("The answer ", "is 14."),
	}}
	e := newInitialized(t, client, []tools.Adapter{calc})

	answer, err := e.Converse(context.Background(), "What is 2 + 3 * 4?")
	require.NoError(t, err)
	assert.Equal(t, "The answer is 14.", answer)

	history := e.History()
	assert.Equal(t, []string{llm.RoleUser, llm.RoleAssistant, llm.RoleTool, llm.RoleAssistant}, roles(history))

	assistant := history[1]
	assert.False(t, assistant.HasContent())
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, `{"expr":"2 + 3 * 4"}`, assistant.ToolCalls[0].Arguments)

	toolMsg := history[2]
	assert.Equal(t, "call_1", toolMsg.ToolCallID)
	assert.Equal(t, "calculator", toolMsg.ToolName)
	assert.Equal(t, `{"content": "14", "isError": false}`, toolMsg.GetTextContent())

	// Edits to the returned copy never reach the engine's history.
	history[0].Content[0].Text = "edited"
	history[1].ToolCalls[0].Arguments = "{}"
	assert.Equal(t, "What is 2 + 3 * 4?", e.History()[0].GetTextContent())
	assert.Equal(t, `{"expr":"2 + 3 * 4"}`, e.History()[1].ToolCalls[0].Arguments)

	// The second request carries the tool result and no new user text.
	require.Equal(t, 2, client.callCount())
	second := client.histories[1]
	assert.Equal(t, []string{llm.RoleUser, llm.RoleAssistant, llm.RoleTool}, roles(second))

	require.Len(t, client.toolSets[0], 1)
	assert.Equal(t, "calculator", client.toolSets[0][0].Function.Name)
	assert.Equal(t, "function", client.toolSets[0][0].Type)

	// Adapters are torn down after the conversation.
	_, err = calc.Call(context.Background(), "calculator", map[string]any{"expr": "1"})
	assert.ErrorIs(t, err, tools.ErrAdapterClosed)
}

func TestConverseSeedsOnce(t *testing.T) {
	client := &scriptedClient{turns: [][]llm.StreamChunk{textTurn("one"), textTurn("two")}}
	adapter := newFakeAdapter("a", "tool")
	e := newInitialized(t, client, []tools.Adapter{adapter},
		WithSystemPrompt("be brief"),
		WithContextMessage("the user is in Taipei"),
		WithKeepAdapters(true),
	)

	_, err := e.Converse(context.Background(), "first")
	require.NoError(t, err)
	_, err = e.Converse(context.Background(), "second")
	require.NoError(t, err)

	assert.Equal(t, []string{
		llm.RoleSystem, llm.RoleUser, llm.RoleUser, llm.RoleAssistant,
		llm.RoleUser, llm.RoleAssistant,
	}, roles(e.History()))
	assert.Equal(t, 0, adapter.closeCount())

	assert.Empty(t, e.Shutdown(context.Background()))
	assert.Equal(t, 1, adapter.closeCount())
}

func TestConverseAfterTeardown(t *testing.T) {
	client := &scriptedClient{turns: [][]llm.StreamChunk{textTurn("done")}}
	e := newInitialized(t, client, []tools.Adapter{newFakeAdapter("a", "tool")})

	_, err := e.Converse(context.Background(), "hi")
	require.NoError(t, err)

	_, err = e.Converse(context.Background(), "again")
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, e.Initialize(context.Background()), ErrClosed)
}

func TestConverseMalformedArguments(t *testing.T) {
	client := &scriptedClient{turns: [][]llm.StreamChunk{
		toolCallTurn(llm.ToolCallDelta{Index: 0, ID: "c1", Name: "tool", Arguments: `{"a":`}),
	}}
	adapter := newFakeAdapter("a", "tool")
	e := newInitialized(t, client, []tools.Adapter{adapter})

	_, err := e.Converse(context.Background(), "go")
	var de *ToolDispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "c1", de.CallID)

	assert.Equal(t, []string{llm.RoleUser, llm.RoleAssistant}, roles(e.History()))
	assert.Equal(t, 0, adapter.callCount())
	assert.Equal(t, 1, adapter.closeCount())
}

func TestConverseUnknownToolContinues(t *testing.T) {
	client := &scriptedClient{turns: [][]llm.StreamChunk{
		toolCallTurn(llm.ToolCallDelta{Index: 0, ID: "c1", Name: "nope"}),
		textTurn("sorry"),
	}}
	e := newInitialized(t, client, []tools.Adapter{newFakeAdapter("a", "tool")})

	answer, err := e.Converse(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "sorry", answer)
	assert.Equal(t, ToolNotFoundResult, e.History()[2].GetTextContent())
}

func TestConverseMaxTurns(t *testing.T) {
	client := &scriptedClient{
		repeat: true,
		turns: [][]llm.StreamChunk{
			toolCallTurn(llm.ToolCallDelta{Index: 0, ID: "c", Name: "tool"}),
		},
	}
	adapter := newFakeAdapter("a", "tool")
	e := newInitialized(t, client, []tools.Adapter{adapter}, WithMaxTurns(2))

	_, err := e.Converse(context.Background(), "loop")
	assert.ErrorIs(t, err, ErrMaxTurnsExceeded)
	assert.Equal(t, 2, client.callCount())
	assert.Equal(t, 2, adapter.callCount())
}

func TestConverseStreamIncomplete(t *testing.T) {
	client := &scriptedClient{turns: [][]llm.StreamChunk{
		{llm.NewTextChunk("half an ans")},
	}}
	adapter := newFakeAdapter("a", "tool")
	e := newInitialized(t, client, []tools.Adapter{adapter})

	_, err := e.Converse(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrStreamIncomplete)
	assert.Equal(t, []string{llm.RoleUser}, roles(e.History()))
	assert.Equal(t, 1, adapter.closeCount())
}

func TestConverseStreamStartError(t *testing.T) {
	boom := errors.New("401 unauthorized")
	e := newInitialized(t, &scriptedClient{startErr: boom}, nil)

	_, err := e.Converse(context.Background(), "hi")
	assert.ErrorIs(t, err, boom)
}

func TestConverseRoutesToOwningAdapter(t *testing.T) {
	a := newFakeAdapter("a", "alpha")
	b := newFakeAdapter("b", "beta")
	client := &scriptedClient{turns: [][]llm.StreamChunk{
		toolCallTurn(llm.ToolCallDelta{Index: 0, ID: "c1", Name: "beta", Arguments: `{}`}),
		textTurn("ok"),
	}}
	e := newInitialized(t, client, []tools.Adapter{a, b})

	_, err := e.Converse(context.Background(), "use beta")
	require.NoError(t, err)
	assert.Equal(t, 0, a.callCount())
	assert.Equal(t, 1, b.callCount())
	assert.Len(t, client.toolSets[0], 2)
}

func TestInitializeDuplicateToolNames(t *testing.T) {
	a := newFakeAdapter("a", "search")
	b := newFakeAdapter("b", "search")
	e := NewEngine(&scriptedClient{}, []tools.Adapter{a, b})

	err := e.Initialize(context.Background())
	assert.ErrorIs(t, err, tools.ErrDuplicateToolName)
	assert.Equal(t, 1, a.closeCount())
	assert.Equal(t, 1, b.closeCount())

	_, err = e.Converse(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestInitializeConnectFailureClosesOthers(t *testing.T) {
	good := newFakeAdapter("good", "x")
	bad := newFakeAdapter("bad", "y")
	bad.connectErr = errors.New("spawn failed")
	e := NewEngine(&scriptedClient{}, []tools.Adapter{good, bad})

	err := e.Initialize(context.Background())
	assert.ErrorIs(t, err, bad.connectErr)
	assert.Equal(t, 1, good.closeCount())
	assert.Equal(t, 1, bad.closeCount())
}

func TestShutdownCollectsWarnings(t *testing.T) {
	first := newFakeAdapter("first", "a")
	first.closeErr = context.Canceled
	second := newFakeAdapter("second", "b")
	second.closePanic = true
	third := newFakeAdapter("third", "c")
	third.closeErr = errors.New("broken pipe")
	e := newInitialized(t, &scriptedClient{}, []tools.Adapter{first, second, third})

	warnings := e.Shutdown(context.Background())
	require.Len(t, warnings, 3)
	assert.Equal(t, "first", warnings[0].Adapter)
	assert.ErrorIs(t, warnings[0].Err, context.Canceled)
	assert.Equal(t, "second", warnings[1].Adapter)
	assert.Contains(t, warnings[1].Err.Error(), "close exploded")
	assert.Contains(t, warnings[2].String(), "broken pipe")

	// Shutdown may run again; it never fails.
	assert.NotPanics(t, func() { e.Shutdown(context.Background()) })
	assert.Equal(t, 2, third.closeCount())
}

func TestConverseObservability(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	mon := &recordingMonitor{}

	client := &scriptedClient{turns: [][]llm.StreamChunk{
		append([]llm.StreamChunk{llm.NewThinkingChunk("let me check")},
			toolCallTurn(llm.ToolCallDelta{Index: 0, ID: "c1", Name: "tool", Arguments: `{"q":1}`})...),
		textTurn("fine"),
	}}
	e := newInitialized(t, client, []tools.Adapter{newFakeAdapter("a", "tool")},
		WithTracerProvider(tp),
		WithMonitor(mon),
	)

	_, err := e.Converse(context.Background(), "hi")
	require.NoError(t, err)

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{"agent.turn", "agent.dispatch", "agent.turn", "agent.converse"}, names)

	text := mon.ofType(monitor.TypeText)
	require.Len(t, text, 1)
	assert.Equal(t, "fine", text[0].Content)
	assert.Len(t, mon.ofType(monitor.TypeThinking), 1)

	calls := mon.ofType(monitor.TypeToolCall)
	require.Len(t, calls, 1)
	assert.Equal(t, "tool", calls[0].ToolName)
	assert.Equal(t, `{"q":1}`, calls[0].Content)

	results := mon.ofType(monitor.TypeToolResult)
	require.Len(t, results, 1)
	assert.Equal(t, `{"content": "ok", "isError": false}`, results[0].Content)
	assert.Len(t, mon.ofType(monitor.TypeTurnEnd), 2)
}

func TestConverseSendsSampling(t *testing.T) {
	temp := 0.2
	client := &scriptedClient{turns: [][]llm.StreamChunk{textTurn("x")}}
	e := newInitialized(t, client, nil, WithSampling(llm.SamplingParams{Temperature: &temp, MaxTokens: 64}))

	_, err := e.Converse(context.Background(), "hi")
	require.NoError(t, err)
	require.Len(t, client.sampling, 1)
	require.NotNil(t, client.sampling[0].Temperature)
	assert.InDelta(t, 0.2, *client.sampling[0].Temperature, 1e-9)
	assert.Equal(t, 64, client.sampling[0].MaxTokens)
}
