package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"mcpagent/pkg/agent"
	"mcpagent/pkg/llm"
)

func TestConvertMessages(t *testing.T) {
	g := &GeminiClient{}
	original := &genai.FunctionCall{ID: "c1", Name: "calculator", Args: map[string]any{"expr": "1+1"}}

	contents, system := g.convertMessages([]llm.Message{
		llm.NewSystemMessage("be brief"),
		llm.NewUserMessage("what is 1+1"),
		llm.NewAssistantMessage("", false, []llm.ToolCall{
			{ID: "c1", Name: "calculator", Arguments: `{"expr":"1+1"}`, Meta: map[string]any{metaFunctionCall: original}},
			{ID: "c2", Name: "current_time", Arguments: ""},
		}),
		llm.NewToolMessage("c1", "calculator", `{"content": "2", "isError": false}`),
	})

	require.NotNil(t, system)
	assert.Equal(t, "be brief", system.Parts[0].Text)

	require.Len(t, contents, 3)
	assert.Equal(t, "user", contents[0].Role)

	model := contents[1]
	assert.Equal(t, "model", model.Role)
	require.Len(t, model.Parts, 2)
	assert.Same(t, original, model.Parts[0].FunctionCall)
	assert.Equal(t, "current_time", model.Parts[1].FunctionCall.Name)
	assert.Equal(t, "c2", model.Parts[1].FunctionCall.ID)

	resp := contents[2].Parts[0].FunctionResponse
	require.NotNil(t, resp)
	assert.Equal(t, "user", contents[2].Role)
	assert.Equal(t, "c1", resp.ID)
	assert.Equal(t, "calculator", resp.Name)
	assert.Equal(t, `{"content": "2", "isError": false}`, resp.Response["result"])
}

func TestConvertTools(t *testing.T) {
	assert.Nil(t, convertTools(nil))

	params := map[string]any{"type": "object"}
	out := convertTools([]llm.ToolSchema{llm.NewFunctionTool("calculator", "math", params)})
	require.Len(t, out, 1)
	require.Len(t, out[0].FunctionDeclarations, 1)
	fd := out[0].FunctionDeclarations[0]
	assert.Equal(t, "calculator", fd.Name)
	assert.Equal(t, params, fd.ParametersJsonSchema)
}

func TestApplySampling(t *testing.T) {
	g := &GeminiClient{options: map[string]any{"temperature": 0.9, "top_p": 0.5}}
	temp := 0.2
	cfg := &genai.GenerateContentConfig{}
	g.applySampling(cfg, llm.SamplingParams{Temperature: &temp, MaxTokens: 100})

	require.NotNil(t, cfg.Temperature)
	assert.InDelta(t, 0.2, *cfg.Temperature, 1e-6)
	require.NotNil(t, cfg.TopP)
	assert.InDelta(t, 0.5, *cfg.TopP, 1e-6)
	assert.Equal(t, int32(100), cfg.MaxOutputTokens)
}

func TestNormalizeStopReason(t *testing.T) {
	assert.Equal(t, llm.StopReasonStop, normalizeStopReason(""))
	assert.Equal(t, llm.StopReasonStop, normalizeStopReason(genai.FinishReasonStop))
	assert.Equal(t, llm.StopReasonLength, normalizeStopReason(genai.FinishReasonMaxTokens))
	assert.Equal(t, "safety", normalizeStopReason(genai.FinishReasonSafety))
}

func TestIsTransientError(t *testing.T) {
	g := &GeminiClient{}
	assert.True(t, g.IsTransientError(errors.New("Error 503, Service Unavailable")))
	assert.True(t, g.IsTransientError(errors.New("Error 429, RESOURCE_EXHAUSTED")))
	assert.False(t, g.IsTransientError(errors.New("Error 400, API key not valid")))
	assert.False(t, g.IsTransientError(nil))
}

// sseServer answers every streamGenerateContent request with the given
// responses and then closes the connection.
func sseServer(t *testing.T, responses ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		var b strings.Builder
		for _, resp := range responses {
			fmt.Fprintf(&b, "data: %s\n\n", resp)
		}
		_, _ = io.WriteString(w, b.String())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server) *GeminiClient {
	t.Helper()
	c, err := NewGeminiClient(context.Background(), "k", "gemini-test", srv.URL, false, nil)
	require.NoError(t, err)
	return c
}

func TestStreamChatComplete(t *testing.T) {
	srv := sseServer(t,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":2,"candidatesTokenCount":1,"totalTokenCount":3}}`,
	)
	c := newTestClient(t, srv)

	ch, err := c.StreamChat(context.Background(), []llm.Message{llm.NewUserMessage("hi")}, nil, llm.SamplingParams{})
	require.NoError(t, err)
	var chunks []llm.StreamChunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}

	require.Len(t, chunks, 3)
	assert.Equal(t, "Hel", chunks[0].ContentBlocks[0].Text)
	final := chunks[2]
	assert.True(t, final.IsFinal)
	assert.Equal(t, llm.StopReasonStop, final.FinishReason)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 3, final.Usage.TotalTokens)
}

func TestStreamChatTruncated(t *testing.T) {
	// The stream stops after a function call without any finishReason.
	srv := sseServer(t,
		`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"calc","args":{"expr":"1+1"}}}]}}]}`,
	)
	c := newTestClient(t, srv)

	ch, err := c.StreamChat(context.Background(), []llm.Message{llm.NewUserMessage("hi")}, nil, llm.SamplingParams{})
	require.NoError(t, err)
	var last llm.StreamChunk
	for chunk := range ch {
		last = chunk
	}
	assert.False(t, last.IsFinal)
	assert.Error(t, last.RawError)

	engine := agent.NewEngine(c, nil)
	require.NoError(t, engine.Initialize(context.Background()))
	_, err = engine.Converse(context.Background(), "what is 1+1")
	assert.ErrorIs(t, err, agent.ErrStreamIncomplete)

	history := engine.History()
	require.Len(t, history, 1)
	assert.Equal(t, llm.RoleUser, history[0].Role)
}
