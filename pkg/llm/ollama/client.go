package ollama

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/ollama/ollama/api"
	"github.com/ollama/ollama/envconfig"

	"mcpagent/pkg/llm"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// OllamaClient Ollama API client
type OllamaClient struct {
	client       *api.Client
	model        string
	options      map[string]any
	debugEnabled bool
	bufferSize   int
}

// SetDebug implements llm.Debuggable
func (o *OllamaClient) SetDebug(enabled bool) {
	o.debugEnabled = enabled
}

// SetBufferSize sets the capacity of the chunk channel.
func (o *OllamaClient) SetBufferSize(n int) {
	if n > 0 {
		o.bufferSize = n
	}
}

// NewOllamaClient creates an Ollama client. An empty baseURL means
// OLLAMA_HOST (or the local default).
func NewOllamaClient(model string, baseURL string, options map[string]any) (*OllamaClient, error) {
	host := envconfig.Host()
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base URL: %w", err)
		}
		host = u
	}

	slog.Info("Ollama client initialized", "model", model, "host", host.String())

	return &OllamaClient{
		client:     api.NewClient(host, newHTTPClient()),
		model:      model,
		options:    options,
		bufferSize: 100,
	}, nil
}

// newHTTPClient never times out on its own: local models can take minutes
// to load, and the caller's context bounds the request instead.
func newHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &http.Client{Transport: escapeFixer{next: transport}}
}

func (o *OllamaClient) Provider() string {
	return "ollama"
}

// StreamChat implements llm.LLMClient. It returns once the first response
// arrives, so a model that fails to load is reported as an error here.
func (o *OllamaClient) StreamChat(ctx context.Context, messages []llm.Message, availableTools []llm.ToolSchema, sampling llm.SamplingParams) (<-chan llm.StreamChunk, error) {
	streamVal := true
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: o.convertMessages(messages),
		Options:  o.requestOptions(sampling),
		Tools:    convertTools(availableTools),
		Stream:   &streamVal,
	}

	chunkCh := make(chan llm.StreamChunk, o.bufferSize)
	startResultCh := make(chan error, 1)

	go func() {
		defer close(chunkCh)

		started := false
		signal := func(err error) {
			if !started {
				started = true
				startResultCh <- err
			}
		}

		st := &streamState{
			ctx:      ctx,
			out:      chunkCh,
			model:    o.model,
			debugger: llm.NewStreamDebugger(ctx, "ollama", o.debugEnabled),
		}
		defer st.debugger.Close()

		err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			signal(nil)
			return st.handle(resp)
		})
		if err == nil {
			signal(nil)
			return
		}

		slog.ErrorContext(ctx, "Stream error", "provider", "ollama", "model", o.model, "chunks", st.chunks, "error", err)
		if !started {
			signal(err)
			return
		}
		llm.Send(ctx, chunkCh, llm.NewErrorChunk(fmt.Sprintf("Stream interrupted: %v", err), err))
	}()

	select {
	case err := <-startResultCh:
		if err != nil {
			return nil, fmt.Errorf("ollama %s: %w", o.model, err)
		}
		return chunkCh, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

//----------------------------------------------------------------
// streamState - 單次串流的轉換狀態
//----------------------------------------------------------------

type streamState struct {
	ctx      context.Context
	out      chan<- llm.StreamChunk
	model    string
	debugger *llm.StreamDebugger

	chunks   int
	thoughts int
	// Ollama sends whole tool calls; each one takes the next position
	toolIndex int
}

func (s *streamState) handle(resp api.ChatResponse) error {
	s.chunks++
	s.debugger.WriteJSON(resp)

	var chunk llm.StreamChunk
	if resp.Message.Thinking != "" {
		s.thoughts++
		chunk.ContentBlocks = append(chunk.ContentBlocks, llm.NewThinkingBlock(resp.Message.Thinking))
	}
	if resp.Message.Content != "" {
		chunk.ContentBlocks = append(chunk.ContentBlocks, llm.NewTextBlock(resp.Message.Content))
	}
	for _, tc := range resp.Message.ToolCalls {
		chunk.ToolCalls = append(chunk.ToolCalls, s.delta(tc))
	}

	if len(chunk.ContentBlocks) > 0 || len(chunk.ToolCalls) > 0 {
		if !llm.Send(s.ctx, s.out, chunk) {
			return s.ctx.Err()
		}
	}

	if resp.Done {
		return s.finish(resp)
	}
	return nil
}

func (s *streamState) delta(tc api.ToolCall) llm.ToolCallDelta {
	args, err := json.Marshal(tc.Function.Arguments)
	if err != nil {
		slog.WarnContext(s.ctx, "Failed to marshal tool call arguments", "provider", "ollama", "error", err)
		args = []byte("{}")
	}
	id := tc.ID
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	d := llm.ToolCallDelta{
		Index:     s.toolIndex,
		ID:        id,
		Name:      tc.Function.Name,
		Arguments: string(args),
	}
	s.toolIndex++
	slog.DebugContext(s.ctx, "Tool call", "provider", "ollama", "name", d.Name, "args", d.Arguments, "id", id)
	return d
}

func (s *streamState) finish(resp api.ChatResponse) error {
	reason := resp.DoneReason
	if reason == "" {
		reason = llm.StopReasonStop
	}
	if s.toolIndex > 0 && reason == llm.StopReasonStop {
		reason = llm.StopReasonToolCalls
	}
	if reason == llm.StopReasonLength {
		slog.WarnContext(s.ctx, "Response truncated due to length", "provider", "ollama")
	}

	usage := &llm.LLMUsage{
		PromptTokens:     resp.PromptEvalCount,
		CompletionTokens: resp.EvalCount,
		TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		ThoughtsTokens:   s.thoughts,
		StopReason:       reason,
	}
	llm.LogUsage(s.ctx, s.model, usage)

	if !llm.Send(s.ctx, s.out, llm.NewFinalChunk(reason, usage)) {
		return s.ctx.Err()
	}
	return nil
}

//----------------------------------------------------------------
// conversions
//----------------------------------------------------------------

// requestOptions merges the group options with per-request sampling.
func (o *OllamaClient) requestOptions(sampling llm.SamplingParams) map[string]any {
	opts := make(map[string]any, len(o.options)+3)
	maps.Copy(opts, o.options)
	if sampling.Temperature != nil {
		opts["temperature"] = *sampling.Temperature
	}
	if sampling.TopP != nil {
		opts["top_p"] = *sampling.TopP
	}
	if sampling.MaxTokens > 0 {
		opts["num_predict"] = sampling.MaxTokens
	}
	return opts
}

// convertTools goes through JSON: api.Tool mirrors the canonical shape but
// uses its own property types.
func convertTools(availableTools []llm.ToolSchema) []api.Tool {
	if len(availableTools) == 0 {
		return nil
	}
	raw, err := json.Marshal(availableTools)
	if err != nil {
		slog.Error("Failed to marshal tools", "provider", "ollama", "error", err)
		return nil
	}
	var out []api.Tool
	if err := json.Unmarshal(raw, &out); err != nil {
		slog.Error("Failed to unmarshal to api.Tool", "provider", "ollama", "error", err)
		return nil
	}
	return out
}

// convertMessages converts messages to Ollama API format
func (o *OllamaClient) convertMessages(messages []llm.Message) []api.Message {
	out := make([]api.Message, 0, len(messages))

	for _, m := range messages {
		msg := api.Message{
			Role:    m.Role,
			Content: m.GetTextContent(),
		}

		switch m.Role {
		case llm.RoleAssistant:
			for _, tc := range m.ToolCalls {
				raw := tc.Arguments
				if strings.TrimSpace(raw) == "" {
					raw = "{}"
				}
				var args api.ToolCallFunctionArguments
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					slog.Warn("Failed to unmarshal tool arguments for history", "provider", "ollama", "error", err)
				}
				msg.ToolCalls = append(msg.ToolCalls, api.ToolCall{
					ID: tc.ID,
					Function: api.ToolCallFunction{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
		case llm.RoleTool:
			msg.ToolCallID = m.ToolCallID
		}

		out = append(out, msg)
	}

	return out
}

// IsTransientError implements the llm.LLMClient interface
func (o *OllamaClient) IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	var status api.StatusError
	if errors.As(err, &status) {
		return status.StatusCode == http.StatusTooManyRequests || status.StatusCode >= http.StatusInternalServerError
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "overloaded")
}

//----------------------------------------------------------------
// escapeFixer - 修正模型輸出中不合法的 JSON 跳脫字元
//----------------------------------------------------------------

// escapeRun matches an escaped backslash or a backslash followed by a
// character JSON does not allow to be escaped, e.g. \$ in shell snippets.
// Pairs are consumed first so "\\$" stays valid.
var escapeRun = regexp.MustCompile(`\\(\\|[^/bfnrtu"])`)

func fixEscapes(b []byte) []byte {
	return escapeRun.ReplaceAllFunc(b, func(m []byte) []byte {
		if m[1] == '\\' {
			return m
		}
		return m[1:]
	})
}

type escapeFixer struct {
	next http.RoundTripper
}

func (f escapeFixer) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := f.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	// application/json and application/x-ndjson
	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		resp.Body = &fixingBody{ReadCloser: resp.Body}
	}
	return resp, nil
}

// fixingBody rewrites the body as it is read. A lone backslash at the end of
// a read is held back until the next one, since what it escapes is not
// known yet.
type fixingBody struct {
	io.ReadCloser
	held bool
	out  []byte
	err  error
}

func (b *fixingBody) Read(p []byte) (int, error) {
	for len(b.out) == 0 && b.err == nil {
		b.fill(len(p))
	}
	if len(b.out) == 0 {
		return 0, b.err
	}
	n := copy(p, b.out)
	b.out = b.out[n:]
	return n, nil
}

func (b *fixingBody) fill(size int) {
	buf := make([]byte, 0, max(size, 512)+1)
	if b.held {
		buf = append(buf, '\\')
		b.held = false
	}
	n, err := b.ReadCloser.Read(buf[len(buf):cap(buf)])
	buf = buf[:len(buf)+n]
	b.err = err

	if err == nil && trailingBackslashes(buf)%2 == 1 {
		b.held = true
		buf = buf[:len(buf)-1]
	}
	b.out = fixEscapes(buf)
}

func trailingBackslashes(b []byte) int {
	n := 0
	for i := len(b) - 1; i >= 0 && b[i] == '\\'; i-- {
		n++
	}
	return n
}
