package openailm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	jsoniter "github.com/json-iterator/go"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"mcpagent/pkg/llm"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultBufferSize = 100

// Client is a wrapper around the official OpenAI Go SDK, speaking the Chat
// Completions streaming protocol so that any compatible server works.
type Client struct {
	client       *openai.Client
	provider     string
	model        string
	debugEnabled bool
	bufferSize   int
	options      map[string]any
}

// NewClient creates a new OpenAI client. An empty apiKey falls back to the
// OPENAI_API_KEY environment variable.
func NewClient(provider string, apiKey string, model string, baseURL string, options map[string]any) (*Client, error) {
	if model == "" {
		return nil, fmt.Errorf("openai: model is required")
	}

	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(opts...)

	return &Client{
		client:     &client,
		provider:   provider,
		model:      model,
		bufferSize: defaultBufferSize,
		options:    options,
	}, nil
}

func (c *Client) Provider() string {
	return c.provider
}

func (c *Client) SetDebug(enabled bool) {
	c.debugEnabled = enabled
}

// SetBufferSize sets the capacity of the chunk channel.
func (c *Client) SetBufferSize(n int) {
	if n > 0 {
		c.bufferSize = n
	}
}

func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	// Transient: network-level issues
	if strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") {
		return true
	}

	// Transient: server-side temporary failures
	if strings.Contains(msg, "429 too many requests") ||
		strings.Contains(msg, "500 internal") ||
		strings.Contains(msg, "502 bad gateway") ||
		strings.Contains(msg, "503 service unavailable") ||
		strings.Contains(msg, "overloaded") {
		return true
	}

	// Everything else (400 Bad Request, 401 Unauthorized, etc.) is non-transient
	return false
}

func (c *Client) StreamChat(ctx context.Context, messages []llm.Message, availableTools []llm.ToolSchema, sampling llm.SamplingParams) (<-chan llm.StreamChunk, error) {
	chunkCh := make(chan llm.StreamChunk, c.bufferSize)

	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: convertMessages(messages),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	c.applySampling(&params, sampling)

	if tools := convertTools(availableTools); len(tools) > 0 {
		params.Tools = tools
	}

	go func() {
		defer close(chunkCh)

		stream := c.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		// StreamDebugger handles file creation and lifecycle
		debugger := llm.NewStreamDebugger(ctx, c.provider, c.debugEnabled)
		defer debugger.Close()

		var (
			lastFinishReason  string
			lastUsage         *llm.LLMUsage
			thinkingLogBuffer strings.Builder
		)

		for stream.Next() {
			chunk := stream.Current()
			if raw := chunk.RawJSON(); raw != "" {
				debugger.Write([]byte(raw))
			}

			if chunk.Usage.TotalTokens > 0 {
				lastUsage = &llm.LLMUsage{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:      int(chunk.Usage.TotalTokens),
					ThoughtsTokens:   int(chunk.Usage.CompletionTokensDetails.ReasoningTokens),
					CachedTokens:     int(chunk.Usage.PromptTokensDetails.CachedTokens),
				}
			}

			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			delta := choice.Delta

			// DeepSeek / vLLM style reasoning fields are not part of the SDK types
			if thought := reasoningFromRaw(delta.RawJSON()); thought != "" {
				thinkingLogBuffer.WriteString(thought)
				if !llm.Send(ctx, chunkCh, llm.NewThinkingChunk(thought)) {
					return
				}
			}

			if delta.Content != "" {
				if !llm.Send(ctx, chunkCh, llm.NewTextChunk(delta.Content)) {
					return
				}
			}

			if len(delta.ToolCalls) > 0 {
				deltas := make([]llm.ToolCallDelta, 0, len(delta.ToolCalls))
				for _, tc := range delta.ToolCalls {
					deltas = append(deltas, llm.ToolCallDelta{
						Index:     int(tc.Index),
						ID:        tc.ID,
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					})
				}
				if !llm.Send(ctx, chunkCh, llm.NewToolCallChunk(deltas...)) {
					return
				}
			}

			if choice.FinishReason != "" {
				lastFinishReason = choice.FinishReason
			}
		}

		if thinkingLogBuffer.Len() > 0 {
			slog.DebugContext(ctx, "Captured full thinking process", "provider", c.provider, "content", thinkingLogBuffer.String())
		}

		if err := stream.Err(); err != nil {
			llm.Send(ctx, chunkCh, llm.NewErrorChunk(fmt.Sprintf("Stream error: %v", err), err))
			return
		}

		// The connection can close without [DONE]; the SDK reports that as a
		// clean end, so a missing finish_reason means the turn was cut off.
		if lastFinishReason == "" {
			slog.ErrorContext(ctx, "Stream ended without finish reason", "provider", c.provider, "model", c.model)
			llm.Send(ctx, chunkCh, llm.NewErrorChunk("stream ended without finish reason", nil))
			return
		}

		reason := normalizeStopReason(lastFinishReason)
		if lastUsage != nil {
			lastUsage.StopReason = reason
			llm.LogUsage(ctx, c.model, lastUsage)
		}
		llm.Send(ctx, chunkCh, llm.NewFinalChunk(reason, lastUsage))
	}()

	return chunkCh, nil
}

// applySampling fills sampling parameters; per-request values win over the
// provider group's options.
func (c *Client) applySampling(params *openai.ChatCompletionNewParams, sampling llm.SamplingParams) {
	if sampling.Temperature != nil {
		params.Temperature = openai.Float(*sampling.Temperature)
	} else if t, ok := c.options["temperature"].(float64); ok {
		params.Temperature = openai.Float(t)
	}

	if sampling.TopP != nil {
		params.TopP = openai.Float(*sampling.TopP)
	} else if p, ok := c.options["top_p"].(float64); ok {
		params.TopP = openai.Float(p)
	}

	if sampling.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(sampling.MaxTokens))
	} else if maxTok, ok := c.options["max_tokens"].(float64); ok {
		params.MaxCompletionTokens = openai.Int(int64(maxTok))
	}

	// Handle unified "thinking_effort" option
	if effortStr, ok := c.options["thinking_effort"].(string); ok && effortStr != "" && effortStr != "off" {
		switch effortStr {
		case "low":
			params.ReasoningEffort = shared.ReasoningEffortLow
		case "high":
			params.ReasoningEffort = shared.ReasoningEffortHigh
		default:
			params.ReasoningEffort = shared.ReasoningEffortMedium
		}
	}
}

func reasoningFromRaw(raw string) string {
	if raw == "" || !strings.Contains(raw, "reason") && !strings.Contains(raw, "thinking") {
		return ""
	}
	var rawDelta struct {
		Reasoning        string `json:"reasoning"`
		Thinking         string `json:"thinking"`
		ReasoningContent string `json:"reasoning_content"`
	}
	if json.Unmarshal([]byte(raw), &rawDelta) != nil {
		return ""
	}
	switch {
	case rawDelta.ReasoningContent != "":
		return rawDelta.ReasoningContent
	case rawDelta.Reasoning != "":
		return rawDelta.Reasoning
	default:
		return rawDelta.Thinking
	}
}

func convertMessages(messages []llm.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(m.GetTextContent()))
		case llm.RoleUser:
			out = append(out, openai.UserMessage(m.GetTextContent()))
		case llm.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.GetTextContent()))
				continue
			}
			assistant := &openai.ChatCompletionAssistantMessageParam{}
			if m.HasContent() {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(m.GetTextContent()),
				}
			}
			for _, tc := range m.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: tc.Arguments,
						},
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		case llm.RoleTool:
			out = append(out, openai.ToolMessage(m.GetTextContent(), m.ToolCallID))
		}
	}

	return out
}

func convertTools(availableTools []llm.ToolSchema) []openai.ChatCompletionToolUnionParam {
	if len(availableTools) == 0 {
		return nil
	}
	tools := make([]openai.ChatCompletionToolUnionParam, 0, len(availableTools))
	for _, t := range availableTools {
		tools = append(tools, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        t.Function.Name,
			Description: openai.String(t.Function.Description),
			Parameters:  shared.FunctionParameters(t.Function.Parameters),
		}))
	}
	return tools
}

// normalizeStopReason converts OpenAI-specific finish_reason to
// a standardized lowercase format.
func normalizeStopReason(reason string) string {
	switch strings.ToLower(reason) {
	case "stop":
		return llm.StopReasonStop
	case "length":
		return llm.StopReasonLength
	case "tool_calls", "function_call":
		return llm.StopReasonToolCalls
	default:
		return reason
	}
}
