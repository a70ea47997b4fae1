package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"google.golang.org/genai"

	"mcpagent/pkg/llm"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// metaFunctionCall keeps the original FunctionCall (with its thought
// signature) so the model sees it unchanged in later turns.
const metaFunctionCall = "gemini_function_call"

// GeminiClient Google Gemini API client
type GeminiClient struct {
	client       *genai.Client
	model        string
	useThought   bool
	debugEnabled bool
	bufferSize   int
	options      map[string]any
}

// SetDebug implements llm.Debuggable
func (g *GeminiClient) SetDebug(enabled bool) {
	g.debugEnabled = enabled
}

// SetBufferSize sets the capacity of the chunk channel.
func (g *GeminiClient) SetBufferSize(n int) {
	if n > 0 {
		g.bufferSize = n
	}
}

// NewGeminiClient creates a Gemini client with a single model and API key.
// An empty baseURL keeps the SDK default endpoint.
func NewGeminiClient(ctx context.Context, apiKey, model, baseURL string, useThought bool, options map[string]any) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &GeminiClient{
		client:     client,
		model:      model,
		useThought: useThought,
		bufferSize: 100,
		options:    options,
	}, nil
}

func (g *GeminiClient) Provider() string {
	return "gemini"
}

// StreamChat implements llm.LLMClient.StreamChat
func (g *GeminiClient) StreamChat(ctx context.Context, messages []llm.Message, availableTools []llm.ToolSchema, sampling llm.SamplingParams) (<-chan llm.StreamChunk, error) {
	apiMessages, systemInstruction := g.convertMessages(messages)
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: systemInstruction,
		Tools:             convertTools(availableTools),
	}
	g.applySampling(cfg, sampling)
	if g.useThought {
		cfg.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
	}

	chunkCh := make(chan llm.StreamChunk, g.bufferSize)
	startResultCh := make(chan error, 1)

	slog.DebugContext(ctx, "Streaming", "provider", "gemini", "model", g.model)

	go func() {
		defer close(chunkCh)

		started := false
		signal := func(err error) {
			if !started {
				started = true
				startResultCh <- err
			}
		}

		debugger := llm.NewStreamDebugger(ctx, "gemini", g.debugEnabled)
		defer debugger.Close()

		var (
			lastUsage  *llm.LLMUsage
			lastReason genai.FinishReason
			// Gemini sends whole calls; each one gets the next position
			toolIndex int
		)

		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, apiMessages, cfg) {
			if resp != nil {
				debugger.WriteJSON(resp)
			}
			if err != nil {
				slog.ErrorContext(ctx, "Stream error", "provider", "gemini", "model", g.model, "error", err)
				if !started {
					signal(err)
					return
				}
				llm.Send(ctx, chunkCh, llm.NewErrorChunk(fmt.Sprintf("Stream interrupted: %v", err), err))
				return
			}
			signal(nil)

			// Usage metadata usually arrives with the last response
			if u := resp.UsageMetadata; u != nil {
				lastUsage = &llm.LLMUsage{
					PromptTokens:     int(u.PromptTokenCount),
					CompletionTokens: int(u.CandidatesTokenCount),
					TotalTokens:      int(u.TotalTokenCount),
					ThoughtsTokens:   int(u.ThoughtsTokenCount),
					CachedTokens:     int(u.CachedContentTokenCount),
				}
			}

			for _, candidate := range resp.Candidates {
				if candidate.FinishReason != "" {
					lastReason = candidate.FinishReason
				}
				if candidate.Content == nil {
					continue
				}

				var chunk llm.StreamChunk
				for _, part := range candidate.Content.Parts {
					if part.Text != "" {
						if part.Thought {
							chunk.ContentBlocks = append(chunk.ContentBlocks, llm.NewThinkingBlock(part.Text))
						} else {
							chunk.ContentBlocks = append(chunk.ContentBlocks, llm.NewTextBlock(part.Text))
						}
					}

					if fc := part.FunctionCall; fc != nil {
						argsB, err := json.Marshal(fc.Args)
						if err != nil || fc.Args == nil {
							argsB = []byte("{}")
						}
						id := fc.ID
						if id == "" {
							id = "call_" + uuid.NewString()
						}
						chunk.ToolCalls = append(chunk.ToolCalls, llm.ToolCallDelta{
							Index:     toolIndex,
							ID:        id,
							Name:      fc.Name,
							Arguments: string(argsB),
							Meta:      map[string]any{metaFunctionCall: fc},
						})
						toolIndex++
						slog.DebugContext(ctx, "Tool call", "provider", "gemini", "name", fc.Name, "args", string(argsB))
					}
				}

				if len(chunk.ContentBlocks) > 0 || len(chunk.ToolCalls) > 0 {
					if !llm.Send(ctx, chunkCh, chunk) {
						return
					}
				}
			}
		}
		signal(nil)

		if lastReason == "" {
			slog.ErrorContext(ctx, "Stream ended without finish reason", "provider", "gemini", "model", g.model)
			llm.Send(ctx, chunkCh, llm.NewErrorChunk("stream ended without finish reason", nil))
			return
		}

		reason := normalizeStopReason(lastReason)
		if toolIndex > 0 && reason == llm.StopReasonStop {
			reason = llm.StopReasonToolCalls
		}
		if lastUsage != nil {
			lastUsage.StopReason = reason
			llm.LogUsage(ctx, g.model, lastUsage)
		}
		llm.Send(ctx, chunkCh, llm.NewFinalChunk(reason, lastUsage))
	}()

	// Wait for initialization result (first chunk or immediate error)
	select {
	case err := <-startResultCh:
		if err != nil {
			return nil, err
		}
		return chunkCh, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *GeminiClient) applySampling(cfg *genai.GenerateContentConfig, sampling llm.SamplingParams) {
	if sampling.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*sampling.Temperature))
	} else if t, ok := g.options["temperature"].(float64); ok {
		cfg.Temperature = genai.Ptr(float32(t))
	}
	if sampling.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*sampling.TopP))
	} else if p, ok := g.options["top_p"].(float64); ok {
		cfg.TopP = genai.Ptr(float32(p))
	}
	if sampling.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(sampling.MaxTokens)
	} else if m, ok := g.options["max_tokens"].(float64); ok {
		cfg.MaxOutputTokens = int32(m)
	}
}

func convertTools(availableTools []llm.ToolSchema) []*genai.Tool {
	if len(availableTools) == 0 {
		return nil
	}
	fds := make([]*genai.FunctionDeclaration, 0, len(availableTools))
	for _, t := range availableTools {
		fds = append(fds, &genai.FunctionDeclaration{
			Name:                 t.Function.Name,
			Description:          t.Function.Description,
			ParametersJsonSchema: t.Function.Parameters,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: fds}}
}

// convertMessages converts message list to GenAI format
func (g *GeminiClient) convertMessages(messages []llm.Message) ([]*genai.Content, *genai.Content) {
	var genaiContents []*genai.Content
	var systemInstruction *genai.Content

	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			// System role as SystemInstruction
			if text := msg.GetTextContent(); text != "" {
				systemInstruction = &genai.Content{Parts: []*genai.Part{{Text: text}}}
			}
			continue

		case llm.RoleTool:
			// Tool results are part of user role in Gemini
			genaiContents = append(genaiContents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       msg.ToolCallID,
						Name:     msg.ToolName,
						Response: map[string]any{"result": msg.GetTextContent()},
					},
				}},
			})
			continue
		}

		role := "user"
		if msg.Role == llm.RoleAssistant {
			role = "model"
		}

		var parts []*genai.Part
		for _, block := range msg.Content {
			if block.Type == llm.BlockTypeText && block.Text != "" {
				parts = append(parts, &genai.Part{Text: block.Text})
			}
		}

		// Gemini requires echoing previous calls before their responses
		for _, tc := range msg.ToolCalls {
			// Use original FunctionCall if available (includes thought_signature)
			if originalFC, ok := tc.Meta[metaFunctionCall].(*genai.FunctionCall); ok {
				parts = append(parts, &genai.Part{FunctionCall: originalFC})
				continue
			}

			// Rebuild manually if original data is missing (may miss thought_signature)
			var args map[string]any
			if strings.TrimSpace(tc.Arguments) != "" {
				if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
					slog.Warn("Failed to unmarshal tool arguments for history", "provider", "gemini", "error", err)
				}
			}
			parts = append(parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Name,
					Args: args,
				},
			})
		}

		if len(parts) > 0 {
			genaiContents = append(genaiContents, &genai.Content{
				Role:  role,
				Parts: parts,
			})
		}
	}

	return genaiContents, systemInstruction
}

// IsTransientError implements the llm.LLMClient interface
func (g *GeminiClient) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := strings.ToLower(err.Error())

	// 1. Google API common 503 Service Unavailable / Overloaded
	if strings.Contains(errMsg, "503") || strings.Contains(errMsg, "overloaded") {
		return true
	}

	// 2. 429 Too Many Requests (Rate Limit)
	if strings.Contains(errMsg, "429") || strings.Contains(errMsg, "resource exhausted") {
		return true
	}

	// 3. 500 Internal Error (Occasional Google Gemini crashes)
	if strings.Contains(errMsg, "500") || strings.Contains(errMsg, "internal error") {
		return true
	}

	return false
}

func normalizeStopReason(reason genai.FinishReason) string {
	switch reason {
	case "", genai.FinishReasonStop:
		return llm.StopReasonStop
	case genai.FinishReasonMaxTokens:
		return llm.StopReasonLength
	default:
		return strings.ToLower(string(reason))
	}
}
