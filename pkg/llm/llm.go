package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// json 用於 package llm 內部的 JSON 處理，統一使用 json-iterator
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LLMUsage 定義通用的用量統計結構
type LLMUsage struct {
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	ThoughtsTokens   int    `json:"thoughts_tokens,omitempty"`
	CachedTokens     int    `json:"cached_tokens,omitempty"`
	StopReason       string `json:"stop_reason,omitempty"`
}

// LogUsage 記錄統一格式的用量統計
func LogUsage(ctx context.Context, model string, usage *LLMUsage) {
	if usage == nil {
		return
	}
	slog.DebugContext(ctx, "Token usage",
		"model", model,
		"prompt", usage.PromptTokens,
		"completion", usage.CompletionTokens,
		"total", usage.TotalTokens,
		"thoughts", usage.ThoughtsTokens,
		"cached", usage.CachedTokens,
		"stop_reason", usage.StopReason,
	)
}

// ToolSchema is the canonical function-calling tool description handed to
// model backends: {"type": "function", "function": {name, description, parameters}}.
type ToolSchema struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition is the "function" member of a ToolSchema.
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// NewFunctionTool builds a ToolSchema of type "function". A nil parameter
// schema is replaced by an empty object so providers always receive a map.
func NewFunctionTool(name, description string, parameters map[string]any) ToolSchema {
	if parameters == nil {
		parameters = map[string]any{}
	}
	return ToolSchema{
		Type: "function",
		Function: FunctionDefinition{
			Name:        name,
			Description: description,
			Parameters:  parameters,
		},
	}
}

// SamplingParams carries per-request sampling settings. Nil pointers and zero
// MaxTokens leave the provider default in place.
type SamplingParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   int
}

// LLMClient 通用 LLM 客戶端介面
type LLMClient interface {
	// StreamChat 流式對話，返回 StreamChunk channel
	// messages: 完整對話歷史；tools: 可用工具清單；params: 取樣參數
	// 正常結束時最後一個 chunk 的 IsFinal 為 true；channel 在此之前關閉代表串流不完整
	StreamChat(ctx context.Context, messages []Message, tools []ToolSchema, params SamplingParams) (<-chan StreamChunk, error)

	// IsTransientError 判斷是否為暫時性錯誤 (如 503, Rate Limit)
	IsTransientError(err error) bool
}

// Send delivers chunk unless ctx is done first. Providers use it so that a
// consumer that stopped reading never leaves the producer goroutine blocked.
func Send(ctx context.Context, ch chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// Debuggable is implemented by clients that can dump raw stream chunks.
type Debuggable interface {
	SetDebug(enabled bool)
}

// FallbackClient 支援多個 Client 分級嘗試
type FallbackClient struct {
	Clients    []LLMClient
	MaxRetries int
	RetryDelay time.Duration
}

func (f *FallbackClient) StreamChat(ctx context.Context, messages []Message, tools []ToolSchema, params SamplingParams) (<-chan StreamChunk, error) {
	var lastErr error
	for i, client := range f.Clients {
		if i > 0 {
			slog.WarnContext(ctx, "Previous provider failed, trying fallback", "provider", i+1)
		}

		// 使用配置的重試次數，若為 0 則至少執行 1 次
		maxRetries := f.MaxRetries
		if maxRetries <= 0 {
			maxRetries = 1
		}

		for retry := 1; retry <= maxRetries; retry++ {
			if retry > 1 {
				slog.InfoContext(ctx, "Retrying provider", "provider", i+1, "attempt", retry, "max", maxRetries)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(time.Duration(retry-1) * f.RetryDelay):
				}
			}

			ch, err := client.StreamChat(ctx, messages, tools, params)
			if err == nil {
				return ch, nil
			}

			lastErr = err

			if client.IsTransientError(err) && retry < maxRetries {
				slog.WarnContext(ctx, "Provider failed with transient error", "provider", i+1, "error", err)
				continue
			}

			// 非暫時性錯誤，或者已達最大重試次數
			slog.ErrorContext(ctx, "Provider failed", "provider", i+1, "error", err)
			break
		}
	}
	return nil, fmt.Errorf("all fallback providers failed: %w", lastErr)
}

// IsTransientError 實作 LLMClient 介面
// FallbackClient 的錯誤意味著所有 Child 都失敗了，因此視為非暫時性
func (f *FallbackClient) IsTransientError(err error) bool {
	return false
}

// SetDebug forwards the debug switch to every child that supports it.
func (f *FallbackClient) SetDebug(enabled bool) {
	for _, c := range f.Clients {
		if d, ok := c.(Debuggable); ok {
			d.SetDebug(enabled)
		}
	}
}
