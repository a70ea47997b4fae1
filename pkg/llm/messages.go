package llm

import (
	"time"

	"github.com/google/uuid"
)

//----------------------------------------------------------------
// Message - 通用訊息結構
//----------------------------------------------------------------

// Message 表示一條對話訊息
type Message struct {
	ID        string         `json:"id,omitempty"`
	Role      string         `json:"role"`              // "user", "assistant", "system", "tool"
	Content   []ContentBlock `json:"content,omitempty"` // 空切片代表 null content
	Timestamp int64          `json:"timestamp,omitempty"`

	// ToolCalls 包含 LLM 產生的工具調用請求（僅 role: assistant 時有效）
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID 關聯此訊息所屬的工具調用 ID（僅 role: tool 時有效）
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolName 回覆的工具名稱（僅 role: tool 時有效，Gemini 需要）
	ToolName string `json:"tool_name,omitempty"`
}

// ToolCall 表示一個已完成組裝的工具調用請求
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // 原始 JSON 字串，不在組裝階段解析

	// Meta 保存提供者特定的元數據（例如 Gemini 的 thought_signature）
	// 不會被序列化到 JSON，僅用於內部傳遞
	Meta map[string]any `json:"-"`
}

// ToolCallDelta is one streamed piece of a tool call. Index identifies which
// in-progress call the piece belongs to; Arguments is a substring of the
// call's JSON arguments.
type ToolCallDelta struct {
	Index     int            `json:"index"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Arguments string         `json:"arguments,omitempty"`
	Meta      map[string]any `json:"-"`
}

//----------------------------------------------------------------
// ContentBlock - 統一的內容區塊
//----------------------------------------------------------------

// ContentBlock 表示訊息中的一個內容區塊
// 支援類型：text, thinking
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

//----------------------------------------------------------------
// StreamChunk - 串流 chunk 結構
//----------------------------------------------------------------

// StreamChunk 表示 LLM 串流回應的一個 chunk（增量式）
type StreamChunk struct {
	// 內容區塊（增量，只包含新增的內容）
	ContentBlocks []ContentBlock `json:"content_blocks,omitempty"`

	// 工具調用（增量，以 Index 區分）
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`

	// 是否為最後一個 chunk
	IsFinal bool `json:"is_final"`

	// 停止原因（只在最後 chunk 有值）
	FinishReason string `json:"finish_reason,omitempty"`

	// 用量統計
	Usage *LLMUsage `json:"usage,omitempty"`

	// 錯誤訊息；RawError 不為 nil 時串流視為中斷
	Error    string `json:"error,omitempty"`
	RawError error  `json:"-"`
}

//----------------------------------------------------------------
// Helper Functions - Message
//----------------------------------------------------------------

// NewTextMessage 建立純文字訊息
func NewTextMessage(role, text string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   []ContentBlock{NewTextBlock(text)},
		Timestamp: time.Now().Unix(),
	}
}

// NewSystemMessage 建立系統訊息
func NewSystemMessage(text string) Message {
	return NewTextMessage(RoleSystem, text)
}

// NewUserMessage 建立使用者訊息
func NewUserMessage(text string) Message {
	return NewTextMessage(RoleUser, text)
}

// NewAssistantMessage 建立助理訊息；text 為空且有工具調用時 content 為 null
func NewAssistantMessage(text string, hasText bool, calls []ToolCall) Message {
	msg := Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		ToolCalls: calls,
		Timestamp: time.Now().Unix(),
	}
	if hasText {
		msg.Content = []ContentBlock{NewTextBlock(text)}
	}
	return msg
}

// NewToolMessage 建立工具結果訊息
func NewToolMessage(callID, toolName, result string) Message {
	msg := NewTextMessage(RoleTool, result)
	msg.ToolCallID = callID
	msg.ToolName = toolName
	return msg
}

// AddContentBlock 添加內容區塊到訊息
func (m *Message) AddContentBlock(block ContentBlock) {
	m.Content = append(m.Content, block)
}

// GetTextContent 提取所有文字內容（排除 thinking）
func (m *Message) GetTextContent() string {
	var result string
	for _, block := range m.Content {
		if block.Type == BlockTypeText {
			result += block.Text
		}
	}
	return result
}

// HasContent reports whether the message carries any text (false means null content).
func (m *Message) HasContent() bool {
	for _, block := range m.Content {
		if block.Type == BlockTypeText {
			return true
		}
	}
	return false
}

//----------------------------------------------------------------
// Helper Functions - ContentBlock
//----------------------------------------------------------------

// NewTextBlock 建立文字區塊
func NewTextBlock(text string) ContentBlock {
	return ContentBlock{
		Type: BlockTypeText,
		Text: text,
	}
}

// NewThinkingBlock 建立思考區塊
func NewThinkingBlock(text string) ContentBlock {
	return ContentBlock{
		Type: BlockTypeThinking,
		Text: text,
	}
}

//----------------------------------------------------------------
// Helper Functions - StreamChunk
//----------------------------------------------------------------

// NewTextChunk 建立文字 chunk
func NewTextChunk(text string) StreamChunk {
	return StreamChunk{
		ContentBlocks: []ContentBlock{NewTextBlock(text)},
	}
}

// NewThinkingChunk 建立思考 chunk
func NewThinkingChunk(text string) StreamChunk {
	return StreamChunk{
		ContentBlocks: []ContentBlock{NewThinkingBlock(text)},
	}
}

// NewToolCallChunk 建立工具調用增量 chunk
func NewToolCallChunk(deltas ...ToolCallDelta) StreamChunk {
	return StreamChunk{
		ToolCalls: deltas,
	}
}

// NewFinalChunk 建立最終 chunk（帶用量統計）
func NewFinalChunk(reason string, usage *LLMUsage) StreamChunk {
	return StreamChunk{
		IsFinal:      true,
		FinishReason: reason,
		Usage:        usage,
	}
}

// NewErrorChunk 建立錯誤 chunk；err 為 nil 時以 message 建立錯誤
func NewErrorChunk(message string, err error) StreamChunk {
	if err == nil {
		err = &StreamError{Message: message}
	}
	return StreamChunk{
		Error:    message,
		RawError: err,
	}
}

// StreamError is reported by providers that learn about a failure from the
// stream payload itself rather than from the transport.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return e.Message
}
