package llm

import (
	"maps"
	"slices"
	"sync"
)

// ChatHistory 管理對話歷史；僅支援附加，已附加的訊息不會被重排或修改
type ChatHistory struct {
	messages []Message
	mu       sync.RWMutex
}

// NewChatHistory 建立一個新的歷史管理員
func NewChatHistory() *ChatHistory {
	return &ChatHistory{
		messages: make([]Message, 0),
	}
}

// Add 加入一則或多則新訊息
func (h *ChatHistory) Add(msgs ...Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.messages = append(h.messages, msgs...)
}

// GetMessages 取得目前的對話歷史副本
func (h *ChatHistory) GetMessages() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cp := make([]Message, len(h.messages))
	for i, m := range h.messages {
		cp[i] = m.clone()
	}
	return cp
}

// clone copies the slices and maps of m so the caller cannot reach the
// stored message.
func (m Message) clone() Message {
	m.Content = slices.Clone(m.Content)
	if m.ToolCalls != nil {
		calls := make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			tc.Meta = maps.Clone(tc.Meta)
			calls[i] = tc
		}
		m.ToolCalls = calls
	}
	return m
}

// Len 回傳目前的訊息數量
func (h *ChatHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}
