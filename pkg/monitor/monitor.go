package monitor

import "time"

// 監控訊息類型
const (
	TypeText       = "TEXT"        // 助理文字增量
	TypeThinking   = "THINKING"    // 思考增量
	TypeToolCall   = "TOOL_CALL"   // 已組裝完成的工具調用
	TypeToolResult = "TOOL_RESULT" // 正規化後的工具結果
	TypeTurnEnd    = "TURN_END"    // 一輪模型回應結束
)

// MonitorMessage 代表一則監控訊息
type MonitorMessage struct {
	Timestamp   time.Time
	MessageType string
	ToolName    string // 僅工具相關訊息有值
	Content     string
}

// Monitor 介面定義了監控器的行為
type Monitor interface {
	// Start 啟動監控器
	Start() error

	// Stop 停止監控器
	Stop() error

	// OnMessage 接收並顯示監控訊息
	OnMessage(msg MonitorMessage)
}

// Nop discards every message.
type Nop struct{}

func (Nop) Start() error                 { return nil }
func (Nop) Stop() error                  { return nil }
func (Nop) OnMessage(msg MonitorMessage) {}
