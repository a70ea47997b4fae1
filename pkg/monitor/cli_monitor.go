package monitor

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// CLIMonitor implements the Monitor interface, printing streamed text as it
// arrives and tool activity on separate lines.
type CLIMonitor struct {
	mu           sync.Mutex
	writer       io.Writer // The output destination, typically os.Stdout.
	showThinking bool
	midLine      bool // true while a streamed line has not been terminated
}

// NewCLIMonitor creates a new CLI monitor
func NewCLIMonitor(showThinking bool) *CLIMonitor {
	return NewCLIMonitorWriter(os.Stdout, showThinking)
}

// NewCLIMonitorWriter creates a CLI monitor writing to w.
func NewCLIMonitorWriter(w io.Writer, showThinking bool) *CLIMonitor {
	return &CLIMonitor{
		writer:       w,
		showThinking: showThinking,
	}
}

// Start starts the CLI monitor
func (m *CLIMonitor) Start() error {
	fmt.Fprintln(m.writer, "----------------------------------------------------------------")
	fmt.Fprintln(m.writer, "💬 CLI Monitor Active - streamed output will appear here")
	fmt.Fprintln(m.writer, "----------------------------------------------------------------")
	return nil
}

// Stop stops the CLI monitor
func (m *CLIMonitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endLine()
	return nil
}

// OnMessage receives and displays a monitoring message
func (m *CLIMonitor) OnMessage(msg MonitorMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch msg.MessageType {
	case TypeText:
		fmt.Fprint(m.writer, msg.Content)
		m.midLine = true
	case TypeThinking:
		if !m.showThinking {
			return
		}
		// Use gray color for reasoning
		fmt.Fprintf(m.writer, "\033[90m%s\033[0m", msg.Content)
		m.midLine = true
	case TypeToolCall:
		m.endLine()
		fmt.Fprintf(m.writer, "🛠️ %s(%s)\n", msg.ToolName, msg.Content)
	case TypeToolResult:
		m.endLine()
		fmt.Fprintf(m.writer, "\033[90m[%s] %s\033[0m %s\n", msg.Timestamp.Format("15:04:05"), msg.ToolName, msg.Content)
	case TypeTurnEnd:
		m.endLine()
	}
}

func (m *CLIMonitor) endLine() {
	if m.midLine {
		fmt.Fprintln(m.writer)
		m.midLine = false
	}
}
