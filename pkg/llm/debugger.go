package llm

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type contextKey string

// DebugDirContextKey holds the per-conversation debug id. It names the chunk
// dump directory and is printed by the log handler.
const DebugDirContextKey contextKey = "llm_debug_dir"

// DebugID returns the debug id stored in ctx, or "".
func DebugID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(DebugDirContextKey).(string)
	return id
}

// StreamDebugger dumps raw provider chunks, one per line, to
// debug/chunks[/<debug id>]/<provider>/<timestamp>.log.
// A disabled debugger (nil file) drops everything.
type StreamDebugger struct {
	mu   sync.Mutex
	file *os.File
}

// NewStreamDebugger opens the dump file for provider when enabled is set.
// Failing to open it only logs; the stream goes on without a dump.
func NewStreamDebugger(ctx context.Context, provider string, enabled bool) *StreamDebugger {
	return newStreamDebugger(ctx, "debug", provider, enabled)
}

func newStreamDebugger(ctx context.Context, root, provider string, enabled bool) *StreamDebugger {
	d := &StreamDebugger{}
	if !enabled {
		return d
	}

	dir := filepath.Join(root, "chunks", DebugID(ctx), provider)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("Failed to create debug directory", "dir", dir, "error", err)
		return d
	}

	name := filepath.Join(dir, time.Now().Format("20060102_150405.000")+".log")
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("Failed to open debug file", "file", name, "error", err)
		return d
	}

	slog.Debug("Dumping stream chunks", "provider", provider, "file", name)
	d.file = f
	return d
}

// Write appends data followed by a newline.
func (d *StreamDebugger) Write(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return
	}
	line := make([]byte, 0, len(data)+1)
	line = append(append(line, data...), '\n')
	if _, err := d.file.Write(line); err != nil {
		slog.Warn("Failed to write to debug file", "error", err)
	}
}

// WriteJSON marshals v and appends it as one line.
func (d *StreamDebugger) WriteJSON(v any) {
	if d.disabled() {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal debug chunk", "error", err)
		return
	}
	d.Write(data)
}

func (d *StreamDebugger) disabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file == nil
}

// Close is safe to call more than once.
func (d *StreamDebugger) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file != nil {
		_ = d.file.Close()
		d.file = nil
	}
}
