package builtin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"mcpagent/pkg/tools"
)

// ShellArgs are the arguments of the run_command tool.
type ShellArgs struct {
	Command string `json:"command" jsonschema:"shell command to run"`
}

// shellWorker runs commands in a persistent working directory. A trailing
// pwd is chained to every command so that cd survives between calls.
type shellWorker struct {
	mu         sync.Mutex
	workingDir string
}

// NewShell exposes the host shell as run_command.
func NewShell() (tools.LocalTool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("run_command: %w", err)
	}
	w := &shellWorker{workingDir: cwd}
	return tools.NewTypedTool("run_command",
		fmt.Sprintf("Run a shell command with %s and return its combined output. The working directory persists between calls.", shellName),
		func(ctx context.Context, in ShellArgs) (string, error) {
			return w.run(ctx, in.Command)
		})
}

func (w *shellWorker) run(ctx context.Context, cmdStr string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	slog.InfoContext(ctx, "Executing command", "dir", w.workingDir, "command", cmdStr)

	cmd := exec.CommandContext(ctx, shellName, shellFlag, chainPwd(w.workingDir, cmdStr))
	outputBytes, err := cmd.CombinedOutput()
	output := string(outputBytes)
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(output))
	}

	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) > 0 {
		possibleCwd := strings.TrimSpace(lines[len(lines)-1])
		if info, statErr := os.Stat(possibleCwd); statErr == nil && info.IsDir() {
			w.workingDir = possibleCwd
			output = strings.Join(lines[:len(lines)-1], "\n")
		}
	}
	return output, nil
}
