package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mcpagent/pkg/agent"
	"mcpagent/pkg/config"
	"mcpagent/pkg/llm"
	_ "mcpagent/pkg/llm/gemini"   // 註冊 gemini provider
	_ "mcpagent/pkg/llm/ollama"   // 註冊 ollama provider
	_ "mcpagent/pkg/llm/openailm" // 註冊 openai provider
	"mcpagent/pkg/monitor"
	"mcpagent/pkg/tools"
	"mcpagent/pkg/tools/builtin"
	"mcpagent/pkg/tools/mcp"
)

func main() {
	os.Exit(run())
}

func run() int {
	monitor.SetupSlog("info")

	// --- 0. 讀取設定檔 ---
	cfgPath := config.PathFromEnv("MCPAGENT_CONFIG", config.DefaultConfigPath)
	sysPath := config.PathFromEnv("MCPAGENT_SYSTEM", config.DefaultSystemPath)
	cfg, sys, err := config.Load(cfgPath, sysPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		return 1
	}
	monitor.SetLevel(sys.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- 1. LLM 設定 ---
	client, err := llm.NewFromConfig(cfg.LLM, sys)
	if err != nil {
		slog.Error("Failed to init LLM client", "error", err)
		return 1
	}

	// system.json 熱更新：日誌等級與 chunk dump
	go func() {
		for updated := range config.WatchSystemConfig(ctx, sysPath) {
			monitor.SetLevel(updated.LogLevel)
			if d, ok := client.(llm.Debuggable); ok {
				d.SetDebug(updated.DebugChunks)
			}
			slog.Info("System config reloaded", "log_level", updated.LogLevel, "debug_chunks", updated.DebugChunks)
		}
	}()

	// --- 2. 工具 ---
	adapters, err := buildAdapters(cfg, sys)
	if err != nil {
		slog.Error("Failed to build tool adapters", "error", err)
		return 1
	}

	// 串流輸出走 stderr，stdout 只留最終答案
	mon := monitor.NewCLIMonitorWriter(os.Stderr, sys.ShowThinking)
	_ = mon.Start()
	defer mon.Stop()

	engine := agent.NewEngine(client, adapters,
		agent.WithSystemPrompt(cfg.SystemPrompt),
		agent.WithContextMessage(cfg.Context),
		agent.WithSampling(llm.SamplingParams{
			Temperature: cfg.Sampling.Temperature,
			TopP:        cfg.Sampling.TopP,
			MaxTokens:   cfg.Sampling.MaxTokens,
		}),
		agent.WithMaxTurns(sys.MaxTurns),
		agent.WithKeepAdapters(sys.KeepAdapters),
		agent.WithMonitor(mon),
	)
	defer engine.Shutdown(context.WithoutCancel(ctx))

	if err := engine.Initialize(ctx); err != nil {
		slog.Error("Failed to initialize engine", "error", err)
		return 1
	}

	// --- 3. 對話 ---
	if len(os.Args) > 1 {
		return ask(ctx, engine, strings.Join(os.Args[1:], " "), sys)
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	code := 0
	for scanner.Scan() {
		prompt := strings.TrimSpace(scanner.Text())
		if prompt == "" {
			continue
		}
		code = ask(ctx, engine, prompt, sys)
		if !sys.KeepAdapters || ctx.Err() != nil {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Error("Failed to read stdin", "error", err)
		return 1
	}
	return code
}

func ask(ctx context.Context, engine *agent.Engine, prompt string, sys *config.SystemConfig) int {
	if sys.LLMTimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(sys.LLMTimeoutMs)*time.Millisecond)
		defer cancel()
	}

	answer, err := engine.Converse(ctx, prompt)
	if err != nil {
		slog.Error("Conversation failed", "error", err)
		return 1
	}
	fmt.Println(answer)
	return 0
}

func buildAdapters(cfg *config.Config, sys *config.SystemConfig) ([]tools.Adapter, error) {
	if !sys.EnableTools {
		slog.Info("Tools disabled by system config")
		return nil, nil
	}

	var adapters []tools.Adapter
	if len(cfg.BuiltinTools) > 0 {
		local, err := builtin.New(cfg.BuiltinTools)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, local)
	}
	for _, server := range cfg.MCPServers {
		client, err := mcp.NewClient(server)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, client)
	}
	return adapters, nil
}
