package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"mcpagent/pkg/llm"
	"mcpagent/pkg/monitor"
	"mcpagent/pkg/tools"
)

//----------------------------------------------------------------
// Options
//----------------------------------------------------------------

type options struct {
	systemPrompt   string
	contextMessage string
	sampling       llm.SamplingParams
	maxTurns       int
	keepAdapters   bool
	monitor        monitor.Monitor
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*options)

// WithSystemPrompt sets the standing system instruction, sent once at the
// start of the conversation.
func WithSystemPrompt(prompt string) Option {
	return func(o *options) { o.systemPrompt = prompt }
}

// WithContextMessage sets the standing context, sent once as a user message
// right after the system instruction.
func WithContextMessage(text string) Option {
	return func(o *options) { o.contextMessage = text }
}

// WithSampling sets the sampling parameters of every model request.
func WithSampling(p llm.SamplingParams) Option {
	return func(o *options) { o.sampling = p }
}

// WithMaxTurns limits the model turns of one Converse call. 0 means no limit.
func WithMaxTurns(n int) Option {
	return func(o *options) { o.maxTurns = n }
}

// WithKeepAdapters keeps adapters connected after Converse returns so the
// engine can serve several prompts; they are closed by Shutdown instead.
func WithKeepAdapters(keep bool) Option {
	return func(o *options) { o.keepAdapters = keep }
}

// WithMonitor receives live text, thinking and tool activity.
func WithMonitor(m monitor.Monitor) Option {
	return func(o *options) { o.monitor = m }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

//----------------------------------------------------------------
// Engine
//----------------------------------------------------------------

// Engine runs one conversation: it streams model turns, dispatches the tool
// calls they contain and feeds the results back until the model answers
// without tools.
type Engine struct {
	client  llm.LLMClient
	set     *tools.Set
	router  *Router
	history *llm.ChatHistory
	opts    options
	tel     *telemetry

	// mu serializes Initialize, Converse and Shutdown.
	mu          sync.Mutex
	initialized bool
	closed      bool
	seeded      bool
}

// NewEngine creates an engine over client and adapters. Adapters are looked
// up in the given order.
func NewEngine(client llm.LLMClient, adapters []tools.Adapter, opts ...Option) *Engine {
	o := options{monitor: monitor.Nop{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.monitor == nil {
		o.monitor = monitor.Nop{}
	}

	set := tools.NewSet(adapters...)
	return &Engine{
		client:  client,
		set:     set,
		router:  NewRouter(set),
		history: llm.NewChatHistory(),
		opts:    o,
		tel:     newTelemetry(o.tracerProvider, o.meterProvider),
	}
}

// Initialize connects every adapter and checks that tool names are unique.
// On failure all adapters are closed and the engine cannot be reused.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.initialized {
		return nil
	}

	var errs []error
	for _, a := range e.set.Adapters() {
		list, err := a.Connect(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("connect %s: %w", a.Name(), err))
			continue
		}
		slog.InfoContext(ctx, "Adapter connected", "adapter", a.Name(), "tools", len(list))
	}

	err := errors.Join(errs...)
	if err == nil {
		err = e.set.Validate()
	}
	if err != nil {
		e.teardown(ctx)
		return fmt.Errorf("initialize: %w", err)
	}

	e.initialized = true
	return nil
}

// Converse sends prompt and runs the tool loop until the model produces a
// final answer. Unless WithKeepAdapters is set, the adapters are torn down
// before it returns, on success and on error alike.
func (e *Engine) Converse(ctx context.Context, prompt string) (answer string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized || e.closed {
		return "", ErrNotInitialized
	}

	if llm.DebugID(ctx) == "" {
		ctx = context.WithValue(ctx, llm.DebugDirContextKey, uuid.NewString()[:8])
	}
	ctx, span := e.tel.start(ctx, "agent.converse")
	defer func() { end(span, err) }()

	if !e.opts.keepAdapters {
		defer e.teardown(ctx)
	}

	e.seed()
	e.history.Add(llm.NewUserMessage(prompt))

	schemas := e.set.Schemas()
	for n := 1; ; n++ {
		if e.opts.maxTurns > 0 && n > e.opts.maxTurns {
			return "", fmt.Errorf("%w: limit %d", ErrMaxTurnsExceeded, e.opts.maxTurns)
		}

		turn, err := e.runTurn(ctx, n, schemas)
		if err != nil {
			return "", err
		}
		e.history.Add(turn.Message())

		if len(turn.ToolCalls) == 0 {
			span.SetAttributes(attribute.Int("agent.turns", n))
			return turn.Text, nil
		}

		for _, call := range turn.ToolCalls {
			result, err := e.dispatch(ctx, call)
			if err != nil {
				return "", err
			}
			e.history.Add(llm.NewToolMessage(call.ID, call.Name, result))
		}
	}
}

// Shutdown closes every adapter. It may be called any number of times;
// close failures are logged and returned as warnings, never as errors.
func (e *Engine) Shutdown(ctx context.Context) []TeardownWarning {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.teardown(ctx)
}

// History returns a copy of the conversation so far.
func (e *Engine) History() []llm.Message {
	return e.history.GetMessages()
}

// seed adds the standing messages on the first call only.
func (e *Engine) seed() {
	if e.seeded {
		return
	}
	e.seeded = true
	if e.opts.systemPrompt != "" {
		e.history.Add(llm.NewSystemMessage(e.opts.systemPrompt))
	}
	if e.opts.contextMessage != "" {
		e.history.Add(llm.NewUserMessage(e.opts.contextMessage))
	}
}

func (e *Engine) runTurn(ctx context.Context, n int, schemas []llm.ToolSchema) (turn *Turn, err error) {
	ctx, span := e.tel.start(ctx, "agent.turn", attribute.Int("agent.turn", n))
	defer func() { end(span, err) }()
	e.tel.turns.Add(ctx, 1)

	chunks, err := e.client.StreamChat(ctx, e.history.GetMessages(), schemas, e.opts.sampling)
	if err != nil {
		return nil, fmt.Errorf("start model stream: %w", err)
	}

	turn, err = Assemble(ctx, chunks, e.observe)
	if err != nil {
		slog.ErrorContext(ctx, "Model turn failed", "turn", n, "error", err)
		return nil, err
	}

	e.notify(monitor.TypeTurnEnd, "", turn.FinishReason)
	span.SetAttributes(
		attribute.Int("agent.tool_calls", len(turn.ToolCalls)),
		attribute.String("agent.finish_reason", turn.FinishReason),
	)
	slog.DebugContext(ctx, "Model turn finished", "turn", n, "tool_calls", len(turn.ToolCalls), "reason", turn.FinishReason)
	return turn, nil
}

func (e *Engine) dispatch(ctx context.Context, call llm.ToolCall) (result string, err error) {
	ctx, span := e.tel.start(ctx, "agent.dispatch",
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	)
	defer func() { end(span, err) }()

	attrs := metric.WithAttributes(attribute.String("tool", call.Name))
	e.tel.toolCalls.Add(ctx, 1, attrs)
	e.notify(monitor.TypeToolCall, call.Name, call.Arguments)

	result, err = e.router.Dispatch(ctx, call)
	if err != nil {
		e.tel.toolErrors.Add(ctx, 1, attrs)
		slog.ErrorContext(ctx, "Tool dispatch failed", "name", call.Name, "error", err)
		return "", err
	}

	e.notify(monitor.TypeToolResult, call.Name, result)
	return result, nil
}

func (e *Engine) observe(chunk llm.StreamChunk) {
	for _, block := range chunk.ContentBlocks {
		switch block.Type {
		case llm.BlockTypeText:
			e.notify(monitor.TypeText, "", block.Text)
		case llm.BlockTypeThinking:
			e.notify(monitor.TypeThinking, "", block.Text)
		}
	}
}

func (e *Engine) notify(kind, toolName, content string) {
	e.opts.monitor.OnMessage(monitor.MonitorMessage{
		Timestamp:   time.Now(),
		MessageType: kind,
		ToolName:    toolName,
		Content:     content,
	})
}

// teardown closes every adapter in registration order. A failing (or
// panicking) close does not stop the others. Caller holds e.mu.
func (e *Engine) teardown(ctx context.Context) []TeardownWarning {
	e.closed = true
	e.initialized = false

	var warnings []TeardownWarning
	for _, a := range e.set.Adapters() {
		if err := closeAdapter(ctx, a); err != nil {
			w := TeardownWarning{Adapter: a.Name(), Err: err}
			slog.WarnContext(ctx, "Adapter teardown failed",
				"adapter", w.Adapter,
				"error", w.Err,
				"canceled", errors.Is(err, context.Canceled),
			)
			warnings = append(warnings, w)
		}
	}
	return warnings
}

func closeAdapter(ctx context.Context, a tools.Adapter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("close panicked: %v", r)
		}
	}()
	return a.Close(ctx)
}
