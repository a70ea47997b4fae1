package agent

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"mcpagent/pkg/llm"
)

// Turn is one finalized assistant response.
type Turn struct {
	Text string
	// HasText is false when the model sent no text at all; the assistant
	// message then carries null content.
	HasText      bool
	Thinking     string
	ToolCalls    []llm.ToolCall
	FinishReason string
	Usage        *llm.LLMUsage
}

// Message converts the turn into the assistant message appended to history.
func (t *Turn) Message() llm.Message {
	return llm.NewAssistantMessage(t.Text, t.HasText, t.ToolCalls)
}

// toolCallBuilder accumulates the deltas of one stream index.
type toolCallBuilder struct {
	id   string
	name string
	args strings.Builder
	meta map[string]any
}

func (b *toolCallBuilder) merge(d llm.ToolCallDelta) {
	if b.id == "" {
		b.id = d.ID
	}
	if b.name == "" {
		b.name = d.Name
	}
	b.args.WriteString(d.Arguments)
	for k, v := range d.Meta {
		if b.meta == nil {
			b.meta = make(map[string]any)
		}
		if _, ok := b.meta[k]; !ok {
			b.meta[k] = v
		}
	}
}

// Assemble reduces a chunk stream into one Turn. Every chunk is handed to
// observe (which may be nil) before it is merged. The builders live only for
// this call; on any failure they are dropped and ErrStreamIncomplete is
// returned.
func Assemble(ctx context.Context, chunks <-chan llm.StreamChunk, observe func(llm.StreamChunk)) (*Turn, error) {
	var (
		text     strings.Builder
		thinking strings.Builder
		hasText  bool
		usage    *llm.LLMUsage
		builders = make(map[int]*toolCallBuilder)
	)

	for {
		var (
			chunk llm.StreamChunk
			ok    bool
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrStreamIncomplete, ctx.Err())
		case chunk, ok = <-chunks:
		}
		if !ok {
			return nil, fmt.Errorf("%w: stream closed", ErrStreamIncomplete)
		}
		if chunk.RawError != nil {
			return nil, fmt.Errorf("%w: %w", ErrStreamIncomplete, chunk.RawError)
		}

		if observe != nil {
			observe(chunk)
		}

		for _, block := range chunk.ContentBlocks {
			switch block.Type {
			case llm.BlockTypeText:
				text.WriteString(block.Text)
				hasText = true
			case llm.BlockTypeThinking:
				thinking.WriteString(block.Text)
			}
		}

		for _, d := range chunk.ToolCalls {
			b, exists := builders[d.Index]
			if !exists {
				b = &toolCallBuilder{}
				builders[d.Index] = b
			}
			b.merge(d)
		}

		if chunk.Usage != nil {
			usage = chunk.Usage
		}

		if chunk.IsFinal {
			turn := &Turn{
				Text:         text.String(),
				HasText:      hasText,
				Thinking:     thinking.String(),
				FinishReason: chunk.FinishReason,
				Usage:        usage,
			}
			for _, idx := range slices.Sorted(maps.Keys(builders)) {
				b := builders[idx]
				turn.ToolCalls = append(turn.ToolCalls, llm.ToolCall{
					ID:        b.id,
					Name:      b.name,
					Arguments: b.args.String(),
					Meta:      b.meta,
				})
			}
			return turn, nil
		}
	}
}
