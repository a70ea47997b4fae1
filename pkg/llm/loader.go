package llm

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	jsoniter "github.com/json-iterator/go"

	"mcpagent/pkg/config"
)

// ErrNoClients is returned when no provider group produced a usable client.
var ErrNoClients = errors.New("no LLM clients could be initialized")

// NewFromConfig builds the client described by the raw "llm" list. Groups
// that cannot be built are skipped with a warning; when more than one model
// survives they are tried in order through a FallbackClient.
func NewFromConfig(rawLLM jsoniter.RawMessage, system *config.SystemConfig) (LLMClient, error) {
	if len(rawLLM) == 0 {
		return nil, errors.New("missing 'llm' config")
	}

	var groups []ProviderGroupConfig
	if err := json.Unmarshal(rawLLM, &groups); err != nil {
		return nil, fmt.Errorf("failed to parse 'llm' config: %w", err)
	}

	var (
		clients  []LLMClient
		problems []error
	)
	for i, group := range groups {
		built, err := buildGroup(group, system)
		if err != nil {
			slog.Warn("Skipping LLM group", "index", i, "type", group.Type, "error", err)
			problems = append(problems, fmt.Errorf("group %d (%s): %w", i, group.Type, err))
			continue
		}
		clients = append(clients, built...)
	}

	switch len(clients) {
	case 0:
		if len(problems) == 0 {
			return nil, ErrNoClients
		}
		return nil, fmt.Errorf("%w: %w", ErrNoClients, errors.Join(problems...))
	case 1:
		return clients[0], nil
	}

	slog.Info("LLM clients initialized", "count", len(clients))
	return &FallbackClient{
		Clients:    clients,
		MaxRetries: system.MaxRetries,
		RetryDelay: time.Duration(system.RetryDelayMs) * time.Millisecond,
	}, nil
}

func buildGroup(group ProviderGroupConfig, system *config.SystemConfig) ([]LLMClient, error) {
	factory, ok := GetProviderFactory(group.Type)
	if !ok {
		return nil, fmt.Errorf("unknown provider type %q (registered: %v)", group.Type, Providers())
	}
	slog.Info("Loading LLM group", "type", group.Type, "models", len(group.Models))
	return factory.Create(group, system)
}
