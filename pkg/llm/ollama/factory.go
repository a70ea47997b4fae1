package ollama

import (
	"log/slog"

	"mcpagent/pkg/config"
	"mcpagent/pkg/llm"
)

// OllamaFactory handles creation of Ollama Clients
type OllamaFactory struct{}

// Create implements ProviderFactory
func (f *OllamaFactory) Create(cfg llm.ProviderGroupConfig, sys *config.SystemConfig) ([]llm.LLMClient, error) {
	var clients []llm.LLMClient

	for _, model := range cfg.Models {
		// An empty base URL lets the client read OLLAMA_HOST
		client, err := NewOllamaClient(model, cfg.BaseURL, cfg.Options)
		if err != nil {
			slog.Error("Failed to create Ollama client", "model", model, "error", err)
			continue
		}
		if sys != nil {
			client.SetBufferSize(sys.InternalChannelBuffer)
			client.SetDebug(sys.DebugChunks)
		}
		clients = append(clients, client)
	}
	return clients, nil
}

func init() {
	llm.RegisterProvider("ollama", &OllamaFactory{})
}
