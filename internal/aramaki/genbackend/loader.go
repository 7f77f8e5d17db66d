package genbackend

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config selects and configures the generation provider.
type Config struct {
	// Provider is "openai" or "ollama". Defaults to "openai".
	Provider string

	// Model is the model name, e.g. "gpt-4o-mini" or "qwen2.5:7b".
	Model string

	// APIKey authenticates against the provider (openai only).
	APIKey string

	// BaseURL overrides the provider endpoint. Useful for OpenAI-compatible
	// gateways or a non-default Ollama address.
	BaseURL string

	// SystemPrompt is prepended to every request when non-empty.
	SystemPrompt string

	// OptionsJSON is a JSON object of provider options, e.g.
	// {"temperature": 0.7, "max_tokens": 2048}.
	OptionsJSON string
}

// New builds the Dispatcher selected by cfg.Provider.
func New(cfg Config) (Dispatcher, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("genbackend: model must not be empty")
	}

	var options map[string]any
	if cfg.OptionsJSON != "" {
		if err := json.Unmarshal([]byte(cfg.OptionsJSON), &options); err != nil {
			return nil, fmt.Errorf("genbackend: parse options: %w", err)
		}
	}

	switch cfg.Provider {
	case "", "openai":
		return newOpenAIDispatcher(cfg, options)
	case "ollama":
		return newOllamaDispatcher(cfg, options)
	default:
		return nil, fmt.Errorf("genbackend: unknown provider %q", cfg.Provider)
	}
}
