package genbackend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

// ollamaDispatcher streams completions from a local Ollama daemon.
type ollamaDispatcher struct {
	client       *api.Client
	model        string
	systemPrompt string
	options      map[string]any
}

func newOllamaDispatcher(cfg Config, options map[string]any) (*ollamaDispatcher, error) {
	var client *api.Client
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("genbackend: invalid ollama base URL: %w", err)
		}
		// Generation can run far longer than any sane client timeout.
		client = api.NewClient(u, &http.Client{Timeout: 0})
	} else {
		var err error
		client, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("genbackend: ollama client: %w", err)
		}
	}

	return &ollamaDispatcher{
		client:       client,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		options:      options,
	}, nil
}

// Dispatch implements Dispatcher.
func (d *ollamaDispatcher) Dispatch(ctx context.Context, req Request, hooks Hooks) error {
	var messages []api.Message
	if d.systemPrompt != "" {
		messages = append(messages, api.Message{Role: "system", Content: d.systemPrompt})
	}
	messages = append(messages, api.Message{Role: "user", Content: req.Content})

	streamVal := true
	chatReq := &api.ChatRequest{
		Model:    d.model,
		Messages: messages,
		Options:  d.options,
		Stream:   &streamVal,
	}

	seg := newSegmenter(hooks.OnChunk)

	err := d.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		seg.Write(resp.Message.Content)
		return nil
	})
	if err != nil {
		return fmt.Errorf("genbackend: ollama chat: %w", err)
	}

	seg.Flush()
	return nil
}
