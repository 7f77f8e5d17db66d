package genbackend

import (
	"context"
	"fmt"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
)

// openAIDispatcher streams completions from an OpenAI-compatible endpoint.
type openAIDispatcher struct {
	client       *openai.Client
	model        string
	systemPrompt string
	options      map[string]any
}

func newOpenAIDispatcher(cfg Config, options map[string]any) (*openAIDispatcher, error) {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)

	return &openAIDispatcher{
		client:       &client,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		options:      options,
	}, nil
}

// Dispatch implements Dispatcher.
func (d *openAIDispatcher) Dispatch(ctx context.Context, req Request, hooks Hooks) error {
	var items []responses.ResponseInputItemUnionParam
	if d.systemPrompt != "" {
		items = append(items, responses.ResponseInputItemParamOfMessage(
			d.systemPrompt,
			responses.EasyInputMessageRoleSystem,
		))
	}
	items = append(items, responses.ResponseInputItemParamOfMessage(
		req.Content,
		responses.EasyInputMessageRoleUser,
	))

	params := responses.ResponseNewParams{
		Model: d.model,
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: items,
		},
	}

	var reqOpts []option.RequestOption
	if t, ok := d.options["temperature"].(float64); ok {
		reqOpts = append(reqOpts, option.WithJSONSet("temperature", t))
	}
	if p, ok := d.options["top_p"].(float64); ok {
		reqOpts = append(reqOpts, option.WithJSONSet("top_p", p))
	}
	if maxTok, ok := d.options["max_tokens"].(float64); ok {
		reqOpts = append(reqOpts, option.WithJSONSet("max_completion_tokens", int(maxTok)))
	}

	seg := newSegmenter(hooks.OnChunk)

	stream := d.client.Responses.NewStreaming(ctx, params, reqOpts...)
	defer stream.Close()

	for stream.Next() {
		switch event := stream.Current().AsAny().(type) {
		case responses.ResponseTextDeltaEvent:
			seg.Write(event.Delta)
		case responses.ResponseFailedEvent:
			return fmt.Errorf("genbackend: openai response failed")
		case responses.ResponseIncompleteEvent:
			return fmt.Errorf("genbackend: openai response incomplete")
		case responses.ResponseErrorEvent:
			return fmt.Errorf("genbackend: openai: %s", event.Message)
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("genbackend: openai stream: %w", err)
	}

	seg.Flush()
	return nil
}
