package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicAdapter streams chat completions via Anthropic's Messages
// streaming API, trimmed to the non-beta surface.
type AnthropicAdapter struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicAdapter constructs an Adapter for the given API key and model.
func NewAnthropicAdapter(apiKey, model string) *AnthropicAdapter {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicAdapter{client: &client, model: model}
}

// StreamChat implements Adapter.
func (a *AnthropicAdapter) StreamChat(ctx context.Context, messages []Message, opts StreamOptions) (<-chan Fragment, error) {
	ctx, cancel := withTimeout(ctx, opts)

	temperature := opts.Temperature
	if opts.Deterministic {
		temperature = 0
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   int64(opts.MaxTokens),
		Messages:    toAnthropicMessages(messages),
		Temperature: anthropic.Float(temperature),
		TopP:        anthropic.Float(opts.TopP),
		StopSequences: opts.Stop,
	}
	if opts.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: opts.SystemPrompt}}
	}

	stream := a.client.Messages.NewStreaming(ctx, params)

	out := make(chan Fragment)
	go func() {
		defer cancel()
		defer close(out)
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			switch delta := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if text := delta.Delta.Text; text != "" {
					select {
					case out <- Fragment{Text: text}:
					case <-ctx.Done():
						sendFragmentErr(ctx, out, mapCtxErr(ctx))
						return
					}
				}
			}
		}
		if err := stream.Err(); err != nil && !errors.Is(err, io.EOF) {
			if ctx.Err() != nil {
				sendFragmentErr(ctx, out, mapCtxErr(ctx))
				return
			}
			sendFragmentErr(ctx, out, fmt.Errorf("llm: anthropic stream error: %w", err))
		}
	}()

	return out, nil
}

func toAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		block := anthropic.NewTextBlock(m.Content)
		switch m.Role {
		case RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(block))
		default:
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}
