package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/voxrun/voice-runtime/internal/observability"
)

// OpenAIAdapter streams chat completions via the OpenAI chat-completions
// API.
type OpenAIAdapter struct {
	client *openai.Client
	model  string
}

// NewOpenAIAdapter constructs an Adapter for the given API key and model.
func NewOpenAIAdapter(apiKey, model string) *OpenAIAdapter {
	return &OpenAIAdapter{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

// StreamChat implements Adapter.
func (a *OpenAIAdapter) StreamChat(ctx context.Context, messages []Message, opts StreamOptions) (<-chan Fragment, error) {
	ctx, cancel := withTimeout(ctx, opts)

	req := openai.ChatCompletionRequest{
		Model:       a.model,
		Messages:    toOpenAIMessages(opts.SystemPrompt, messages),
		Temperature: float32(opts.Temperature),
		MaxTokens:   opts.MaxTokens,
		TopP:        float32(opts.TopP),
		Stop:        opts.Stop,
		Stream:      true,
	}
	if opts.Deterministic {
		req.Temperature = 0
		seed := int(opts.Seed)
		req.Seed = &seed
	}

	stream, err := a.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("llm: openai stream creation: %w", err)
	}

	out := make(chan Fragment)
	go func() {
		defer cancel()
		defer close(out)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					sendFragmentErr(ctx, out, mapCtxErr(ctx))
					return
				}
				sendFragmentErr(ctx, out, mapOpenAIErr(err))
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			content := resp.Choices[0].Delta.Content
			if content == "" {
				continue
			}
			select {
			case out <- Fragment{Text: content}:
			case <-ctx.Done():
				sendFragmentErr(ctx, out, mapCtxErr(ctx))
				return
			}
		}
	}()

	return out, nil
}

func mapOpenAIErr(err error) error {
	return fmt.Errorf("llm: openai stream error: %w", err)
}

func mapCtxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrLLMTimeout
	}
	return ctx.Err()
}

func sendFragmentErr(ctx context.Context, out chan<- Fragment, err error) {
	select {
	case out <- Fragment{Err: err}:
	default:
		observability.GetLogger().Warn().Err(err).Msg("llm: dropping terminal error fragment, channel unread")
	}
}

func toOpenAIMessages(systemPrompt string, messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return out
}
