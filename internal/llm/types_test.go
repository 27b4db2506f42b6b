package llm

import "testing"

func TestDefaultStreamOptions(t *testing.T) {
	opts := DefaultStreamOptions()
	if opts.Temperature != 0.6 {
		t.Errorf("Temperature: expected 0.6, got %f", opts.Temperature)
	}
	if opts.MaxTokens != 100 {
		t.Errorf("MaxTokens: expected 100, got %d", opts.MaxTokens)
	}
	if opts.TopP != 1.0 {
		t.Errorf("TopP: expected 1.0, got %f", opts.TopP)
	}
	if len(opts.Stop) != 3 {
		t.Fatalf("Stop: expected 3 sequences, got %d", len(opts.Stop))
	}
	if opts.Stop[0] != "User:" || opts.Stop[1] != "Human:" || opts.Stop[2] != "\n\n\n" {
		t.Errorf("Stop sequences unexpected: %v", opts.Stop)
	}
}

func TestToOpenAIMessagesIncludesSystemPromptFirst(t *testing.T) {
	msgs := toOpenAIMessages("be concise", []Message{
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: "hi there"},
	})
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "be concise" {
		t.Errorf("expected system prompt first, got %+v", msgs[0])
	}
	if msgs[1].Role != "user" || msgs[2].Role != "assistant" {
		t.Errorf("unexpected role ordering: %+v", msgs)
	}
}

func TestToOpenAIMessagesNoSystemPrompt(t *testing.T) {
	msgs := toOpenAIMessages("", []Message{{Role: RoleUser, Content: "hi"}})
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
}
