package guardrails

import (
	"context"
	"testing"

	"github.com/voxrun/voice-runtime/internal/llm"
	"github.com/voxrun/voice-runtime/internal/model"
)

type fakeAdapter struct {
	fragments []llm.Fragment
}

func (f *fakeAdapter) StreamChat(ctx context.Context, messages []llm.Message, opts llm.StreamOptions) (<-chan llm.Fragment, error) {
	out := make(chan llm.Fragment, len(f.fragments))
	for _, frag := range f.fragments {
		out <- frag
	}
	close(out)
	return out, nil
}

func TestRunTurnAssemblesFragments(t *testing.T) {
	adapter := &fakeAdapter{fragments: []llm.Fragment{{Text: "Hi "}, {Text: "there."}}}
	g := New(adapter, Rules{MaxSentences: 2})

	got, err := g.RunTurn(context.Background(), nil, llm.DefaultStreamOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Hi there." {
		t.Errorf("expected %q, got %q", "Hi there.", got)
	}
}

func TestRunTurnPropagatesStreamError(t *testing.T) {
	adapter := &fakeAdapter{fragments: []llm.Fragment{{Err: llm.ErrLLMTimeout}}}
	g := New(adapter, Rules{})

	_, err := g.RunTurn(context.Background(), nil, llm.DefaultStreamOptions())
	if err != llm.ErrLLMTimeout {
		t.Errorf("expected ErrLLMTimeout, got %v", err)
	}
}

func TestCleanTruncatesToMaxSentences(t *testing.T) {
	g := New(nil, Rules{MaxSentences: 2})
	out := g.Clean("First sentence. Second sentence. Third sentence.")
	if out != "First sentence. Second sentence." {
		t.Errorf("expected truncation to 2 sentences, got %q", out)
	}
}

func TestCleanLeavesShortResponseUntouched(t *testing.T) {
	g := New(nil, Rules{MaxSentences: 2})
	out := g.Clean("Just one sentence.")
	if out != "Just one sentence." {
		t.Errorf("expected unchanged text, got %q", out)
	}
}

func TestValidateRejectsForbiddenPhrase(t *testing.T) {
	g := New(nil, Rules{ForbiddenPhrases: []string{"I am an AI"}})
	err := g.Validate("Honestly, I am an AI assistant.")
	if _, ok := err.(*ErrForbiddenPhrase); !ok {
		t.Errorf("expected ErrForbiddenPhrase, got %v", err)
	}
}

func TestValidateAllowsCleanResponse(t *testing.T) {
	g := New(nil, Rules{ForbiddenPhrases: []string{"I am an AI"}})
	if err := g.Validate("Sure, I can help with that."); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestFallbackForKnownState(t *testing.T) {
	got := FallbackFor(model.StateGreeting, 0)
	if got == "" {
		t.Error("expected non-empty fallback")
	}
}

func TestFallbackForUnknownStateUsesGreetingPool(t *testing.T) {
	got := FallbackFor(model.StateTransfer, 0)
	want := FallbackFor(model.StateGreeting, 0)
	if got != want {
		t.Errorf("expected unmapped state to fall back to greeting pool, got %q want %q", got, want)
	}
}

func TestGraceGoodbyeNeverReferencesAutomation(t *testing.T) {
	for i := 0; i < 4; i++ {
		got := GraceGoodbye(i)
		if got == "" {
			t.Error("expected non-empty grace goodbye")
		}
	}
}

func TestHasRequiredCompliance(t *testing.T) {
	g := New(nil, Rules{RequiredPhrases: []string{"recorded for quality"}})
	if g.HasRequiredCompliance("Hello, this call may be recorded for quality assurance.") != true {
		t.Error("expected compliance phrase to be detected")
	}
	if g.HasRequiredCompliance("Hello there.") != false {
		t.Error("expected missing compliance phrase to fail")
	}
}
