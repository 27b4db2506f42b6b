package prompt

import (
	"strings"
	"testing"

	"github.com/voxrun/voice-runtime/internal/model"
)

func testBase() BaseParams {
	return BaseParams{
		AgentName:       "Ava",
		CompanyName:     "Acme",
		GoalDescription: "book a demo",
		Tone:            "friendly",
		MaxSentences:    3,
		DoNotSayRules:   []string{"I am an AI"},
	}
}

func TestRenderComposesBaseAndOverlay(t *testing.T) {
	m := NewManager(testBase(), Overrides{})
	out := m.Render(model.StateGreeting, StateParams{})
	if !strings.Contains(out, "Ava") || !strings.Contains(out, "Acme") {
		t.Errorf("expected base template in output, got %q", out)
	}
	if !strings.Contains(out, "Greet the caller") {
		t.Errorf("expected greeting overlay in output, got %q", out)
	}
	if !strings.Contains(out, "Never say: I am an AI") {
		t.Errorf("expected do-not-say rule in output, got %q", out)
	}
}

func TestRenderObjectionOverlayIncludesCounts(t *testing.T) {
	m := NewManager(testBase(), Overrides{})
	out := m.Render(model.StateObjectionHandling, StateParams{UserConcern: "price", ObjectionCount: 1, MaxObjections: 2})
	if !strings.Contains(out, "price") {
		t.Errorf("expected user concern in overlay, got %q", out)
	}
	if !strings.Contains(out, "objection 1 of 2") {
		t.Errorf("expected objection counts in overlay, got %q", out)
	}
}

func TestRenderSystemPromptOverrideBypassesBase(t *testing.T) {
	m := NewManager(testBase(), Overrides{SystemPrompt: "Custom prompt for {{campaign}}.", ContextVariables: map[string]string{"campaign": "fall-promo"}})
	out := m.Render(model.StateGreeting, StateParams{})
	if out != "Custom prompt for fall-promo." {
		t.Errorf("expected override with substituted variable, got %q", out)
	}
}

func TestRenderCustomGreetingOverride(t *testing.T) {
	m := NewManager(testBase(), Overrides{Greeting: "Hi, this is Ava calling about your account."})
	out := m.Render(model.StateGreeting, StateParams{})
	if !strings.Contains(out, "Hi, this is Ava calling about your account.") {
		t.Errorf("expected custom greeting in output, got %q", out)
	}
}

func TestMaxSentencesOverride(t *testing.T) {
	m := NewManager(testBase(), Overrides{MaxSentences: 1})
	out := m.Render(model.StateQualification, StateParams{})
	if !strings.Contains(out, "at most 1 sentence") {
		t.Errorf("expected overridden max sentences, got %q", out)
	}
}
