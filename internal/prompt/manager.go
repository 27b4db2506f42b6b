// Package prompt renders state-conditional system prompts from a base
// template plus per-ConvState overlays.
package prompt

import (
	"fmt"
	"strings"

	"github.com/voxrun/voice-runtime/internal/model"
)

// BaseParams parameterises the base template, the layer shared across all
// states.
type BaseParams struct {
	AgentName       string
	CompanyName     string
	GoalDescription string
	Tone            string
	MaxSentences    int
	DoNotSayRules   []string
}

// Overrides carries campaign-level replacements for the system prompt,
// greeting, compliance text, sampling parameters, max sentences, and
// injected context variables.
type Overrides struct {
	SystemPrompt     string
	Greeting         string
	ComplianceText   string
	Temperature      float64
	MaxTokens        int
	MaxSentences     int
	ContextVariables map[string]string
}

// StateParams parameterises the per-state overlay.
type StateParams struct {
	UserConcern    string
	ObjectionCount int
	MaxObjections  int
}

const defaultMaxSentences = 2

// Manager renders the two-layer system prompt for a given ConvState.
type Manager struct {
	base      BaseParams
	overrides Overrides
}

// NewManager builds a Manager from campaign-sourced base params and any
// campaign overrides.
func NewManager(base BaseParams, overrides Overrides) *Manager {
	if base.MaxSentences <= 0 {
		base.MaxSentences = defaultMaxSentences
	}
	return &Manager{base: base, overrides: overrides}
}

// Render composes `<base>\n\n<state-overlay>` for state, applying any
// campaign override of the whole system prompt verbatim instead.
func (m *Manager) Render(state model.ConvState, sp StateParams) string {
	if m.overrides.SystemPrompt != "" {
		return m.applyContextVariables(m.overrides.SystemPrompt)
	}

	base := m.renderBase()
	overlay := m.renderOverlay(state, sp)
	rendered := base + "\n\n" + overlay
	return m.applyContextVariables(rendered)
}

func (m *Manager) maxSentences() int {
	if m.overrides.MaxSentences > 0 {
		return m.overrides.MaxSentences
	}
	return m.base.MaxSentences
}

func (m *Manager) renderBase() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a voice agent for %s. Your goal: %s. Tone: %s.\n",
		m.base.AgentName, m.base.CompanyName, m.base.GoalDescription, m.base.Tone)
	fmt.Fprintf(&b, "Respond in at most %d sentences. Never use filler tokens. Do not open with a greeting.",
		m.maxSentences())
	for _, rule := range m.base.DoNotSayRules {
		fmt.Fprintf(&b, "\nNever say: %s.", rule)
	}
	if m.overrides.ComplianceText != "" {
		fmt.Fprintf(&b, "\n%s", m.overrides.ComplianceText)
	}
	return b.String()
}

func (m *Manager) renderOverlay(state model.ConvState, sp StateParams) string {
	switch state {
	case model.StateGreeting:
		greeting := m.overrides.Greeting
		if greeting == "" {
			greeting = "Greet the caller briefly and state the reason for the call."
		}
		return greeting
	case model.StateQualification:
		return "Ask a qualifying question that moves the caller toward the stated goal."
	case model.StateObjectionHandling:
		maxObjections := sp.MaxObjections
		if maxObjections <= 0 {
			maxObjections = 2
		}
		return fmt.Sprintf(
			"The caller raised a concern: %q. This is objection %d of %d. Address it directly and briefly, then ask if they're ready to proceed.",
			sp.UserConcern, sp.ObjectionCount, maxObjections,
		)
	case model.StateClosing:
		return "Confirm the caller's agreement explicitly before ending the call."
	case model.StateTransfer:
		return "Let the caller know a colleague will join shortly."
	case model.StateGoodbye:
		return "Thank the caller and end the call politely."
	default:
		return ""
	}
}

func (m *Manager) applyContextVariables(text string) string {
	for k, v := range m.overrides.ContextVariables {
		text = strings.ReplaceAll(text, "{{"+k+"}}", v)
	}
	return text
}
