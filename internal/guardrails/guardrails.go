// Package guardrails enforces per-turn LLM timeouts, cleans and validates
// responses, and supplies human-sounding fallbacks on failure.
package guardrails

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/voxrun/voice-runtime/internal/llm"
	"github.com/voxrun/voice-runtime/internal/model"
)

var sentenceSplit = regexp.MustCompile(`(?:[^.!?]+[.!?]+)|(?:[^.!?]+$)`)

// Rules bounds what a response may say, sourced from campaign config.
type Rules struct {
	MaxSentences     int
	ForbiddenPhrases []string
	RequiredPhrases  []string // compliance tokens that must appear somewhere in the call
}

// fallbackPools supplies human-sounding utterances per ConvState that must
// never reveal the system is automated.
var fallbackPools = map[model.ConvState][]string{
	model.StateGreeting:          {"Sorry, could you say that again?", "I didn't quite catch that, could you repeat it?"},
	model.StateQualification:     {"Sorry, could you say that again?", "One moment, could you repeat that?"},
	model.StateObjectionHandling: {"Sorry, could you say that one more time?", "I want to make sure I understood — could you repeat that?"},
	model.StateClosing:           {"Sorry, could you confirm that again?"},
}

// graceGoodbyePool is used on the second consecutive LLM failure, moving
// the engine to GOODBYE with outcome ERROR instead of retrying indefinitely.
var graceGoodbyePool = []string{
	"Let me have a colleague call you back.",
	"I'll have someone follow up with you shortly. Thanks for your time.",
}

// pickFallback round-robins within a pool deterministically per call by
// turn count, avoiding a global mutable counter.
func pickFallback(pool []string, turnCount int) string {
	if len(pool) == 0 {
		return "Sorry, could you repeat that?"
	}
	return pool[turnCount%len(pool)]
}

// FallbackFor returns a pool response for state, varied by turnCount.
func FallbackFor(state model.ConvState, turnCount int) string {
	pool, ok := fallbackPools[state]
	if !ok {
		pool = fallbackPools[model.StateGreeting]
	}
	return pickFallback(pool, turnCount)
}

// GraceGoodbye returns a graceful-goodbye fallback for the second
// consecutive LLM failure.
func GraceGoodbye(turnCount int) string {
	return pickFallback(graceGoodbyePool, turnCount)
}

// Guard wraps an llm.Adapter with per-turn timeout enforcement and response
// cleaning/validation.
type Guard struct {
	adapter llm.Adapter
	rules   Rules
}

// New constructs a Guard around adapter.
func New(adapter llm.Adapter, rules Rules) *Guard {
	if rules.MaxSentences <= 0 {
		rules.MaxSentences = 2
	}
	return &Guard{adapter: adapter, rules: rules}
}

// RunTurn streams a completion, accumulates it, and returns the cleaned,
// validated response. On timeout or a forbidden-phrase violation it
// returns an error so the caller can fall back.
func (g *Guard) RunTurn(ctx context.Context, messages []llm.Message, opts llm.StreamOptions) (string, error) {
	fragments, err := g.adapter.StreamChat(ctx, messages, opts)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for frag := range fragments {
		if frag.Err != nil {
			return "", frag.Err
		}
		b.WriteString(frag.Text)
	}

	cleaned := g.Clean(b.String())
	if err := g.Validate(cleaned); err != nil {
		return "", err
	}
	return cleaned, nil
}

// Clean strips leading/trailing boilerplate whitespace and truncates the
// response to MaxSentences.
func (g *Guard) Clean(text string) string {
	text = strings.TrimSpace(text)
	sentences := sentenceSplit.FindAllString(text, -1)
	if len(sentences) <= g.rules.MaxSentences {
		return text
	}
	return strings.TrimSpace(strings.Join(sentences[:g.rules.MaxSentences], ""))
}

// ErrForbiddenPhrase is returned by Validate when a response contains text
// a campaign has forbidden.
type ErrForbiddenPhrase struct{ Phrase string }

func (e *ErrForbiddenPhrase) Error() string {
	return fmt.Sprintf("guardrails: response contains forbidden phrase %q", e.Phrase)
}

// Validate checks text against the campaign's forbidden-phrase rules.
func (g *Guard) Validate(text string) error {
	lower := strings.ToLower(text)
	for _, phrase := range g.rules.ForbiddenPhrases {
		if phrase == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(phrase)) {
			return &ErrForbiddenPhrase{Phrase: phrase}
		}
	}
	return nil
}

// HasRequiredCompliance reports whether transcript contains every
// campaign-required compliance phrase, for end-of-call auditing.
func (g *Guard) HasRequiredCompliance(transcript string) bool {
	lower := strings.ToLower(transcript)
	for _, phrase := range g.rules.RequiredPhrases {
		if !strings.Contains(lower, strings.ToLower(phrase)) {
			return false
		}
	}
	return true
}
