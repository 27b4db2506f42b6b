package conversation

import "github.com/voxrun/voice-runtime/internal/model"

// Engine drives one call's conversation state machine: classify intent,
// transition state, and — once a terminal state is reached — determine
// the call outcome.
type Engine struct {
	limits Limits

	state  model.ConvState
	ctx    model.ConversationContext
	reason ExitReason
}

// NewEngine starts a fresh engine in the initial GREETING state.
func NewEngine(limits Limits) *Engine {
	return &Engine{limits: limits, state: model.StateGreeting}
}

// State returns the current ConvState.
func (e *Engine) State() model.ConvState { return e.state }

// Context returns the current ConversationContext.
func (e *Engine) Context() model.ConversationContext { return e.ctx }

// HandleTurn classifies text, transitions state, and returns the new
// state plus the classified intent. Once State().IsTerminal() is true,
// call Outcome() to get the final CallOutcome.
func (e *Engine) HandleTurn(text string) (model.ConvState, model.UserIntent) {
	intent := ClassifyIntent(text)
	if intent == model.IntentObjection || intent == model.IntentUncertain {
		e.ctx.LastUserConcern = text
	}
	next, reason := Transition(e.state, intent, &e.ctx, e.limits)
	e.state = next
	e.reason = reason
	return e.state, intent
}

// RecordLLMError increments llm_error_count, feeding the guardrails'
// two-strikes-then-goodbye rule.
func (e *Engine) RecordLLMError() {
	e.ctx.LLMErrorCount++
}

// ResetLLMErrors clears llm_error_count after a turn completes without an
// LLM failure, so a successful reply always earns back both strikes
// rather than leaving the call one failure away from GraceGoodbye for its
// remaining duration.
func (e *Engine) ResetLLMErrors() {
	e.ctx.LLMErrorCount = 0
}

// Outcome computes the terminal CallOutcome for the engine's current
// (terminal) state.
func (e *Engine) Outcome() model.CallOutcome {
	return DetermineOutcome(e.state, e.ctx, e.reason, e.limits)
}
