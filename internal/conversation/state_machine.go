package conversation

import "github.com/voxrun/voice-runtime/internal/model"

// Limits bounds the state machine's turn and objection caps, sourced from
// config.
type Limits struct {
	MaxConversationTurns int
	MaxObjectionAttempts int
	MaxLLMErrors         int
}

type transition struct {
	from     model.ConvState
	intents  map[model.UserIntent]bool
	to       model.ConvState
	priority int
}

func intentSet(intents ...model.UserIntent) map[model.UserIntent]bool {
	m := make(map[model.UserIntent]bool, len(intents))
	for _, i := range intents {
		m[i] = true
	}
	return m
}

// transitionTable encodes the per-state transition rules. Entries are
// scanned in table order (every row has the same priority); the first
// (from, intent) match wins. The global rules (turn cap, LLM-error cap) are
// not rows here: Transition checks them before consulting the table.
var transitionTable = []transition{
	{model.StateGreeting, intentSet(model.IntentYes, model.IntentGreeting), model.StateQualification, 10},
	{model.StateGreeting, intentSet(model.IntentNo), model.StateGoodbye, 10},
	{model.StateGreeting, intentSet(model.IntentUncertain), model.StateObjectionHandling, 10},
	{model.StateGreeting, intentSet(model.IntentRequestHuman), model.StateTransfer, 10},

	{model.StateQualification, intentSet(model.IntentYes), model.StateClosing, 10},
	{model.StateQualification, intentSet(model.IntentNo), model.StateGoodbye, 10},
	{model.StateQualification, intentSet(model.IntentCallback), model.StateGoodbye, 10},
	{model.StateQualification, intentSet(model.IntentUncertain, model.IntentObjection), model.StateObjectionHandling, 10},
	{model.StateQualification, intentSet(model.IntentRequestHuman), model.StateTransfer, 10},

	{model.StateObjectionHandling, intentSet(model.IntentYes), model.StateClosing, 10},
	{model.StateObjectionHandling, intentSet(model.IntentNo), model.StateGoodbye, 10},
	{model.StateObjectionHandling, intentSet(model.IntentRequestHuman), model.StateTransfer, 10},
	// Objection-cap transition (UNCERTAIN/OBJECTION while at the cap) is
	// handled explicitly in Transition because it depends on context
	// state, not just (from, intent).

	{model.StateClosing, intentSet(model.IntentYes), model.StateGoodbye, 10},
}

// ExitReason explains why a turn landed on GOODBYE, used by
// DetermineOutcome to pick the right CallOutcome when several conditions
// coincide in the same turn.
type ExitReason int

const (
	ExitNone ExitReason = iota
	ExitViaNo
	ExitViaObjectionCap
	ExitViaTurnCap
	ExitViaLLMErrorCap
)

// Transition applies one turn of the transition table and returns the next
// state and, when that state is GOODBYE, the reason the exit happened. ctx
// is updated in place: ObjectionCount is incremented on transition into (or
// another strike within) OBJECTION_HANDLING, TurnCount is incremented every
// call.
func Transition(from model.ConvState, intent model.UserIntent, ctx *model.ConversationContext, limits Limits) (model.ConvState, ExitReason) {
	ctx.TurnCount++

	// Global pre-emptive rules, highest priority, evaluated before any
	// per-state rule so they pre-empt a same-turn semantic transition.
	if limits.MaxLLMErrors > 0 && ctx.LLMErrorCount >= limits.MaxLLMErrors {
		return model.StateGoodbye, ExitViaLLMErrorCap
	}
	if intent == model.IntentNo {
		// A semantic NO always explains the exit even if it also happens
		// to coincide with the turn cap.
		if to := lookupTransition(from, intent); to == model.StateGoodbye {
			return model.StateGoodbye, ExitViaNo
		}
	}
	if limits.MaxConversationTurns > 0 && ctx.TurnCount >= limits.MaxConversationTurns {
		return model.StateGoodbye, ExitViaTurnCap
	}

	if from == model.StateObjectionHandling && (intent == model.IntentUncertain || intent == model.IntentObjection) {
		if ctx.ObjectionCount >= limits.MaxObjectionAttempts {
			return model.StateGoodbye, ExitViaObjectionCap
		}
		ctx.ObjectionCount++
		return model.StateObjectionHandling, ExitNone
	}

	switch intent {
	case model.IntentRequestHuman:
		ctx.TransferRequested = true
	case model.IntentCallback:
		ctx.CallbackRequested = true
	case model.IntentYes:
		if from == model.StateClosing {
			ctx.UserConfirmed = true
		}
	}

	to := lookupTransition(from, intent)
	if to == model.StateObjectionHandling {
		ctx.ObjectionCount++
	}
	return to, ExitNone
}

// lookupTransition returns the table's target state for (from, intent), or
// from itself (stay-in-state default) when no row matches.
func lookupTransition(from model.ConvState, intent model.UserIntent) model.ConvState {
	for _, t := range transitionTable {
		if t.from == from && t.intents[intent] {
			return t.to
		}
	}
	return from
}

// DetermineOutcome computes the terminal CallOutcome once the state
// machine reaches GOODBYE or TRANSFER.
func DetermineOutcome(state model.ConvState, ctx model.ConversationContext, reason ExitReason, limits Limits) model.CallOutcome {
	if limits.MaxLLMErrors > 0 && ctx.LLMErrorCount >= limits.MaxLLMErrors {
		return model.OutcomeError
	}
	if ctx.TransferRequested || state == model.StateTransfer {
		return model.OutcomeTransferToHuman
	}
	if ctx.CallbackRequested {
		return model.OutcomeCallbackRequested
	}
	if ctx.UserConfirmed {
		return model.OutcomeSuccess
	}
	if reason == ExitViaNo {
		return model.OutcomeDeclined
	}
	if reason == ExitViaObjectionCap {
		return model.OutcomeNotInterested
	}
	if reason == ExitViaTurnCap {
		return model.OutcomeMaxTurnsReached
	}
	return model.OutcomeUnknown
}
