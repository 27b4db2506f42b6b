// Package conversation implements the goal-tracking state machine that
// classifies caller intent, drives prompt selection, and emits a call
// outcome.
package conversation

import (
	"regexp"
	"strings"

	"github.com/voxrun/voice-runtime/internal/model"
)

// intentPattern pairs an intent with the compiled regexes that detect it.
type intentPattern struct {
	intent   model.UserIntent
	patterns []*regexp.Regexp
}

// classifierOrder fixes the priority order so specific intents shadow
// generic ones: REQUEST_HUMAN > GOODBYE > CALLBACK > NO > UNCERTAIN >
// OBJECTION > GREETING > YES > REQUEST_INFO > UNKNOWN.
var classifierOrder = []intentPattern{
	{model.IntentRequestHuman, compileAll(
		`\b(human|person|agent|representative|someone else|real person|speak to (a|someone))\b`,
	)},
	{model.IntentGoodbye, compileAll(
		`\b(bye|goodbye|good bye|hang up|gotta go|have to go|talk later)\b`,
	)},
	{model.IntentCallback, compileAll(
		`\b(call (me )?back|try again (later|tomorrow)|not a good time|call later)\b`,
	)},
	{model.IntentNo, compileAll(
		`^(no|nope|nah|not interested|no thanks|not really)\b`,
		`\b(not interested|don't want|do not want|no thank you)\b`,
	)},
	{model.IntentUncertain, compileAll(
		`\b(not sure|don't know|maybe|i guess|uncertain|undecided|possibly)\b`,
	)},
	{model.IntentObjection, compileAll(
		`\b(too expensive|too much|can't afford|cannot afford|already have|not now|busy right now|why (should|would) i)\b`,
	)},
	{model.IntentGreeting, compileAll(
		`^(hi|hello|hey|good (morning|afternoon|evening))\b`,
	)},
	{model.IntentYes, compileAll(
		`^(yes|yeah|yep|sure|okay|ok|alright|sounds good|definitely|absolutely)\b`,
	)},
	{model.IntentRequestInfo, compileAll(
		`\b(what is|what's|how does|how much|tell me more|can you explain|more information|more details)\b`,
	)},
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// ClassifyIntent runs the fixed-priority pattern classifier over text,
// returning the first matching intent or model.IntentUnknown if nothing
// matches.
func ClassifyIntent(text string) model.UserIntent {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return model.IntentUnknown
	}
	for _, ip := range classifierOrder {
		for _, re := range ip.patterns {
			if re.MatchString(normalized) {
				return ip.intent
			}
		}
	}
	return model.IntentUnknown
}
