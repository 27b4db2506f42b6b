// Package model holds the shared domain types that flow between the voice
// runtime and the dialer: tenants, campaigns, leads, calling rules, dialer
// jobs, call records, and the runtime conversation state enumerations.
package model

import "time"

// CampaignStatus is the lifecycle state of a Campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

// LeadStatus tracks where a Lead sits in the dialing lifecycle.
type LeadStatus string

const (
	LeadPending   LeadStatus = "pending"
	LeadCalled    LeadStatus = "called"
	LeadContacted LeadStatus = "contacted"
	LeadCompleted LeadStatus = "completed"
	LeadDNC       LeadStatus = "dnc"
	LeadDeleted   LeadStatus = "deleted"
)

// Tenant is an isolated customer scope. Every row the core writes carries a
// tenant_id; the core never queries across tenants.
type Tenant struct {
	ID string
}

// Campaign groups leads under a shared prompt, voice, and calling rules.
// Its status is created/advanced by the (out-of-scope) control surface and
// the dialer worker; the voice runtime never mutates it.
type Campaign struct {
	ID                  string
	TenantID            string
	Status              CampaignStatus
	SystemPromptTemplate string
	VoiceID             string
	GoalDescription     string
	MaxConcurrentCalls  int
	MaxRetries          int
	CallingRulesRef     string

	// Campaign-level overrides, see prompt.Manager.
	Greeting         string
	ComplianceText   string
	Temperature      float64
	MaxTokens        int
	MaxSentences     int
	ContextVariables map[string]string

	// CostPerSecond parameterises the hard-coded cost formula flagged as an
	// open question in the source material; default preserves the original
	// constant (see DESIGN.md).
	CostPerSecond float64
}

// Lead is a single dialable contact within a Campaign.
type Lead struct {
	ID             string
	CampaignID     string
	TenantID       string
	PhoneNumber    string // E.164
	Status         LeadStatus
	CallAttempts   int
	LastCalledAt   *time.Time
	LastCallResult CallOutcome
}

// CallingRules bounds when and how often a tenant's calls may be placed.
// Immutable from the core's point of view; owned by the (out-of-scope)
// control surface.
type CallingRules struct {
	TimeWindowStart               string // "HH:MM", rules.timezone local
	TimeWindowEnd                 string
	Timezone                      string
	AllowedWeekdays                uint8 // bitmask, bit0=Mon .. bit6=Sun
	MaxConcurrentCalls             int
	RetryDelaySeconds               int
	MaxRetryAttempts                int
	MinHoursBetweenCallsToSameLead int
}

// DialerJobStatus tracks a DialerJob's position in the dialer pipeline.
type DialerJobStatus string

const (
	JobPending         DialerJobStatus = "pending"
	JobProcessing      DialerJobStatus = "processing"
	JobRetryScheduled  DialerJobStatus = "retry_scheduled"
	JobCompleted       DialerJobStatus = "completed"
	JobFailed          DialerJobStatus = "failed"
	JobSkipped         DialerJobStatus = "skipped"
	JobGoalAchieved    DialerJobStatus = "goal_achieved"
	JobNonRetryable    DialerJobStatus = "non_retryable"
)

// DialerJob is a queued intent to place exactly one outbound call attempt.
//
// Invariants: AttemptNumber <= MaxRetryAttempts
// once resolved against CallingRules.MaxRetryAttempts; CompletedAt >=
// ProcessedAt >= CreatedAt whenever set; at any instant the job belongs to
// exactly one of {priority queue, tenant queue, scheduled set, processing
// set, terminal store}.
type DialerJob struct {
	JobID         string
	TenantID      string
	CampaignID    string
	LeadID        string
	PhoneNumber   string
	Priority      int // [1,10]
	Status        DialerJobStatus
	AttemptNumber int
	ScheduledAt   time.Time
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	CompletedAt   *time.Time
	LastOutcome   CallOutcome
	LastError     string
	CallID        string
}

// CallRecordStatus is the lifecycle state of a CallRecord.
type CallRecordStatus string

const (
	CallActive    CallRecordStatus = "active"
	CallCompleted CallRecordStatus = "completed"
	CallFailed    CallRecordStatus = "failed"
)

// CallRecord is the durable row describing one placed call.
//
// Invariant: when Status == CallCompleted, EndedAt >= StartedAt and
// DurationSeconds == floor(EndedAt - StartedAt); TranscriptText is the
// newline-joined rendering of TranscriptJSON.
type CallRecord struct {
	CallID           string
	ExternalCallUUID string
	TenantID         string
	CampaignID       string
	LeadID           string
	PhoneNumber      string
	Status           CallRecordStatus
	StartedAt        time.Time
	EndedAt          *time.Time
	DurationSeconds  int64
	TranscriptText   string
	TranscriptJSON   []TranscriptTurn
	Cost             float64
	RecordingPath    string
}

// TranscriptTurn is one utterance in a call's transcript.
type TranscriptTurn struct {
	Speaker    string // "agent" | "user"
	Text       string
	Timestamp  time.Time
	DurationMS int64
}

// ConvState is the conversation engine's finite-state-machine state.
type ConvState string

const (
	StateGreeting           ConvState = "GREETING"
	StateQualification      ConvState = "QUALIFICATION"
	StateObjectionHandling  ConvState = "OBJECTION_HANDLING"
	StateClosing            ConvState = "CLOSING"
	StateTransfer           ConvState = "TRANSFER"
	StateGoodbye            ConvState = "GOODBYE"
)

// IsTerminal reports whether the state ends the conversation.
func (s ConvState) IsTerminal() bool {
	return s == StateGoodbye || s == StateTransfer
}

// UserIntent is the output of the pattern-based intent classifier.
type UserIntent string

const (
	IntentYes           UserIntent = "YES"
	IntentNo            UserIntent = "NO"
	IntentUncertain     UserIntent = "UNCERTAIN"
	IntentObjection     UserIntent = "OBJECTION"
	IntentRequestHuman  UserIntent = "REQUEST_HUMAN"
	IntentRequestInfo   UserIntent = "REQUEST_INFO"
	IntentGreeting      UserIntent = "GREETING"
	IntentGoodbye       UserIntent = "GOODBYE"
	IntentCallback      UserIntent = "CALLBACK"
	IntentUnknown       UserIntent = "UNKNOWN"
)

// CallOutcome is the terminal classification of a call attempt.
type CallOutcome string

const (
	OutcomeSuccess            CallOutcome = "SUCCESS"
	OutcomeDeclined           CallOutcome = "DECLINED"
	OutcomeNotInterested      CallOutcome = "NOT_INTERESTED"
	OutcomeCallbackRequested  CallOutcome = "CALLBACK_REQUESTED"
	OutcomeTransferToHuman    CallOutcome = "TRANSFER_TO_HUMAN"
	OutcomeMaxTurnsReached    CallOutcome = "MAX_TURNS_REACHED"
	OutcomeError              CallOutcome = "ERROR"
	OutcomeUnknown            CallOutcome = "UNKNOWN"
	OutcomeAnswered           CallOutcome = "ANSWERED"
	OutcomeNoAnswer           CallOutcome = "NO_ANSWER"
	OutcomeBusy               CallOutcome = "BUSY"
	OutcomeFailed             CallOutcome = "FAILED"
	OutcomeVoicemail          CallOutcome = "VOICEMAIL"
	OutcomeSpam               CallOutcome = "SPAM"
	OutcomeInvalid            CallOutcome = "INVALID"
	OutcomeUnavailable        CallOutcome = "UNAVAILABLE"
	OutcomeDisconnected       CallOutcome = "DISCONNECTED"
	OutcomeRejected           CallOutcome = "REJECTED"
	OutcomeGoalAchieved       CallOutcome = "GOAL_ACHIEVED"
)

var retryableOutcomes = map[CallOutcome]bool{
	OutcomeBusy:      true,
	OutcomeNoAnswer:  true,
	OutcomeFailed:    true,
	OutcomeVoicemail: true,
}

var nonRetryableOutcomes = map[CallOutcome]bool{
	OutcomeSpam:         true,
	OutcomeInvalid:      true,
	OutcomeUnavailable:  true,
	OutcomeDisconnected: true,
	OutcomeRejected:     true,
}

var goalOutcomes = map[CallOutcome]bool{
	OutcomeSuccess:      true,
	OutcomeAnswered:     true,
	OutcomeGoalAchieved: true,
}

// IsRetryable reports whether outcome is a member of RETRYABLE.
func (o CallOutcome) IsRetryable() bool { return retryableOutcomes[o] }

// IsNonRetryable reports whether outcome is a member of NON_RETRYABLE.
func (o CallOutcome) IsNonRetryable() bool { return nonRetryableOutcomes[o] }

// IsGoal reports whether outcome is a member of GOAL.
func (o CallOutcome) IsGoal() bool { return goalOutcomes[o] }

// ShouldRetry decides whether a completed job should be requeued: never for
// a goal outcome, never for a non-retryable outcome, never once the attempt
// cap is reached, otherwise only for a retryable outcome.
func ShouldRetry(job DialerJob, rules CallingRules, outcome CallOutcome) bool {
	if outcome.IsGoal() {
		return false
	}
	if outcome.IsNonRetryable() {
		return false
	}
	if job.AttemptNumber >= rules.MaxRetryAttempts {
		return false
	}
	return outcome.IsRetryable()
}

// ConversationContext tracks per-call conversation-engine bookkeeping used
// to compute transitions and the final outcome.
type ConversationContext struct {
	ObjectionCount     int
	FollowUpCount      int
	UserConfirmed      bool
	TransferRequested  bool
	CallbackRequested  bool
	LLMErrorCount      int
	LastUserConcern    string
	TurnCount          int
}

// MessageRole is the role of a message in an LLM conversation.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one turn in the LLM-facing chronological message sequence.
type Message struct {
	Role    MessageRole
	Content string
	Ts      time.Time
}

// SessionState is the voice pipeline's runtime state for a call, distinct
// from ConvState (the conversation engine's goal-tracking FSM state).
type SessionState string

const (
	SessionConnecting SessionState = "connecting"
	SessionActive     SessionState = "active"
	SessionListening  SessionState = "listening"
	SessionProcessing SessionState = "processing"
	SessionSpeaking   SessionState = "speaking"
	SessionEnding     SessionState = "ending"
	SessionEnded      SessionState = "ended"
	SessionError      SessionState = "error"
)

// CallSession is the runtime representation of one in-progress call.
// Fields here are the ones that survive a serialise/deserialise round-trip
// to a distributed cache so a reconnecting WebSocket can re-attach after a
// process restart; the gateway handles, I/O queues, and barge-in signal are
// owned by the pipeline orchestrator and never serialised (see
// session.Store).
type CallSession struct {
	CallID              string
	TenantID            string
	CampaignID          string
	LeadID              string
	PhoneNumber         string
	VoiceID             string
	Language            string
	SystemPrompt        string
	State               SessionState
	ConversationHistory []Message
	CurrentUserInput    string
	CurrentAIResponse   string
	TurnID              int
	StartedAt           time.Time
	LastActivityAt      time.Time
	LLMErrorCount       int
	ConversationState   ConvState
	ConversationContext ConversationContext
}

// Clone returns a deep copy suitable for handing to a serialiser without
// racing the orchestrator goroutine that continues to mutate the original.
func (s *CallSession) Clone() *CallSession {
	clone := *s
	clone.ConversationHistory = make([]Message, len(s.ConversationHistory))
	copy(clone.ConversationHistory, s.ConversationHistory)
	return &clone
}
