// Package pipeline wires the per-call STT, LLM, and TTS adapters together
// into the five cooperating tasks that run a live voice conversation:
// inbound audio pump, STT consumer, turn handler, TTS producer, and
// outbound audio pump.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/voxrun/voice-runtime/internal/audio"
	"github.com/voxrun/voice-runtime/internal/conversation"
	"github.com/voxrun/voice-runtime/internal/guardrails"
	"github.com/voxrun/voice-runtime/internal/llm"
	"github.com/voxrun/voice-runtime/internal/model"
	"github.com/voxrun/voice-runtime/internal/observability"
	"github.com/voxrun/voice-runtime/internal/prompt"
	"github.com/voxrun/voice-runtime/internal/session"
	"github.com/voxrun/voice-runtime/internal/stt"
	"github.com/voxrun/voice-runtime/internal/tts"
)

// shutdownGrace bounds how long finalisation (transcript flush, recording
// flush, call record update) is given once a call's context is cancelled.
const shutdownGrace = 2 * time.Second

// Transport is the gateway-side half of a call: delivering synthesized
// audio back to the caller and tearing the call down. The WS and RTP
// gateways each implement this over their own media transport.
type Transport interface {
	SendAudio(chunk tts.AudioChunk) error
	Hangup() error
}

// Recorder persists the call's audio as it is produced, independent of the
// transcript. Implementations may no-op if recording is disabled.
type Recorder interface {
	WriteInbound(pcm []byte) error
	WriteOutbound(pcm []byte) error
	Finalize() (path string, err error)
}

// Finalizer durably persists the outcome of a completed call.
type Finalizer interface {
	FinalizeCall(ctx context.Context, callID string, outcome model.CallOutcome, transcript []model.TranscriptTurn, recordingPath string) error
}

// Latencies captures one turn's pipeline timings against the budgets
// gating barge-in responsiveness and end-to-end conversational latency.
type Latencies struct {
	SpeechEndToLLMStart  time.Duration
	LLMStartToLLMEnd     time.Duration
	LLMEndToTTSStart     time.Duration
	TTSStartToFirstAudio time.Duration
}

// Total sums the four legs into the end-to-end latency the budget applies
// to.
func (l Latencies) Total() time.Duration {
	return l.SpeechEndToLLMStart + l.LLMStartToLLMEnd + l.LLMEndToTTSStart + l.TTSStartToFirstAudio
}

// turn carries one finalized utterance plus the timestamp it was
// recognized at, so downstream stages can measure their leg of the latency
// budget.
type turn struct {
	text      string
	speechEnd time.Time
}

// utterance carries synthesizer input plus the accumulated timing from the
// turn that produced it.
type utterance struct {
	text      string
	speechEnd time.Time
	llmStart  time.Time
	llmEnd    time.Time
}

// Params configures one call's Orchestrator.
type Params struct {
	CallID         string
	SampleRate     int
	VoiceID        string
	STT            stt.Provider
	TTS            tts.Synthesizer
	LLM            llm.Adapter
	Prompt         *prompt.Manager
	GuardrailRules guardrails.Rules
	ConvLimits     conversation.Limits
	Transport      Transport
	Recorder       Recorder
	Finalizer      Finalizer
	Sessions       *session.Store
	LatencyBudget  time.Duration
	BargeInBudget  time.Duration
	// OnLatency, if set, is called once per turn with the measured
	// Latencies so the caller can log or export budget overruns.
	OnLatency func(Latencies)
}

// Orchestrator drives a single call end to end.
type Orchestrator struct {
	p        Params
	engine   *conversation.Engine
	guard    *guardrails.Guard
	metrics  *observability.Metrics
	activity *audio.ActivityDetector

	inbound  chan []byte // raw PCM16 from the transport
	turns    chan turn
	toSpeak  chan utterance
	outbound chan outboundFrame

	interruptMu sync.Mutex
	interrupt   chan struct{} // closed to cancel the in-flight TTS synthesis
}

// outboundFrame tags one synthesized chunk with the interrupt channel of
// the utterance that produced it, so pumpOutbound can recognize and drop
// audio a barge-in has already cancelled even if it was queued beforehand.
type outboundFrame struct {
	chunk     tts.AudioChunk
	interrupt <-chan struct{}
}

// New builds an Orchestrator for one call. Call Run to drive it.
func New(p Params) *Orchestrator {
	if p.LatencyBudget <= 0 {
		p.LatencyBudget = 700 * time.Millisecond
	}
	if p.BargeInBudget <= 0 {
		p.BargeInBudget = 100 * time.Millisecond
	}
	return &Orchestrator{
		p:        p,
		engine:   conversation.NewEngine(p.ConvLimits),
		guard:    guardrails.New(p.LLM, p.GuardrailRules),
		metrics:  observability.NewCallMetrics(p.CallID),
		activity: audio.NewActivityDetector(audio.DefaultActivityConfig(p.SampleRate)),
		inbound:  make(chan []byte, 64),
		turns:    make(chan turn, 8),
		toSpeak:  make(chan utterance, 8),
		outbound: make(chan outboundFrame, 32),
	}
}

// InboundAudio returns the channel the transport should push caller audio
// into.
func (o *Orchestrator) InboundAudio() chan<- []byte { return o.inbound }

// PushInboundAudio enqueues one chunk of caller audio, implementing
// telephony.InboundSink. If the inbound buffer is already full it evicts
// the oldest still-queued chunk first, so a stalled STT consumer falls
// behind on latency rather than building an ever-growing backlog of stale
// audio. It reports whether an eviction happened.
func (o *Orchestrator) PushInboundAudio(pcm []byte) (evicted bool) {
	select {
	case o.inbound <- pcm:
		return false
	default:
	}
	select {
	case <-o.inbound:
		evicted = true
	default:
	}
	select {
	case o.inbound <- pcm:
	default:
	}
	return evicted
}

// Run starts the five pipeline tasks and blocks until ctx is cancelled or
// the call reaches a terminal ConvState, then finalizes the call within
// shutdownGrace.
func (o *Orchestrator) Run(ctx context.Context) error {
	sttStream, err := o.p.STT.StartStream(ctx, o.p.SampleRate)
	if err != nil {
		return err
	}
	defer sttStream.Close()

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(5)
	go o.pumpInbound(callCtx, &wg, sttStream)
	go o.consumeSTT(callCtx, &wg, sttStream)
	go o.handleTurns(callCtx, &wg)
	go o.produceSpeech(callCtx, &wg)
	go func() {
		o.pumpOutbound(callCtx, &wg)
		cancel()
	}()

	<-callCtx.Done()
	wg.Wait()

	return o.finalize(ctx)
}

// pumpInbound forwards caller audio into the STT stream, recording it if a
// Recorder is configured.
func (o *Orchestrator) pumpInbound(ctx context.Context, wg *sync.WaitGroup, sttStream stt.Stream) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case pcm, ok := <-o.inbound:
			if !ok {
				return
			}
			if o.p.Recorder != nil {
				_ = o.p.Recorder.WriteInbound(pcm)
			}
			if _, started, _, err := o.activity.ProcessPCM16(pcm); err == nil && started {
				// Catch the caller talking over the agent locally, without
				// waiting on the STT provider's own turn-detection event.
				o.triggerBargeIn()
			}
			if err := sttStream.SendAudio(pcm); err != nil {
				o.metrics.RecordError("stt_send_error", "stt")
			}
		}
	}
}

// consumeSTT reacts to STT events: a StartOfTurn event triggers barge-in
// (interrupting any in-flight TTS), a Final event with EndOfTurn hands the
// utterance to the turn handler.
func (o *Orchestrator) consumeSTT(ctx context.Context, wg *sync.WaitGroup, sttStream stt.Stream) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sttStream.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case stt.EventStartOfTurn:
				o.triggerBargeIn()
			case stt.EventFinal:
				if ev.EndOfTurn && ev.Text != "" {
					select {
					case o.turns <- turn{text: ev.Text, speechEnd: time.Now()}:
					case <-ctx.Done():
						return
					}
				}
			case stt.EventStreamClosed:
				return
			}
		}
	}
}

// triggerBargeIn closes the current interrupt channel (if any), signalling
// the TTS producer to stop emitting further chunks within BargeInBudget.
func (o *Orchestrator) triggerBargeIn() {
	o.interruptMu.Lock()
	defer o.interruptMu.Unlock()
	if o.interrupt != nil {
		select {
		case <-o.interrupt:
		default:
			close(o.interrupt)
		}
	}
}

// handleTurns classifies intent, transitions the conversation state
// machine, renders the next prompt, and runs the guarded LLM call,
// pushing the cleaned response to the TTS producer. It stops the pipeline
// once the engine reaches a terminal state.
func (o *Orchestrator) handleTurns(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(o.toSpeak)

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-o.turns:
			if !ok {
				return
			}
			_ = o.p.Sessions.AppendTurn(o.p.CallID, model.RoleUser, t.text)

			state, _ := o.engine.HandleTurn(t.text)
			convCtx := o.engine.Context()

			sysPrompt := o.p.Prompt.Render(state, prompt.StateParams{
				UserConcern:    convCtx.LastUserConcern,
				ObjectionCount: convCtx.ObjectionCount,
				MaxObjections:  o.p.ConvLimits.MaxObjectionAttempts,
			})

			llmStart := time.Now()
			response, err := o.runGuardedTurn(ctx, sysPrompt, t.text)
			llmEnd := time.Now()
			if err != nil {
				o.engine.RecordLLMError()
				response = guardrails.FallbackFor(state, convCtx.TurnCount)
				if o.engine.Context().LLMErrorCount >= o.p.ConvLimits.MaxLLMErrors {
					response = guardrails.GraceGoodbye(convCtx.TurnCount)
				}
			} else {
				o.engine.ResetLLMErrors()
			}

			_ = o.p.Sessions.AppendTurn(o.p.CallID, model.RoleAssistant, response)

			select {
			case o.toSpeak <- utterance{text: response, speechEnd: t.speechEnd, llmStart: llmStart, llmEnd: llmEnd}:
			case <-ctx.Done():
				return
			}

			if state.IsTerminal() {
				return
			}
		}
	}
}

func (o *Orchestrator) runGuardedTurn(ctx context.Context, systemPrompt, userText string) (string, error) {
	o.metrics.RecordLLMStart()
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: userText},
	}
	opts := llm.DefaultStreamOptions()
	opts.Timeout = o.p.LatencyBudget
	text, err := o.guard.RunTurn(ctx, messages, opts)
	o.metrics.RecordLLMEnd(err == nil)
	return text, err
}

// produceSpeech synthesizes each queued response, arming a fresh interrupt
// channel per utterance so a barge-in only cancels the utterance in
// flight. It measures the full turn's latency legs and reports them via
// Params.OnLatency.
func (o *Orchestrator) produceSpeech(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(o.outbound)

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-o.toSpeak:
			if !ok {
				return
			}
			interrupt := make(chan struct{})
			o.interruptMu.Lock()
			o.interrupt = interrupt
			o.interruptMu.Unlock()

			ttsStart := time.Now()
			o.metrics.RecordTTSStart()
			chunks, err := o.p.TTS.StreamSynthesize(ctx, u.text, o.p.VoiceID, o.p.SampleRate, interrupt)
			if err != nil {
				o.metrics.RecordTTSEnd(false)
				continue
			}

			first := true
			for chunk := range chunks {
				select {
				case <-interrupt:
					// Barge-in fired while this utterance was still
					// synthesizing: stop forwarding its remaining audio
					// rather than queuing more for pumpOutbound to discard.
					continue
				default:
				}
				if first {
					first = false
					if o.p.OnLatency != nil {
						lat := Latencies{
							SpeechEndToLLMStart:  u.llmStart.Sub(u.speechEnd),
							LLMStartToLLMEnd:     u.llmEnd.Sub(u.llmStart),
							LLMEndToTTSStart:     ttsStart.Sub(u.llmEnd),
							TTSStartToFirstAudio: time.Since(ttsStart),
						}
						o.p.OnLatency(lat)
					}
				}
				select {
				case o.outbound <- outboundFrame{chunk: chunk, interrupt: interrupt}:
				case <-ctx.Done():
					return
				}
			}
			o.metrics.RecordTTSEnd(true)
		}
	}
}

// pumpOutbound writes synthesized audio to the transport, recording it if
// a Recorder is configured.
func (o *Orchestrator) pumpOutbound(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-o.outbound:
			if !ok {
				return
			}
			if frame.interrupt != nil {
				select {
				case <-frame.interrupt:
					// A barge-in cancelled this chunk's utterance after it
					// was already queued; drop it instead of sending stale
					// audio over the wire.
					continue
				default:
				}
			}
			if o.p.Recorder != nil {
				_ = o.p.Recorder.WriteOutbound(frame.chunk.Data)
			}
			if err := o.p.Transport.SendAudio(frame.chunk); err != nil {
				o.metrics.RecordError("transport_send_error", "transport")
				return
			}
		}
	}
}

// finalize flushes the transcript, finalizes the recording, and persists
// the terminal call record within shutdownGrace.
func (o *Orchestrator) finalize(parent context.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	o.metrics.RecordCallEnd()

	sess, err := o.p.Sessions.Snapshot(o.p.CallID)
	if err != nil {
		return err
	}
	transcript := session.Transcript(sess)
	outcome := o.engine.Outcome()
	observability.RecordCallOutcome(string(outcome))

	var recordingPath string
	if o.p.Recorder != nil {
		recordingPath, _ = o.p.Recorder.Finalize()
	}

	if o.p.Finalizer != nil {
		if err := o.p.Finalizer.FinalizeCall(ctx, o.p.CallID, outcome, transcript, recordingPath); err != nil {
			return err
		}
	}

	if o.p.Transport != nil {
		_ = o.p.Transport.Hangup()
	}
	o.p.Sessions.Delete(o.p.CallID)
	return nil
}
