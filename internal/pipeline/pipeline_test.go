package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxrun/voice-runtime/internal/conversation"
	"github.com/voxrun/voice-runtime/internal/guardrails"
	"github.com/voxrun/voice-runtime/internal/llm"
	"github.com/voxrun/voice-runtime/internal/model"
	"github.com/voxrun/voice-runtime/internal/prompt"
	"github.com/voxrun/voice-runtime/internal/session"
	"github.com/voxrun/voice-runtime/internal/stt"
	"github.com/voxrun/voice-runtime/internal/tts"
)

type fakeSTTStream struct {
	events chan stt.Event
}

func (s *fakeSTTStream) SendAudio(pcm []byte) error  { return nil }
func (s *fakeSTTStream) Events() <-chan stt.Event    { return s.events }
func (s *fakeSTTStream) Close() error                { return nil }

type fakeSTTProvider struct {
	stream *fakeSTTStream
}

func (p *fakeSTTProvider) StartStream(ctx context.Context, sampleRate int) (stt.Stream, error) {
	return p.stream, nil
}

type fakeLLM struct{}

func (fakeLLM) StreamChat(ctx context.Context, messages []llm.Message, opts llm.StreamOptions) (<-chan llm.Fragment, error) {
	out := make(chan llm.Fragment, 1)
	out <- llm.Fragment{Text: "thanks for your time"}
	close(out)
	return out, nil
}

type fakeTTS struct{}

func (fakeTTS) StreamSynthesize(ctx context.Context, text, voiceID string, sampleRate int, interrupt <-chan struct{}) (<-chan tts.AudioChunk, error) {
	out := make(chan tts.AudioChunk, 1)
	out <- tts.AudioChunk{Data: []byte(text), SampleRate: sampleRate}
	close(out)
	return out, nil
}

// fakeTTSGate lets a test control exactly when synthesized chunks are
// produced and observe the interrupt channel the orchestrator armed for
// the in-flight utterance.
type fakeTTSGate struct {
	outCh       chan tts.AudioChunk
	started     chan struct{}
	interruptCh <-chan struct{}
}

func newFakeTTSGate() *fakeTTSGate {
	return &fakeTTSGate{outCh: make(chan tts.AudioChunk, 4), started: make(chan struct{})}
}

func (f *fakeTTSGate) StreamSynthesize(ctx context.Context, text, voiceID string, sampleRate int, interrupt <-chan struct{}) (<-chan tts.AudioChunk, error) {
	f.interruptCh = interrupt
	close(f.started)
	return f.outCh, nil
}

type fakeTransport struct {
	sent        chan tts.AudioChunk
	hangupCalls int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(chan tts.AudioChunk, 8)}
}

func (t *fakeTransport) SendAudio(chunk tts.AudioChunk) error {
	t.sent <- chunk
	return nil
}

func (t *fakeTransport) Hangup() error {
	atomic.AddInt32(&t.hangupCalls, 1)
	return nil
}

type fakeRecorder struct{}

func (fakeRecorder) WriteInbound(pcm []byte) error  { return nil }
func (fakeRecorder) WriteOutbound(pcm []byte) error { return nil }
func (fakeRecorder) Finalize() (string, error)      { return "recording.wav", nil }

type fakeFinalizer struct {
	done       chan struct{}
	outcome    model.CallOutcome
	transcript []model.TranscriptTurn
}

func (f *fakeFinalizer) FinalizeCall(ctx context.Context, callID string, outcome model.CallOutcome, transcript []model.TranscriptTurn, recordingPath string) error {
	f.outcome = outcome
	f.transcript = transcript
	close(f.done)
	return nil
}

func defaultTestLimits() conversation.Limits {
	return conversation.Limits{MaxConversationTurns: 20, MaxObjectionAttempts: 2, MaxLLMErrors: 2}
}

func TestOrchestratorRunsTurnToDeclinedOutcome(t *testing.T) {
	const callID = "call-1"

	sessions := session.NewStore()
	sessions.Put(&model.CallSession{CallID: callID, State: model.SessionActive})

	sttStream := &fakeSTTStream{events: make(chan stt.Event, 4)}
	transport := newFakeTransport()
	finalizer := &fakeFinalizer{done: make(chan struct{})}

	promptMgr := prompt.NewManager(prompt.BaseParams{AgentName: "Avery", CompanyName: "Acme", Tone: "warm"}, prompt.Overrides{})

	orch := New(Params{
		CallID:         callID,
		SampleRate:     16000,
		VoiceID:        "voice-1",
		STT:            &fakeSTTProvider{stream: sttStream},
		TTS:            fakeTTS{},
		LLM:            fakeLLM{},
		Prompt:         promptMgr,
		GuardrailRules: guardrails.Rules{MaxSentences: 2},
		ConvLimits:     defaultTestLimits(),
		Transport:      transport,
		Recorder:       fakeRecorder{},
		Finalizer:      finalizer,
		Sessions:       sessions,
	})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- orch.Run(ctx) }()

	sttStream.events <- stt.Event{Kind: stt.EventFinal, Text: "hello", EndOfTurn: true}
	select {
	case <-transport.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the first synthesized chunk")
	}

	sttStream.events <- stt.Event{Kind: stt.EventFinal, Text: "no thanks", EndOfTurn: true}
	select {
	case <-transport.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the closing synthesized chunk")
	}

	cancel()

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}

	select {
	case <-finalizer.done:
	case <-time.After(2 * time.Second):
		t.Fatal("finalizer was never invoked")
	}

	if finalizer.outcome != model.OutcomeDeclined {
		t.Errorf("outcome = %s, want DECLINED", finalizer.outcome)
	}
	if len(finalizer.transcript) == 0 {
		t.Error("expected a non-empty transcript")
	}
	if atomic.LoadInt32(&transport.hangupCalls) != 1 {
		t.Errorf("hangup calls = %d, want 1", transport.hangupCalls)
	}
}

func TestOrchestratorDropsQueuedAudioAfterBargeIn(t *testing.T) {
	const callID = "call-3"

	sessions := session.NewStore()
	sessions.Put(&model.CallSession{CallID: callID, State: model.SessionActive})

	sttStream := &fakeSTTStream{events: make(chan stt.Event, 4)}
	transport := newFakeTransport()
	finalizer := &fakeFinalizer{done: make(chan struct{})}
	ttsGate := newFakeTTSGate()

	promptMgr := prompt.NewManager(prompt.BaseParams{AgentName: "Avery", CompanyName: "Acme", Tone: "warm"}, prompt.Overrides{})

	orch := New(Params{
		CallID:         callID,
		SampleRate:     16000,
		VoiceID:        "voice-1",
		STT:            &fakeSTTProvider{stream: sttStream},
		TTS:            ttsGate,
		LLM:            fakeLLM{},
		Prompt:         promptMgr,
		GuardrailRules: guardrails.Rules{MaxSentences: 2},
		ConvLimits:     defaultTestLimits(),
		Transport:      transport,
		Recorder:       fakeRecorder{},
		Finalizer:      finalizer,
		Sessions:       sessions,
	})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- orch.Run(ctx) }()

	sttStream.events <- stt.Event{Kind: stt.EventFinal, Text: "tell me more", EndOfTurn: true}

	select {
	case <-ttsGate.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for synthesis to start")
	}

	ttsGate.outCh <- tts.AudioChunk{Data: []byte("chunk-1"), SampleRate: 16000}
	select {
	case <-transport.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the first chunk to reach the transport")
	}

	sttStream.events <- stt.Event{Kind: stt.EventStartOfTurn}

	deadline := time.Now().Add(2 * time.Second)
	for {
		closed := false
		select {
		case <-ttsGate.interruptCh:
			closed = true
		default:
		}
		if closed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("interrupt channel never closed after barge-in")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ttsGate.outCh <- tts.AudioChunk{Data: []byte("chunk-2"), SampleRate: 16000}
	close(ttsGate.outCh)

	select {
	case chunk := <-transport.sent:
		t.Fatalf("received chunk %q after barge-in, want it dropped", chunk.Data)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
}

func TestOrchestratorStopsOnContextCancelWithoutTurns(t *testing.T) {
	const callID = "call-2"

	sessions := session.NewStore()
	sessions.Put(&model.CallSession{CallID: callID, State: model.SessionActive})

	sttStream := &fakeSTTStream{events: make(chan stt.Event)}
	transport := newFakeTransport()
	finalizer := &fakeFinalizer{done: make(chan struct{})}

	orch := New(Params{
		CallID:         callID,
		SampleRate:     8000,
		STT:            &fakeSTTProvider{stream: sttStream},
		TTS:            fakeTTS{},
		LLM:            fakeLLM{},
		Prompt:         prompt.NewManager(prompt.BaseParams{}, prompt.Overrides{}),
		GuardrailRules: guardrails.Rules{},
		ConvLimits:     defaultTestLimits(),
		Transport:      transport,
		Recorder:       fakeRecorder{},
		Finalizer:      finalizer,
		Sessions:       sessions,
	})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- orch.Run(ctx) }()

	cancel()

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}

	select {
	case <-finalizer.done:
	case <-time.After(2 * time.Second):
		t.Fatal("finalizer was never invoked")
	}
	if finalizer.outcome == model.OutcomeSuccess {
		t.Errorf("outcome = %s, unexpected success with no turns handled", finalizer.outcome)
	}
}
