package stt

import (
	"context"
	"fmt"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/voxrun/voice-runtime/internal/config"
	"github.com/voxrun/voice-runtime/internal/observability"
	"github.com/voxrun/voice-runtime/internal/resilience"
)

const providerName = "deepgram"

// messageCallbackHandler implements Deepgram's LiveMessageCallback interface,
// embedding the default handler and overriding only Message and Error.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	handler      func(*msginterfaces.MessageResponse)
	errorHandler func(*msginterfaces.ErrorResponse) error
}

func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	if m.errorHandler != nil {
		return m.errorHandler(errorResponse)
	}
	return m.DefaultCallbackHandler.Error(errorResponse)
}

// DeepgramProvider starts Deepgram streaming transcription sessions.
type DeepgramProvider struct {
	config *config.Config
}

// NewDeepgramProvider constructs a Provider backed by Deepgram's streaming
// listen API.
func NewDeepgramProvider(cfg *config.Config) *DeepgramProvider {
	return &DeepgramProvider{config: cfg}
}

// StartStream implements Provider.
func (p *DeepgramProvider) StartStream(ctx context.Context, sampleRate int) (Stream, error) {
	s := newDeepgramStream(ctx, p.config, sampleRate)
	if err := s.start(); err != nil {
		return nil, err
	}
	return s, nil
}

// deepgramStream implements Stream on top of Deepgram's websocket client. It
// validates inbound audio, wraps the send path in a circuit breaker, and
// reconnects transparently on provider-side errors.
type deepgramStream struct {
	cfg        *config.Config
	sampleRate int

	client *listenClient.WSCallback
	events chan Event

	mu       sync.RWMutex
	isActive bool
	dropped  int

	ctx            context.Context
	cancel         context.CancelFunc
	circuitBreaker *resilience.CircuitBreaker
}

func newDeepgramStream(parent context.Context, cfg *config.Config, sampleRate int) *deepgramStream {
	ctx, cancel := context.WithCancel(parent)
	return &deepgramStream{
		cfg:        cfg,
		sampleRate: sampleRate,
		events:     make(chan Event, 100),
		ctx:        ctx,
		cancel:     cancel,
		circuitBreaker: resilience.NewCircuitBreaker(
			providerName,
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
	}
}

func (d *deepgramStream) start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isActive {
		return fmt.Errorf("stt: deepgram stream already active")
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.cfg.DeepgramModel,
		Language:       d.cfg.DeepgramLanguage,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     d.sampleRate,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler:                d.handleMessage,
		errorHandler: func(errResp *msginterfaces.ErrorResponse) error {
			observability.GetLogger().Error().
				Str("provider", providerName).
				Interface("error", errResp).
				Msg("stt provider error")

			d.circuitBreaker.RecordResult(false)
			observability.UpdateCircuitBreakerState(providerName, int(d.circuitBreaker.GetState()))
			observability.IncrementCircuitBreakerFailures(providerName)

			select {
			case <-d.ctx.Done():
				return nil
			default:
				d.mu.Lock()
				d.isActive = false
				d.mu.Unlock()
				go d.reconnect()
			}
			return nil
		},
	}

	client, err := listenClient.NewWSUsingCallback(d.ctx, d.cfg.DeepgramAPIKey, nil, tOptions, callback)
	if err != nil {
		return fmt.Errorf("stt: creating deepgram client: %w", err)
	}

	d.client = client
	d.isActive = true
	d.circuitBreaker.RecordResult(true)
	observability.UpdateCircuitBreakerState(providerName, int(d.circuitBreaker.GetState()))

	return nil
}

func (d *deepgramStream) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil {
		return
	}

	switch msg.Type {
	case "SpeechStarted":
		d.emit(Event{Kind: EventStartOfTurn})

	case "Results", "Message":
		if len(msg.Channel.Alternatives) == 0 {
			return
		}
		alt := msg.Channel.Alternatives[0]
		if alt.Transcript == "" {
			return
		}

		if msg.IsFinal {
			d.emit(Event{
				Kind:       EventFinal,
				Text:       alt.Transcript,
				EndOfTurn:  true,
				Confidence: alt.Confidence,
				StartMS:    msg.Start * 1000,
				DurationMS: msg.Duration * 1000,
			})
		} else {
			d.emit(Event{
				Kind:       EventPartial,
				Text:       alt.Transcript,
				Confidence: alt.Confidence,
			})
		}

	case "UtteranceEnd", "Metadata":
		// No pipeline-visible event; EndOfTurn already carried on the
		// preceding final result.
	}
}

func (d *deepgramStream) emit(e Event) {
	select {
	case d.events <- e:
	default:
		observability.GetLogger().Warn().Str("provider", providerName).Msg("stt event channel full, dropping event")
	}
}

// SendAudio validates the chunk against the PCM16 framing rule before
// forwarding it, and drops (logging only the first five per session)
// rather than raising on invalid input.
func (d *deepgramStream) SendAudio(pcm []byte) error {
	if len(pcm)%2 != 0 {
		d.mu.Lock()
		d.dropped++
		n := d.dropped
		d.mu.Unlock()
		if n <= 5 {
			observability.GetLogger().Warn().Str("provider", providerName).Int("dropped", n).Msg("dropping invalid stt audio chunk")
		}
		return nil
	}

	err := d.circuitBreaker.Call(func() error {
		d.mu.RLock()
		active := d.isActive
		client := d.client
		d.mu.RUnlock()

		if !active || client == nil {
			return fmt.Errorf("stt: deepgram stream not active")
		}
		if _, err := client.Write(pcm); err != nil {
			go d.reconnect()
			return fmt.Errorf("stt: sending audio to deepgram: %w", err)
		}
		return nil
	})

	observability.UpdateCircuitBreakerState(providerName, int(d.circuitBreaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures(providerName)
	}
	return err
}

func (d *deepgramStream) reconnect() {
	select {
	case <-d.ctx.Done():
		return
	default:
	}

	d.mu.RLock()
	alreadyActive := d.isActive
	d.mu.RUnlock()
	if alreadyActive {
		return
	}

	cfg := &resilience.ReconnectConfig{
		MaxAttempts: d.cfg.ReconnectMaxAttempts,
		Backoff:     time.Duration(d.cfg.ReconnectBackoff) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}

	if err := resilience.Reconnect(d.ctx, d.start, cfg); err != nil {
		observability.GetLogger().Error().Err(err).Str("provider", providerName).Msg("stt reconnect failed")
		d.emit(Event{Kind: EventStreamClosed})
	}
}

func (d *deepgramStream) Events() <-chan Event {
	return d.events
}

func (d *deepgramStream) Close() error {
	d.cancel()

	d.mu.Lock()
	active := d.isActive
	client := d.client
	d.isActive = false
	d.mu.Unlock()

	if active && client != nil {
		client.Finish()
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(d.events)
	}()

	return nil
}
