package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voxrun/voice-runtime/internal/audio"
	"github.com/voxrun/voice-runtime/internal/config"
	"github.com/voxrun/voice-runtime/internal/observability"
	"github.com/voxrun/voice-runtime/internal/resilience"
)

const (
	cartesiaNativeSampleRate = 24000
	firstChunkMS             = 200
	laterChunkMS             = 500
)

// cartesiaRequest is the payload for Cartesia's raw-PCM TTS endpoint.
type cartesiaRequest struct {
	ModelID     string                 `json:"model_id"`
	Transcript  string                 `json:"transcript"`
	Voice       cartesiaVoiceSelector  `json:"voice"`
	OutputFmt   cartesiaOutputFormat   `json:"output_format"`
	Language    string                 `json:"language,omitempty"`
}

type cartesiaVoiceSelector struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// CartesiaClient implements Synthesizer using Cartesia's TTS API, fetching
// the full utterance then re-slicing it into latency-appropriate chunks:
// first chunk ~200ms, later chunks ~500ms.
type CartesiaClient struct {
	cfg            *config.Config
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
}

// NewCartesiaClient creates a new Cartesia TTS client.
func NewCartesiaClient(cfg *config.Config) *CartesiaClient {
	return &CartesiaClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		circuitBreaker: resilience.NewCircuitBreaker(
			"cartesia",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
	}
}

// StreamSynthesize implements Synthesizer.
func (c *CartesiaClient) StreamSynthesize(ctx context.Context, text, voiceID string, sampleRate int, interrupt <-chan struct{}) (<-chan AudioChunk, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	if err := ValidateSampleRate(sampleRate); err != nil {
		return nil, err
	}

	var pcm []byte
	err := c.circuitBreaker.Call(func() error {
		var err error
		pcm, err = c.fetchPCM(ctx, text, voiceID)
		return err
	})
	observability.UpdateCircuitBreakerState("cartesia", int(c.circuitBreaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures("cartesia")
		return nil, err
	}

	if sampleRate != cartesiaNativeSampleRate {
		pcm, err = audio.Resample(pcm, cartesiaNativeSampleRate, sampleRate)
		if err != nil {
			return nil, fmt.Errorf("tts: resampling cartesia output: %w", err)
		}
	}

	out := make(chan AudioChunk, 4)
	go c.emitChunks(ctx, pcm, sampleRate, interrupt, out)
	return out, nil
}

func (c *CartesiaClient) fetchPCM(ctx context.Context, text, voiceID string) ([]byte, error) {
	reqBody := cartesiaRequest{
		ModelID:    c.cfg.CartesiaModelID,
		Transcript: text,
		Voice:      cartesiaVoiceSelector{Mode: "id", ID: voiceID},
		OutputFmt: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: cartesiaNativeSampleRate,
		},
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("tts: marshalling cartesia request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.cartesia.ai/tts/bytes", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("tts: building cartesia request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.cfg.CartesiaAPIKey)
	req.Header.Set("Cartesia-Version", "2024-06-10")
	req.Header.Set("User-Agent", "voxrun-voice-runtime")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: calling cartesia: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts: cartesia returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tts: reading cartesia response: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("tts: cartesia returned empty audio")
	}
	return data, nil
}

// emitChunks slices pcm into a small first chunk and larger trailing
// chunks, checking interrupt before every chunk boundary so synthesis can
// be aborted within the barge-in latency budget.
func (c *CartesiaClient) emitChunks(ctx context.Context, pcm []byte, sampleRate int, interrupt <-chan struct{}, out chan<- AudioChunk) {
	defer close(out)

	bytesPerMS := sampleRate * 2 / 1000 // PCM16 mono
	firstSize := firstChunkMS * bytesPerMS
	laterSize := laterChunkMS * bytesPerMS

	offset := 0
	for offset < len(pcm) {
		select {
		case <-interrupt:
			return
		case <-ctx.Done():
			return
		default:
		}

		size := laterSize
		if offset == 0 {
			size = firstSize
		}
		end := offset + size
		if end > len(pcm) {
			end = len(pcm)
		}

		chunk := AudioChunk{Data: pcm[offset:end], SampleRate: sampleRate}
		select {
		case out <- chunk:
		case <-interrupt:
			return
		case <-ctx.Done():
			return
		}
		offset = end
	}
}
