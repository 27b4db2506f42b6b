// Package tts adapts third-party text-to-speech providers to a single
// interruptible streaming contract.
package tts

import (
	"context"
	"fmt"

	"github.com/voxrun/voice-runtime/internal/audio"
)

// AudioChunk is one piece of synthesized audio ready to send to the
// telephony gateway.
type AudioChunk struct {
	Data       []byte // PCM16 mono at SampleRate
	SampleRate int
}

// ErrEmptyText is returned when StreamSynthesize is called with no text.
var ErrEmptyText = fmt.Errorf("tts: text must not be empty")

// ValidateSampleRate rejects sample rates the codec/resampler layer does
// not support.
func ValidateSampleRate(rate int) error {
	if !audio.SupportedSampleRates[rate] {
		return audio.ErrUnsupportedRate
	}
	return nil
}

// Synthesizer streams audio for a given text+voice, honouring interruption.
type Synthesizer interface {
	// StreamSynthesize streams audio chunks for text spoken in voiceID at
	// sampleRate. Synthesis stops at the next chunk boundary once
	// interrupt is closed, or ctx is cancelled.
	StreamSynthesize(ctx context.Context, text, voiceID string, sampleRate int, interrupt <-chan struct{}) (<-chan AudioChunk, error)
}
