// Package recording accumulates a call's audio as an append-only linear PCM
// byte sequence and renders it to a RIFF/WAV container on flush.
package recording

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
)

// Format describes the sample layout an accumulated buffer is rendered
// with: mono, 16-bit PCM at SampleRate (8 kHz for the RTP gateway, 16 kHz
// for the WS gateway — the gateway-native rate, per the open-question
// decision recorded in DESIGN.md).
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// bytesPerSample is Channels * BitDepth/8.
func (f Format) bytesPerSample() int {
	return f.Channels * (f.BitDepth / 8)
}

// Buffer is a thread-safe, append-only accumulator of one call's audio.
type Buffer struct {
	mu     sync.Mutex
	format Format
	data   []byte
}

// New creates an empty Buffer for the given Format.
func New(format Format) *Buffer {
	return &Buffer{format: format}
}

// Append adds pcm to the end of the buffer. Empty input is a no-op.
func (b *Buffer) Append(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, pcm...)
}

// Len reports the number of accumulated PCM bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// DurationSeconds derives the buffer's duration from its byte length and
// format: len(bytes) / (sample_rate * channels * bit_depth/8).
func (b *Buffer) DurationSeconds() float64 {
	b.mu.Lock()
	n := len(b.data)
	b.mu.Unlock()
	bps := b.format.bytesPerSample()
	if bps == 0 || b.format.SampleRate == 0 {
		return 0
	}
	return float64(n) / float64(b.format.SampleRate*bps)
}

// Clear discards all accumulated audio, keeping the Format, so the buffer
// can be reused for the next flush window.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = nil
}

// WAV renders the accumulated audio as a 44-byte-header RIFF/WAV file:
// mono or multi-channel 16-bit PCM at the buffer's sample rate.
func (b *Buffer) WAV() ([]byte, error) {
	b.mu.Lock()
	data := make([]byte, len(b.data))
	copy(data, b.data)
	format := b.format
	b.mu.Unlock()

	if format.SampleRate <= 0 || format.Channels <= 0 || format.BitDepth <= 0 {
		return nil, fmt.Errorf("recording: invalid format %+v", format)
	}

	var buf bytes.Buffer
	byteRate := format.SampleRate * format.bytesPerSample()
	blockAlign := format.bytesPerSample()

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(data)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16)) // PCM fmt chunk size
	binary.Write(&buf, binary.LittleEndian, uint16(1))  // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(format.Channels))
	binary.Write(&buf, binary.LittleEndian, uint32(format.SampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(format.BitDepth))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)

	return buf.Bytes(), nil
}
