package recording

import (
	"encoding/binary"
	"testing"
)

func TestBufferDurationSeconds(t *testing.T) {
	b := New(Format{SampleRate: 16000, Channels: 1, BitDepth: 16})
	// 16000 samples/sec * 2 bytes/sample = 32000 bytes/sec; 16000 bytes is 0.5s.
	b.Append(make([]byte, 16000))
	got := b.DurationSeconds()
	if got < 0.49 || got > 0.51 {
		t.Errorf("DurationSeconds() = %v, want ~0.5", got)
	}
}

func TestBufferEmpty(t *testing.T) {
	b := New(Format{SampleRate: 8000, Channels: 1, BitDepth: 16})
	if b.Len() != 0 {
		t.Errorf("Len() on empty buffer = %d, want 0", b.Len())
	}
	if got := b.DurationSeconds(); got != 0 {
		t.Errorf("DurationSeconds() on empty buffer = %v, want 0", got)
	}
}

func TestBufferWAVHeader(t *testing.T) {
	b := New(Format{SampleRate: 8000, Channels: 1, BitDepth: 16})
	pcm := []byte{1, 0, 2, 0, 3, 0}
	b.Append(pcm)

	wav, err := b.WAV()
	if err != nil {
		t.Fatalf("WAV() error: %v", err)
	}
	if len(wav) != 44+len(pcm) {
		t.Fatalf("WAV() length = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("WAV() missing RIFF/WAVE markers")
	}
	if string(wav[12:16]) != "fmt " || string(wav[36:40]) != "data" {
		t.Fatalf("WAV() missing fmt/data chunk markers")
	}
	numChannels := binary.LittleEndian.Uint16(wav[22:24])
	sampleRate := binary.LittleEndian.Uint32(wav[24:28])
	bitsPerSample := binary.LittleEndian.Uint16(wav[34:36])
	if numChannels != 1 || sampleRate != 8000 || bitsPerSample != 16 {
		t.Errorf("WAV() header fields = (%d,%d,%d), want (1,8000,16)", numChannels, sampleRate, bitsPerSample)
	}
	dataSize := binary.LittleEndian.Uint32(wav[40:44])
	if int(dataSize) != len(pcm) {
		t.Errorf("WAV() data chunk size = %d, want %d", dataSize, len(pcm))
	}
}

func TestBufferClearResets(t *testing.T) {
	b := New(Format{SampleRate: 8000, Channels: 1, BitDepth: 16})
	b.Append([]byte{1, 2, 3, 4})
	b.Clear()
	if b.Len() != 0 {
		t.Errorf("Len() after Clear() = %d, want 0", b.Len())
	}
}
