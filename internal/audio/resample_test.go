package audio

import "testing"

func TestResampleEmptyInput(t *testing.T) {
	out, err := Resample(nil, 16000, 8000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected empty output, got %d bytes", len(out))
	}
}

func TestResampleSameRateIsIdentity(t *testing.T) {
	pcm := s16ToBytes([]int16{100, -200, 300, -400})
	out, err := Resample(pcm, 8000, 8000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != len(pcm) {
		t.Fatalf("expected %d bytes, got %d", len(pcm), len(out))
	}
	for i := range pcm {
		if out[i] != pcm[i] {
			t.Errorf("byte %d: expected %d got %d", i, pcm[i], out[i])
		}
	}
}

func TestResampleDownsampleLength(t *testing.T) {
	samples := make([]int16, 320) // 20ms @ 16kHz
	for i := range samples {
		samples[i] = int16(i % 100)
	}
	pcm := s16ToBytes(samples)

	out, err := Resample(pcm, 16000, 8000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gotSamples := len(out) / 2
	wantSamples := 160 // 20ms @ 8kHz
	if diff := gotSamples - wantSamples; diff < -1 || diff > 1 {
		t.Errorf("expected ~%d samples, got %d", wantSamples, gotSamples)
	}
}

func TestResampleUpsampleLength(t *testing.T) {
	samples := make([]int16, 160) // 20ms @ 8kHz
	for i := range samples {
		samples[i] = int16(i % 50)
	}
	pcm := s16ToBytes(samples)

	out, err := Resample(pcm, 8000, 16000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gotSamples := len(out) / 2
	wantSamples := 320
	if diff := gotSamples - wantSamples; diff < -1 || diff > 1 {
		t.Errorf("expected ~%d samples, got %d", wantSamples, gotSamples)
	}
}

func TestResampleUnsupportedRate(t *testing.T) {
	pcm := s16ToBytes([]int16{1, 2, 3})
	if _, err := Resample(pcm, 16000, 11025); err != ErrUnsupportedRate {
		t.Errorf("expected ErrUnsupportedRate, got %v", err)
	}
}

func TestResampleOddLength(t *testing.T) {
	if _, err := Resample([]byte{1, 2, 3}, 16000, 8000); err != ErrOddLength {
		t.Errorf("expected ErrOddLength, got %v", err)
	}
}

// TestResampleIsNotNearestNeighbour verifies that resampling an alternating
// full-scale signal does not simply repeat source samples
// (nearest-neighbour), which
// audibly degrades STT: a band-limited resampler smooths transitions
// instead of reproducing them exactly.
func TestResampleIsNotNearestNeighbour(t *testing.T) {
	samples := make([]int16, 160)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 16000
		} else {
			samples[i] = -16000
		}
	}
	pcm := s16ToBytes(samples)
	out, err := Resample(pcm, 8000, 16000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	outSamples, _ := bytesToS16(out)
	var anyDamped bool
	for _, s := range outSamples {
		if s > -15000 && s < 15000 {
			anyDamped = true
			break
		}
	}
	if !anyDamped {
		t.Error("expected band-limited filtering to damp the alternating signal, output looks like raw nearest-neighbour passthrough")
	}
}
