package audio

import "testing"

func loudFrame(n int) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 8000
		} else {
			samples[i] = -8000
		}
	}
	return samples
}

func quietFrame(n int) []int16 {
	return make([]int16, n)
}

func TestActivityDetectorProcessFrameDetectsSpeechStart(t *testing.T) {
	d := NewActivityDetector(DefaultActivityConfig(8000))

	speaking, started, ended := d.ProcessFrame(loudFrame(160))
	if !speaking || !started || ended {
		t.Errorf("got (speaking=%v, started=%v, ended=%v), want (true, true, false)", speaking, started, ended)
	}

	speaking, started, ended = d.ProcessFrame(loudFrame(160))
	if !speaking || started || ended {
		t.Errorf("second loud frame: got (speaking=%v, started=%v, ended=%v), want (true, false, false)", speaking, started, ended)
	}
}

func TestActivityDetectorProcessFrameDetectsSpeechEndAfterSilenceRun(t *testing.T) {
	config := DefaultActivityConfig(8000)
	config.SilenceFrames = 3
	d := NewActivityDetector(config)

	d.ProcessFrame(loudFrame(config.FrameSize))

	for i := 0; i < config.SilenceFrames-1; i++ {
		_, _, ended := d.ProcessFrame(quietFrame(config.FrameSize))
		if ended {
			t.Fatalf("speech ended early at silent frame %d", i)
		}
	}

	speaking, started, ended := d.ProcessFrame(quietFrame(config.FrameSize))
	if speaking || started || !ended {
		t.Errorf("got (speaking=%v, started=%v, ended=%v), want (false, false, true) once the silence run completes", speaking, started, ended)
	}
}

func TestActivityDetectorProcessPCM16DetectsSpeechAcrossFrames(t *testing.T) {
	config := DefaultActivityConfig(8000)
	d := NewActivityDetector(config)

	samples := append(quietFrame(config.FrameSize), loudFrame(config.FrameSize)...)
	chunk := s16ToBytes(samples)

	speaking, started, _, err := d.ProcessPCM16(chunk)
	if err != nil {
		t.Fatalf("ProcessPCM16: %v", err)
	}
	if !speaking || !started {
		t.Errorf("got (speaking=%v, started=%v), want (true, true) once the loud half is processed", speaking, started)
	}
}

func TestActivityDetectorResetClearsState(t *testing.T) {
	d := NewActivityDetector(DefaultActivityConfig(8000))
	d.ProcessFrame(loudFrame(160))
	if !d.Speaking() {
		t.Fatal("expected detector to report speaking before Reset")
	}

	d.Reset()
	if d.Speaking() {
		t.Error("expected Speaking() to be false after Reset")
	}
}
