package audio

// ActivityConfig tunes the local speech-activity heuristic pumpInbound runs
// over every inbound frame: an RMS-energy threshold plus a silence run
// length, the same shape of detector a softphone's own comfort-noise gate
// would use.
type ActivityConfig struct {
	EnergyThreshold float64 // RMS energy above which a frame counts as speech
	SilenceFrames   int     // consecutive silent frames before speech is considered ended
	FrameSize       int     // samples per frame, sized to 20ms at the caller's sample rate
}

// DefaultActivityConfig sizes FrameSize for a 20ms frame at sampleRate,
// with thresholds tuned against 16-bit linear PCM telephony audio.
func DefaultActivityConfig(sampleRate int) ActivityConfig {
	return ActivityConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   10, // 200ms of trailing silence at 20ms/frame
		FrameSize:       sampleRate / 50,
	}
}

// ActivityDetector tracks whether the caller is currently speaking by
// thresholding each frame's RMS energy. It runs directly against inbound
// audio in the pipeline, ahead of and independent from the STT provider's
// own turn-detection, so the pipeline can react to a caller talking over
// the agent without waiting on that round trip.
type ActivityDetector struct {
	config         ActivityConfig
	silenceCounter int
	speaking       bool
}

// NewActivityDetector builds a detector. A zero-value FrameSize falls back
// to DefaultActivityConfig for 8kHz audio.
func NewActivityDetector(config ActivityConfig) *ActivityDetector {
	if config.FrameSize <= 0 {
		config = DefaultActivityConfig(8000)
	}
	return &ActivityDetector{config: config}
}

// ProcessFrame folds one frame's samples into the detector's state and
// reports the resulting speaking state plus whether speech just started or
// just ended on this frame.
func (d *ActivityDetector) ProcessFrame(samples []int16) (speaking, started, ended bool) {
	if CalculateRMS(samples) > d.config.EnergyThreshold {
		d.silenceCounter = 0
		if !d.speaking {
			started = true
			d.speaking = true
		}
	} else {
		d.silenceCounter++
		if d.speaking && d.silenceCounter >= d.config.SilenceFrames {
			ended = true
			d.speaking = false
			d.silenceCounter = 0
		}
	}
	return d.speaking, started, ended
}

// ProcessPCM16 decodes little-endian PCM16 mono bytes and runs ProcessFrame
// over it in config.FrameSize-sample slices, so a caller holding a raw
// inbound chunk doesn't need its own sample conversion. started/ended
// report whether any frame in chunk triggered that transition; a chunk
// shorter than one frame is processed as a single short frame.
func (d *ActivityDetector) ProcessPCM16(chunk []byte) (speaking, started, ended bool, err error) {
	samples, err := bytesToS16(chunk)
	if err != nil {
		return d.speaking, false, false, err
	}

	frame := d.config.FrameSize
	if frame <= 0 || frame > len(samples) {
		frame = len(samples)
	}
	if frame == 0 {
		return d.speaking, false, false, nil
	}

	for off := 0; off < len(samples); off += frame {
		end := off + frame
		if end > len(samples) {
			end = len(samples)
		}
		s, st, en := d.ProcessFrame(samples[off:end])
		speaking = s
		started = started || st
		ended = ended || en
	}
	return speaking, started, ended, nil
}

// Reset clears accumulated state, e.g. between calls sharing a detector.
func (d *ActivityDetector) Reset() {
	d.silenceCounter = 0
	d.speaking = false
}

// Speaking reports the detector's current speech/silence state.
func (d *ActivityDetector) Speaking() bool { return d.speaking }
