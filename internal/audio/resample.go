package audio

import (
	"fmt"
	"math"
)

// SupportedSampleRates enumerates the rates resample and the TTS/codec
// layers are contracted to accept.
var SupportedSampleRates = map[int]bool{
	8000:  true,
	16000: true,
	22050: true,
	24000: true,
	44100: true,
}

// ErrUnsupportedRate is returned when a sample rate outside
// SupportedSampleRates is requested.
var ErrUnsupportedRate = fmt.Errorf("audio: unsupported sample rate")

// lowPassTaps builds a windowed-sinc low-pass FIR filter with cutoff at
// fraction of Nyquist, used to band-limit before decimation. numTaps must
// be odd. Band-limiting first keeps this from degrading to nearest-neighbour
// resampling, which audibly harms STT accuracy.
func lowPassTaps(cutoff float64, numTaps int) []float64 {
	if numTaps%2 == 0 {
		numTaps++
	}
	taps := make([]float64, numTaps)
	center := numTaps / 2
	var sum float64
	for i := 0; i < numTaps; i++ {
		n := i - center
		var sinc float64
		if n == 0 {
			sinc = cutoff
		} else {
			x := math.Pi * cutoff * float64(n)
			sinc = math.Sin(x) / x * cutoff
		}
		// Hamming window.
		window := 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(numTaps-1))
		taps[i] = sinc * window
		sum += taps[i]
	}
	if sum != 0 {
		for i := range taps {
			taps[i] /= sum
		}
	}
	return taps
}

// Resample implements resample: band-limited PCM16 sample-rate conversion
// via FIR low-pass filtering followed by linear-interpolated resampling,
// band-limited first so it never degrades to nearest-neighbour decimation,
// which audibly harms STT accuracy.
func Resample(pcm []byte, fromRate, toRate int) ([]byte, error) {
	if !SupportedSampleRates[fromRate] || !SupportedSampleRates[toRate] {
		return nil, ErrUnsupportedRate
	}
	samples, err := bytesToS16(pcm)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 || fromRate == toRate {
		return s16ToBytes(samples), nil
	}

	work := samples
	if toRate < fromRate {
		// Band-limit before decimating so energy above the new Nyquist
		// doesn't alias back into the passband.
		cutoff := float64(toRate) / float64(fromRate)
		work = filterFIR(samples, lowPassTaps(cutoff, 31))
	}

	ratio := float64(toRate) / float64(fromRate)
	outLen := int(float64(len(work)) * ratio)
	out := make([]int16, outLen)
	for i := 0; i < outLen; i++ {
		srcPos := float64(i) / ratio
		idx0 := int(srcPos)
		idx1 := idx0 + 1
		if idx1 >= len(work) {
			idx1 = len(work) - 1
		}
		if idx0 >= len(work) {
			idx0 = len(work) - 1
		}
		frac := srcPos - float64(idx0)
		out[i] = int16(float64(work[idx0])*(1-frac) + float64(work[idx1])*frac)
	}

	if toRate > fromRate {
		// Smooth the interpolated upsample the same way.
		cutoff := float64(fromRate) / float64(toRate)
		out = filterFIR(out, lowPassTaps(cutoff, 31))
	}

	return s16ToBytes(out), nil
}

func filterFIR(samples []int16, taps []float64) []int16 {
	out := make([]int16, len(samples))
	half := len(taps) / 2
	for i := range samples {
		var acc float64
		for t, coef := range taps {
			srcIdx := i + t - half
			if srcIdx < 0 || srcIdx >= len(samples) {
				continue
			}
			acc += float64(samples[srcIdx]) * coef
		}
		out[i] = clampS16(acc)
	}
	return out
}

func clampS16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
