// Package resample implements the pure, deterministic audio normalization
// functions that turn raw capture samples into 16 kHz mono 16-bit PCM: a
// channel-average-to-mono step, an integer-ratio block-average downsample,
// and an f32-to-i16 quantizer.
package resample

import (
	"encoding/binary"
	"fmt"
)

// TargetRate is the normalized output sample rate.
const TargetRate = 16000

// UnsupportedRateError reports a native sample rate with no integer
// downsample ratio to TargetRate.
type UnsupportedRateError struct {
	Rate  int
	Ratio float64
}

func (e *UnsupportedRateError) Error() string {
	return fmt.Sprintf("unsupported sample rate %d: ratio %.4f to %d Hz is not an integer", e.Rate, e.Ratio, TargetRate)
}

// Ratio validates that nativeRate downsamples to TargetRate by an integer
// factor k >= 1, returning k. Fractional ratios (e.g. 44100 Hz) fail.
func Ratio(nativeRate int) (int, error) {
	if nativeRate <= 0 || nativeRate%TargetRate != 0 {
		return 0, &UnsupportedRateError{Rate: nativeRate, Ratio: float64(nativeRate) / float64(TargetRate)}
	}
	return nativeRate / TargetRate, nil
}

// ToMono averages interleaved multi-channel f32 samples down to mono. For
// stereo this is (L+R)/2. Channel counts above 2 are out of scope for the
// core and return an error.
func ToMono(interleaved []float32, channels int) ([]float32, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("invalid channel count %d", channels)
	}
	if channels == 1 {
		out := make([]float32, len(interleaved))
		copy(out, interleaved)
		return out, nil
	}
	if channels > 2 {
		return nil, fmt.Errorf("channel count %d exceeds core support (mono/stereo only)", channels)
	}

	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		l := interleaved[i*channels]
		r := interleaved[i*channels+1]
		out[i] = (l + r) / 2
	}
	return out, nil
}

// Downsample block-averages every k consecutive mono samples into one,
// where k is an integer ratio produced by Ratio. Trailing samples that do
// not fill a complete block of k are dropped (their count is bounded by
// k-1, a few tens of microseconds of audio).
func Downsample(mono []float32, k int) []float32 {
	if k <= 1 {
		out := make([]float32, len(mono))
		copy(out, mono)
		return out
	}
	n := len(mono) / k
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		var sum float32
		for j := 0; j < k; j++ {
			sum += mono[i*k+j]
		}
		out[i] = sum / float32(k)
	}
	return out
}

// QuantizeLE clamps f32 samples in [-1, 1] to i16 and emits little-endian
// bytes.
func QuantizeLE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		q := int16(s * 32767)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(q))
	}
	return out
}

// Normalize runs the full deterministic pipeline: channel-average to mono,
// integer-ratio downsample, and i16 little-endian quantization. nativeRate
// and channels describe the input; the result is always 16 kHz mono.
func Normalize(interleaved []float32, nativeRate, channels int) ([]byte, error) {
	k, err := Ratio(nativeRate)
	if err != nil {
		return nil, err
	}
	mono, err := ToMono(interleaved, channels)
	if err != nil {
		return nil, err
	}
	down := Downsample(mono, k)
	return QuantizeLE(down), nil
}
