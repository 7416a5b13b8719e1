package resample

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRatioIntegerRates(t *testing.T) {
	cases := []struct {
		rate int
		want int
	}{
		{16000, 1},
		{32000, 2},
		{48000, 3},
		{96000, 6},
	}
	for _, c := range cases {
		k, err := Ratio(c.rate)
		require.NoError(t, err)
		assert.Equal(t, c.want, k)
	}
}

func TestRatioRejectsNonInteger(t *testing.T) {
	_, err := Ratio(44100)
	require.Error(t, err)
	var unsupported *UnsupportedRateError
	assert.ErrorAs(t, err, &unsupported)
	assert.Equal(t, 44100, unsupported.Rate)
}

func TestRatioRejectsNonPositive(t *testing.T) {
	_, err := Ratio(0)
	assert.Error(t, err)
	_, err = Ratio(-16000)
	assert.Error(t, err)
}

func TestToMonoPassthroughSingleChannel(t *testing.T) {
	in := []float32{0.1, -0.2, 0.3}
	out, err := ToMono(in, 1)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestToMonoAveragesStereo(t *testing.T) {
	in := []float32{1.0, -1.0, 0.5, 0.5}
	out, err := ToMono(in, 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.InDelta(t, 0.0, out[0], 1e-6)
	assert.InDelta(t, 0.5, out[1], 1e-6)
}

func TestToMonoRejectsUnsupportedChannelCount(t *testing.T) {
	_, err := ToMono([]float32{0, 0, 0}, 3)
	assert.Error(t, err)
}

func TestDownsampleBlockAverages(t *testing.T) {
	mono := []float32{1, 1, 1, -1, -1, -1}
	out := Downsample(mono, 3)
	require.Len(t, out, 2)
	assert.InDelta(t, 1.0, out[0], 1e-6)
	assert.InDelta(t, -1.0, out[1], 1e-6)
}

func TestDownsampleDropsPartialTrailingBlock(t *testing.T) {
	mono := []float32{1, 1, 1, 1, 0.5}
	out := Downsample(mono, 3)
	assert.Len(t, out, 1)
}

func TestDownsampleIdentityForRatioOne(t *testing.T) {
	mono := []float32{0.1, 0.2, 0.3}
	out := Downsample(mono, 1)
	assert.Equal(t, mono, out)
}

func TestQuantizeLEClampsAndEmitsLittleEndian(t *testing.T) {
	samples := []float32{1.5, -1.5, 0.0}
	out := QuantizeLE(samples)
	require.Len(t, out, 6)

	// 1.5 clamps to 1.0 -> 32767 -> 0x7FFF little-endian.
	assert.Equal(t, byte(0xFF), out[0])
	assert.Equal(t, byte(0x7F), out[1])

	// -1.5 clamps to -1.0 -> -32767 -> 0x8001 little-endian.
	assert.Equal(t, byte(0x01), out[2])
	assert.Equal(t, byte(0x80), out[3])

	assert.Equal(t, byte(0x00), out[4])
	assert.Equal(t, byte(0x00), out[5])
}

// Property: |output_samples| = |input_samples_per_channel| / (rate/16000).
func TestNormalizeOutputLengthMatchesRatio(t *testing.T) {
	const frames = 4800
	interleaved := make([]float32, frames*2)
	for i := 0; i < frames; i++ {
		interleaved[i*2] = 0.1
		interleaved[i*2+1] = -0.1
	}

	out, err := Normalize(interleaved, 48000, 2)
	require.NoError(t, err)

	wantFrames := frames / 3
	assert.Len(t, out, wantFrames*2)
}

func TestNormalizeRejectsUnsupportedRate(t *testing.T) {
	_, err := Normalize([]float32{0, 0}, 44100, 1)
	assert.Error(t, err)
}

func TestNormalizeMonoPassthroughAtNativeRate(t *testing.T) {
	in := []float32{1.0, -1.0, 0.0}
	out, err := Normalize(in, 16000, 1)
	require.NoError(t, err)
	require.Len(t, out, 6)
	assert.Equal(t, byte(0xFF), out[0])
	assert.Equal(t, byte(0x7F), out[1])
}
