// ABOUTME: Tests for audio types
// ABOUTME: Tests block geometry, level metering and sample conversions
package audio

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockDuration(t *testing.T) {
	b := NewBlock(48000, 2, 960)
	assert.Equal(t, 960, b.Frames())
	assert.Equal(t, 20*time.Millisecond, b.Duration())

	var empty Block
	assert.Equal(t, 0, empty.Frames())
	assert.Equal(t, time.Duration(0), empty.Duration())
}

func TestBlockLevel(t *testing.T) {
	tests := []struct {
		name     string
		channels [][]float32
		expected float64
	}{
		{"silence", [][]float32{{0, 0, 0, 0}}, 0},
		{"full scale square", [][]float32{{1, -1, 1, -1}}, 1},
		{"half scale", [][]float32{{0.5, -0.5}, {0.5, -0.5}}, 0.5},
		{"clamped", [][]float32{{4, -4}}, 1},
		{"empty", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := Block{SampleRate: 48000, Channels: tt.channels}
			assert.InDelta(t, tt.expected, b.Level(), 1e-6)
		})
	}
}

func TestLevelAcrossUnevenChannels(t *testing.T) {
	// RMS is taken over all samples of all channels together
	b := Block{SampleRate: 8000, Channels: [][]float32{{1, 1}, {0, 0}}}
	assert.InDelta(t, math.Sqrt(0.5), b.Level(), 1e-6)
}

func TestInterleaveRoundTrip(t *testing.T) {
	b := Block{SampleRate: 44100, Channels: [][]float32{{1, 2, 3}, {-1, -2, -3}}}
	dst := make([]float32, 6)
	n := b.Interleave(dst)
	require.Equal(t, 6, n)
	assert.Equal(t, []float32{1, -1, 2, -2, 3, -3}, dst)

	back := Deinterleave(dst, 2, 44100)
	assert.Equal(t, b, back)
}

func TestSampleConversions(t *testing.T) {
	assert.Equal(t, float32(0), SampleFromInt16(0))
	assert.Equal(t, float32(-1), SampleFromInt16(-32768))
	assert.InDelta(t, 0.5, SampleFromInt(1<<22, 24), 1e-6)
	assert.Equal(t, float32(0), SampleFromInt(100, 0))
	assert.Equal(t, float32(1), ClampSample(3))
	assert.Equal(t, float32(-1), ClampSample(-3))
	assert.Equal(t, 0.0, Clamp01(math.NaN()))
}

func TestFrameDurationConversions(t *testing.T) {
	assert.Equal(t, int64(4800), DurationToFrames(100*time.Millisecond, 48000))
	assert.Equal(t, 100*time.Millisecond, FramesToDuration(4800, 48000))
	assert.Equal(t, time.Duration(0), FramesToDuration(10, 0))

	// 2 frames at 48kHz truncate to 41666ns; converting back rounds
	assert.Equal(t, int64(2), DurationToFrames(FramesToDuration(2, 48000), 48000))
	assert.Equal(t, int64(-2), DurationToFrames(-FramesToDuration(2, 48000), 48000))
}
