// ABOUTME: Audio type definitions
// ABOUTME: Defines multi-channel PCM blocks and sample conversion helpers
package audio

import (
	"math"
	"time"
)

const (
	// DefaultSampleRate is the engine's native rate
	DefaultSampleRate = 48000

	// DefaultBlockFrames is 20ms at DefaultSampleRate
	DefaultBlockFrames = 960
)

// Block is a run of PCM samples stored per channel (not interleaved).
// Every channel slice has the same length.
type Block struct {
	SampleRate int
	Channels   [][]float32
}

// NewBlock allocates a silent block
func NewBlock(sampleRate, channels, frames int) Block {
	chans := make([][]float32, channels)
	for i := range chans {
		chans[i] = make([]float32, frames)
	}
	return Block{SampleRate: sampleRate, Channels: chans}
}

// Frames returns the number of sample frames in the block
func (b Block) Frames() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the playback duration of the block
func (b Block) Duration() time.Duration {
	return FramesToDuration(b.Frames(), b.SampleRate)
}

// Level returns the root-mean-square of every sample across all channels,
// clamped to [0,1].
func (b Block) Level() float64 {
	var sum float64
	var n int
	for _, ch := range b.Channels {
		for _, s := range ch {
			sum += float64(s) * float64(s)
		}
		n += len(ch)
	}
	if n == 0 {
		return 0
	}
	return Clamp01(math.Sqrt(sum / float64(n)))
}

// Interleave writes the block as interleaved frames into dst and returns
// the number of samples written.
func (b Block) Interleave(dst []float32) int {
	chans := len(b.Channels)
	frames := b.Frames()
	if chans == 0 {
		return 0
	}
	if frames*chans > len(dst) {
		frames = len(dst) / chans
	}
	for i := 0; i < frames; i++ {
		for c := 0; c < chans; c++ {
			dst[i*chans+c] = b.Channels[c][i]
		}
	}
	return frames * chans
}

// Deinterleave builds a block from interleaved samples
func Deinterleave(samples []float32, channels, sampleRate int) Block {
	if channels <= 0 {
		return Block{SampleRate: sampleRate}
	}
	frames := len(samples) / channels
	b := NewBlock(sampleRate, channels, frames)
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			b.Channels[c][i] = samples[i*channels+c]
		}
	}
	return b
}

// FramesToDuration converts a frame count at the given rate to a duration
func FramesToDuration(frames, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(frames) * int64(time.Second) / int64(sampleRate))
}

// DurationToFrames converts a duration to the nearest frame count at the
// given rate
func DurationToFrames(d time.Duration, sampleRate int) int64 {
	x := int64(d) * int64(sampleRate)
	half := int64(time.Second) / 2
	if x < 0 {
		return (x - half) / int64(time.Second)
	}
	return (x + half) / int64(time.Second)
}

// SampleFromInt16 converts a 16-bit sample to float in [-1,1)
func SampleFromInt16(sample int16) float32 {
	return float32(sample) / 32768.0
}

// SampleFromInt converts a signed sample of the given bit depth to float
func SampleFromInt(sample int32, bitDepth int) float32 {
	if bitDepth <= 0 || bitDepth > 32 {
		return 0
	}
	scale := float64(int64(1) << uint(bitDepth-1))
	return float32(float64(sample) / scale)
}

// ClampSample limits a float sample to [-1,1]
func ClampSample(s float32) float32 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}

// Clamp01 limits v to [0,1]; NaN maps to 0
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
