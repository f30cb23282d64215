// ABOUTME: Synthetic tone capture source
// ABOUTME: Generates a fixed-frequency sine wave at capture cadence
package capture

import (
	"context"
	"math"

	"github.com/Resonate-Protocol/agora/pkg/audio"
)

// ToneSource generates a sine tone
type ToneSource struct {
	cfg         Config
	amplitude   float64
	sampleIndex uint64
}

// NewToneSource creates a tone generator at half volume
func NewToneSource(cfg Config) *ToneSource {
	return &ToneSource{cfg: cfg.normalize(), amplitude: 0.5}
}

// Next returns the next block of the tone
func (s *ToneSource) Next() audio.Block {
	block := audio.NewBlock(s.cfg.SampleRate, s.cfg.Channels, s.cfg.BlockFrames)
	for i := 0; i < s.cfg.BlockFrames; i++ {
		t := float64(s.sampleIndex+uint64(i)) / float64(s.cfg.SampleRate)
		sample := float32(s.amplitude * math.Sin(2*math.Pi*s.cfg.Frequency*t))
		for ch := range block.Channels {
			block.Channels[ch][i] = sample
		}
	}
	s.sampleIndex += uint64(s.cfg.BlockFrames)
	return block
}

// Run emits one block per block duration
func (s *ToneSource) Run(ctx context.Context, emit func(audio.Block)) error {
	return pace(ctx, s.cfg.blockDuration(), func() error {
		emit(s.Next())
		return nil
	})
}
