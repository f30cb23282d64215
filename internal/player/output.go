// ABOUTME: Audio output using oto library
// ABOUTME: Plays the mixer on the default output device as float32 PCM
package player

import (
	"fmt"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/rs/zerolog"
)

// Output drives the shared output device from a Mixer. It is the Sink
// handed to Playback; closing it releases the device.
type Output struct {
	*Mixer
	otoCtx *oto.Context
	player *oto.Player
	log    zerolog.Logger
}

// NewOutput opens the default output device and starts pulling from mixer
func NewOutput(mixer *Mixer, bufferSize time.Duration, log zerolog.Logger) (*Output, error) {
	op := &oto.NewContextOptions{
		SampleRate:   mixer.SampleRate(),
		ChannelCount: mixer.ChannelCount(),
		Format:       oto.FormatFloat32LE,
		BufferSize:   bufferSize,
	}

	ctx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("failed to create oto context: %w", err)
	}

	<-readyChan

	player := ctx.NewPlayer(mixer)
	player.Play()

	log = log.With().Str("module", "output").Logger()
	log.Info().
		Int("sample_rate", mixer.SampleRate()).
		Int("channels", mixer.ChannelCount()).
		Msg("Audio output initialized")

	return &Output{Mixer: mixer, otoCtx: ctx, player: player, log: log}, nil
}

// Close stops playback and suspends the device
func (o *Output) Close() error {
	if err := o.Mixer.Close(); err != nil {
		return err
	}
	if err := o.player.Close(); err != nil {
		o.log.Warn().Err(err).Msg("Failed to close player")
	}
	if err := o.otoCtx.Suspend(); err != nil {
		return fmt.Errorf("failed to suspend output: %w", err)
	}
	return nil
}

var _ Sink = (*Output)(nil)
