// ABOUTME: Capture source abstraction and mode selection
// ABOUTME: Device, tone and file sources all produce fixed-size float32 blocks
package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Resonate-Protocol/agora/pkg/audio"
	"github.com/rs/zerolog"
)

// Mode selects where captured audio comes from
type Mode string

const (
	ModeDevice Mode = "device"
	ModeTone   Mode = "tone"
	ModeFile   Mode = "file"
)

// Default capture format
const (
	DefaultSampleRate  = 48000
	DefaultChannels    = 1
	DefaultBlockFrames = 960 // 20ms at 48kHz
	DefaultFrequency   = 440.0
)

// ErrUnknownMode is returned for a capture mode that does not exist
var ErrUnknownMode = errors.New("unknown capture mode")

// ParseMode maps a name to a Mode. There is no fallback mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeDevice, ModeTone, ModeFile:
		return m, nil
	default:
		return "", fmt.Errorf("%q: %w", s, ErrUnknownMode)
	}
}

// Config describes one capture run
type Config struct {
	Mode        Mode    `mapstructure:"mode"`
	SampleRate  int     `mapstructure:"sample_rate"`
	Channels    int     `mapstructure:"channels"`
	BlockFrames int     `mapstructure:"block_frames"`
	Frequency   float64 `mapstructure:"frequency"`
	File        string  `mapstructure:"file"`
	Device      string  `mapstructure:"device"` // capture device name substring, default device when empty
	Monitor     bool    `mapstructure:"monitor"`
}

func (c Config) normalize() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Channels <= 0 {
		c.Channels = DefaultChannels
	}
	if c.BlockFrames <= 0 {
		c.BlockFrames = DefaultBlockFrames
	}
	if c.Frequency <= 0 {
		c.Frequency = DefaultFrequency
	}
	return c
}

// blockDuration is the wall time one block covers
func (c Config) blockDuration() time.Duration {
	return audio.FramesToDuration(c.BlockFrames, c.SampleRate)
}

// Source produces audio blocks until ctx ends. Run releases every resource
// it acquired before returning, whatever the reason.
type Source interface {
	Run(ctx context.Context, emit func(audio.Block)) error
}

// NewSource builds the source for cfg.Mode
func NewSource(cfg Config, log zerolog.Logger) (Source, error) {
	cfg = cfg.normalize()
	switch cfg.Mode {
	case ModeTone:
		return NewToneSource(cfg), nil
	case ModeFile:
		return NewFileSource(cfg, log)
	case ModeDevice:
		return NewDeviceSource(cfg, log), nil
	default:
		return nil, fmt.Errorf("%q: %w", cfg.Mode, ErrUnknownMode)
	}
}

// pace calls next once per block duration until ctx ends or next fails
func pace(ctx context.Context, every time.Duration, next func() error) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := next(); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
