// ABOUTME: Live input device capture through miniaudio (malgo)
// ABOUTME: Collects device periods into fixed-size blocks and lists capture devices
package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/Resonate-Protocol/agora/pkg/audio"
	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
)

// ErrDeviceStopped is returned when the device stops on its own
var ErrDeviceStopped = errors.New("capture device stopped")

// DeviceInfo describes one capture device
type DeviceInfo struct {
	Name    string
	Default bool
}

// ListDevices returns the system's capture devices
func ListDevices() ([]DeviceInfo, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("list capture devices: %w", err)
	}
	out := make([]DeviceInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, DeviceInfo{Name: info.Name(), Default: info.IsDefault != 0})
	}
	return out, nil
}

// DeviceSource captures from an input device
type DeviceSource struct {
	cfg Config
	log zerolog.Logger
}

// NewDeviceSource creates a device source; the device opens in Run
func NewDeviceSource(cfg Config, log zerolog.Logger) *DeviceSource {
	return &DeviceSource{
		cfg: cfg.normalize(),
		log: log.With().Str("module", "capture").Str("mode", string(ModeDevice)).Logger(),
	}
}

// Run opens the device, emits blocks until ctx ends and always releases
// the device and context before returning.
func (s *DeviceSource) Run(ctx context.Context, emit func(audio.Block)) error {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		s.log.Debug().Str("miniaudio", strings.TrimSpace(message)).Msg("Audio backend")
	})
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatF32
	devCfg.Capture.Channels = uint32(s.cfg.Channels)
	devCfg.SampleRate = uint32(s.cfg.SampleRate)
	devCfg.PeriodSizeInMilliseconds = 20

	if s.cfg.Device != "" {
		infos, err := mctx.Devices(malgo.Capture)
		if err != nil {
			return fmt.Errorf("list capture devices: %w", err)
		}
		found := false
		for _, info := range infos {
			if strings.Contains(strings.ToLower(info.Name()), strings.ToLower(s.cfg.Device)) {
				devCfg.Capture.DeviceID = info.ID.Pointer()
				found = true
				s.log.Info().Str("device", info.Name()).Msg("Using capture device")
				break
			}
		}
		if !found {
			return fmt.Errorf("capture device %q not found", s.cfg.Device)
		}
	}

	// The callback runs on the audio thread; hand periods over without blocking
	periods := make(chan []float32, 32)
	stopped := make(chan struct{}, 1)
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			samples := make([]float32, len(input)/4)
			for i := range samples {
				samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[i*4:]))
			}
			select {
			case periods <- samples:
			default:
			}
		},
		Stop: func() {
			select {
			case stopped <- struct{}{}:
			default:
			}
		},
	}

	device, err := malgo.InitDevice(mctx.Context, devCfg, callbacks)
	if err != nil {
		return fmt.Errorf("init capture device: %w", err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return fmt.Errorf("start capture device: %w", err)
	}
	s.log.Info().Int("sample_rate", s.cfg.SampleRate).Int("channels", s.cfg.Channels).Msg("Capture started")

	need := s.cfg.BlockFrames * s.cfg.Channels
	var pending []float32
	for {
		select {
		case samples := <-periods:
			pending = append(pending, samples...)
			for len(pending) >= need {
				emit(audio.Deinterleave(pending[:need], s.cfg.Channels, s.cfg.SampleRate))
				pending = append(pending[:0], pending[need:]...)
			}
		case <-stopped:
			if ctx.Err() != nil {
				return nil
			}
			return ErrDeviceStopped
		case <-ctx.Done():
			if err := device.Stop(); err != nil {
				s.log.Debug().Err(err).Msg("Device stop failed")
			}
			s.log.Info().Msg("Capture stopped")
			return nil
		}
	}
}
