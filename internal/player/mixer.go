// ABOUTME: Software mixer feeding the shared output device
// ABOUTME: Sums scheduled blocks from every path with per-path gain and master volume
package player

import (
	"encoding/binary"
	"io"
	"math"
	"sync"
	"time"

	agsync "github.com/Resonate-Protocol/agora/internal/sync"
	"github.com/Resonate-Protocol/agora/pkg/audio"
	"github.com/Resonate-Protocol/agora/pkg/audio/resample"
	"github.com/rs/zerolog"
)

const bytesPerSample = 4

type segment struct {
	start int64 // first frame on the mixer timeline
	block audio.Block
}

func (s segment) end() int64 {
	return s.start + int64(s.block.Frames())
}

type mixPath struct {
	gain     float32
	segments []segment
}

// Mixer implements Sink and io.Reader. Its timeline is the number of frames
// handed to the device; Now interpolates between device pulls with a
// drift-tracking clock.
type Mixer struct {
	mu       sync.Mutex
	rate     int
	channels int
	rendered int64
	paths    map[string]*mixPath
	scratch  []float32
	volume   int
	muted    bool
	closed   bool

	clock *agsync.PlaybackClock
	wall  func() time.Time
	log   zerolog.Logger
}

// NewMixer creates a mixer producing interleaved float32 at the given format
func NewMixer(rate, channels int, log zerolog.Logger) *Mixer {
	if rate <= 0 {
		rate = audio.DefaultSampleRate
	}
	if channels <= 0 {
		channels = 2
	}
	return &Mixer{
		rate:     rate,
		channels: channels,
		paths:    make(map[string]*mixPath),
		volume:   100,
		clock:    agsync.NewPlaybackClock(time.Now(), log),
		wall:     time.Now,
		log:      log.With().Str("module", "mixer").Logger(),
	}
}

// SampleRate returns the output rate
func (m *Mixer) SampleRate() int { return m.rate }

// ChannelCount returns the output channel count
func (m *Mixer) ChannelCount() int { return m.channels }

// Now returns the current position on the output timeline
func (m *Mixer) Now() time.Duration {
	return m.clock.Now(m.wall())
}

// ClockQuality reports how well the device clock is being tracked
func (m *Mixer) ClockQuality() agsync.Quality {
	return m.clock.CheckQuality(m.wall())
}

// Schedule queues a block on a path. The block is converted to the output
// format first.
func (m *Mixer) Schedule(path string, block audio.Block, at time.Duration) error {
	block = resample.Convert(block, m.rate, m.channels)
	seg := segment{start: audio.DurationToFrames(at, m.rate), block: block}
	horizon := audio.DurationToFrames(m.Now(), m.rate)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	horizon = max(horizon, m.rendered)

	p := m.path(path)
	// Drop audio the device can no longer play. Without a running device
	// this keeps the queue bounded by the wall clock.
	kept := p.segments[:0]
	for _, s := range p.segments {
		if s.end() > horizon {
			kept = append(kept, s)
		}
	}
	p.segments = kept
	if seg.end() > horizon {
		p.segments = append(p.segments, seg)
	}
	return nil
}

// SetGain sets a path's gain
func (m *Mixer) SetGain(path string, gain float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.path(path).gain = float32(audio.Clamp01(gain))
}

// ClosePath drops a path and anything queued on it
func (m *Mixer) ClosePath(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.paths, path)
}

// SetVolume sets the master volume (0-100)
func (m *Mixer) SetVolume(volume int) {
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}
	m.mu.Lock()
	m.volume = volume
	m.mu.Unlock()
	m.log.Info().Int("volume", volume).Msg("Volume set")
}

// SetMuted sets the master mute state
func (m *Mixer) SetMuted(muted bool) {
	m.mu.Lock()
	m.muted = muted
	m.mu.Unlock()
	m.log.Info().Bool("muted", muted).Msg("Mute changed")
}

// Volume returns the master volume and mute state
func (m *Mixer) Volume() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volume, m.muted
}

// Close stops the mixer; further reads return io.EOF
func (m *Mixer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.paths = make(map[string]*mixPath)
	return nil
}

// Read renders the next len(p) bytes of interleaved float32 little-endian
// audio. It never blocks; silence is produced where nothing is scheduled.
func (m *Mixer) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, io.EOF
	}

	frameBytes := bytesPerSample * m.channels
	frames := len(p) / frameBytes
	if frames == 0 {
		return 0, nil
	}

	m.clock.Observe(audio.FramesToDuration(int(m.rendered), m.rate), m.wall())

	n := frames * m.channels
	if cap(m.scratch) < n {
		m.scratch = make([]float32, n)
	}
	mix := m.scratch[:n]
	clear(mix)

	start := m.rendered
	end := start + int64(frames)
	for _, path := range m.paths {
		kept := path.segments[:0]
		for _, seg := range path.segments {
			segEnd := seg.end()
			if segEnd <= start {
				continue
			}
			if seg.start < end && path.gain > 0 {
				from := max(start, seg.start)
				to := min(end, segEnd)
				for f := from; f < to; f++ {
					src := int(f - seg.start)
					dst := int(f-start) * m.channels
					for c := 0; c < m.channels; c++ {
						mix[dst+c] += seg.block.Channels[c][src] * path.gain
					}
				}
			}
			if segEnd > end {
				kept = append(kept, seg)
			}
		}
		path.segments = kept
	}

	master := float32(getVolumeMultiplier(m.volume, m.muted))
	for i, s := range mix {
		binary.LittleEndian.PutUint32(p[i*bytesPerSample:], math.Float32bits(audio.ClampSample(s*master)))
	}
	m.rendered = end
	return frames * frameBytes, nil
}

// Queued returns how many frames are queued on a path past the render head
func (m *Mixer) Queued(path string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.paths[path]
	if !ok {
		return 0
	}
	var n int64
	for _, s := range p.segments {
		n += s.end() - max(s.start, m.rendered)
	}
	return n
}

func (m *Mixer) path(name string) *mixPath {
	p, ok := m.paths[name]
	if !ok {
		p = &mixPath{gain: 1}
		m.paths[name] = p
	}
	return p
}

// getVolumeMultiplier calculates the master volume multiplier
func getVolumeMultiplier(volume int, muted bool) float64 {
	if muted {
		return 0.0
	}
	return float64(volume) / 100.0
}

var _ io.Reader = (*Mixer)(nil)
var _ Sink = (*Mixer)(nil)
