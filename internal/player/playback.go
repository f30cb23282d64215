// ABOUTME: Per-peer jitter-buffered playback engine
// ABOUTME: Schedules decoded blocks for every peer onto one shared output sink
package player

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Resonate-Protocol/agora/pkg/audio"
	"github.com/rs/zerolog"
)

var (
	// ErrUnknownPeer is returned when a peer has no playback state yet
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrClosed is returned after Shutdown
	ErrClosed = errors.New("playback closed")
)

// Sink is the output device primitive: it plays a block on a named path
// starting at a position on its own timeline.
type Sink interface {
	Now() time.Duration
	Schedule(path string, block audio.Block, at time.Duration) error
	SetGain(path string, gain float64)
	ClosePath(path string)
	Close() error
}

// Stats is a read-only snapshot of one peer's playback
type Stats struct {
	FramesDecoded int64
	Packets       int64
	BufferedAhead time.Duration
	Underruns     int64
	TargetLead    time.Duration
	State         State
	Gain          float64
}

type peerPlayback struct {
	jitter  *jitter
	frames  int64
	packets int64
	gain    float64
}

// Playback owns the jitter state of every peer
type Playback struct {
	mu     sync.Mutex
	sink   Sink
	cfg    JitterConfig
	peers  map[string]*peerPlayback
	closed bool
	log    zerolog.Logger
}

// NewPlayback creates a playback engine on top of sink
func NewPlayback(sink Sink, cfg JitterConfig, log zerolog.Logger) *Playback {
	return &Playback{
		sink:  sink,
		cfg:   cfg.normalize(),
		peers: make(map[string]*peerPlayback),
		log:   log.With().Str("module", "playback").Logger(),
	}
}

// Enqueue schedules a decoded block for a peer. Blocks are scheduled in
// the order Enqueue is called.
func (p *Playback) Enqueue(key string, block audio.Block) error {
	frames := block.Frames()
	if frames == 0 || block.SampleRate <= 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	peer, ok := p.peers[key]
	if !ok {
		peer = &peerPlayback{jitter: newJitter(p.cfg), gain: 1}
		p.peers[key] = peer
		p.log.Debug().Str("peer", key).Msg("Playback path opened")
	}

	now := p.sink.Now()
	underruns := peer.jitter.underruns
	at := peer.jitter.schedule(now, block.Duration())
	if peer.jitter.underruns != underruns {
		p.log.Debug().
			Str("peer", key).
			Dur("target_lead", peer.jitter.target).
			Int64("underruns", peer.jitter.underruns).
			Msg("Underrun, growing lead")
	}

	peer.frames += int64(frames)
	peer.packets++

	if err := p.sink.Schedule(key, block, at); err != nil {
		return fmt.Errorf("schedule %s: %w", key, err)
	}
	return nil
}

// SetVolume sets the gain of a peer's output path, clamped to [0,1]
func (p *Playback) SetVolume(key string, gain float64) error {
	gain = audio.Clamp01(gain)

	p.mu.Lock()
	defer p.mu.Unlock()

	peer, ok := p.peers[key]
	if !ok {
		return ErrUnknownPeer
	}
	peer.gain = gain
	p.sink.SetGain(key, gain)
	return nil
}

// Close releases a peer's playback state. Closing an unknown or already
// closed peer does nothing.
func (p *Playback) Close(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.peers[key]; !ok {
		return
	}
	delete(p.peers, key)
	p.sink.ClosePath(key)
	p.log.Debug().Str("peer", key).Msg("Playback path closed")
}

// Shutdown closes every peer and the shared sink
func (p *Playback) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	for key := range p.peers {
		p.sink.ClosePath(key)
	}
	p.peers = make(map[string]*peerPlayback)

	if err := p.sink.Close(); err != nil {
		return fmt.Errorf("close sink: %w", err)
	}
	return nil
}

// Stats returns a snapshot for one peer
func (p *Playback) Stats(key string) (Stats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	peer, ok := p.peers[key]
	if !ok {
		return Stats{State: StateClosed}, false
	}
	return p.statsLocked(peer, p.sink.Now()), true
}

// AllStats returns a snapshot for every peer with playback state
func (p *Playback) AllStats() map[string]Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.sink.Now()
	out := make(map[string]Stats, len(p.peers))
	for key, peer := range p.peers {
		out[key] = p.statsLocked(peer, now)
	}
	return out
}

// Keys returns the peers with playback state, sorted
func (p *Playback) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := make([]string, 0, len(p.peers))
	for k := range p.peers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *Playback) statsLocked(peer *peerPlayback, now time.Duration) Stats {
	return Stats{
		FramesDecoded: peer.frames,
		Packets:       peer.packets,
		BufferedAhead: peer.jitter.ahead(now),
		Underruns:     peer.jitter.underruns,
		TargetLead:    peer.jitter.target,
		State:         peer.jitter.state,
		Gain:          peer.gain,
	}
}
