// ABOUTME: Subscribe side of the session: one lifecycle per remote peer
// ABOUTME: Opens the peer's channels, reads each independently and tears the peer down once
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/Resonate-Protocol/agora/internal/avatar"
	"github.com/Resonate-Protocol/agora/internal/presence"
	"github.com/Resonate-Protocol/agora/internal/transport"
	"github.com/Resonate-Protocol/agora/internal/zone"
	"github.com/Resonate-Protocol/agora/pkg/protocol"
	"github.com/rs/zerolog"
)

// State is a remote peer's lifecycle state
type State int

const (
	StateSubscribing State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	default:
		return "closed"
	}
}

var (
	errMalformed  = errors.New("malformed payload")
	errPeerClosed = errors.New("peer closed")
)

type peer struct {
	address string
	ctx     context.Context
	cancel  context.CancelFunc
	log     zerolog.Logger

	mu       sync.Mutex
	state    State
	remote   transport.Remote
	channels map[string]transport.Channel
	// live counts running readers plus one opening token held while
	// subscriptions are still being made
	live      int
	audioSeen bool

	once sync.Once
	done chan struct{}
}

func (p *peer) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// ifOpen runs fn while holding the peer lock, unless teardown has begun.
// Directory and playback writes go through here so a withdrawn peer is
// never recreated by a message that was already queued.
func (p *peer) ifOpen(fn func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state >= StateDraining {
		return errPeerClosed
	}
	return fn()
}

func (p *peer) getState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PeerState returns the lifecycle state of a remote peer
func (m *Manager) PeerState(address string) (State, bool) {
	m.mu.Lock()
	p, ok := m.peers[address]
	m.mu.Unlock()
	if !ok {
		return StateClosed, false
	}
	return p.getState(), true
}

// OpenChannels returns the names of a remote peer's channels still being read
func (m *Manager) OpenChannels(address string) []string {
	m.mu.Lock()
	p, ok := m.peers[address]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, name := range protocol.Channels {
		if _, ok := p.channels[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

func (m *Manager) startPeer(ctx context.Context, address string) {
	m.mu.Lock()
	if _, ok := m.peers[address]; ok {
		m.mu.Unlock()
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	p := &peer{
		address:  address,
		ctx:      pctx,
		cancel:   cancel,
		log:      m.log.With().Str("peer", address).Logger(),
		channels: make(map[string]transport.Channel),
		live:     1,
		done:     make(chan struct{}),
	}
	m.peers[address] = p
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.subscribe(p)
	}()
}

// subscribe opens the mandatory position channel, then the optional ones
func (m *Manager) subscribe(p *peer) {
	defer m.release(p)

	remote, err := m.transport.Consume(p.address)
	if err != nil {
		p.log.Warn().Err(err).Msg("Consume failed")
		m.teardown(p, "consume failed")
		return
	}
	p.mu.Lock()
	p.remote = remote
	p.mu.Unlock()

	for i, name := range protocol.Channels {
		ch, err := remote.Subscribe(p.ctx, name, priorityOf(name))
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			if i == 0 {
				p.log.Warn().Err(err).Msg("Position channel unavailable, dropping peer")
				m.teardown(p, "position unavailable")
				return
			}
			p.log.Debug().Err(err).Str("channel", name).Msg("Optional channel unavailable")
			continue
		}

		if !m.track(p, name, ch, i == 0) {
			ch.Close(nil)
			return
		}
		if i == 0 {
			m.notify()
		}
		r := &reader{m: m, p: p, name: name, ch: ch}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			r.run()
		}()
	}
}

// track registers an open channel and takes a live reference for its
// reader. The first channel also adds the peer to the directory.
func (m *Manager) track(p *peer, name string, ch transport.Channel, first bool) bool {
	err := p.ifOpen(func() error {
		if first {
			m.dir.Upsert(p.address, "", "", m.fallback())
			p.state = StateActive
		}
		p.channels[name] = ch
		p.live++
		return nil
	})
	return err == nil
}

// release drops one live reference; the last one tears the peer down
func (m *Manager) release(p *peer) {
	p.mu.Lock()
	p.live--
	last := p.live == 0
	p.mu.Unlock()
	if last {
		m.teardown(p, "all channels closed")
	}
}

func (m *Manager) teardownAddress(address, reason string) {
	m.mu.Lock()
	p := m.peers[address]
	m.mu.Unlock()
	if p != nil {
		m.teardown(p, reason)
	}
}

// teardown closes everything a peer holds. Any number of callers may race;
// exactly one does the work.
func (m *Manager) teardown(p *peer, reason string) {
	p.once.Do(func() {
		p.mu.Lock()
		p.state = StateDraining
		channels := p.channels
		p.channels = make(map[string]transport.Channel)
		remote := p.remote
		p.mu.Unlock()

		p.cancel()
		for _, ch := range channels {
			ch.Close(nil)
		}
		if remote != nil {
			remote.Close()
		}
		m.audio.Close(p.address)
		m.dir.Remove(p.address)

		m.mu.Lock()
		if m.peers[p.address] == p {
			delete(m.peers, p.address)
		}
		m.mu.Unlock()

		p.setState(StateClosed)
		close(p.done)
		p.log.Info().Str("reason", reason).Msg("Peer closed")
		m.notify()
	})
}

func (m *Manager) fallback() presence.Position {
	a := m.dir.Arena()
	return presence.Position{X: a.Width / 2, Y: a.Height / 2}
}

func priorityOf(name string) int {
	switch name {
	case protocol.ChannelAudio:
		return 3
	case protocol.ChannelPosition:
		return 2
	case protocol.ChannelSpeaking:
		return 1
	default:
		return 0
	}
}

// readResult is the outcome of one read iteration
type readResult int

const (
	readOK readResult = iota
	readMalformed
	readEnd
)

// reader owns one (peer, channel) read loop
type reader struct {
	m    *Manager
	p    *peer
	name string
	ch   transport.Channel
	msgs int64
	bad  int64
}

func (r *reader) run() {
	defer r.m.release(r.p)

	for {
		switch res, err := r.next(); res {
		case readOK:
			r.msgs++
		case readMalformed:
			r.bad++
			r.p.log.Debug().Err(err).Str("channel", r.name).Msg("Dropping malformed message")
		case readEnd:
			r.p.mu.Lock()
			if r.p.channels[r.name] == r.ch {
				delete(r.p.channels, r.name)
			}
			r.p.mu.Unlock()
			r.closed()
			r.p.log.Debug().
				Err(err).
				Str("channel", r.name).
				Int64("messages", r.msgs).
				Int64("malformed", r.bad).
				Msg("Channel ended")
			return
		}
	}
}

func (r *reader) next() (readResult, error) {
	msg, err := r.ch.ReadMessage(r.p.ctx)
	if err != nil {
		return readEnd, err
	}
	// queued messages outlive the peer's context
	if err := r.p.ctx.Err(); err != nil {
		return readEnd, err
	}
	switch err := r.handle(msg); {
	case errors.Is(err, errPeerClosed):
		return readEnd, err
	case err != nil:
		return readMalformed, err
	}
	return readOK, nil
}

func (r *reader) handle(msg transport.Message) error {
	m, addr := r.m, r.p.address

	if r.name == protocol.ChannelAudio {
		if !msg.Frame {
			return errMalformed
		}
		frame, ok := protocol.DecodeFrame(msg.Data)
		if !ok {
			return errMalformed
		}
		var first bool
		err := r.p.ifOpen(func() error {
			if err := m.audio.Enqueue(addr, frame.Block()); err != nil {
				return err
			}
			first = !r.p.audioSeen
			r.p.audioSeen = true
			return nil
		})
		if err != nil {
			return err
		}
		if first {
			m.applyGain(addr)
		}
		return nil
	}

	if msg.Frame {
		return errMalformed
	}

	switch r.name {
	case protocol.ChannelPosition:
		var pm protocol.PositionMessage
		if err := json.Unmarshal(msg.Data, &pm); err != nil {
			return errors.Join(errMalformed, err)
		}
		err := r.p.ifOpen(func() error {
			m.dir.Upsert(addr, pm.Identity, pm.Color, m.fallback())
			_, err := m.dir.SetPosition(addr, presence.Position{X: pm.X, Y: pm.Y}, pm.Tab)
			return err
		})
		if err != nil {
			return err
		}

	case protocol.ChannelProfile:
		var pm protocol.ProfileMessage
		if err := json.Unmarshal(msg.Data, &pm); err != nil {
			return errors.Join(errMalformed, err)
		}
		var changed bool
		err := r.p.ifOpen(func() error {
			m.dir.Upsert(addr, pm.Identity, "", m.fallback())
			var err error
			changed, err = m.dir.SetProfile(addr, presence.Profile{
				Pubkey:      pm.Pubkey,
				DisplayName: pm.DisplayName,
				Name:        pm.Name,
				Picture:     pm.Picture,
				About:       pm.About,
				Relays:      pm.Relays,
				UpdatedAt:   pm.UpdatedAt,
			})
			return err
		})
		if err != nil {
			return err
		}
		if changed {
			m.loadAvatar(addr, pm.Picture)
		}

	case protocol.ChannelZones:
		var zm protocol.ZonesMessage
		if err := json.Unmarshal(msg.Data, &zm); err != nil {
			return errors.Join(errMalformed, err)
		}
		var changed bool
		err := r.p.ifOpen(func() error {
			var err error
			changed, err = m.dir.SetZones(addr, zm.Zones)
			return err
		})
		if err != nil {
			return err
		}
		if changed {
			m.applyGain(addr)
		}

	case protocol.ChannelSpeaking:
		var sm protocol.SpeakingMessage
		if err := json.Unmarshal(msg.Data, &sm); err != nil {
			return errors.Join(errMalformed, err)
		}
		err := r.p.ifOpen(func() error { return m.dir.SetSpeaking(addr, sm.Level) })
		if err != nil {
			return err
		}
	}

	m.notify()
	return nil
}

// closed resets the state a channel was carrying
func (r *reader) closed() {
	m, addr := r.m, r.p.address
	switch r.name {
	case protocol.ChannelAudio:
		m.audio.Close(addr)
		r.p.mu.Lock()
		r.p.audioSeen = false
		r.p.mu.Unlock()
	case protocol.ChannelZones:
		if changed, _ := m.dir.SetZones(addr, nil); changed {
			m.applyGain(addr)
		}
	case protocol.ChannelSpeaking:
		if err := m.dir.SetSpeaking(addr, 0); err != nil {
			r.p.log.Debug().Err(err).Msg("Speaking reset skipped")
		}
	}
	m.notify()
}

func (m *Manager) loadAvatar(address, url string) {
	if m.avatars == nil || url == "" {
		return
	}
	m.avatars.Load(address, url, func(res avatar.Result) {
		if res.Err != nil {
			m.log.Debug().Err(res.Err).Str("peer", address).Msg("Avatar load failed")
			return
		}
		if m.dir.SetAvatar(res.Address, res.URL, res.Path) {
			m.notify()
		}
	})
}

// gainFor is 1 when the local listener shares a zone with the peer
func (m *Manager) gainFor(address string) float64 {
	local, _ := m.dir.Get(m.address)
	remote, ok := m.dir.Get(address)
	if !ok || !zone.Audible(local.Zones, remote.Zones) {
		return 0
	}
	return 1
}

func (m *Manager) applyGain(address string) {
	gain := m.gainFor(address)
	if err := m.audio.SetVolume(address, gain); err != nil {
		// no audio yet; the first packet applies it
		return
	}
	m.log.Debug().Str("peer", address).Float64("gain", gain).Msg("Gain updated")
}

// applyGains recomputes every remote peer's gain after the local zones change
func (m *Manager) applyGains() {
	m.mu.Lock()
	addrs := make([]string, 0, len(m.peers))
	for addr := range m.peers {
		addrs = append(addrs, addr)
	}
	m.mu.Unlock()
	for _, addr := range addrs {
		m.applyGain(addr)
	}
}
