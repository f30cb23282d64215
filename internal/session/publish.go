// ABOUTME: Publish side of the session: answers channel requests from remote subscribers
// ABOUTME: Snapshot channels resend on every local change, stream channels forward live data
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Resonate-Protocol/agora/internal/transport"
	"github.com/Resonate-Protocol/agora/pkg/protocol"
)

const streamBuffer = 32

// signal wakes every waiter on each fire
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

func (s *signal) fire() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

// fanout copies each value to every subscriber, dropping for slow ones
type fanout[T any] struct {
	mu   sync.Mutex
	subs map[chan T]struct{}
}

func newFanout[T any]() *fanout[T] {
	return &fanout[T]{subs: make(map[chan T]struct{})}
}

func (f *fanout[T]) subscribe() (<-chan T, func()) {
	ch := make(chan T, streamBuffer)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch, func() {
		f.mu.Lock()
		delete(f.subs, ch)
		f.mu.Unlock()
	}
}

func (f *fanout[T]) publish(v T) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	dropped := 0
	for ch := range f.subs {
		select {
		case ch <- v:
		default:
			dropped++
		}
	}
	return dropped
}

func (f *fanout[T]) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (m *Manager) serveRequests(ctx context.Context, group transport.Group) error {
	for {
		select {
		case req, ok := <-group.Requests():
			if !ok {
				return fmt.Errorf("channel group %s closed", m.address)
			}
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.serve(ctx, req)
			}()
		case <-group.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("channel group %s closed", m.address)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// serve dispatches one request by channel name. Unknown names close only
// the requested channel.
func (m *Manager) serve(ctx context.Context, req transport.Request) {
	ch := req.Channel
	log := m.log.With().Str("channel", req.Name).Logger()

	var err error
	switch req.Name {
	case protocol.ChannelPosition:
		err = m.sendSnapshots(ctx, ch, m.positionSig, func() any { return m.positionMessage() })
	case protocol.ChannelProfile:
		err = m.sendSnapshots(ctx, ch, m.profileSig, func() any { return m.profileMessage() })
	case protocol.ChannelZones:
		err = m.sendSnapshots(ctx, ch, m.zonesSig, func() any { return m.zonesMessage() })
	case protocol.ChannelAudio:
		err = forward(ctx, ch, m.frames, ch.WriteFrame)
	case protocol.ChannelSpeaking:
		err = forward(ctx, ch, m.levels, func(level float64) error {
			return ch.WriteJSON(protocol.SpeakingMessage{Level: level, Ts: time.Now().UnixMilli()})
		})
	default:
		log.Warn().Msg("Rejecting unknown channel request")
		ch.Close(fmt.Errorf("%q: %w", req.Name, transport.ErrUnknownChannel))
		return
	}

	if err != nil {
		log.Debug().Err(err).Msg("Sender stopped")
	}
	ch.Close(nil)
}

// sendSnapshots writes the current state now and again on every change
func (m *Manager) sendSnapshots(ctx context.Context, ch transport.Channel, sig *signal, snapshot func() any) error {
	for {
		changed := sig.wait()
		if err := ch.WriteJSON(snapshot()); err != nil {
			return err
		}
		select {
		case <-changed:
		case <-ch.Closed():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func forward[T any](ctx context.Context, ch transport.Channel, src *fanout[T], write func(T) error) error {
	values, unsubscribe := src.subscribe()
	defer unsubscribe()
	for {
		select {
		case v := <-values:
			if err := write(v); err != nil {
				return err
			}
		case <-ch.Closed():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) positionMessage() protocol.PositionMessage {
	local, _ := m.dir.Get(m.address)
	return protocol.PositionMessage{
		Identity: local.Identity,
		Tab:      m.cfg.Tab,
		X:        local.Position.X,
		Y:        local.Position.Y,
		Color:    local.Color,
	}
}

func (m *Manager) profileMessage() protocol.ProfileMessage {
	local, _ := m.dir.Get(m.address)
	p := local.Profile
	return protocol.ProfileMessage{
		Identity:    local.Identity,
		Pubkey:      p.Pubkey,
		DisplayName: p.DisplayName,
		Name:        p.Name,
		Picture:     p.Picture,
		About:       p.About,
		Relays:      p.Relays,
		UpdatedAt:   p.UpdatedAt,
	}
}

func (m *Manager) zonesMessage() protocol.ZonesMessage {
	local, _ := m.dir.Get(m.address)
	zones := local.Zones
	if zones == nil {
		zones = []string{}
	}
	return protocol.ZonesMessage{Zones: zones, Ts: time.Now().UnixMilli()}
}
