// ABOUTME: Local participant controls: movement, profile, captured audio and levels
// ABOUTME: Throttles position publishing between a move rate and a stationary heartbeat
package session

import (
	"context"
	"math"
	"time"

	"github.com/Resonate-Protocol/agora/internal/presence"
	"github.com/Resonate-Protocol/agora/pkg/audio"
	"github.com/Resonate-Protocol/agora/pkg/protocol"
)

// throttle decides when a position update is due. Displacement accumulates
// between sends so slow drift is still published once it leaves the dead zone.
type throttle struct {
	deadZone     float64
	heartbeat    time.Duration
	displacement float64
	lastSent     time.Time
}

func (t *throttle) moved(d float64) {
	t.displacement += math.Abs(d)
}

// due reports whether a tick at now should publish
func (t *throttle) due(now time.Time) bool {
	if t.displacement > t.deadZone {
		return true
	}
	return now.Sub(t.lastSent) >= t.heartbeat
}

func (t *throttle) sent(now time.Time) {
	t.displacement = 0
	t.lastSent = now
}

func (m *Manager) positionLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.MoveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.force:
			m.publishPosition(time.Now())
		case now := <-ticker.C:
			m.moveMu.Lock()
			due := m.throttle.due(now)
			m.moveMu.Unlock()
			if due {
				m.publishPosition(now)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) publishPosition(now time.Time) {
	m.moveMu.Lock()
	m.throttle.sent(now)
	m.moveMu.Unlock()
	m.dir.Touch(m.address)
	m.positionSig.fire()
}

// forcePosition publishes on the next loop iteration regardless of throttling
func (m *Manager) forcePosition() {
	select {
	case m.force <- struct{}{}:
	default:
	}
}

// MoveBy moves the local participant by a delta, clamped to the arena
func (m *Manager) MoveBy(dx, dy float64) presence.Position {
	local, _ := m.dir.Get(m.address)
	return m.move(presence.Position{X: local.Position.X + dx, Y: local.Position.Y + dy}, false)
}

// MoveTo relocates the local participant and publishes immediately
func (m *Manager) MoveTo(x, y float64) presence.Position {
	return m.move(presence.Position{X: x, Y: y}, true)
}

func (m *Manager) move(to presence.Position, force bool) presence.Position {
	before, _ := m.dir.Get(m.address)
	pos, err := m.dir.SetPosition(m.address, to, "")
	if err != nil {
		return before.Position
	}

	m.moveMu.Lock()
	m.throttle.moved(math.Hypot(pos.X-before.Position.X, pos.Y-before.Position.Y))
	m.moveMu.Unlock()

	if changed, _ := m.dir.SetZones(m.address, m.gate.ZonesFor(pos.X, pos.Y)); changed {
		m.zonesSig.fire()
		m.applyGains()
	}
	if force {
		m.forcePosition()
	}
	m.notify()
	return pos
}

// Position returns the local participant's position
func (m *Manager) Position() presence.Position {
	local, _ := m.dir.Get(m.address)
	return local.Position
}

// SetProfile replaces the local profile and republishes it
func (m *Manager) SetProfile(prof presence.Profile) {
	if prof.UpdatedAt == 0 {
		prof.UpdatedAt = time.Now().Unix()
	}
	if prof.Pubkey == "" {
		prof.Pubkey = m.cfg.Identity
	}
	changed, err := m.dir.SetProfile(m.address, prof)
	if err != nil {
		return
	}
	if changed {
		m.loadAvatar(m.address, prof.Picture)
	}
	m.profileSig.fire()
	m.notify()
}

// PublishAudio encodes a captured block and sends it to every audio
// subscriber. It reports false when the block cannot be encoded.
func (m *Manager) PublishAudio(block audio.Block) bool {
	if m.frames.len() == 0 {
		return true
	}
	data, ok := protocol.EncodeFrame(block.Channels, uint32(block.SampleRate))
	if !ok {
		return false
	}
	if dropped := m.frames.publish(data); dropped > 0 {
		m.log.Debug().Int("dropped", dropped).Msg("Audio subscriber behind, dropping frame")
	}
	return true
}

// PublishLevel records the local loudness and sends it to speaking subscribers
func (m *Manager) PublishLevel(level float64) {
	m.dir.SetSpeaking(m.address, level)
	m.levels.publish(audio.Clamp01(level))
}
