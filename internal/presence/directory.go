// ABOUTME: Presence directory of every known peer
// ABOUTME: Owns peer position, profile, zone and liveness state keyed by address
package presence

import (
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/Resonate-Protocol/agora/internal/zone"
)

// Position is a point in the arena
type Position struct {
	X float64
	Y float64
}

// Arena bounds positions
type Arena struct {
	Width  float64
	Height float64
}

// DefaultArena matches the default zone layout
func DefaultArena() Arena {
	return Arena{Width: zone.ArenaWidth, Height: zone.ArenaHeight}
}

// Clamp limits a position to the arena
func (a Arena) Clamp(p Position) Position {
	return Position{X: clamp(p.X, 0, a.Width), Y: clamp(p.Y, 0, a.Height)}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Profile is the identity data a peer publishes about itself
type Profile struct {
	Pubkey      string
	DisplayName string
	Name        string
	Picture     string
	About       string
	Relays      []string
	UpdatedAt   int64
}

// Peer is one participant. Values returned by the directory are copies.
type Peer struct {
	Address   string
	Identity  string
	Tab       string
	Color     string
	Position  Position
	Profile   Profile
	Avatar    string // local path of the loaded picture
	Zones     []string
	Speaking  float64
	Local     bool
	UpdatedAt time.Time
}

// Label returns the best human-readable name for the peer
func (p Peer) Label() string {
	switch {
	case p.Profile.DisplayName != "":
		return p.Profile.DisplayName
	case p.Profile.Name != "":
		return p.Profile.Name
	case p.Identity != "":
		return p.Identity
	default:
		return p.Address
	}
}

func (p *Peer) clone() Peer {
	c := *p
	c.Zones = append([]string(nil), p.Zones...)
	c.Profile.Relays = append([]string(nil), p.Profile.Relays...)
	return c
}

// Directory is the owned store of peers
type Directory struct {
	mu      sync.RWMutex
	arena   Arena
	peers   map[string]*Peer
	local   string
	onPrune func(address string)
	now     func() time.Time
}

// New creates an empty directory
func New(arena Arena) *Directory {
	return &Directory{
		arena: arena,
		peers: make(map[string]*Peer),
		now:   time.Now,
	}
}

// Arena returns the arena bounds
func (d *Directory) Arena() Arena {
	return d.arena
}

// OnPrune registers a hook called (outside the lock) for each pruned address
func (d *Directory) OnPrune(fn func(address string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onPrune = fn
}

// Upsert returns the peer for address, creating it at fallback if new. An
// empty identity never replaces a known one, and a color is kept once the
// peer has a profile picture.
func (d *Directory) Upsert(address, identity, color string, fallback Position) Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.upsertLocked(address, identity, color, fallback).clone()
}

func (d *Directory) upsertLocked(address, identity, color string, fallback Position) *Peer {
	p, ok := d.peers[address]
	if !ok {
		p = &Peer{
			Address:   address,
			Color:     ColorFor(address),
			Position:  d.arena.Clamp(fallback),
			UpdatedAt: d.now(),
		}
		d.peers[address] = p
	}
	if identity != "" {
		p.Identity = identity
	}
	if color != "" && p.Profile.Picture == "" {
		p.Color = color
	}
	return p
}

// AddLocal registers the local peer
func (d *Directory) AddLocal(address, identity string, at Position) Peer {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.upsertLocked(address, identity, "", at)
	p.Local = true
	d.local = address
	return p.clone()
}

// Local returns the local peer
func (d *Directory) Local() (Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.local == "" {
		return Peer{}, false
	}
	return d.getLocked(d.local)
}

// LocalAddress returns the address registered with AddLocal
func (d *Directory) LocalAddress() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.local
}

// SetPosition moves a peer, clamped to the arena, and marks it alive
func (d *Directory) SetPosition(address string, pos Position, tab string) (Position, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.peers[address]
	if !ok {
		return Position{}, fmt.Errorf("peer %s: %w", address, ErrUnknownPeer)
	}
	p.Position = d.arena.Clamp(pos)
	if tab != "" {
		p.Tab = tab
	}
	p.UpdatedAt = d.now()
	return p.Position, nil
}

// SetProfile replaces a peer's profile unless the update is older than the
// one already held. It reports whether the picture URL changed.
func (d *Directory) SetProfile(address string, prof Profile) (pictureChanged bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.peers[address]
	if !ok {
		return false, fmt.Errorf("peer %s: %w", address, ErrUnknownPeer)
	}
	if prof.UpdatedAt != 0 && prof.UpdatedAt < p.Profile.UpdatedAt {
		return false, nil
	}

	pictureChanged = prof.Picture != p.Profile.Picture
	p.Profile = prof
	p.Profile.Relays = append([]string(nil), prof.Relays...)
	if pictureChanged {
		p.Avatar = ""
	}
	p.UpdatedAt = d.now()
	return pictureChanged, nil
}

// SetAvatar records a loaded picture, but only if url is still the peer's
// current picture.
func (d *Directory) SetAvatar(address, url, path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.peers[address]
	if !ok || p.Profile.Picture != url {
		return false
	}
	p.Avatar = path
	return true
}

// SetZones replaces a peer's zone membership and reports whether it changed
func (d *Directory) SetZones(address string, zones []string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.peers[address]
	if !ok {
		return false, fmt.Errorf("peer %s: %w", address, ErrUnknownPeer)
	}
	if zone.Equal(p.Zones, zones) {
		return false, nil
	}
	p.Zones = append([]string(nil), zones...)
	return true, nil
}

// SetSpeaking sets a peer's loudness, clamped to [0,1]
func (d *Directory) SetSpeaking(address string, level float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.peers[address]
	if !ok {
		return fmt.Errorf("peer %s: %w", address, ErrUnknownPeer)
	}
	p.Speaking = clamp(level, 0, 1)
	return nil
}

// Touch marks a peer alive without changing anything else
func (d *Directory) Touch(address string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.peers[address]; ok {
		p.UpdatedAt = d.now()
	}
}

// Get returns a copy of one peer
func (d *Directory) Get(address string) (Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.getLocked(address)
}

func (d *Directory) getLocked(address string) (Peer, bool) {
	p, ok := d.peers[address]
	if !ok {
		return Peer{}, false
	}
	return p.clone(), true
}

// Remove deletes a peer and reports whether it existed
func (d *Directory) Remove(address string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.peers[address]; !ok {
		return false
	}
	delete(d.peers, address)
	if d.local == address {
		d.local = ""
	}
	return true
}

// Snapshot returns every peer, local first then by address
func (d *Directory) Snapshot() []Peer {
	d.mu.RLock()
	out := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p.clone())
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Local != out[j].Local {
			return out[i].Local
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// Len returns the number of peers
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// PruneStale removes every remote peer not updated for longer than timeout
// and returns their addresses. The OnPrune hook runs for each one.
func (d *Directory) PruneStale(now time.Time, timeout time.Duration) []string {
	d.mu.Lock()
	var pruned []string
	for addr, p := range d.peers {
		if p.Local {
			continue
		}
		if now.Sub(p.UpdatedAt) > timeout {
			delete(d.peers, addr)
			pruned = append(pruned, addr)
		}
	}
	hook := d.onPrune
	d.mu.Unlock()

	sort.Strings(pruned)
	if hook != nil {
		for _, addr := range pruned {
			hook(addr)
		}
	}
	return pruned
}

// ColorFor derives a stable "#rrggbb" color from an address: the hue comes
// from a hash, saturation and lightness are fixed so every peer stays legible.
func ColorFor(address string) string {
	h := fnv.New32a()
	h.Write([]byte(address))
	hue := float64(h.Sum32() % 360)
	r, g, b := hslToRGB(hue, 0.7, 0.6)
	return fmt.Sprintf("#%02x%02x%02x", r, g, b)
}

func hslToRGB(h, s, l float64) (uint8, uint8, uint8) {
	c := (1 - math.Abs(2*l-1)) * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := l - c/2

	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	to8 := func(v float64) uint8 { return uint8(math.Round((v + m) * 255)) }
	return to8(r), to8(g), to8(b)
}
