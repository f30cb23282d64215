// ABOUTME: Channel lifecycle manager for one local participant
// ABOUTME: Publishes local state, subscribes to every announced peer and keeps presence and playback in step
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Resonate-Protocol/agora/internal/avatar"
	"github.com/Resonate-Protocol/agora/internal/presence"
	"github.com/Resonate-Protocol/agora/internal/transport"
	"github.com/Resonate-Protocol/agora/internal/zone"
	"github.com/Resonate-Protocol/agora/pkg/audio"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrDirectoryClosed is returned by Run when the transport stops announcing
var ErrDirectoryClosed = errors.New("directory stream ended")

// Audio receives decoded remote audio. player.Playback implements it.
type Audio interface {
	Enqueue(key string, block audio.Block) error
	SetVolume(key string, gain float64) error
	Close(key string)
}

// AvatarLoader loads profile pictures in the background
type AvatarLoader interface {
	Load(address, url string, done func(avatar.Result))
}

// Config holds session configuration
type Config struct {
	Prefix   string // shared address namespace, e.g. "agora/lobby/"
	Identity string
	Tab      string // per-process id, random when empty
	Color    string
	Start    presence.Position

	StaleTimeout      time.Duration `mapstructure:"stale_timeout"`
	PruneInterval     time.Duration `mapstructure:"prune_interval"`
	MoveInterval      time.Duration `mapstructure:"move_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	DeadZone          float64       `mapstructure:"dead_zone"`
}

// DefaultConfig returns the default timings
func DefaultConfig() Config {
	return Config{
		Prefix:            "agora/lobby/",
		Start:             presence.Position{X: 160, Y: 160},
		StaleTimeout:      10 * time.Second,
		PruneInterval:     time.Second,
		MoveInterval:      50 * time.Millisecond,
		HeartbeatInterval: 2 * time.Second,
		DeadZone:          0.5,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = def.StaleTimeout
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = def.PruneInterval
	}
	if c.MoveInterval <= 0 {
		c.MoveInterval = def.MoveInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.DeadZone < 0 {
		c.DeadZone = def.DeadZone
	}
	if c.Tab == "" {
		c.Tab = uuid.New().String()
	}
	if c.Identity == "" {
		c.Identity = "guest-" + c.Tab[:min(6, len(c.Tab))]
	}
	return c
}

// Manager runs the local participant's session
type Manager struct {
	cfg       Config
	address   string
	transport transport.Transport
	dir       *presence.Directory
	gate      *zone.Gate
	audio     Audio
	avatars   AvatarLoader
	log       zerolog.Logger

	mu    sync.Mutex
	peers map[string]*peer
	wg    sync.WaitGroup

	// local state fan-out
	positionSig *signal
	profileSig  *signal
	zonesSig    *signal
	frames      *fanout[[]byte]
	levels      *fanout[float64]

	moveMu   sync.Mutex
	throttle throttle
	force    chan struct{}

	changes chan struct{}
}

// New creates a session. avatars may be nil.
func New(cfg Config, t transport.Transport, dir *presence.Directory, gate *zone.Gate, out Audio, avatars AvatarLoader, log zerolog.Logger) *Manager {
	cfg = cfg.normalize()
	m := &Manager{
		cfg:         cfg,
		address:     cfg.Prefix + cfg.Tab,
		transport:   t,
		dir:         dir,
		gate:        gate,
		audio:       out,
		avatars:     avatars,
		peers:       make(map[string]*peer),
		positionSig: newSignal(),
		profileSig:  newSignal(),
		zonesSig:    newSignal(),
		frames:      newFanout[[]byte](),
		levels:      newFanout[float64](),
		throttle:    throttle{deadZone: cfg.DeadZone, heartbeat: cfg.HeartbeatInterval},
		force:       make(chan struct{}, 1),
		changes:     make(chan struct{}, 1),
	}
	m.log = log.With().Str("module", "session").Str("address", m.address).Logger()

	local := dir.AddLocal(m.address, cfg.Identity, cfg.Start)
	if cfg.Color != "" {
		dir.Upsert(m.address, "", cfg.Color, cfg.Start)
	}
	dir.SetPosition(m.address, local.Position, cfg.Tab)
	dir.SetProfile(m.address, presence.Profile{Pubkey: cfg.Identity})
	dir.SetZones(m.address, gate.ZonesFor(local.Position.X, local.Position.Y))
	dir.OnPrune(func(address string) {
		m.teardownAddress(address, "stale")
	})
	return m
}

// Address returns the local channel group address
func (m *Manager) Address() string {
	return m.address
}

// Directory returns the presence directory the session updates
func (m *Manager) Directory() *presence.Directory {
	return m.dir
}

// Gate returns the zone layout
func (m *Manager) Gate() *zone.Gate {
	return m.gate
}

// Changes signals (coalesced) whenever presence state changed
func (m *Manager) Changes() <-chan struct{} {
	return m.changes
}

func (m *Manager) notify() {
	select {
	case m.changes <- struct{}{}:
	default:
	}
}

// Run publishes the local group and follows the directory until ctx ends
// or the transport stops announcing.
func (m *Manager) Run(ctx context.Context) error {
	group, err := m.transport.Publish(ctx, m.address)
	if err != nil {
		return fmt.Errorf("publish %s: %w", m.address, err)
	}
	anns, err := m.transport.Directory(ctx, m.cfg.Prefix)
	if err != nil {
		group.Close()
		return fmt.Errorf("directory %s: %w", m.cfg.Prefix, err)
	}

	m.log.Info().Str("identity", m.cfg.Identity).Msg("Session started")
	m.forcePosition()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.serveRequests(gctx, group) })
	g.Go(func() error { return m.positionLoop(gctx) })
	g.Go(func() error { return m.pruneLoop(gctx) })
	g.Go(func() error { return m.watchDirectory(gctx, anns) })
	err = g.Wait()

	m.mu.Lock()
	peers := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()
	for _, p := range peers {
		m.teardown(p, "shutdown")
	}
	group.Close()
	m.wg.Wait()

	m.log.Info().Msg("Session stopped")
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (m *Manager) watchDirectory(ctx context.Context, anns <-chan transport.Announcement) error {
	for {
		select {
		case ann, ok := <-anns:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrDirectoryClosed
			}
			if ann.Address == m.address {
				continue
			}
			if ann.Active {
				m.startPeer(ctx, ann.Address)
			} else {
				m.teardownAddress(ann.Address, "withdrawn")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) pruneLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			if pruned := m.dir.PruneStale(now, m.cfg.StaleTimeout); len(pruned) > 0 {
				m.log.Debug().Strs("peers", pruned).Msg("Pruned stale peers")
				m.notify()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
