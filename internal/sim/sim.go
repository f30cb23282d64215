// ABOUTME: Simulated participants for demos and load testing
// ABOUTME: Runs wandering bot sessions that move between zones and speak with tones
package sim

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/Resonate-Protocol/agora/internal/capture"
	"github.com/Resonate-Protocol/agora/internal/presence"
	"github.com/Resonate-Protocol/agora/internal/session"
	"github.com/Resonate-Protocol/agora/internal/transport"
	"github.com/Resonate-Protocol/agora/internal/zone"
	"github.com/Resonate-Protocol/agora/pkg/audio"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var botNames = []string{"ada", "grace", "linus", "barbara", "ken", "radia", "dennis", "margaret"}

// Config controls the simulation
type Config struct {
	Bots    int
	Speed   float64       // arena units per second
	Tick    time.Duration // movement step
	Voices  bool
	Session session.Config // Prefix and timings shared by every bot
	Zones   []zone.Zone
	Seed    uint64
}

// Sim runs a set of bots on one transport
type Sim struct {
	cfg  Config
	tr   transport.Transport
	log  zerolog.Logger
	bots []*Bot
}

// New creates cfg.Bots bots. Nothing runs until Run.
func New(cfg Config, tr transport.Transport, log zerolog.Logger) *Sim {
	if cfg.Tick <= 0 {
		cfg.Tick = 50 * time.Millisecond
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 40
	}
	if cfg.Zones == nil {
		cfg.Zones = zone.DefaultZones()
	}

	s := &Sim{cfg: cfg, tr: tr, log: log.With().Str("module", "sim").Logger()}
	gate := zone.NewGate(cfg.Zones)
	for i := 0; i < cfg.Bots; i++ {
		s.bots = append(s.bots, newBot(i, cfg, gate, tr, log))
	}
	return s
}

// Bots returns the simulated participants
func (s *Sim) Bots() []*Bot {
	return s.bots
}

// Run drives every bot until ctx ends
func (s *Sim) Run(ctx context.Context) error {
	s.log.Info().Int("bots", len(s.bots)).Bool("voices", s.cfg.Voices).Msg("Starting simulation")
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range s.bots {
		g.Go(func() error { return b.session.Run(gctx) })
		g.Go(func() error { return b.walk(gctx) })
		if s.cfg.Voices {
			g.Go(func() error { return b.speak(gctx) })
		}
	}
	return g.Wait()
}

// Bot is one simulated participant
type Bot struct {
	name    string
	cfg     Config
	rng     *rand.Rand
	session *session.Manager
	tone    *capture.ToneSource
	target  presence.Position
	arena   presence.Arena
}

func newBot(i int, cfg Config, gate *zone.Gate, tr transport.Transport, log zerolog.Logger) *Bot {
	name := botNames[i%len(botNames)]
	if i >= len(botNames) {
		name = fmt.Sprintf("%s-%d", name, i/len(botNames))
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, uint64(i)+1))
	arena := presence.DefaultArena()

	scfg := cfg.Session
	scfg.Identity = "bot-" + name
	scfg.Tab = ""
	scfg.Start = randomPoint(rng, arena)

	b := &Bot{
		name:  name,
		cfg:   cfg,
		rng:   rng,
		arena: arena,
		tone: capture.NewToneSource(capture.Config{
			Frequency: 220 * math.Pow(2, float64(i%12)/12),
		}),
	}
	b.session = session.New(scfg, tr, presence.New(arena), gate, discard{}, nil, log.With().Str("bot", name).Logger())
	b.session.SetProfile(presence.Profile{Name: name, DisplayName: name + " (bot)", About: "simulated participant"})
	b.target = b.pickTarget()
	return b
}

// Name returns the bot's short name
func (b *Bot) Name() string { return b.name }

// Session returns the bot's session
func (b *Bot) Session() *session.Manager { return b.session }

// walk heads toward a target, picking a new one on arrival. Targets are
// zone centres half of the time so bots meet.
func (b *Bot) walk(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.Tick)
	defer ticker.Stop()
	step := b.cfg.Speed * b.cfg.Tick.Seconds()
	for {
		select {
		case <-ticker.C:
			b.step(step)
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *Bot) step(step float64) {
	pos := b.session.Position()
	dx, dy := b.target.X-pos.X, b.target.Y-pos.Y
	dist := math.Hypot(dx, dy)
	if dist <= step {
		b.session.MoveBy(dx, dy)
		b.target = b.pickTarget()
		return
	}
	b.session.MoveBy(dx/dist*step, dy/dist*step)
}

func (b *Bot) pickTarget() presence.Position {
	if len(b.cfg.Zones) > 0 && b.rng.IntN(2) == 0 {
		z := b.cfg.Zones[b.rng.IntN(len(b.cfg.Zones))].Bounds
		return presence.Position{X: z.X + z.W/2, Y: z.Y + z.H/2}
	}
	return randomPoint(b.rng, b.arena)
}

// speak alternates bursts of tone with silence
func (b *Bot) speak(ctx context.Context) error {
	block := b.tone.Next()
	ticker := time.NewTicker(block.Duration())
	defer ticker.Stop()

	talking := false
	var until time.Time
	for {
		select {
		case now := <-ticker.C:
			if now.After(until) {
				talking = !talking
				until = now.Add(time.Duration(500+b.rng.IntN(2500)) * time.Millisecond)
				if !talking {
					b.session.PublishLevel(0)
				}
			}
			if !talking {
				continue
			}
			block := b.tone.Next()
			b.session.PublishAudio(block)
			b.session.PublishLevel(block.Level())
		case <-ctx.Done():
			return nil
		}
	}
}

func randomPoint(rng *rand.Rand, a presence.Arena) presence.Position {
	return presence.Position{X: rng.Float64() * a.Width, Y: rng.Float64() * a.Height}
}

// discard drops remote audio; bots never play anything
type discard struct{}

func (discard) Enqueue(string, audio.Block) error { return nil }
func (discard) SetVolume(string, float64) error   { return nil }
func (discard) Close(string)                      {}
