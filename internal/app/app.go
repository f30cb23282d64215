// ABOUTME: Participant application orchestration
// ABOUTME: Wires transport, session, capture, playback, avatars and the TUI together
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Resonate-Protocol/agora/internal/avatar"
	"github.com/Resonate-Protocol/agora/internal/capture"
	"github.com/Resonate-Protocol/agora/internal/config"
	"github.com/Resonate-Protocol/agora/internal/discovery"
	"github.com/Resonate-Protocol/agora/internal/player"
	"github.com/Resonate-Protocol/agora/internal/presence"
	"github.com/Resonate-Protocol/agora/internal/session"
	"github.com/Resonate-Protocol/agora/internal/transport"
	"github.com/Resonate-Protocol/agora/internal/ui"
	"github.com/Resonate-Protocol/agora/internal/zone"
	"github.com/Resonate-Protocol/agora/pkg/audio"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// monitorKey is the playback path used for local capture monitoring
const monitorKey = "local/monitor"

// refreshInterval paces TUI updates between presence changes
const refreshInterval = 250 * time.Millisecond

var errQuit = errors.New("quit requested")

// Connect dials the configured relay, discovering one over mDNS when no
// URL is set. It returns the transport and the URL it connected to.
func Connect(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*transport.Client, string, error) {
	url := cfg.Relay.URL
	if url == "" {
		log.Info().Msg("No relay configured, browsing mDNS")
		dctx, cancel := context.WithTimeout(ctx, cfg.Relay.DiscoverTimeout)
		defer cancel()
		relay, err := discovery.FindRelay(dctx, log)
		if err != nil {
			return nil, "", err
		}
		url = relay.URL()
		log.Info().Str("relay", relay.Name).Str("url", url).Msg("Discovered relay")
	}

	client, err := transport.Dial(ctx, url, log)
	if err != nil {
		return nil, "", err
	}
	return client, url, nil
}

// Options are the parts of an App that are not in the config file
type Options struct {
	// Relay labels the transport in the UI
	Relay string
	// UI runs the TUI; otherwise the app runs until ctx ends
	UI bool
	// Shared leaves the transport open on exit for its other users
	Shared bool
}

// App is one local participant
type App struct {
	cfg  *config.Config
	opts Options
	log  zerolog.Logger

	transport transport.Transport
	session   *session.Manager
	dir       *presence.Directory
	mixer     *player.Mixer
	playback  *player.Playback
	capture   *capture.Manager
	avatars   *avatar.Loader
	cancelAv  context.CancelFunc

	tui      *ui.TUI
	controls *ui.Controls

	mu            sync.Mutex
	captureStatus capture.Status
	refresh       chan struct{}
}

// New builds every component on top of tr. Unless opts.Shared is set the
// app owns tr and closes it when Run returns.
func New(cfg *config.Config, tr transport.Transport, opts Options, log zerolog.Logger) *App {
	a := &App{
		cfg:       cfg,
		opts:      opts,
		log:       log.With().Str("module", "app").Logger(),
		transport: tr,
		refresh:   make(chan struct{}, 1),
	}

	a.mixer = player.NewMixer(cfg.Output.SampleRate, cfg.Output.Channels, log)
	a.mixer.SetVolume(cfg.Output.Volume)
	var sink player.Sink = a.mixer
	if !cfg.Output.Disabled {
		out, err := player.NewOutput(a.mixer, cfg.Output.Buffer, log)
		if err != nil {
			a.log.Warn().Err(err).Msg("Audio output unavailable, continuing without playback")
		} else {
			sink = out
		}
	}
	a.playback = player.NewPlayback(sink, cfg.Jitter, log)

	var loader session.AvatarLoader
	if dl, err := avatar.NewDownloader(cfg.Avatars.CacheDir, log); err != nil {
		a.log.Warn().Err(err).Msg("Avatar cache unavailable")
	} else {
		actx, cancel := context.WithCancel(context.Background())
		a.avatars = avatar.NewLoader(actx, dl)
		a.cancelAv = cancel
		loader = a.avatars
	}

	gate := zone.NewGate(cfg.Zones)
	a.dir = presence.New(presence.DefaultArena())
	a.session = session.New(session.Config{
		Prefix:            cfg.Prefix(),
		Identity:          cfg.Identity.Name,
		Color:             cfg.Identity.Color,
		Start:             presence.Position{X: cfg.Identity.StartX, Y: cfg.Identity.StartY},
		StaleTimeout:      cfg.Session.StaleTimeout,
		PruneInterval:     cfg.Session.PruneInterval,
		MoveInterval:      cfg.Session.MoveInterval,
		HeartbeatInterval: cfg.Session.HeartbeatInterval,
		DeadZone:          cfg.Session.DeadZone,
	}, tr, a.dir, gate, a.playback, loader, log)
	a.session.SetProfile(presence.Profile{
		DisplayName: cfg.Identity.DisplayName,
		Name:        cfg.Identity.Name,
		Picture:     cfg.Identity.Picture,
		About:       cfg.Identity.About,
	})

	a.capture = capture.NewManager(capture.Handlers{
		Block:   a.onBlock,
		Monitor: a.onMonitor,
		Status:  a.onCaptureStatus,
	}, log)

	if opts.UI {
		a.controls = ui.NewControls()
		a.tui = ui.New(ui.Info{
			Room:     cfg.Room,
			Arena:    a.dir.Arena(),
			Volume:   cfg.Output.Volume,
			MoveStep: cfg.Session.MoveStep,
		}, a.controls)
	}
	return a
}

// Session returns the participant's session
func (a *App) Session() *session.Manager {
	return a.session
}

// Playback returns the playback engine
func (a *App) Playback() *player.Playback {
	return a.playback
}

// CaptureStatus returns the last capture status
func (a *App) CaptureStatus() capture.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.captureStatus
}

// Run starts capture and the session and blocks until ctx ends, the user
// quits or the session fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.session.Run(gctx) })

	if err := a.capture.Start(gctx, a.cfg.Capture); err != nil {
		a.log.Error().Err(err).Msg("Failed to start capture")
	}

	g.Go(func() error { return a.refreshLoop(gctx) })
	if a.tui != nil {
		g.Go(func() error { return a.handleControls(gctx) })
		g.Go(func() error {
			go func() {
				<-gctx.Done()
				a.tui.Stop()
			}()
			if err := a.tui.Run(); err != nil {
				return fmt.Errorf("tui: %w", err)
			}
			return errQuit
		})
	}

	err := g.Wait()
	a.shutdown()
	if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) shutdown() {
	a.capture.Stop()
	if err := a.playback.Shutdown(); err != nil {
		a.log.Warn().Err(err).Msg("Failed to close output")
	}
	if a.avatars != nil {
		a.cancelAv()
		a.avatars.Wait()
	}
	if a.opts.Shared {
		return
	}
	if err := a.transport.Close(); err != nil {
		a.log.Debug().Err(err).Msg("Transport close")
	}
}

// onBlock sends captured audio to every subscribed peer
func (a *App) onBlock(block audio.Block, level float64) {
	if !a.session.PublishAudio(block) {
		a.log.Debug().Int("frames", block.Frames()).Msg("Captured block not encodable")
	}
	a.session.PublishLevel(level)
}

func (a *App) onMonitor(block audio.Block) {
	if err := a.playback.Enqueue(monitorKey, block); err != nil && !errors.Is(err, player.ErrClosed) {
		a.log.Debug().Err(err).Msg("Monitor enqueue failed")
	}
}

func (a *App) onCaptureStatus(s capture.Status) {
	a.mu.Lock()
	a.captureStatus = s
	a.mu.Unlock()
	if s.Err != nil {
		a.log.Warn().Err(s.Err).Str("mode", string(s.Mode)).Msg("Capture stopped")
	}
	select {
	case a.refresh <- struct{}{}:
	default:
	}
}

// handleControls applies user actions from the TUI
func (a *App) handleControls(ctx context.Context) error {
	for {
		select {
		case act := <-a.controls.Actions:
			if err := a.apply(ctx, act); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *App) apply(ctx context.Context, act ui.Action) error {
	switch act := act.(type) {
	case ui.MoveAction:
		a.session.MoveBy(act.DX, act.DY)
	case ui.CaptureAction:
		if act.Mode == "" {
			a.capture.Stop()
			a.onCaptureStatus(capture.Status{})
			return nil
		}
		cfg := a.cfg.Capture
		cfg.Mode = act.Mode
		if err := a.capture.Start(ctx, cfg); err != nil {
			a.log.Error().Err(err).Msg("Failed to switch capture")
		}
	case ui.VolumeAction:
		a.mixer.SetVolume(act.Volume)
		a.mixer.SetMuted(act.Muted)
	case ui.QuitAction:
		return errQuit
	}
	return nil
}

// refreshLoop pushes state to the TUI on presence changes and on a timer
// so buffer statistics stay current.
func (a *App) refreshLoop(ctx context.Context) error {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.session.Changes():
		case <-a.refresh:
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
		if a.tui != nil {
			a.tui.Update(a.status())
		}
	}
}

// status snapshots everything the TUI shows
func (a *App) status() ui.StatusMsg {
	connected := true
	if c, ok := a.transport.(interface{ Done() <-chan struct{} }); ok {
		select {
		case <-c.Done():
			connected = false
		default:
		}
	}
	capStatus := a.CaptureStatus()
	// monitoring is not a peer
	stats := a.playback.AllStats()
	delete(stats, monitorKey)
	return ui.StatusMsg{
		Connected: &connected,
		Relay:     a.opts.Relay,
		Arena:     a.dir.Arena(),
		Zones:     a.session.Gate().Zones(),
		Peers:     a.dir.Snapshot(),
		Stats:     stats,
		Capture:   &capStatus,
		Clock:     a.mixer.ClockQuality(),
	}
}
