// ABOUTME: Capture manager owning the single active capture source
// ABOUTME: Stops the previous source before starting another and reports status changes
package capture

import (
	"context"
	"sync"

	"github.com/Resonate-Protocol/agora/pkg/audio"
	"github.com/rs/zerolog"
)

// Status reports what the manager is doing
type Status struct {
	Mode    Mode
	Running bool
	Err     error
}

// Handlers receive capture output. Any of them may be nil.
type Handlers struct {
	// Block receives every captured block with its RMS level
	Block func(block audio.Block, level float64)
	// Monitor receives device blocks when monitoring is enabled
	Monitor func(block audio.Block)
	// Status receives start, stop and failure notifications
	Status func(Status)
}

// Manager runs at most one capture source at a time
type Manager struct {
	handlers  Handlers
	newSource func(Config, zerolog.Logger) (Source, error)
	log       zerolog.Logger

	// startMu serializes Start and Stop so device handles never overlap
	startMu sync.Mutex
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	cfg     Config
}

// NewManager creates an idle manager
func NewManager(handlers Handlers, log zerolog.Logger) *Manager {
	return &Manager{
		handlers:  handlers,
		newSource: NewSource,
		log:       log.With().Str("module", "capture").Logger(),
	}
}

// Start stops any active source, waits for it to release its resources,
// then starts cfg's source.
func (m *Manager) Start(ctx context.Context, cfg Config) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	m.stopLocked()

	cfg = cfg.normalize()
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return err
	}
	src, err := m.newSource(cfg, m.log)
	if err != nil {
		m.report(Status{Mode: cfg.Mode, Err: err})
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.cfg = cfg
	m.mu.Unlock()

	monitor := cfg.Monitor && cfg.Mode == ModeDevice && m.handlers.Monitor != nil
	emit := func(b audio.Block) {
		if m.handlers.Block != nil {
			m.handlers.Block(b, b.Level())
		}
		if monitor {
			m.handlers.Monitor(b)
		}
	}

	m.log.Info().Str("mode", string(cfg.Mode)).Bool("monitor", monitor).Msg("Starting capture")
	m.report(Status{Mode: cfg.Mode, Running: true})

	go func() {
		defer close(done)
		defer cancel()
		err := src.Run(runCtx, emit)
		if err != nil {
			m.log.Warn().Err(err).Str("mode", string(cfg.Mode)).Msg("Capture failed")
		}
		m.report(Status{Mode: cfg.Mode, Err: err})
	}()
	return nil
}

// Stop ends the active source and waits for it. Stopping an idle manager
// does nothing.
func (m *Manager) Stop() {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Active returns the running mode, if any
func (m *Manager) Active() (Mode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == nil {
		return "", false
	}
	select {
	case <-m.done:
		return "", false
	default:
		return m.cfg.Mode, true
	}
}

func (m *Manager) report(s Status) {
	if m.handlers.Status != nil {
		m.handlers.Status(s)
	}
}
