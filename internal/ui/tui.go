// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program and carries user actions back to the app
package ui

import (
	"github.com/Resonate-Protocol/agora/internal/capture"
	"github.com/Resonate-Protocol/agora/internal/presence"
	tea "github.com/charmbracelet/bubbletea"
)

// Action is something the user asked for
type Action interface{ action() }

// MoveAction moves the local participant by a delta
type MoveAction struct{ DX, DY float64 }

// CaptureAction switches capture mode. An empty Mode stops capture.
type CaptureAction struct{ Mode capture.Mode }

// VolumeAction sets the master output volume
type VolumeAction struct {
	Volume int
	Muted  bool
}

// QuitAction asks the app to shut down
type QuitAction struct{}

func (MoveAction) action()    {}
func (CaptureAction) action() {}
func (VolumeAction) action()  {}
func (QuitAction) action()    {}

// Controls carries actions from the TUI to the app
type Controls struct {
	Actions chan Action
}

// NewControls creates a control handler
func NewControls() *Controls {
	return &Controls{Actions: make(chan Action, 32)}
}

// send never blocks the UI; a full queue drops the action
func (c *Controls) send(a Action) {
	if c == nil {
		return
	}
	select {
	case c.Actions <- a:
	default:
	}
}

// Info is the fixed part of the display
type Info struct {
	Room     string
	Arena    presence.Arena
	Volume   int
	MoveStep float64
}

// NewModel creates a new TUI model
func NewModel(info Info, controls *Controls) Model {
	if info.MoveStep <= 0 {
		info.MoveStep = 8
	}
	if info.Arena.Width <= 0 {
		info.Arena = presence.DefaultArena()
	}
	return Model{
		room:     info.Room,
		arena:    info.Arena,
		volume:   info.Volume,
		step:     info.MoveStep,
		controls: controls,
	}
}

// TUI runs the bubbletea program
type TUI struct {
	program *tea.Program
}

// New creates the program; Run starts it
func New(info Info, controls *Controls) *TUI {
	return &TUI{program: tea.NewProgram(NewModel(info, controls), tea.WithAltScreen())}
}

// Run blocks until the user quits or Stop is called
func (t *TUI) Run() error {
	_, err := t.program.Run()
	return err
}

// Update sends a status update to the TUI. It blocks until the program
// is running and returns immediately once it has exited.
func (t *TUI) Update(msg StatusMsg) {
	t.program.Send(msg)
}

// Stop stops the TUI
func (t *TUI) Stop() {
	t.program.Quit()
}
