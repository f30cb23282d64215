// ABOUTME: Bubbletea model for the agora TUI
// ABOUTME: Renders the arena, peers, jitter stats and capture status and turns keys into actions
package ui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Resonate-Protocol/agora/internal/capture"
	"github.com/Resonate-Protocol/agora/internal/player"
	"github.com/Resonate-Protocol/agora/internal/presence"
	agsync "github.com/Resonate-Protocol/agora/internal/sync"
	"github.com/Resonate-Protocol/agora/internal/zone"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Arena grid size in terminal cells
const (
	mapCols = 64
	mapRows = 18
)

// Model represents the TUI state
type Model struct {
	// Connection
	room      string
	relay     string
	connected bool

	// Room
	arena presence.Arena
	zones []zone.Zone
	peers []presence.Peer
	stats map[string]player.Stats

	// Local audio
	capture capture.Status
	clock   agsync.Quality
	volume  int
	muted   bool

	// Debug
	showDebug bool

	// Dimensions
	width  int
	height int

	controls *Controls
	step     float64
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg)
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString(m.renderArena())
	b.WriteString(m.renderPeers())
	b.WriteString(m.renderAudio())
	if m.showDebug {
		b.WriteString(m.renderDebug())
	}
	b.WriteString(m.renderHelp())
	return b.String()
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	zoneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	faintStyle  = lipgloss.NewStyle().Faint(true)
	mapStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
)

// renderHeader renders the room and connection line
func (m Model) renderHeader() string {
	status := warnStyle.Render("disconnected")
	if m.connected {
		status = valueStyle.Render("connected to " + m.relay)
	}
	return fmt.Sprintf("%s  %s %s  %s\n",
		titleStyle.Render("Agora"),
		headerStyle.Render("Room:"), valueStyle.Render(m.room),
		status)
}

// renderArena draws zones as shaded cells and peers as their initials
func (m Model) renderArena() string {
	grid := make([][]string, mapRows)
	for r := range grid {
		grid[r] = make([]string, mapCols)
		for c := range grid[r] {
			grid[r][c] = " "
		}
	}

	for _, z := range m.zones {
		mark := zoneStyle.Render(zoneMark(z))
		for r := 0; r < mapRows; r++ {
			for c := 0; c < mapCols; c++ {
				x, y := m.cellCenter(c, r)
				if z.Bounds.Contains(x, y) {
					grid[r][c] = mark
				}
			}
		}
	}

	for _, p := range m.peers {
		c, r := m.cellFor(p.Position)
		glyph := initial(p.Label())
		if p.Local {
			glyph = "@"
		}
		style := lipgloss.NewStyle().Bold(true)
		if p.Color != "" {
			style = style.Foreground(lipgloss.Color(p.Color))
		}
		if p.Speaking > 0.05 {
			style = style.Underline(true)
		}
		grid[r][c] = style.Render(glyph)
	}

	rows := make([]string, mapRows)
	for r := range grid {
		rows[r] = strings.Join(grid[r], "")
	}
	return mapStyle.Render(strings.Join(rows, "\n")) + "\n"
}

func (m Model) cellCenter(col, row int) (float64, float64) {
	return (float64(col) + 0.5) * m.arena.Width / mapCols,
		(float64(row) + 0.5) * m.arena.Height / mapRows
}

func (m Model) cellFor(p presence.Position) (int, int) {
	col, row := 0, 0
	if m.arena.Width > 0 {
		col = int(p.X / m.arena.Width * mapCols)
	}
	if m.arena.Height > 0 {
		row = int(p.Y / m.arena.Height * mapRows)
	}
	return min(max(col, 0), mapCols-1), min(max(row, 0), mapRows-1)
}

// renderPeers lists every remote peer with its zones, level and buffer
func (m Model) renderPeers() string {
	var b strings.Builder
	remote := 0
	for _, p := range m.peers {
		if !p.Local {
			remote++
		}
	}
	b.WriteString(headerStyle.Render(fmt.Sprintf("Peers (%d)", remote)))
	b.WriteString("\n")
	if remote == 0 {
		b.WriteString(valueStyle.Render("  nobody here yet"))
		b.WriteString("\n")
	}

	for _, p := range m.peers {
		if p.Local {
			continue
		}
		line := fmt.Sprintf("  %-16s %-18s %s", truncate(p.Label(), 16), truncate(m.zoneNames(p.Zones), 18), renderBar(int(p.Speaking*100), 100, 8))
		if st, ok := m.stats[p.Address]; ok {
			gain := "muted"
			if st.Gain > 0 {
				gain = "audible"
			}
			line += fmt.Sprintf(" %-7s lead %3dms ahead %3dms underruns %d",
				gain, st.TargetLead.Milliseconds(), st.BufferedAhead.Milliseconds(), st.Underruns)
		} else {
			line += faintStyle.Render(" no audio")
		}
		b.WriteString(valueStyle.Render(line))
		b.WriteString("\n")
	}
	return b.String()
}

// renderAudio renders capture and output state
func (m Model) renderAudio() string {
	capStatus := "idle"
	switch {
	case m.capture.Err != nil:
		capStatus = warnStyle.Render(fmt.Sprintf("%s failed: %v", m.capture.Mode, m.capture.Err))
	case m.capture.Running:
		capStatus = string(m.capture.Mode)
	}

	muteIcon := ""
	if m.muted {
		muteIcon = " (muted)"
	}

	return fmt.Sprintf("%s %s   %s [%s] %d%%%s\n",
		headerStyle.Render("Capture:"), capStatus,
		headerStyle.Render("Volume:"), renderBar(m.volume, 100, 10), m.volume, muteIcon)
}

// renderDebug renders per-peer scheduling details
func (m Model) renderDebug() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Debug"))
	b.WriteString(fmt.Sprintf("  output clock: %s\n", m.clock))
	keys := make([]string, 0, len(m.stats))
	for k := range m.stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		st := m.stats[k]
		b.WriteString(faintStyle.Render(fmt.Sprintf("  %s %s packets=%d frames=%d",
			k, st.State, st.Packets, st.FramesDecoded)))
		b.WriteString("\n")
	}
	return b.String()
}

// renderHelp renders keyboard shortcuts
func (m Model) renderHelp() string {
	return faintStyle.Render("arrows/wasd:Move  t:Tone  c:Device  x:Stop capture  +/-:Volume  m:Mute  i:Debug  q:Quit") + "\n"
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.controls.send(QuitAction{})
		return m, tea.Quit
	case "up", "w":
		m.controls.send(MoveAction{DY: -m.step})
	case "down", "s":
		m.controls.send(MoveAction{DY: m.step})
	case "left", "a":
		m.controls.send(MoveAction{DX: -m.step})
	case "right", "d":
		m.controls.send(MoveAction{DX: m.step})
	case "t":
		m.controls.send(CaptureAction{Mode: capture.ModeTone})
	case "c":
		m.controls.send(CaptureAction{Mode: capture.ModeDevice})
	case "x":
		m.controls.send(CaptureAction{})
	case "+", "=":
		m.volume = min(m.volume+5, 100)
		m.controls.send(VolumeAction{Volume: m.volume, Muted: m.muted})
	case "-":
		m.volume = max(m.volume-5, 0)
		m.controls.send(VolumeAction{Volume: m.volume, Muted: m.muted})
	case "m":
		m.muted = !m.muted
		m.controls.send(VolumeAction{Volume: m.volume, Muted: m.muted})
	case "i":
		m.showDebug = !m.showDebug
	}

	return m, nil
}

// applyStatus updates model from status message
func (m *Model) applyStatus(msg StatusMsg) {
	if msg.Connected != nil {
		m.connected = *msg.Connected
	}
	if msg.Relay != "" {
		m.relay = msg.Relay
	}
	if msg.Arena.Width > 0 {
		m.arena = msg.Arena
	}
	if msg.Zones != nil {
		m.zones = msg.Zones
	}
	if msg.Peers != nil {
		m.peers = msg.Peers
	}
	if msg.Stats != nil {
		m.stats = msg.Stats
	}
	if msg.Capture != nil {
		m.capture = *msg.Capture
	}
	m.clock = msg.Clock
}

// StatusMsg updates TUI state. Nil fields are left unchanged.
type StatusMsg struct {
	Connected *bool
	Relay     string
	Arena     presence.Arena
	Zones     []zone.Zone
	Peers     []presence.Peer
	Stats     map[string]player.Stats
	Capture   *capture.Status
	Clock     agsync.Quality
}

func (m Model) zoneNames(ids []string) string {
	if len(ids) == 0 {
		return "-"
	}
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = id
		for _, z := range m.zones {
			if z.ID == id && z.Name != "" {
				names[i] = z.Name
			}
		}
	}
	return strings.Join(names, ",")
}

// Utility functions
func renderBar(value, total, width int) string {
	filled := min(max(value*width/total, 0), width)
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}

func initial(label string) string {
	for _, r := range label {
		return strings.ToUpper(string(r))
	}
	return "?"
}

func zoneMark(z zone.Zone) string {
	for _, r := range z.ID {
		return strings.ToLower(string(r))
	}
	return "."
}
