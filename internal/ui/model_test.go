// ABOUTME: Tests for TUI model and state management
// ABOUTME: Tests status updates, key handling and rendering
package ui

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Resonate-Protocol/agora/internal/capture"
	"github.com/Resonate-Protocol/agora/internal/player"
	"github.com/Resonate-Protocol/agora/internal/presence"
	"github.com/Resonate-Protocol/agora/internal/zone"
	tea "github.com/charmbracelet/bubbletea"
)

func testModel(controls *Controls) Model {
	m := NewModel(Info{Room: "lobby", Volume: 80, MoveStep: 10}, controls)
	m.width, m.height = 120, 40
	return m
}

func key(s string) tea.KeyMsg {
	switch s {
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	case "left":
		return tea.KeyMsg{Type: tea.KeyLeft}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func nextAction(t *testing.T, c *Controls) Action {
	t.Helper()
	select {
	case a := <-c.Actions:
		return a
	default:
		t.Fatal("expected an action")
		return nil
	}
}

func TestNewModel(t *testing.T) {
	model := NewModel(Info{Room: "lobby", Volume: 100}, nil)

	if model.connected {
		t.Error("expected connected to be false initially")
	}
	if model.volume != 100 {
		t.Errorf("expected volume 100, got %d", model.volume)
	}
	if model.step != 8 {
		t.Errorf("expected default move step 8, got %v", model.step)
	}
	if model.arena != presence.DefaultArena() {
		t.Errorf("expected default arena, got %+v", model.arena)
	}
	if model.View() != "Loading..." {
		t.Error("expected loading view before the first window size")
	}
}

func TestStatusMsgConnected(t *testing.T) {
	model := testModel(nil)

	connected := true
	model.applyStatus(StatusMsg{Connected: &connected, Relay: "ws://relay/agora"})
	if !model.connected || model.relay != "ws://relay/agora" {
		t.Errorf("unexpected connection state %v %q", model.connected, model.relay)
	}

	disconnected := false
	model.applyStatus(StatusMsg{Connected: &disconnected})
	if model.connected {
		t.Error("expected connected to be false after disconnect")
	}
	if model.relay != "ws://relay/agora" {
		t.Error("relay should be kept when not sent")
	}
}

func TestStatusMsgKeepsUnsentFields(t *testing.T) {
	model := testModel(nil)

	peers := []presence.Peer{{Address: "agora/lobby/a", Identity: "ada"}}
	model.applyStatus(StatusMsg{Peers: peers, Zones: zone.DefaultZones()})
	model.applyStatus(StatusMsg{Stats: map[string]player.Stats{"agora/lobby/a": {Packets: 3}}})

	if len(model.peers) != 1 {
		t.Errorf("expected peers to be kept, got %d", len(model.peers))
	}
	if len(model.zones) != len(zone.DefaultZones()) {
		t.Error("expected zones to be kept")
	}
	if model.stats["agora/lobby/a"].Packets != 3 {
		t.Error("expected stats to be applied")
	}
}

func TestMoveKeys(t *testing.T) {
	controls := NewControls()
	model := testModel(controls)

	cases := []struct {
		key  string
		want MoveAction
	}{
		{"up", MoveAction{DY: -10}},
		{"s", MoveAction{DY: 10}},
		{"left", MoveAction{DX: -10}},
		{"d", MoveAction{DX: 10}},
	}
	for _, tc := range cases {
		model.Update(key(tc.key))
		if got := nextAction(t, controls); got != tc.want {
			t.Errorf("key %q: got %#v, want %#v", tc.key, got, tc.want)
		}
	}
}

func TestCaptureKeys(t *testing.T) {
	controls := NewControls()
	model := testModel(controls)

	model.Update(key("t"))
	if got := nextAction(t, controls); got != (CaptureAction{Mode: capture.ModeTone}) {
		t.Errorf("got %#v", got)
	}
	model.Update(key("c"))
	if got := nextAction(t, controls); got != (CaptureAction{Mode: capture.ModeDevice}) {
		t.Errorf("got %#v", got)
	}
	model.Update(key("x"))
	if got := nextAction(t, controls); got != (CaptureAction{}) {
		t.Errorf("got %#v", got)
	}
}

func TestVolumeKeys(t *testing.T) {
	controls := NewControls()
	var model tea.Model = testModel(controls)

	model, _ = model.Update(key("+"))
	if got := nextAction(t, controls); got != (VolumeAction{Volume: 85}) {
		t.Errorf("got %#v", got)
	}
	model, _ = model.Update(key("m"))
	if got := nextAction(t, controls); got != (VolumeAction{Volume: 85, Muted: true}) {
		t.Errorf("got %#v", got)
	}
	for i := 0; i < 30; i++ {
		model, _ = model.Update(key("-"))
	}
	if v := model.(Model).volume; v != 0 {
		t.Errorf("volume should clamp at 0, got %d", v)
	}
}

func TestQuit(t *testing.T) {
	controls := NewControls()
	model := testModel(controls)

	_, cmd := model.Update(key("q"))
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
	if _, ok := nextAction(t, controls).(QuitAction); !ok {
		t.Error("expected QuitAction")
	}
}

func TestKeysWithoutControls(t *testing.T) {
	model := testModel(nil)
	// Must not panic without a control handler
	model.Update(key("t"))
	model.Update(key("up"))
}

func TestView(t *testing.T) {
	model := testModel(nil)
	connected := true
	status := capture.Status{Mode: capture.ModeTone, Running: true}
	model.applyStatus(StatusMsg{
		Connected: &connected,
		Relay:     "ws://relay/agora",
		Zones:     zone.DefaultZones(),
		Peers: []presence.Peer{
			{Address: "agora/lobby/me", Identity: "me", Local: true, Position: presence.Position{X: 100, Y: 100}},
			{Address: "agora/lobby/b", Identity: "bob", Zones: []string{"forge"}, Position: presence.Position{X: 180, Y: 180}},
			{Address: "agora/lobby/c", Identity: "cy", Position: presence.Position{X: 600, Y: 300}},
		},
		Stats: map[string]player.Stats{
			"agora/lobby/b": {Gain: 1, TargetLead: 60 * time.Millisecond, Underruns: 2},
		},
		Capture: &status,
	})

	view := model.View()
	for _, want := range []string{"lobby", "Peers (2)", "bob", "audible", "underruns 2", "no audio", "tone", "80%"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
	if strings.Contains(view, "output clock") {
		t.Error("debug hidden by default")
	}

	updated, _ := model.Update(key("i"))
	if !strings.Contains(updated.(Model).View(), "output clock") {
		t.Error("i toggles debug")
	}
}

func TestViewCaptureFailure(t *testing.T) {
	model := testModel(nil)
	status := capture.Status{Mode: capture.ModeDevice, Err: errors.New("no device")}
	model.applyStatus(StatusMsg{Capture: &status})

	if !strings.Contains(model.View(), "no device") {
		t.Error("capture failure should be visible")
	}
}

func TestCellFor(t *testing.T) {
	model := testModel(nil)

	c, r := model.cellFor(presence.Position{})
	if c != 0 || r != 0 {
		t.Errorf("origin maps to %d,%d", c, r)
	}
	c, r = model.cellFor(presence.Position{X: zone.ArenaWidth, Y: zone.ArenaHeight})
	if c != mapCols-1 || r != mapRows-1 {
		t.Errorf("far corner maps to %d,%d", c, r)
	}
}

func TestZoneNames(t *testing.T) {
	model := testModel(nil)
	model.zones = []zone.Zone{{ID: "forge", Name: "The Forge"}}

	if got := model.zoneNames(nil); got != "-" {
		t.Errorf("got %q", got)
	}
	if got := model.zoneNames([]string{"forge", "attic"}); got != "The Forge,attic" {
		t.Errorf("got %q", got)
	}
}

func TestRenderBar(t *testing.T) {
	if got := renderBar(50, 100, 4); got != "██░░" {
		t.Errorf("got %q", got)
	}
	if got := renderBar(150, 100, 4); got != "████" {
		t.Errorf("overflow should clamp, got %q", got)
	}
}

func TestTruncateFunction(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"short", 10, "short"},
		{"this is longer than allowed", 10, "this is..."},
		{"", 10, ""},
		{"abcd", 4, "abcd"},
		{"abcde", 4, "a..."},
	}

	for _, tt := range tests {
		result := truncate(tt.input, tt.maxLen)
		if result != tt.expected {
			t.Errorf("truncate(%q, %d) = %q, expected %q",
				tt.input, tt.maxLen, result, tt.expected)
		}
	}
}
