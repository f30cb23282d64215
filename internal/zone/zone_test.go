// ABOUTME: Tests for zone membership and audibility
// ABOUTME: Covers inclusive edges, overlaps and the forge/library scenario
package zone

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRectEdgesInclusive(t *testing.T) {
	r := Rect{X: 32, Y: 48, W: 256, H: 256}

	assert.True(t, r.Contains(32, 48), "top-left corner")
	assert.True(t, r.Contains(288, 304), "bottom-right corner")
	assert.True(t, r.Contains(32, 200), "left edge")

	assert.False(t, r.Contains(31, 200), "one unit left")
	assert.False(t, r.Contains(289, 200), "one unit right")
	assert.False(t, r.Contains(100, 47), "one unit above")
	assert.False(t, r.Contains(100, 305), "one unit below")
}

func TestZonesFor(t *testing.T) {
	g := Default()

	tests := []struct {
		name string
		x, y float64
		want []string
	}{
		{"forge", 160, 160, []string{"forge"}},
		{"library", 480, 160, []string{"library"}},
		{"forge and commons overlap", 250, 250, []string{"forge", "commons"}},
		{"nowhere", 5, 5, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, g.ZonesFor(tt.x, tt.y))
		})
	}
}

func TestAudible(t *testing.T) {
	assert.True(t, Audible([]string{"forge"}, []string{"forge"}))
	assert.True(t, Audible([]string{"forge", "commons"}, []string{"commons"}))
	assert.False(t, Audible([]string{"forge"}, []string{"library"}))
	assert.False(t, Audible(nil, nil), "both empty")
	assert.False(t, Audible([]string{"forge"}, nil))
}

func TestForgeLibraryScenario(t *testing.T) {
	g := Default()

	a := g.ZonesFor(160, 160)
	b := g.ZonesFor(184, 184)
	assert.True(t, Audible(a, b))

	a = g.ZonesFor(480, 160)
	assert.False(t, Audible(a, b))
}

func TestGateCopiesLayout(t *testing.T) {
	zones := DefaultZones()
	g := NewGate(zones)
	zones[0].ID = "changed"

	assert.Equal(t, "forge", g.Zones()[0].ID)
	assert.Equal(t, "The Library", g.Name("library"))
	assert.Equal(t, "unknown", g.Name("unknown"))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(nil, []string{}))
	assert.True(t, Equal([]string{"a", "b"}, []string{"a", "b"}))
	assert.False(t, Equal([]string{"a"}, []string{"b"}))
	assert.False(t, Equal([]string{"a"}, nil))
}
