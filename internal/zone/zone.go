// ABOUTME: Spatial zones that gate who can hear whom
// ABOUTME: Maps arena coordinates to zone ids and decides audibility between zone sets
package zone

// Arena extents in world units
const (
	ArenaWidth  = 640
	ArenaHeight = 360
)

// Rect is an axis-aligned rectangle
type Rect struct {
	X float64 `mapstructure:"x" yaml:"x"`
	Y float64 `mapstructure:"y" yaml:"y"`
	W float64 `mapstructure:"w" yaml:"w"`
	H float64 `mapstructure:"h" yaml:"h"`
}

// Contains reports whether the point lies in the rectangle, edges included
func (r Rect) Contains(x, y float64) bool {
	return x >= r.X && x <= r.X+r.W && y >= r.Y && y <= r.Y+r.H
}

// Zone is a named region of the arena
type Zone struct {
	ID     string `mapstructure:"id" yaml:"id"`
	Name   string `mapstructure:"name" yaml:"name"`
	Bounds Rect   `mapstructure:"bounds" yaml:"bounds"`
}

// DefaultZones returns the built-in zone layout
func DefaultZones() []Zone {
	return []Zone{
		{ID: "forge", Name: "The Forge", Bounds: Rect{X: 32, Y: 48, W: 256, H: 256}},
		{ID: "library", Name: "The Library", Bounds: Rect{X: 352, Y: 48, W: 256, H: 256}},
		{ID: "commons", Name: "The Commons", Bounds: Rect{X: 192, Y: 200, W: 256, H: 140}},
	}
}

// Gate holds an immutable zone layout
type Gate struct {
	zones []Zone
}

// NewGate creates a gate over the given zones. The slice is copied.
func NewGate(zones []Zone) *Gate {
	return &Gate{zones: append([]Zone(nil), zones...)}
}

// Default returns a gate over DefaultZones
func Default() *Gate {
	return NewGate(DefaultZones())
}

// Zones returns a copy of the layout
func (g *Gate) Zones() []Zone {
	return append([]Zone(nil), g.zones...)
}

// Name returns the display name for a zone id, or the id itself if unknown
func (g *Gate) Name(id string) string {
	for _, z := range g.zones {
		if z.ID == id {
			return z.Name
		}
	}
	return id
}

// ZonesFor returns the ids of every zone containing the point, in layout order
func (g *Gate) ZonesFor(x, y float64) []string {
	var ids []string
	for _, z := range g.zones {
		if z.Bounds.Contains(x, y) {
			ids = append(ids, z.ID)
		}
	}
	return ids
}

// Audible reports whether two zone sets share at least one zone
func Audible(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// Equal reports whether two zone id lists hold the same ids in the same order
func Equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
