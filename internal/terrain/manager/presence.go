package manager

import (
	"sync"

	"github.com/jaennil/terrainstream/internal/terrain/tile"
)

// PresenceGrid records which coordinates around a center are resident. Only
// the owning manager writes it; readers take snapshots.
type PresenceGrid struct {
	mu     sync.RWMutex
	radius int
	center tile.Coord
	cells  []bool
}

func NewPresenceGrid(radius int) *PresenceGrid {
	if radius < 0 {
		radius = 0
	}
	size := 2*radius + 1
	return &PresenceGrid{
		radius: radius,
		cells:  make([]bool, size*size),
	}
}

// Reset clears every cell and moves the grid to center.
func (g *PresenceGrid) Reset(center tile.Coord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.center = center
	clear(g.cells)
}

// Set marks c resident or empty. Coordinates outside the grid are ignored.
func (g *PresenceGrid) Set(c tile.Coord, loaded bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if i, ok := g.index(c); ok {
		g.cells[i] = loaded
	}
}

func (g *PresenceGrid) Loaded(c tile.Coord) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	i, ok := g.index(c)
	return ok && g.cells[i]
}

func (g *PresenceGrid) Snapshot() PresenceSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	cells := make([]bool, len(g.cells))
	copy(cells, g.cells)
	return PresenceSnapshot{
		Center: g.center,
		Radius: g.radius,
		Cells:  cells,
	}
}

func (g *PresenceGrid) index(c tile.Coord) (int, bool) {
	dx := c.X - g.center.X + g.radius
	dz := c.Z - g.center.Z + g.radius
	size := 2*g.radius + 1
	if dx < 0 || dz < 0 || dx >= size || dz >= size {
		return 0, false
	}
	return dz*size + dx, true
}

// PresenceSnapshot is a read-only copy of a presence grid. Cells is row-major
// by z, each row covering x from Center.X-Radius to Center.X+Radius.
type PresenceSnapshot struct {
	Center tile.Coord `json:"center"`
	Radius int        `json:"radius"`
	Cells  []bool     `json:"cells"`
}

func (s PresenceSnapshot) Loaded(c tile.Coord) bool {
	size := 2*s.Radius + 1
	dx := c.X - s.Center.X + s.Radius
	dz := c.Z - s.Center.Z + s.Radius
	if dx < 0 || dz < 0 || dx >= size || dz >= size {
		return false
	}
	return s.Cells[dz*size+dx]
}

// Count returns the number of resident cells.
func (s PresenceSnapshot) Count() int {
	n := 0
	for _, v := range s.Cells {
		if v {
			n++
		}
	}
	return n
}
