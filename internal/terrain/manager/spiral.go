package manager

import (
	"math"
	"sort"

	"github.com/jaennil/terrainstream/internal/terrain/tile"
)

// Spiral returns every offset of the box with half-extents (viewX, viewZ),
// nearest first: by square ring, then by squared distance, then
// counter-clockwise from +x.
func Spiral(viewX, viewZ int) []tile.Coord {
	if viewX <= 0 || viewZ <= 0 {
		return nil
	}
	type item struct {
		off   tile.Coord
		ring  int
		dist  int
		angle float64
	}
	items := make([]item, 0, (2*viewX+1)*(2*viewZ+1))
	for dz := -viewZ; dz <= viewZ; dz++ {
		for dx := -viewX; dx <= viewX; dx++ {
			angle := math.Atan2(float64(dz), float64(dx))
			if angle < 0 {
				angle += 2 * math.Pi
			}
			items = append(items, item{
				off:   tile.Coord{X: dx, Z: dz},
				ring:  max(absInt(dx), absInt(dz)),
				dist:  dx*dx + dz*dz,
				angle: angle,
			})
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].ring != items[j].ring {
			return items[i].ring < items[j].ring
		}
		if items[i].dist != items[j].dist {
			return items[i].dist < items[j].dist
		}
		return items[i].angle < items[j].angle
	})

	out := make([]tile.Coord, len(items))
	for i, it := range items {
		out[i] = it.off
	}
	return out
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
