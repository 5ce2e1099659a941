package tile

import "strconv"

// Coord addresses one cell of a tier's tile grid.
type Coord struct {
	X int `json:"x"`
	Z int `json:"z"`
}

// Key renders the coordinate as "x,z".
func (c Coord) Key() string {
	return strconv.Itoa(c.X) + "," + strconv.Itoa(c.Z)
}

func (c Coord) String() string {
	return "(" + c.Key() + ")"
}

func (c Coord) Add(dx, dz int) Coord {
	return Coord{X: c.X + dx, Z: c.Z + dz}
}

// Within reports whether c lies in the axis-aligned box of half-extents
// (viewX, viewZ) around center. Corners count as inside.
func (c Coord) Within(center Coord, viewX, viewZ int) bool {
	return absInt(c.X-center.X) <= viewX && absInt(c.Z-center.Z) <= viewZ
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
