package manager

import "github.com/jaennil/terrainstream/internal/terrain/tile"

// Observer receives tile transitions. Calls are made synchronously while the
// manager holds its lock: implementations must not block and must not call
// back into the manager.
type Observer interface {
	TileLoaded(tier int, c tile.Coord, p tile.Payload)
	TileUnloaded(tier int, c tile.Coord)
}

type nopObserver struct{}

func (nopObserver) TileLoaded(int, tile.Coord, tile.Payload) {}
func (nopObserver) TileUnloaded(int, tile.Coord)             {}
