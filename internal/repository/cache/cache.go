package cache

import "fmt"

// TileCacheKey identifies one upstream tile body. Epoch partitions the cache:
// entries written under an older epoch are never read again.
type TileCacheKey struct {
	Tier  int
	X     int
	Z     int
	Epoch string
}

func (k TileCacheKey) String() string {
	return fmt.Sprintf("%d:%d:%d:%s", k.Tier, k.X, k.Z, k.Epoch)
}

type TileCacheValue []byte

type TileCache interface {
	Get(TileCacheKey) (TileCacheValue, bool, error)
	Set(TileCacheKey, TileCacheValue) error
}

// Pruner is implemented by caches that hold entries until told otherwise.
type Pruner interface {
	Prune(keepEpoch string) error
}
