package cache

import "sync"

type MapCache struct {
	m *TypedSyncMap
}

type TypedSyncMap struct {
	m sync.Map
}

func (c *TypedSyncMap) Load(k TileCacheKey) (TileCacheValue, bool) {
	v, exists := c.m.Load(k)
	if !exists {
		return nil, false
	}
	return v.(TileCacheValue), exists
}

func (c *TypedSyncMap) Store(k TileCacheKey, v TileCacheValue) {
	c.m.Store(k, v)
}

// Prune drops every entry whose epoch differs from keep.
func (c *TypedSyncMap) Prune(keep string) int {
	n := 0
	c.m.Range(func(k, _ any) bool {
		if k.(TileCacheKey).Epoch != keep {
			c.m.Delete(k)
			n++
		}
		return true
	})
	return n
}

func NewMapCache() *MapCache {
	return &MapCache{
		m: &TypedSyncMap{},
	}
}

var _ TileCache = (*MapCache)(nil)

func (c *MapCache) Get(k TileCacheKey) (TileCacheValue, bool, error) {
	v, exists := c.m.Load(k)
	return v, exists, nil
}

func (c *MapCache) Set(k TileCacheKey, v TileCacheValue) error {
	c.m.Store(k, v)
	return nil
}

// Prune releases entries left behind by an epoch switch. The map never evicts
// on its own, so without it an old epoch stays in memory.
func (c *MapCache) Prune(keep string) error {
	c.m.Prune(keep)
	return nil
}
