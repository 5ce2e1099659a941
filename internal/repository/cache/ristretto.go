package cache

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

type RistrettoConfig struct {
	// MaxCost is the byte budget of all cached bodies.
	MaxCost int64
	TTL     time.Duration
}

// RistrettoCache is a bounded in-memory cache. Set waits for the write buffer
// so a stored tile is visible to the next Get.
type RistrettoCache struct {
	cache *ristretto.Cache[string, TileCacheValue]
	ttl   time.Duration
}

func NewRistrettoCache(cfg RistrettoConfig) (*RistrettoCache, error) {
	maxCost := cfg.MaxCost
	if maxCost <= 0 {
		maxCost = 256 << 20
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, TileCacheValue]{
		// ten counters per expected item, assuming 16KB bodies
		NumCounters: max(maxCost/(16<<10)*10, 1000),
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoCache{cache: c, ttl: cfg.TTL}, nil
}

var _ TileCache = (*RistrettoCache)(nil)

func (c *RistrettoCache) Get(k TileCacheKey) (TileCacheValue, bool, error) {
	v, ok := c.cache.Get(k.String())
	return v, ok, nil
}

func (c *RistrettoCache) Set(k TileCacheKey, v TileCacheValue) error {
	cost := int64(len(v))
	if cost == 0 {
		cost = 1
	}
	if c.ttl > 0 {
		c.cache.SetWithTTL(k.String(), v, cost, c.ttl)
	} else {
		c.cache.Set(k.String(), v, cost)
	}
	c.cache.Wait()
	return nil
}

func (c *RistrettoCache) Close() error {
	c.cache.Close()
	return nil
}
