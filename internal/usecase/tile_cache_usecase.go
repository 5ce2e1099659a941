package usecase

import (
	"github.com/jaennil/terrainstream/internal/repository/cache"
	"github.com/jaennil/terrainstream/pkg/logger"
	"github.com/jaennil/terrainstream/pkg/metrics"
)

type TileCacheUseCase struct {
	cache  cache.TileCache
	logger logger.Logger
}

func NewTileCacheUseCase(c cache.TileCache, l logger.Logger) *TileCacheUseCase {
	return &TileCacheUseCase{
		cache:  c,
		logger: logger.OrNop(l),
	}
}

func (uc *TileCacheUseCase) CacheTile(key cache.TileCacheKey, data []byte) error {
	uc.logger.Debug("caching tile", "tier", key.Tier, "x", key.X, "z", key.Z, "epoch", key.Epoch, "size", len(data))
	if err := uc.cache.Set(key, data); err != nil {
		uc.logger.Error("failed to cache tile", "tier", key.Tier, "x", key.X, "z", key.Z, "error", err)
		return err
	}
	metrics.CacheStores.Inc()
	return nil
}

func (uc *TileCacheUseCase) GetCachedTile(key cache.TileCacheKey) ([]byte, bool, error) {
	data, exists, err := uc.cache.Get(key)
	if err != nil {
		uc.logger.Error("cache lookup failed", "tier", key.Tier, "x", key.X, "z", key.Z, "error", err)
		return nil, false, err
	}
	if exists {
		metrics.CacheHits.Inc()
	} else {
		metrics.CacheMisses.Inc()
	}
	uc.logger.Debug("cache lookup", "tier", key.Tier, "x", key.X, "z", key.Z, "epoch", key.Epoch, "hit", exists)
	return data, exists, nil
}

// Prune drops entries of every epoch but keepEpoch when the backend keeps
// entries until told otherwise.
func (uc *TileCacheUseCase) Prune(keepEpoch string) error {
	p, ok := uc.cache.(cache.Pruner)
	if !ok {
		return nil
	}
	if err := p.Prune(keepEpoch); err != nil {
		uc.logger.Error("failed to prune tile cache", "epoch", keepEpoch, "error", err)
		return err
	}
	return nil
}
