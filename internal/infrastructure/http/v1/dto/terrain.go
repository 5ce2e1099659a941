package dto

import (
	"github.com/jaennil/terrainstream/internal/terrain/lod"
	"github.com/jaennil/terrainstream/internal/terrain/manager"
)

// AreaRequest recenters every tier. A fine view of zero or less leaves the
// fine tier empty. Tiers also clamp view distances to their maximum in tiles.
type AreaRequest struct {
	X          *float64 `json:"x" validate:"required"`
	Z          *float64 `json:"z" validate:"required"`
	FineView   float64  `json:"fine_view" validate:"lte=1000000"`
	CoarseView float64  `json:"coarse_view" validate:"gte=0,lte=1000000"`
}

type MotionRequest struct {
	Moving *bool `json:"moving" validate:"required"`
}

type CacheClearRequest struct {
	// Epoch defaults to a fresh random token.
	Epoch string `json:"epoch" validate:"omitempty,max=64,printascii"`
}

type CacheClearResponse struct {
	Epoch string `json:"epoch"`
}

type HeightResponse struct {
	X         float64 `json:"x"`
	Z         float64 `json:"z"`
	Height    float64 `json:"height"`
	Available bool    `json:"available"`
}

type StatsResponse struct {
	Epoch  string          `json:"epoch"`
	Moving bool            `json:"moving"`
	Layers []lod.Layer     `json:"layers"`
	Tiers  []manager.Stats `json:"tiers"`
}

type TileEvent struct {
	Type string `json:"type"`
	Tier int    `json:"tier"`
	X    int    `json:"x"`
	Z    int    `json:"z"`
	At   int64  `json:"at"`
}

const (
	TileLoadedEvent   = "tile_loaded"
	TileUnloadedEvent = "tile_unloaded"
)
