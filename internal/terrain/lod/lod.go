// Package lod composes one tile manager per resolution tier into a single
// terrain map: tier 0 is the finest, every further tier covers ScaleFactor
// times more ground per tile than the one before it.
package lod

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jaennil/terrainstream/internal/terrain/gate"
	"github.com/jaennil/terrainstream/internal/terrain/manager"
	"github.com/jaennil/terrainstream/internal/terrain/tile"
	"github.com/jaennil/terrainstream/pkg/logger"
	"github.com/jaennil/terrainstream/pkg/metrics"
)

var (
	ErrInvalidConfig = errors.New("invalid lod configuration")
	ErrUnknownTier   = errors.New("unknown tier")
)

// HeightSampler is implemented by payloads that can answer height queries at
// a local position (u, v) in [0,1) of their tile.
type HeightSampler interface {
	HeightAt(u, v float64) (float64, bool)
}

// Layer describes one tier of the map.
type Layer struct {
	Index     int     `json:"index"`
	Scale     float64 `json:"scale"`
	TileSizeX float64 `json:"tile_size_x"`
	TileSizeZ float64 `json:"tile_size_z"`

	// MaxViewTiles caps ViewTiles per axis when positive.
	MaxViewTiles int `json:"max_view_tiles"`
}

func (l Layer) Coarse() bool { return l.Index > 0 }

// TileAt converts a world position, already shifted by the map offset, to the
// covering tile and the position inside it.
func (l Layer) TileAt(x, z float64) (tile.Coord, float64, float64) {
	fx := x / l.TileSizeX
	fz := z / l.TileSizeZ
	tx := math.Floor(fx)
	tz := math.Floor(fz)
	return tile.Coord{X: int(tx), Z: int(tz)}, fx - tx, fz - tz
}

// ViewTiles converts a world-space view distance to whole tiles per axis.
func (l Layer) ViewTiles(view float64) (int, int) {
	if !(view > 0) {
		return 0, 0
	}
	return l.wholeTiles(view / l.TileSizeX), l.wholeTiles(view / l.TileSizeZ)
}

func (l Layer) wholeTiles(n float64) int {
	n = math.Ceil(n)
	if l.MaxViewTiles > 0 && n > float64(l.MaxViewTiles) {
		return l.MaxViewTiles
	}
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(n)
}

// LoaderDeps is handed to the loader factory for every layer. Context is
// cancelled when the map closes.
type LoaderDeps struct {
	Context context.Context
	Layer   Layer
	Gate    gate.Gate
	Epoch   *tile.Epoch
	Logger  logger.Logger
}

type LoaderFactory func(deps LoaderDeps) (tile.Loader, error)

type Config struct {
	TileSizeX      float64
	TileSizeZ      float64
	ScaleFactor    float64
	CoarseTiers    int
	OffsetX        float64
	OffsetZ        float64
	MaxConcurrent  int
	PresenceRadius int

	// MaxViewTiles caps every tier's view distance, in tiles per axis. It
	// defaults to the presence radius and may not exceed it.
	MaxViewTiles int
	Epoch        string

	// Gate adds pacing on top of the map's motion gate.
	Gate      gate.Gate
	NewLoader LoaderFactory
	Observer  manager.Observer
	Logger    logger.Logger
}

func (c Config) validate() error {
	var errs []error
	if c.TileSizeX <= 0 || c.TileSizeZ <= 0 || math.IsInf(c.TileSizeX, 0) || math.IsInf(c.TileSizeZ, 0) {
		errs = append(errs, fmt.Errorf("tile size %vx%v must be positive", c.TileSizeX, c.TileSizeZ))
	}
	if c.CoarseTiers < 0 {
		errs = append(errs, fmt.Errorf("coarse tier count %d is negative", c.CoarseTiers))
	}
	if c.CoarseTiers > 0 && !(c.ScaleFactor > 1) {
		errs = append(errs, fmt.Errorf("scale factor %v must be greater than 1", c.ScaleFactor))
	}
	presence := c.presenceRadius()
	if presence > manager.MaxPresenceRadius {
		errs = append(errs, fmt.Errorf("presence radius %d exceeds %d", presence, manager.MaxPresenceRadius))
	}
	if c.MaxViewTiles < 0 || c.MaxViewTiles > presence {
		errs = append(errs, fmt.Errorf("max view %d tiles must be within the presence radius %d", c.MaxViewTiles, presence))
	}
	if c.NewLoader == nil {
		errs = append(errs, errors.New("loader factory is required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

func (c Config) presenceRadius() int {
	if c.PresenceRadius <= 0 {
		return manager.DefaultPresenceRadius
	}
	return c.PresenceRadius
}

func (c Config) maxViewTiles() int {
	if c.MaxViewTiles <= 0 {
		return c.presenceRadius()
	}
	return c.MaxViewTiles
}

// Map streams every tier around one area of interest.
type Map struct {
	layers   []Layer
	managers []*manager.Manager
	offsetX  float64
	offsetZ  float64
	motion   *gate.Motion
	epoch    *tile.Epoch
	logger   logger.Logger
	cancel   context.CancelFunc
}

func New(cfg Config) (*Map, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l := logger.OrNop(cfg.Logger)
	ctx, cancel := context.WithCancel(context.Background())

	m := &Map{
		offsetX: cfg.OffsetX,
		offsetZ: cfg.OffsetZ,
		motion:  gate.NewMotion(),
		epoch:   tile.NewEpoch(cfg.Epoch),
		logger:  l,
		cancel:  cancel,
	}
	maxView := cfg.maxViewTiles()
	pacing := gate.Chain(m.motion, cfg.Gate)

	for i := 0; i <= cfg.CoarseTiers; i++ {
		scale := math.Pow(cfg.ScaleFactor, float64(i))
		if i == 0 {
			scale = 1
		}
		layer := Layer{
			Index:     i,
			Scale:     scale,
			TileSizeX: cfg.TileSizeX * scale,
			TileSizeZ: cfg.TileSizeZ * scale,

			MaxViewTiles: maxView,
		}
		loader, err := cfg.NewLoader(LoaderDeps{
			Context: ctx,
			Layer:   layer,
			Gate:    pacing,
			Epoch:   m.epoch,
			Logger:  l,
		})
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("create loader for tier %d: %w", i, err)
		}
		mgr, err := manager.New(manager.Config{
			Tier:           i,
			MaxConcurrent:  cfg.MaxConcurrent,
			PresenceRadius: cfg.PresenceRadius,
			MaxView:        maxView,
			Loader:         loader,
			Observer:       cfg.Observer,
			Logger:         l,
		})
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("create manager for tier %d: %w", i, err)
		}
		m.layers = append(m.layers, layer)
		m.managers = append(m.managers, mgr)
	}

	l.Info("terrain map created",
		"tiers", len(m.layers),
		"tile_size_x", cfg.TileSizeX,
		"tile_size_z", cfg.TileSizeZ,
		"scale_factor", cfg.ScaleFactor,
	)
	return m, nil
}

func (m *Map) Layers() []Layer {
	out := make([]Layer, len(m.layers))
	copy(out, m.layers)
	return out
}

// LoadMapArea recenters every tier on (worldX, worldZ). The fine tier uses
// fineView and the coarse tiers coarseView, both in world units. A fineView
// of zero or less leaves only the coarse tiers populated.
func (m *Map) LoadMapArea(worldX, worldZ, fineView, coarseView float64) {
	x := worldX - m.offsetX
	z := worldZ - m.offsetZ
	for i, layer := range m.layers {
		view := coarseView
		if !layer.Coarse() {
			view = fineView
		}
		center, _, _ := layer.TileAt(x, z)
		vx, vz := layer.ViewTiles(view)
		m.managers[i].LoadAroundTile(center, vx, vz)
	}
}

// TerrainHeightAt answers from the finest tier that has a resident tile at
// the point. It never waits for a fetch.
func (m *Map) TerrainHeightAt(worldX, worldZ float64) (float64, bool) {
	x := worldX - m.offsetX
	z := worldZ - m.offsetZ
	for i, layer := range m.layers {
		c, u, v := layer.TileAt(x, z)
		p, ok := m.managers[i].Payload(c)
		if !ok {
			continue
		}
		sampler, ok := p.(HeightSampler)
		if !ok {
			continue
		}
		if h, ok := sampler.HeightAt(u, v); ok {
			metrics.HeightQueries.WithLabelValues(heightSource(layer)).Inc()
			return h, true
		}
	}
	metrics.HeightQueries.WithLabelValues("none").Inc()
	return 0, false
}

func heightSource(l Layer) string {
	if l.Coarse() {
		return "coarse"
	}
	return "fine"
}

// ClearCache switches every loader to a new cache epoch. Resident tiles stay
// until the view window moves past them.
func (m *Map) ClearCache(epoch string) {
	prev := m.epoch.Get()
	m.epoch.Set(epoch)
	m.logger.Info("tile cache epoch changed", "from", prev, "to", epoch)
}

func (m *Map) Epoch() string { return m.epoch.Get() }

// SetMoving holds tile resolution while the viewpoint is moving.
func (m *Map) SetMoving(moving bool) {
	m.motion.SetMoving(moving)
}

func (m *Map) Moving() bool { return m.motion.Moving() }

func (m *Map) Manager(tier int) (*manager.Manager, error) {
	if tier < 0 || tier >= len(m.managers) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTier, tier)
	}
	return m.managers[tier], nil
}

func (m *Map) Presence(tier int) (manager.PresenceSnapshot, error) {
	mgr, err := m.Manager(tier)
	if err != nil {
		return manager.PresenceSnapshot{}, err
	}
	return mgr.Presence(), nil
}

func (m *Map) Stats() []manager.Stats {
	out := make([]manager.Stats, 0, len(m.managers))
	for _, mgr := range m.managers {
		out = append(out, mgr.Stats())
	}
	return out
}

// Unload evicts every tier without closing the map.
func (m *Map) Unload() {
	for _, mgr := range m.managers {
		mgr.Unload()
	}
}

// Close stops every tier. Loaders blocked on the motion gate are released
// through their cancelled contexts and upstream transfers are aborted.
func (m *Map) Close() {
	m.cancel()
	for _, mgr := range m.managers {
		mgr.Close()
	}
	m.logger.Info("terrain map closed")
}
