package manager

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jaennil/terrainstream/internal/terrain/tile"
	"github.com/jaennil/terrainstream/pkg/logger"
	"github.com/jaennil/terrainstream/pkg/metrics"
)

var (
	ErrOutOfView = errors.New("coordinate outside view window")
	ErrResident  = errors.New("coordinate already registered")
	ErrFailed    = errors.New("coordinate failed since last recenter")
	ErrInert     = errors.New("manager is not loading")
	ErrSaturated = errors.New("no load capacity left")
)

const (
	DefaultMaxConcurrent  = 8
	DefaultPresenceRadius = 32
	// MaxPresenceRadius bounds the presence grid and, through MaxView, the
	// spiral sequence of a window.
	MaxPresenceRadius = 1024
)

type Config struct {
	Tier           int
	MaxConcurrent  int
	PresenceRadius int
	// MaxView caps the view distance per axis, in tiles. It defaults to
	// PresenceRadius.
	MaxView  int
	Loader   tile.Loader
	Observer Observer
	Logger   logger.Logger
}

// Stats is a point-in-time view of a manager.
type Stats struct {
	Tier     int        `json:"tier"`
	Active   bool       `json:"active"`
	Center   tile.Coord `json:"center"`
	ViewX    int        `json:"view_x"`
	ViewZ    int        `json:"view_z"`
	Resident int        `json:"resident"`
	Loading  int        `json:"loading"`
	InFlight int        `json:"in_flight"`
	Failed   int        `json:"failed"`
}

// Manager streams the tiles of one tier around a center coordinate. A single
// goroutine schedules fetches nearest-first; loads run in their own goroutines
// and report back through complete.
type Manager struct {
	tier          int
	tierLabel     string
	maxConcurrent int
	maxView       int
	loader        tile.Loader
	observer      Observer
	logger        logger.Logger
	presence      *PresenceGrid

	mu       sync.Mutex
	active   bool
	closed   bool
	center   tile.Coord
	viewX    int
	viewZ    int
	spiral   []tile.Coord
	inFlight int
	registry map[tile.Coord]*tile.Tile
	failed   map[tile.Coord]struct{}

	wake      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	loads     sync.WaitGroup
	closeOnce sync.Once
}

func New(cfg Config) (*Manager, error) {
	if cfg.Loader == nil {
		return nil, errors.New("manager: loader is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.PresenceRadius <= 0 {
		cfg.PresenceRadius = DefaultPresenceRadius
	}
	if cfg.PresenceRadius > MaxPresenceRadius {
		return nil, fmt.Errorf("manager: presence radius %d exceeds %d", cfg.PresenceRadius, MaxPresenceRadius)
	}
	if cfg.MaxView <= 0 {
		cfg.MaxView = cfg.PresenceRadius
	}
	if cfg.MaxView > MaxPresenceRadius {
		return nil, fmt.Errorf("manager: max view %d exceeds %d", cfg.MaxView, MaxPresenceRadius)
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		tier:          cfg.Tier,
		tierLabel:     strconv.Itoa(cfg.Tier),
		maxConcurrent: cfg.MaxConcurrent,
		maxView:       cfg.MaxView,
		loader:        cfg.Loader,
		observer:      cfg.Observer,
		logger:        logger.OrNop(cfg.Logger),
		presence:      NewPresenceGrid(cfg.PresenceRadius),
		registry:      make(map[tile.Coord]*tile.Tile),
		failed:        make(map[tile.Coord]struct{}),
		wake:          make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	go m.loop()
	return m, nil
}

func (m *Manager) Tier() int { return m.tier }

// LoadAroundTile sets the view window. Repeating the current window is a
// no-op. A new center or a smaller window evicts tiles that fell outside and
// rebuilds the presence grid; a view distance <= 0 on either axis empties the
// window and evicts everything. View distances above MaxView are clamped.
func (m *Manager) LoadAroundTile(center tile.Coord, viewX, viewZ int) {
	viewX = min(viewX, m.maxView)
	viewZ = min(viewZ, m.maxView)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.active && center == m.center && viewX == m.viewX && viewZ == m.viewZ {
		return
	}

	spiral := m.spiral
	if viewX != m.viewX || viewZ != m.viewZ || spiral == nil {
		spiral = Spiral(viewX, viewZ)
	}

	recentered := !m.active || center != m.center
	shrank := viewX < m.viewX || viewZ < m.viewZ
	m.active = true
	m.center = center
	m.viewX = viewX
	m.viewZ = viewZ
	m.spiral = spiral
	clear(m.failed)

	if viewX <= 0 || viewZ <= 0 {
		m.evictAllLocked()
		m.presence.Reset(center)
		m.logger.Debug("view window empty, tier evicted", "tier", m.tier)
		return
	}

	if recentered || shrank {
		m.removeFarTilesLocked()
		m.rebuildPresenceLocked()
	}
	m.logger.Debug("view window moved",
		"tier", m.tier,
		"center", center.Key(),
		"view_x", viewX,
		"view_z", viewZ,
		"resident", len(m.registry),
	)
	m.signal()
}

// Unload evicts every tile and stops scheduling until the next LoadAroundTile.
func (m *Manager) Unload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = false
	clear(m.failed)
	m.evictAllLocked()
	m.presence.Reset(m.center)
}

// Close unloads the manager, stops its scheduler and waits for in-flight
// loads to return.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		m.Unload()
		m.cancel()
		<-m.done
		m.loads.Wait()
	})
}

// TryLoadTile starts a fetch for c unless it is out of view, already
// registered, failed since the last recenter, or capacity is exhausted.
func (m *Manager) TryLoadTile(c tile.Coord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tryLoadLocked(c)
}

// Payload returns the payload of a resident tile.
func (m *Manager) Payload(c tile.Coord) (tile.Payload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.registry[c]
	if !ok || t.State() != tile.Loaded {
		return nil, false
	}
	return t.Payload(), true
}

// State reports the state of the registered tile at c, Unrequested if none.
func (m *Manager) State(c tile.Coord) tile.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.registry[c]; ok {
		return t.State()
	}
	return tile.Unrequested
}

// Resident returns the coordinates of every loaded tile.
func (m *Manager) Resident() []tile.Coord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]tile.Coord, 0, len(m.registry))
	for c, t := range m.registry {
		if t.State() == tile.Loaded {
			out = append(out, c)
		}
	}
	return out
}

func (m *Manager) Presence() PresenceSnapshot {
	return m.presence.Snapshot()
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Tier:     m.tier,
		Active:   m.active,
		Center:   m.center,
		ViewX:    m.viewX,
		ViewZ:    m.viewZ,
		InFlight: m.inFlight,
		Failed:   len(m.failed),
	}
	for _, t := range m.registry {
		switch t.State() {
		case tile.Loaded:
			s.Resident++
		case tile.Loading:
			s.Loading++
		}
	}
	return s
}

func (m *Manager) loop() {
	defer close(m.done)
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.wake:
			m.schedule()
		}
	}
}

// schedule walks the spiral from the center outward and starts fetches until
// capacity runs out or every coordinate in view is registered.
func (m *Manager) schedule() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active || m.closed {
		return
	}
	for _, off := range m.spiral {
		if m.inFlight >= m.maxConcurrent {
			return
		}
		_ = m.tryLoadLocked(m.center.Add(off.X, off.Z))
	}
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) tryLoadLocked(c tile.Coord) error {
	if !m.active || m.closed {
		return ErrInert
	}
	if !m.inViewLocked(c) {
		return ErrOutOfView
	}
	if _, ok := m.registry[c]; ok {
		return ErrResident
	}
	if _, ok := m.failed[c]; ok {
		return ErrFailed
	}
	if m.inFlight >= m.maxConcurrent {
		return ErrSaturated
	}

	t := tile.New(c)
	ctx, err := t.Begin(m.ctx)
	if err != nil {
		return err
	}
	m.registry[c] = t
	m.inFlight++
	metrics.TilesInFlight.WithLabelValues(m.tierLabel).Set(float64(m.inFlight))

	m.loads.Add(1)
	go m.load(ctx, t)
	return nil
}

func (m *Manager) load(ctx context.Context, t *tile.Tile) {
	defer m.loads.Done()
	start := time.Now()
	p, err := m.loader.Load(ctx, t.Coord())
	metrics.TileLoadLatency.WithLabelValues(m.tierLabel).Observe(time.Since(start).Seconds())
	m.complete(t, p, err)
}

func (m *Manager) complete(t *tile.Tile, p tile.Payload, loadErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.signal()

	m.releaseLocked()
	c := t.Coord()
	current := m.registry[c] == t

	if loadErr == nil {
		installed, err := t.Resolve(p)
		if err != nil {
			m.logger.Error("tile resolved in unexpected state", "tier", m.tier, "coord", c.Key(), "error", err)
		}
		if installed && current {
			m.presence.Set(c, true)
			metrics.TilesLoaded.WithLabelValues(m.tierLabel).Inc()
			m.observer.TileLoaded(m.tier, c, p)
			return
		}
		if installed {
			_ = t.Dispose()
		}
		metrics.TilesCancelled.WithLabelValues(m.tierLabel).Inc()
		m.logger.Debug("tile load cancelled", "tier", m.tier, "coord", c.Key())
	} else {
		state, _ := t.Fail(loadErr)
		if state == tile.Failed {
			metrics.TilesFailed.WithLabelValues(m.tierLabel).Inc()
			m.logger.Warn("tile fetch failed", "tier", m.tier, "coord", c.Key(), "error", loadErr)
			if current {
				m.failed[c] = struct{}{}
			}
		} else {
			metrics.TilesCancelled.WithLabelValues(m.tierLabel).Inc()
			m.logger.Debug("tile load cancelled", "tier", m.tier, "coord", c.Key())
		}
	}

	if current {
		delete(m.registry, c)
	}
	if _, replaced := m.registry[c]; !replaced {
		m.presence.Set(c, false)
		m.observer.TileUnloaded(m.tier, c)
	}
}

// releaseLocked gives back one unit of load capacity. The floor tolerates a
// duplicate release.
func (m *Manager) releaseLocked() {
	if m.inFlight > 0 {
		m.inFlight--
	}
	metrics.TilesInFlight.WithLabelValues(m.tierLabel).Set(float64(m.inFlight))
}

func (m *Manager) inViewLocked(c tile.Coord) bool {
	if m.viewX <= 0 || m.viewZ <= 0 {
		return false
	}
	return c.Within(m.center, m.viewX, m.viewZ)
}

// removeFarTilesLocked evicts every tile outside the box around center.
func (m *Manager) removeFarTilesLocked() {
	for c, t := range m.registry {
		if m.inViewLocked(c) {
			continue
		}
		m.evictLocked(c, t)
	}
}

func (m *Manager) evictAllLocked() {
	for c, t := range m.registry {
		m.evictLocked(c, t)
	}
}

// evictLocked removes c from the registry. A loaded tile is disposed at once;
// a loading tile is cancelled and reports through complete.
func (m *Manager) evictLocked(c tile.Coord, t *tile.Tile) {
	delete(m.registry, c)
	switch t.State() {
	case tile.Loaded:
		_ = t.Dispose()
		m.presence.Set(c, false)
		metrics.TilesUnloaded.WithLabelValues(m.tierLabel).Inc()
		m.observer.TileUnloaded(m.tier, c)
	case tile.Loading:
		t.Cancel()
	}
}

func (m *Manager) rebuildPresenceLocked() {
	m.presence.Reset(m.center)
	for c, t := range m.registry {
		if t.State() == tile.Loaded {
			m.presence.Set(c, true)
		}
	}
}
