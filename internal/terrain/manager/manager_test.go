package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jaennil/terrainstream/internal/terrain/tile"
)

type testPayload struct {
	coord    tile.Coord
	disposed atomic.Int32
}

func (p *testPayload) Dispose() { p.disposed.Add(1) }

// fakeLoader resolves immediately unless a coordinate is held or set to fail.
type fakeLoader struct {
	mu       sync.Mutex
	calls    []tile.Coord
	attempts map[tile.Coord]int
	holds    map[tile.Coord]chan struct{}
	fail     map[tile.Coord]bool
	payloads map[tile.Coord]*testPayload
	delay    time.Duration

	active    atomic.Int32
	maxActive atomic.Int32
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		attempts: make(map[tile.Coord]int),
		holds:    make(map[tile.Coord]chan struct{}),
		fail:     make(map[tile.Coord]bool),
		payloads: make(map[tile.Coord]*testPayload),
	}
}

func (l *fakeLoader) hold(c tile.Coord) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan struct{})
	l.holds[c] = ch
	return ch
}

func (l *fakeLoader) Load(ctx context.Context, c tile.Coord) (tile.Payload, error) {
	n := l.active.Add(1)
	defer l.active.Add(-1)
	for {
		m := l.maxActive.Load()
		if n <= m || l.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	l.mu.Lock()
	l.calls = append(l.calls, c)
	l.attempts[c]++
	hold := l.holds[c]
	fail := l.fail[c]
	l.mu.Unlock()

	if hold != nil {
		<-hold
	}
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	if fail {
		return nil, &tile.FetchError{Coord: c, Err: errors.New("upstream 500")}
	}
	p := &testPayload{coord: c}
	l.mu.Lock()
	l.payloads[c] = p
	l.mu.Unlock()
	return p, nil
}

func (l *fakeLoader) attemptsFor(c tile.Coord) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts[c]
}

func (l *fakeLoader) callOrder() []tile.Coord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]tile.Coord, len(l.calls))
	copy(out, l.calls)
	return out
}

func (l *fakeLoader) payload(c tile.Coord) *testPayload {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.payloads[c]
}

type recordingObserver struct {
	mu       sync.Mutex
	loaded   []tile.Coord
	unloaded []tile.Coord
}

func (o *recordingObserver) TileLoaded(tier int, c tile.Coord, p tile.Payload) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loaded = append(o.loaded, c)
}

func (o *recordingObserver) TileUnloaded(tier int, c tile.Coord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.unloaded = append(o.unloaded, c)
}

func (o *recordingObserver) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.loaded), len(o.unloaded)
}

func (o *recordingObserver) wasLoaded(c tile.Coord) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, l := range o.loaded {
		if l == c {
			return true
		}
	}
	return false
}

func newTestManager(t *testing.T, loader tile.Loader, maxConcurrent int) (*Manager, *recordingObserver) {
	t.Helper()
	obs := &recordingObserver{}
	m, err := New(Config{
		Tier:           0,
		MaxConcurrent:  maxConcurrent,
		PresenceRadius: 8,
		Loader:         loader,
		Observer:       obs,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Close)
	return m, obs
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func windowSize(vx, vz int) int {
	return (2*vx + 1) * (2*vz + 1)
}

func TestSpiralRingOneOrder(t *testing.T) {
	got := Spiral(2, 2)
	want := []tile.Coord{
		{X: 0, Z: 0},
		{X: 1, Z: 0}, {X: 0, Z: 1}, {X: -1, Z: 0}, {X: 0, Z: -1},
		{X: 1, Z: 1}, {X: -1, Z: 1}, {X: -1, Z: -1}, {X: 1, Z: -1},
	}
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("spiral[%d]=%v want %v (prefix %v)", i, got[i], w, got[:len(want)])
		}
	}
	if len(got) != windowSize(2, 2) {
		t.Fatalf("len=%d want %d", len(got), windowSize(2, 2))
	}
}

func TestSpiralIsNearestFirst(t *testing.T) {
	s := Spiral(4, 2)
	prevRing := 0
	seen := make(map[tile.Coord]bool)
	for _, c := range s {
		ring := max(absInt(c.X), absInt(c.Z))
		if ring < prevRing {
			t.Fatalf("ring went backwards at %v", c)
		}
		prevRing = ring
		if absInt(c.X) > 4 || absInt(c.Z) > 2 {
			t.Fatalf("%v outside 4x2 box", c)
		}
		if seen[c] {
			t.Fatalf("duplicate offset %v", c)
		}
		seen[c] = true
	}
	if len(s) != windowSize(4, 2) {
		t.Fatalf("len=%d want %d", len(s), windowSize(4, 2))
	}
	if Spiral(0, 3) != nil {
		t.Fatalf("empty window should have no spiral")
	}
}

func TestFetchInitiationFollowsSpiral(t *testing.T) {
	loader := newFakeLoader()
	m, _ := newTestManager(t, loader, 1)

	m.LoadAroundTile(tile.Coord{}, 1, 1)
	waitFor(t, "ring 1 loaded", func() bool { return m.Stats().Resident == windowSize(1, 1) })

	got := loader.callOrder()
	want := []tile.Coord{{X: 0, Z: 0}, {X: 1, Z: 0}, {X: 0, Z: 1}, {X: -1, Z: 0}, {X: 0, Z: -1}}
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("fetch %d = %v want %v (order %v)", i, got[i], w, got)
		}
	}
}

func TestBoundedConcurrency(t *testing.T) {
	loader := newFakeLoader()
	loader.delay = 2 * time.Millisecond
	m, _ := newTestManager(t, loader, 8)

	m.LoadAroundTile(tile.Coord{X: 3, Z: -7}, 5, 5)
	waitFor(t, "window loaded", func() bool {
		s := m.Stats()
		if s.InFlight > 8 {
			t.Fatalf("in flight %d exceeds 8", s.InFlight)
		}
		return s.Resident == windowSize(5, 5)
	})
	if got := loader.maxActive.Load(); got > 8 {
		t.Fatalf("loader saw %d concurrent loads, want <= 8", got)
	}
	if s := m.Stats(); s.InFlight != 0 || s.Loading != 0 {
		t.Fatalf("stats after settle: %+v", s)
	}
}

func TestBoundedWindowAfterRecenter(t *testing.T) {
	loader := newFakeLoader()
	m, obs := newTestManager(t, loader, 8)

	m.LoadAroundTile(tile.Coord{}, 3, 3)
	waitFor(t, "initial window", func() bool { return m.Stats().Resident == windowSize(3, 3) })

	center := tile.Coord{X: 4, Z: 1}
	m.LoadAroundTile(center, 2, 1)
	for _, c := range m.Resident() {
		if !c.Within(center, 2, 1) {
			t.Fatalf("%v resident outside window after eviction", c)
		}
	}
	_, unloaded := obs.counts()
	if unloaded == 0 {
		t.Fatalf("expected unload events for evicted tiles")
	}
	if p := loader.payload(tile.Coord{X: -3, Z: -3}); p == nil || p.disposed.Load() != 1 {
		t.Fatalf("evicted payload should be disposed once")
	}
	waitFor(t, "new window", func() bool { return m.Stats().Resident == windowSize(2, 1) })
}

func TestAxisAlignedEvictionKeepsDiagonal(t *testing.T) {
	loader := newFakeLoader()
	m, _ := newTestManager(t, loader, 8)

	m.LoadAroundTile(tile.Coord{}, 3, 3)
	waitFor(t, "window", func() bool { return m.Stats().Resident == windowSize(3, 3) })

	m.LoadAroundTile(tile.Coord{}, 2, 2)
	if m.State(tile.Coord{X: 2, Z: 2}) != tile.Loaded {
		t.Fatalf("diagonal tile (2,2) should remain resident under a box test")
	}
	if m.State(tile.Coord{X: -2, Z: 2}) != tile.Loaded {
		t.Fatalf("diagonal tile (-2,2) should remain resident under a box test")
	}
	if m.State(tile.Coord{X: 3, Z: 0}) != tile.Unrequested {
		t.Fatalf("tile (3,0) should be evicted")
	}
}

func TestIdempotentRecenter(t *testing.T) {
	loader := newFakeLoader()
	m, obs := newTestManager(t, loader, 8)

	m.LoadAroundTile(tile.Coord{X: 1, Z: 1}, 2, 2)
	waitFor(t, "window", func() bool { return m.Stats().Resident == windowSize(2, 2) })
	calls := len(loader.callOrder())
	_, unloaded := obs.counts()

	m.LoadAroundTile(tile.Coord{X: 1, Z: 1}, 2, 2)
	time.Sleep(20 * time.Millisecond)

	if got := len(loader.callOrder()); got != calls {
		t.Fatalf("second call triggered %d fetches", got-calls)
	}
	if _, u := obs.counts(); u != unloaded {
		t.Fatalf("second call triggered %d evictions", u-unloaded)
	}
}

func TestCancellationDisposesLatePayload(t *testing.T) {
	loader := newFakeLoader()
	target := tile.Coord{X: 5, Z: 5}
	release := loader.hold(target)
	m, obs := newTestManager(t, loader, 8)

	m.LoadAroundTile(target, 1, 1)
	waitFor(t, "target loading", func() bool { return loader.attemptsFor(target) == 1 })
	if m.State(target) != tile.Loading {
		t.Fatalf("state=%s want loading", m.State(target))
	}

	// Move away so (5,5) is evicted while its fetch is still running.
	m.LoadAroundTile(tile.Coord{X: -20, Z: -20}, 1, 1)
	if m.State(target) != tile.Unrequested {
		t.Fatalf("evicted tile still registered")
	}
	close(release)

	waitFor(t, "late payload disposed", func() bool {
		p := loader.payload(target)
		return p != nil && p.disposed.Load() == 1
	})
	waitFor(t, "capacity released", func() bool { return m.Stats().InFlight == 0 })
	if obs.wasLoaded(target) {
		t.Fatalf("cancelled tile fired TileLoaded")
	}
	if _, ok := m.Payload(target); ok {
		t.Fatalf("cancelled tile has a payload")
	}
}

func TestFailedFetchNotRetriedUntilRecenter(t *testing.T) {
	loader := newFakeLoader()
	bad := tile.Coord{X: 0, Z: 0}
	loader.fail[bad] = true
	m, _ := newTestManager(t, loader, 8)

	m.LoadAroundTile(tile.Coord{}, 1, 1)
	waitFor(t, "others loaded", func() bool { return m.Stats().Resident == windowSize(1, 1)-1 })
	time.Sleep(20 * time.Millisecond)
	if got := loader.attemptsFor(bad); got != 1 {
		t.Fatalf("failed tile attempted %d times at a static viewpoint, want 1", got)
	}
	if m.State(bad) != tile.Unrequested {
		t.Fatalf("failed tile still registered: %s", m.State(bad))
	}
	if err := m.TryLoadTile(bad); !errors.Is(err, ErrFailed) {
		t.Fatalf("TryLoadTile err=%v want ErrFailed", err)
	}

	m.LoadAroundTile(tile.Coord{}, 1, 1)
	time.Sleep(20 * time.Millisecond)
	if got := loader.attemptsFor(bad); got != 1 {
		t.Fatalf("identical LoadAroundTile retried the failed tile")
	}

	m.LoadAroundTile(tile.Coord{X: 1, Z: 0}, 1, 1)
	waitFor(t, "retry after recenter", func() bool { return loader.attemptsFor(bad) == 2 })
}

func TestTryLoadTileRejections(t *testing.T) {
	loader := newFakeLoader()
	m, _ := newTestManager(t, loader, 8)

	if err := m.TryLoadTile(tile.Coord{}); !errors.Is(err, ErrInert) {
		t.Fatalf("before LoadAroundTile: err=%v want ErrInert", err)
	}

	m.LoadAroundTile(tile.Coord{}, 1, 1)
	if err := m.TryLoadTile(tile.Coord{X: 2, Z: 0}); !errors.Is(err, ErrOutOfView) {
		t.Fatalf("out of view: err=%v", err)
	}
	waitFor(t, "window", func() bool { return m.Stats().Resident == windowSize(1, 1) })
	if err := m.TryLoadTile(tile.Coord{X: 1, Z: 1}); !errors.Is(err, ErrResident) {
		t.Fatalf("resident: err=%v", err)
	}
}

func TestNonPositiveViewDistanceEvictsAll(t *testing.T) {
	loader := newFakeLoader()
	m, obs := newTestManager(t, loader, 8)

	m.LoadAroundTile(tile.Coord{}, 2, 2)
	waitFor(t, "window", func() bool { return m.Stats().Resident == windowSize(2, 2) })

	m.LoadAroundTile(tile.Coord{}, 0, 2)
	if s := m.Stats(); s.Resident != 0 || s.Loading != 0 {
		t.Fatalf("stats after zero view: %+v", s)
	}
	if _, u := obs.counts(); u != windowSize(2, 2) {
		t.Fatalf("unloaded=%d want %d", u, windowSize(2, 2))
	}
	if err := m.TryLoadTile(tile.Coord{}); !errors.Is(err, ErrOutOfView) {
		t.Fatalf("zero view window should reject the center: err=%v", err)
	}
	if m.Presence().Count() != 0 {
		t.Fatalf("presence grid not cleared")
	}
}

func TestUnloadThenReload(t *testing.T) {
	loader := newFakeLoader()
	m, _ := newTestManager(t, loader, 4)

	m.LoadAroundTile(tile.Coord{}, 1, 1)
	waitFor(t, "window", func() bool { return m.Stats().Resident == windowSize(1, 1) })

	m.Unload()
	if s := m.Stats(); s.Active || s.Resident != 0 {
		t.Fatalf("stats after unload: %+v", s)
	}
	if p := loader.payload(tile.Coord{}); p.disposed.Load() != 1 {
		t.Fatalf("unload should dispose payloads")
	}
	if err := m.TryLoadTile(tile.Coord{}); !errors.Is(err, ErrInert) {
		t.Fatalf("after unload: err=%v want ErrInert", err)
	}

	m.LoadAroundTile(tile.Coord{}, 1, 1)
	waitFor(t, "reload", func() bool { return m.Stats().Resident == windowSize(1, 1) })
	if got := loader.attemptsFor(tile.Coord{}); got != 2 {
		t.Fatalf("center attempts=%d want 2", got)
	}
}

func TestPresenceGridTracksResidency(t *testing.T) {
	loader := newFakeLoader()
	m, _ := newTestManager(t, loader, 8)

	m.LoadAroundTile(tile.Coord{X: 10, Z: 10}, 2, 1)
	waitFor(t, "window", func() bool { return m.Stats().Resident == windowSize(2, 1) })

	snap := m.Presence()
	if snap.Center != (tile.Coord{X: 10, Z: 10}) {
		t.Fatalf("snapshot center=%v", snap.Center)
	}
	if snap.Count() != windowSize(2, 1) {
		t.Fatalf("presence count=%d want %d", snap.Count(), windowSize(2, 1))
	}
	if !snap.Loaded(tile.Coord{X: 12, Z: 11}) || snap.Loaded(tile.Coord{X: 13, Z: 10}) {
		t.Fatalf("presence cells disagree with the window")
	}

	m.LoadAroundTile(tile.Coord{X: 11, Z: 10}, 2, 1)
	snap = m.Presence()
	if snap.Center != (tile.Coord{X: 11, Z: 10}) {
		t.Fatalf("presence not rebuilt around new center")
	}
	if snap.Loaded(tile.Coord{X: 8, Z: 10}) {
		t.Fatalf("evicted tile still marked present")
	}
	if !snap.Loaded(tile.Coord{X: 9, Z: 10}) {
		t.Fatalf("kept tile lost its presence mark")
	}
}

func TestCloseCancelsInFlight(t *testing.T) {
	loader := tile.LoaderFunc(func(ctx context.Context, c tile.Coord) (tile.Payload, error) {
		<-ctx.Done()
		return nil, tile.ErrCancelled
	})
	obs := &recordingObserver{}
	m, err := New(Config{Loader: loader, Observer: obs, MaxConcurrent: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	m.LoadAroundTile(tile.Coord{}, 2, 2)
	waitFor(t, "saturated", func() bool { return m.Stats().InFlight == 3 })

	done := make(chan struct{})
	go func() {
		m.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Close did not return")
	}
	if loaded, unloaded := obs.counts(); loaded != 0 || unloaded != 3 {
		t.Fatalf("loaded=%d unloaded=%d want 0/3", loaded, unloaded)
	}
	m.LoadAroundTile(tile.Coord{}, 1, 1)
	if m.Stats().Active {
		t.Fatalf("closed manager reactivated")
	}
}

func TestNewRequiresLoader(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without loader")
	}
}

func TestHugeViewDistanceIsClamped(t *testing.T) {
	loader := newFakeLoader()
	m, err := New(Config{MaxConcurrent: 8, PresenceRadius: 8, MaxView: 2, Loader: loader})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Close)

	m.LoadAroundTile(tile.Coord{}, 1<<40, 1<<40)
	s := m.Stats()
	if s.ViewX != 2 || s.ViewZ != 2 || !s.Active {
		t.Fatalf("stats after huge view: %+v", s)
	}
	waitFor(t, "clamped window", func() bool { return m.Stats().Resident == windowSize(2, 2) })

	m.LoadAroundTile(tile.Coord{X: 1}, 1<<40, 1)
	waitFor(t, "window after recenter", func() bool { return m.Stats().Resident == windowSize(2, 1) })
	if err := m.TryLoadTile(tile.Coord{X: 4}); !errors.Is(err, ErrOutOfView) {
		t.Fatalf("tile beyond the clamped window: err=%v", err)
	}
}

func TestNewRejectsOversizedWindow(t *testing.T) {
	loader := newFakeLoader()
	if _, err := New(Config{PresenceRadius: MaxPresenceRadius + 1, Loader: loader}); err == nil {
		t.Fatalf("expected error for oversized presence radius")
	}
	if _, err := New(Config{MaxView: MaxPresenceRadius + 1, Loader: loader}); err == nil {
		t.Fatalf("expected error for oversized max view")
	}
}
