package tile

import (
	"context"
	"fmt"
)

type State int

const (
	Unrequested State = iota
	Loading
	Loaded
	Failed
	Cancelled
	Disposed
)

func (s State) String() string {
	switch s {
	case Unrequested:
		return "unrequested"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	case Disposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Failed || s == Cancelled || s == Disposed
}

// Tile tracks one coordinate through its load lifecycle. It is not safe for
// concurrent use; the owning manager serializes access.
type Tile struct {
	coord   Coord
	state   State
	payload Payload
	err     error

	cancel          context.CancelFunc
	cancelRequested bool
}

func New(c Coord) *Tile {
	return &Tile{coord: c, state: Unrequested}
}

func (t *Tile) Coord() Coord { return t.coord }

func (t *Tile) State() State { return t.state }

// Payload returns the installed payload, nil unless the tile is Loaded.
func (t *Tile) Payload() Payload { return t.payload }

// Err returns the failure cause of a Failed tile.
func (t *Tile) Err() error { return t.err }

func (t *Tile) CancelRequested() bool { return t.cancelRequested }

// Begin moves the tile to Loading and returns the context its load must run
// under. Cancel cancels that context.
func (t *Tile) Begin(parent context.Context) (context.Context, error) {
	if t.state != Unrequested {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.state, Loading)
	}
	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel
	t.cancelRequested = false
	t.state = Loading
	return ctx, nil
}

// Resolve installs p if the tile is still wanted. When cancellation was
// requested while loading, p is disposed, the tile ends Cancelled and Resolve
// reports false.
func (t *Tile) Resolve(p Payload) (bool, error) {
	if t.state != Loading {
		if p != nil {
			p.Dispose()
		}
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.state, Loaded)
	}
	t.release()
	if t.cancelRequested {
		if p != nil {
			p.Dispose()
		}
		t.state = Cancelled
		return false, nil
	}
	t.payload = p
	t.state = Loaded
	return true, nil
}

// Fail ends a Loading tile after the loader returned err. Cancellation errors,
// or any error after Cancel, end in Cancelled; everything else in Failed.
func (t *Tile) Fail(err error) (State, error) {
	if t.state != Loading {
		return t.state, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.state, Failed)
	}
	t.release()
	if t.cancelRequested || IsCancelled(err) {
		t.state = Cancelled
		return t.state, nil
	}
	t.err = err
	t.state = Failed
	return t.state, nil
}

// Cancel requests cancellation of an in-flight load. It has no effect in any
// other state.
func (t *Tile) Cancel() {
	if t.state != Loading {
		return
	}
	t.cancelRequested = true
	if t.cancel != nil {
		t.cancel()
	}
}

// Dispose releases the payload of a Loaded tile.
func (t *Tile) Dispose() error {
	if t.state != Loaded {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.state, Disposed)
	}
	if t.payload != nil {
		t.payload.Dispose()
		t.payload = nil
	}
	t.state = Disposed
	return nil
}

func (t *Tile) release() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}
