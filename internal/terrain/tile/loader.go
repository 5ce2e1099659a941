package tile

import (
	"context"
	"sync/atomic"
)

// Payload is the opaque content of a resident tile.
type Payload interface {
	Dispose()
}

// Loader produces the payload for one coordinate of a tier.
//
// Implementations check ctx only at their suspension points: after the raw
// fetch and before returning. A payload obtained after ctx was cancelled must
// be disposed by the loader and ErrCancelled returned instead.
type Loader interface {
	Load(ctx context.Context, c Coord) (Payload, error)
}

type LoaderFunc func(ctx context.Context, c Coord) (Payload, error)

func (f LoaderFunc) Load(ctx context.Context, c Coord) (Payload, error) {
	return f(ctx, c)
}

// Epoch holds the cache epoch token shared by every loader of a map.
type Epoch struct {
	v atomic.Pointer[string]
}

func NewEpoch(token string) *Epoch {
	e := &Epoch{}
	e.Set(token)
	return e
}

func (e *Epoch) Get() string {
	if e == nil {
		return ""
	}
	if p := e.v.Load(); p != nil {
		return *p
	}
	return ""
}

func (e *Epoch) Set(token string) {
	e.v.Store(&token)
}
