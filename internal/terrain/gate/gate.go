// Package gate provides pacing checkpoints loaders await before resolving a
// tile.
package gate

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

type Gate interface {
	Wait(ctx context.Context) error
}

type Func func(ctx context.Context) error

func (f Func) Wait(ctx context.Context) error { return f(ctx) }

// Open never blocks.
var Open Gate = openGate{}

type openGate struct{}

func (openGate) Wait(ctx context.Context) error { return ctx.Err() }

// Motion holds loaders while the viewpoint is moving and releases all of them
// once it stops.
type Motion struct {
	mu      sync.Mutex
	moving  bool
	resumed chan struct{}
}

func NewMotion() *Motion {
	ch := make(chan struct{})
	close(ch)
	return &Motion{resumed: ch}
}

func (m *Motion) SetMoving(moving bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if moving == m.moving {
		return
	}
	m.moving = moving
	if moving {
		m.resumed = make(chan struct{})
		return
	}
	close(m.resumed)
}

func (m *Motion) Moving() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moving
}

func (m *Motion) Wait(ctx context.Context) error {
	m.mu.Lock()
	resumed := m.resumed
	m.mu.Unlock()

	select {
	case <-resumed:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Rate admits at most limit resolutions per second with the given burst.
type Rate struct {
	limiter *rate.Limiter
}

func NewRate(limit float64, burst int) *Rate {
	if burst <= 0 {
		burst = 1
	}
	return &Rate{limiter: rate.NewLimiter(rate.Limit(limit), burst)}
}

func (r *Rate) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Chain waits on every non-nil gate in order.
func Chain(gates ...Gate) Gate {
	var out chain
	for _, g := range gates {
		if g != nil {
			out = append(out, g)
		}
	}
	switch len(out) {
	case 0:
		return Open
	case 1:
		return out[0]
	}
	return out
}

type chain []Gate

func (c chain) Wait(ctx context.Context) error {
	for _, g := range c {
		if err := g.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
