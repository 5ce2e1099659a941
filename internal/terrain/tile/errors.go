package tile

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrCancelled is returned by loaders that observed cancellation. It is
	// expected and never reported as a failure.
	ErrCancelled = errors.New("tile load cancelled")

	ErrFetchFailed = errors.New("tile fetch failed")

	ErrInvalidTransition = errors.New("invalid tile state transition")
)

// FetchError describes a failed load of one tile.
type FetchError struct {
	Tier  int
	Coord Coord
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch tier %d tile %s: %v", e.Tier, e.Coord, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{ErrFetchFailed, e.Err}
}

// IsCancelled reports whether err stems from cooperative cancellation or a
// cancelled context.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
