package pubsub

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed indicates the channel was closed by the transport or bridge.
	ErrClosed = errors.New("subscription closed")
	// ErrEmpty is returned by TryRecv when no item is ready.
	ErrEmpty = errors.New("subscription empty")
	// ErrLagged matches every *LaggedError.
	ErrLagged = errors.New("subscription lagged")
	// ErrUnknownSubscription indicates no channel is registered for an id.
	ErrUnknownSubscription = errors.New("unknown subscription")
	// ErrDecode wraps failures to decode an item into the requested type.
	ErrDecode = errors.New("subscription item decode failed")
)

// LaggedError reports that a consumer fell behind and Skipped items were
// overwritten before it read them. The consumer resumes at the oldest
// retained item.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscription lagged: skipped %d items", e.Skipped)
}

// Is makes errors.Is(err, ErrLagged) hold.
func (e *LaggedError) Is(target error) bool {
	return target == ErrLagged
}
