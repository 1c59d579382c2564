package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// RawSubscription is one consumer's view of a subscription channel.
type RawSubscription struct {
	id uint256.Int
	rx *Receiver[json.RawMessage]
}

// ID returns the server-assigned subscription id.
func (s *RawSubscription) ID() uint256.Int { return s.id }

// Recv returns the next raw item. A *LaggedError means items were skipped;
// the subscription stays usable.
func (s *RawSubscription) Recv(ctx context.Context) (json.RawMessage, error) {
	return s.rx.Recv(ctx)
}

// TryRecv returns the next raw item without blocking, or ErrEmpty.
func (s *RawSubscription) TryRecv() (json.RawMessage, error) {
	return s.rx.TryRecv()
}

// Close detaches this consumer.
func (s *RawSubscription) Close() {
	s.rx.Close()
}

// Subscription decodes items into T when they are received, so consumers of
// the same raw feed may ask for different types.
type Subscription[T any] struct {
	raw *RawSubscription
}

// Typed wraps raw.
func Typed[T any](raw *RawSubscription) *Subscription[T] {
	return &Subscription[T]{raw: raw}
}

// ID returns the server-assigned subscription id.
func (s *Subscription[T]) ID() uint256.Int { return s.raw.id }

// Raw returns the underlying raw subscription.
func (s *Subscription[T]) Raw() *RawSubscription { return s.raw }

// Recv returns the next item decoded as T. Decode failures wrap ErrDecode and
// consume the offending item.
func (s *Subscription[T]) Recv(ctx context.Context) (T, error) {
	var out T
	raw, err := s.raw.Recv(ctx)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return out, nil
}

// RecvAll reads until ctx is done or the subscription closes, calling fn for
// each decoded item. Lag and decode errors are reported to onSkip, if set,
// and do not stop the loop.
func (s *Subscription[T]) RecvAll(ctx context.Context, fn func(T) error, onSkip func(error)) error {
	for {
		item, err := s.Recv(ctx)
		switch {
		case err == nil:
			if err := fn(item); err != nil {
				return err
			}
		case errors.Is(err, ErrLagged), errors.Is(err, ErrDecode):
			if onSkip != nil {
				onSkip(err)
			}
		case errors.Is(err, ErrClosed):
			return nil
		default:
			return err
		}
	}
}

// Close detaches this consumer.
func (s *Subscription[T]) Close() {
	s.raw.Close()
}
