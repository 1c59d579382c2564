package pubsub

import (
	"context"
	"sync"

	"github.com/rexliu/rpcc/pkg/telemetry"
)

// Channel is a bounded multi-consumer broadcast ring. Send never blocks: once
// the ring is full the oldest item is overwritten and receivers that had not
// read it observe a *LaggedError on their next Recv.
type Channel[T any] struct {
	mu       sync.Mutex
	buf      []T
	tail     uint64 // sequence number of the next item
	closed   bool
	notify   chan struct{}
	rxCount  int
	attached bool
	onIdle   func()
}

// NewChannel returns a channel retaining up to capacity items. Non-positive
// capacities fall back to DefaultChannelSize.
func NewChannel[T any](capacity int) *Channel[T] {
	if capacity <= 0 {
		capacity = DefaultChannelSize
	}
	return &Channel[T]{
		buf:    make([]T, capacity),
		notify: make(chan struct{}),
	}
}

// Capacity returns the number of retained items.
func (c *Channel[T]) Capacity() int { return len(c.buf) }

// Receivers returns the number of open receivers.
func (c *Channel[T]) Receivers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rxCount
}

// Send appends item and wakes waiting receivers. It reports false when the
// channel is closed.
func (c *Channel[T]) Send(item T) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.buf[c.tail%uint64(len(c.buf))] = item
	c.tail++
	c.wakeLocked()
	c.mu.Unlock()
	return true
}

// Subscribe returns a new receiver. The first receiver ever attached starts
// at the oldest retained item; later ones start at the tail.
func (c *Channel[T]) Subscribe() *Receiver[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.tail
	if !c.attached {
		next = c.oldestLocked()
		c.attached = true
	}
	c.rxCount++
	return &Receiver[T]{ch: c, next: next}
}

// Close stops the channel. Receivers drain retained items, then get ErrClosed.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.wakeLocked()
}

func (c *Channel[T]) setOnIdle(fn func()) {
	c.mu.Lock()
	c.onIdle = fn
	c.mu.Unlock()
}

func (c *Channel[T]) oldestLocked() uint64 {
	size := uint64(len(c.buf))
	if c.tail < size {
		return 0
	}
	return c.tail - size
}

func (c *Channel[T]) wakeLocked() {
	close(c.notify)
	c.notify = make(chan struct{})
}

// Receiver is a consumer cursor into a Channel. A Receiver must not be used
// from more than one goroutine at a time.
type Receiver[T any] struct {
	ch     *Channel[T]
	next   uint64
	closed bool
}

// Recv returns the next item, blocking until one is available, the channel
// closes or ctx is done.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	for {
		item, wait, err := r.poll()
		if err != ErrEmpty {
			return item, err
		}
		select {
		case <-wait:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryRecv returns the next item without blocking, or ErrEmpty.
func (r *Receiver[T]) TryRecv() (T, error) {
	item, _, err := r.poll()
	return item, err
}

func (r *Receiver[T]) poll() (T, <-chan struct{}, error) {
	var zero T
	if r.closed {
		return zero, nil, ErrClosed
	}
	c := r.ch
	c.mu.Lock()
	defer c.mu.Unlock()
	if oldest := c.oldestLocked(); r.next < oldest {
		skipped := oldest - r.next
		r.next = oldest
		telemetry.RecordLagged(skipped)
		return zero, nil, &LaggedError{Skipped: skipped}
	}
	if r.next < c.tail {
		item := c.buf[r.next%uint64(len(c.buf))]
		r.next++
		return item, nil, nil
	}
	if c.closed {
		return zero, nil, ErrClosed
	}
	return zero, c.notify, ErrEmpty
}

// Close detaches the receiver. Closing the last receiver fires the channel's
// idle hook.
func (r *Receiver[T]) Close() {
	if r.closed {
		return
	}
	r.closed = true
	c := r.ch
	c.mu.Lock()
	c.rxCount--
	var idle func()
	if c.rxCount == 0 {
		idle = c.onIdle
	}
	c.mu.Unlock()
	if idle != nil {
		idle()
	}
}
