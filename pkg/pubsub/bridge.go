// Package pubsub fans a transport's subscription notifications out to any
// number of independent consumers. Each subscription id owns one bounded
// broadcast channel; consumers hold their own cursor and may lag.
package pubsub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/rexliu/rpcc/pkg/telemetry"
)

// DefaultChannelSize is the number of items buffered per subscription.
const DefaultChannelSize = 16

// Option configures a Bridge.
type Option func(*Bridge)

// WithChannelSize sets the capacity of channels created by the bridge.
func WithChannelSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.size = n
		}
	}
}

// WithWaitForRegistration makes Subscribe block until the id is registered
// instead of failing with ErrUnknownSubscription.
func WithWaitForRegistration(wait bool) Option {
	return func(b *Bridge) { b.wait = wait }
}

// WithLogger sets the bridge logger.
func WithLogger(log zerolog.Logger) Option {
	return func(b *Bridge) { b.log = log }
}

// WithIdleHook is called, outside any lock, after the last consumer of a
// subscription detached and its channel was removed.
func WithIdleHook(fn func(id uint256.Int)) Option {
	return func(b *Bridge) { b.onIdle = fn }
}

// Bridge maps subscription ids to broadcast channels.
type Bridge struct {
	mu         sync.Mutex
	size       int
	wait       bool
	subs       map[uint256.Int]*Channel[json.RawMessage]
	registered chan struct{}
	onIdle     func(id uint256.Int)
	log        zerolog.Logger
}

// NewBridge returns an empty bridge.
func NewBridge(opts ...Option) *Bridge {
	b := &Bridge{
		size:       DefaultChannelSize,
		subs:       make(map[uint256.Int]*Channel[json.RawMessage]),
		registered: make(chan struct{}),
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ChannelSize returns the capacity used for new channels.
func (b *Bridge) ChannelSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// SetChannelSize changes the capacity of channels created afterwards.
// Non-positive sizes are ignored.
func (b *Bridge) SetChannelSize(n int) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	b.size = n
	b.mu.Unlock()
}

// Len returns the number of registered subscriptions.
func (b *Bridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Register creates the channel for id if it does not exist yet.
func (b *Bridge) Register(id uint256.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; ok {
		return
	}
	ch := NewChannel[json.RawMessage](b.size)
	ch.setOnIdle(func() { b.idle(id, ch) })
	b.subs[id] = ch
	close(b.registered)
	b.registered = make(chan struct{})
	telemetry.SubscriptionOpened()
	b.log.Debug().Str("subscription", id.Hex()).Int("capacity", ch.Capacity()).Msg("subscription registered")
}

// Publish hands item to every consumer of id without blocking. Items for
// unregistered ids are dropped.
func (b *Bridge) Publish(id uint256.Int, item json.RawMessage) bool {
	b.mu.Lock()
	ch, ok := b.subs[id]
	b.mu.Unlock()
	if !ok {
		b.log.Debug().Str("subscription", id.Hex()).Msg("dropping item for unknown subscription")
		return false
	}
	if !ch.Send(item) {
		return false
	}
	telemetry.RecordPublished()
	return true
}

// Subscribe returns a new consumer view of id.
func (b *Bridge) Subscribe(ctx context.Context, id uint256.Int) (*RawSubscription, error) {
	for {
		b.mu.Lock()
		ch, ok := b.subs[id]
		if ok {
			// idle re-checks receivers under b.mu, so attaching here keeps
			// the channel from being torn down under the new consumer.
			rx := ch.Subscribe()
			b.mu.Unlock()
			return &RawSubscription{id: id, rx: rx}, nil
		}
		wait, registered := b.wait, b.registered
		b.mu.Unlock()
		if !wait {
			return nil, ErrUnknownSubscription
		}
		select {
		case <-registered:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Remove closes and forgets the channel for id. It reports whether id was
// registered.
func (b *Bridge) Remove(id uint256.Int) bool {
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch.Close()
	telemetry.SubscriptionClosed()
	return true
}

// CloseAll closes every channel, typically after the transport went away.
func (b *Bridge) CloseAll() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint256.Int]*Channel[json.RawMessage])
	b.mu.Unlock()
	for _, ch := range subs {
		ch.Close()
		telemetry.SubscriptionClosed()
	}
}

func (b *Bridge) idle(id uint256.Int, ch *Channel[json.RawMessage]) {
	b.mu.Lock()
	current, ok := b.subs[id]
	if !ok || current != ch || ch.Receivers() > 0 {
		b.mu.Unlock()
		return
	}
	delete(b.subs, id)
	hook := b.onIdle
	b.mu.Unlock()
	ch.Close()
	telemetry.SubscriptionClosed()
	b.log.Debug().Str("subscription", id.Hex()).Msg("last consumer detached")
	if hook != nil {
		hook(id)
	}
}
