// Package rpcclient drives JSON-RPC requests over a transport: id
// allocation, single calls, batches with response demultiplexing and
// subscription lookups on pubsub transports.
package rpcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/rexliu/rpcc/pkg/jsonrpc"
	"github.com/rexliu/rpcc/pkg/pubsub"
	"github.com/rexliu/rpcc/pkg/transport"
)

type options struct {
	log  zerolog.Logger
	ids  *IDAllocator
	dial []transport.DialOption
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the client logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithIDAllocator shares an existing id counter.
func WithIDAllocator(ids *IDAllocator) Option {
	return func(o *options) {
		if ids != nil {
			o.ids = ids
		}
	}
}

// WithDialOptions is used by Connect.
func WithDialOptions(opts ...transport.DialOption) Option {
	return func(o *options) { o.dial = append(o.dial, opts...) }
}

func buildOptions(opts []Option) options {
	o := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ids == nil {
		o.ids = &IDAllocator{}
	}
	return o
}

// Client binds a transport to an id counter.
type Client[T transport.Transport] struct {
	transport T
	local     atomic.Bool
	ids       *IDAllocator
	log       zerolog.Logger
}

// New returns a client over t. local is advisory, see IsLocal.
func New[T transport.Transport](t T, local bool, opts ...Option) *Client[T] {
	o := buildOptions(opts)
	c := &Client[T]{transport: t, ids: o.ids, log: o.log}
	c.local.Store(local)
	return c
}

// Connect dials an endpoint descriptor and returns an erased client. The
// locality flag is guessed from the descriptor.
func Connect(ctx context.Context, endpoint string, opts ...Option) (*Client[transport.Transport], error) {
	o := buildOptions(opts)
	dial := append([]transport.DialOption{transport.WithDialLogger(o.log)}, o.dial...)
	t, ep, err := transport.Dial(ctx, endpoint, dial...)
	if err != nil {
		return nil, err
	}
	o.log.Debug().Str("kind", string(ep.Kind)).Bool("local", ep.Local).Msg("connected")
	return New[transport.Transport](t, ep.Local, WithLogger(o.log), WithIDAllocator(o.ids)), nil
}

// Transport returns the underlying transport.
func (c *Client[T]) Transport() T { return c.transport }

// IsLocal reports whether the peer is believed to be on this machine. It is a
// hint for callers and never changes how requests are sent.
func (c *Client[T]) IsLocal() bool { return c.local.Load() }

// SetLocal overrides the locality hint.
func (c *Client[T]) SetLocal(local bool) { c.local.Store(local) }

// NextID reserves an id. Ids that are never sent are simply skipped.
func (c *Client[T]) NextID() jsonrpc.ID { return c.ids.Next() }

// MakeRequest pairs method and params with a fresh id. Nothing is encoded
// or sent.
func (c *Client[T]) MakeRequest(method string, params any) jsonrpc.Request {
	return jsonrpc.NewRequest(method, c.ids.Next(), params)
}

// Prepare builds a Call that is sent when awaited.
func (c *Client[T]) Prepare(method string, params any) *Call {
	return newCall(c.MakeRequest(method, params), c.transport, c.log)
}

// Request is Prepare followed by Await.
func (c *Client[T]) Request(ctx context.Context, method string, params any, out any) error {
	return c.Prepare(method, params).Await(ctx, out)
}

// NewBatch starts an empty batch. Batch support is checked by Send.
func (c *Client[T]) NewBatch() *BatchRequest {
	return newBatch(c.transport, c.ids, c.log)
}

// Boxed returns a view whose transport type is erased. It shares the id
// counter, so ids stay unique across both.
func (c *Client[T]) Boxed() *Client[transport.Transport] {
	b := &Client[transport.Transport]{transport: c.transport, ids: c.ids, log: c.log}
	b.local.Store(c.local.Load())
	return b
}

// RawSubscription returns a new consumer of an existing subscription.
func (c *Client[T]) RawSubscription(ctx context.Context, id uint256.Int) (*pubsub.RawSubscription, error) {
	ps, ok := any(c.transport).(transport.PubSub)
	if !ok {
		return nil, transport.ErrPubSubUnsupported
	}
	return ps.GetSubscription(ctx, id)
}

// GetSubscription returns a consumer of id that decodes items into R.
func GetSubscription[R any, T transport.Transport](ctx context.Context, c *Client[T], id uint256.Int) (*pubsub.Subscription[R], error) {
	raw, err := c.RawSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	return pubsub.Typed[R](raw), nil
}

// Subscribe calls method (for example eth_subscribe) and returns the first
// consumer of the subscription it opened.
func (c *Client[T]) Subscribe(ctx context.Context, method string, params any) (*pubsub.RawSubscription, error) {
	if _, ok := any(c.transport).(transport.PubSub); !ok {
		return nil, transport.ErrPubSubUnsupported
	}
	var raw json.RawMessage
	if err := c.Request(ctx, method, params, &raw); err != nil {
		return nil, err
	}
	id, err := jsonrpc.DecodeSubscriptionResult(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: subscription id: %w", ErrDeserialization, err)
	}
	return c.RawSubscription(ctx, id)
}

// Unsubscribe cancels id on the server and closes its consumers.
func (c *Client[T]) Unsubscribe(ctx context.Context, id uint256.Int) error {
	ps, ok := any(c.transport).(transport.PubSub)
	if !ok {
		return transport.ErrPubSubUnsupported
	}
	return ps.Unsubscribe(ctx, id)
}

// ChannelSize returns the subscription channel capacity, or 0 when the
// transport has no subscriptions.
func (c *Client[T]) ChannelSize() int {
	if ps, ok := any(c.transport).(transport.PubSub); ok {
		return ps.ChannelSize()
	}
	return 0
}

// SetChannelSize changes the capacity of subscription channels created
// afterwards. It is a no-op on transports without subscriptions.
func (c *Client[T]) SetChannelSize(n int) {
	if ps, ok := any(c.transport).(transport.PubSub); ok {
		ps.SetChannelSize(n)
	}
}

// Close closes the transport if it holds resources.
func (c *Client[T]) Close() error {
	if closer, ok := any(c.transport).(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
