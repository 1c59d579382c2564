// Package transport defines the capabilities the client needs from a
// connection (single send, batch send, subscriptions) and ships HTTP,
// WebSocket and IPC implementations.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/rexliu/rpcc/pkg/jsonrpc"
	"github.com/rexliu/rpcc/pkg/pubsub"
)

var (
	// ErrTransport is wrapped by every connection, send or receive failure.
	ErrTransport = errors.New("transport error")
	// ErrClosed indicates the transport was closed locally or by the peer.
	ErrClosed = fmt.Errorf("%w: connection closed", ErrTransport)
	// ErrBatchUnsupported is returned when a batch is driven over a transport
	// without the BatchTransport capability.
	ErrBatchUnsupported = errors.New("transport does not support batch requests")
	// ErrPubSubUnsupported is returned for subscription lookups on transports
	// without push delivery.
	ErrPubSubUnsupported = errors.New("transport does not support subscriptions")
)

// Errorf builds an error wrapping ErrTransport.
func Errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransport, fmt.Sprintf(format, args...))
}

// Transport sends one encoded request and returns the response carrying the
// same id. Implementations must be safe for concurrent use.
type Transport interface {
	Send(ctx context.Context, req jsonrpc.SerializedRequest) (jsonrpc.Response, error)
}

// BatchTransport sends several requests as one JSON array. The returned
// responses may be in any order and may omit entries.
type BatchTransport interface {
	Transport
	SendBatch(ctx context.Context, reqs []jsonrpc.SerializedRequest) ([]jsonrpc.Response, error)
}

// PubSub is implemented by transports with server push.
type PubSub interface {
	Transport
	GetSubscription(ctx context.Context, id uint256.Int) (*pubsub.RawSubscription, error)
	Unsubscribe(ctx context.Context, id uint256.Int) error
	ChannelSize() int
	SetChannelSize(n int)
}
