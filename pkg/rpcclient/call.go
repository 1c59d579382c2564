package rpcclient

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/rexliu/rpcc/pkg/jsonrpc"
	"github.com/rexliu/rpcc/pkg/telemetry"
	"github.com/rexliu/rpcc/pkg/transport"
)

// Call is a single request bound to a transport. It is encoded and sent
// when awaited, so serialization errors surface from Await.
type Call struct {
	req       jsonrpc.Request
	transport transport.Transport
	log       zerolog.Logger
	used      atomic.Bool
}

func newCall(req jsonrpc.Request, t transport.Transport, log zerolog.Logger) *Call {
	return &Call{req: req, transport: t, log: log}
}

// Request returns the unsent request.
func (c *Call) Request() jsonrpc.Request { return c.req }

// ID returns the request id.
func (c *Call) ID() jsonrpc.ID { return c.req.ID }

// Await sends the request and decodes the result into out, which may be nil
// to discard it. A remote error is returned as *jsonrpc.ErrorPayload.
func (c *Call) Await(ctx context.Context, out any) error {
	if !c.used.CompareAndSwap(false, true) {
		return ErrCallConsumed
	}
	enc, err := c.req.Serialize()
	if err != nil {
		telemetry.RecordCall(telemetry.OutcomeSerialize)
		return fmt.Errorf("%w: %s: %w", ErrSerialization, c.req.Method, err)
	}
	resp, err := c.transport.Send(ctx, enc)
	if err != nil {
		telemetry.RecordCall(telemetry.OutcomeTransport)
		c.log.Debug().Err(err).Str("method", c.req.Method).Str("id", c.req.ID.String()).Msg("call failed")
		return asTransportError(err)
	}
	if resp.ID != c.req.ID {
		telemetry.RecordCall(telemetry.OutcomeMismatch)
		return fmt.Errorf("%w: sent id %s, got %s", ErrProtocolMismatch, c.req.ID, resp.ID)
	}
	err = resolve(resp, out)
	telemetry.RecordCall(outcomeOf(err))
	return err
}

// AwaitResult awaits c and returns the result decoded as R.
func AwaitResult[R any](ctx context.Context, c *Call) (R, error) {
	var out R
	err := c.Await(ctx, &out)
	return out, err
}

// resolve turns a matched response into the caller's result.
func resolve(resp jsonrpc.Response, out any) error {
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	if err := resp.DecodeResult(out); err != nil {
		return fmt.Errorf("%w: %w", ErrDeserialization, err)
	}
	return nil
}

func asTransportError(err error) error {
	if errors.Is(err, transport.ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %w", transport.ErrTransport, err)
}

func outcomeOf(err error) string {
	var remote *jsonrpc.ErrorPayload
	switch {
	case err == nil:
		return telemetry.OutcomeOK
	case errors.As(err, &remote):
		return telemetry.OutcomeRemote
	case errors.Is(err, ErrSerialization):
		return telemetry.OutcomeSerialize
	case errors.Is(err, ErrDeserialization):
		return telemetry.OutcomeDecode
	case errors.Is(err, ErrMissingResponse):
		return telemetry.OutcomeMissing
	case errors.Is(err, ErrProtocolMismatch):
		return telemetry.OutcomeMismatch
	case errors.Is(err, transport.ErrBatchUnsupported):
		return telemetry.OutcomeUnsupported
	default:
		return telemetry.OutcomeTransport
	}
}
