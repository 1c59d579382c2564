package rpcclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rexliu/rpcc/pkg/jsonrpc"
	"github.com/rexliu/rpcc/pkg/telemetry"
	"github.com/rexliu/rpcc/pkg/transport"
)

// Waiter receives the outcome of one batch entry.
type Waiter struct {
	id     jsonrpc.ID
	method string
	done   chan struct{}
	once   sync.Once
	resp   jsonrpc.Response
	err    error
}

func newWaiter(req jsonrpc.Request) *Waiter {
	return &Waiter{id: req.ID, method: req.Method, done: make(chan struct{})}
}

// ID returns the id of the entry.
func (w *Waiter) ID() jsonrpc.ID { return w.id }

// Await blocks until the batch resolved this entry and decodes its result
// into out, which may be nil.
func (w *Waiter) Await(ctx context.Context, out any) error {
	select {
	case <-w.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if w.err != nil {
		return w.err
	}
	return resolve(w.resp, out)
}

func (w *Waiter) fail(err error) {
	w.once.Do(func() {
		w.err = err
		telemetry.RecordBatchEntry(outcomeOf(err))
		close(w.done)
	})
}

func (w *Waiter) deliver(resp jsonrpc.Response) {
	w.once.Do(func() {
		w.resp = resp
		if resp.Error != nil {
			telemetry.RecordBatchEntry(telemetry.OutcomeRemote)
		} else {
			telemetry.RecordBatchEntry(telemetry.OutcomeOK)
		}
		close(w.done)
	})
}

type batchEntry struct {
	req    jsonrpc.Request
	waiter *Waiter
}

// BatchRequest collects calls and sends them as one JSON array. It is owned
// by one goroutine until Send; its waiters may be awaited from anywhere.
type BatchRequest struct {
	transport transport.Transport
	ids       *IDAllocator
	log       zerolog.Logger
	entries   []batchEntry
	sent      bool
}

func newBatch(t transport.Transport, ids *IDAllocator, log zerolog.Logger) *BatchRequest {
	return &BatchRequest{transport: t, ids: ids, log: log}
}

// Len returns the number of entries.
func (b *BatchRequest) Len() int { return len(b.entries) }

// AddCall reserves an id and appends a call. Nothing is encoded or sent.
// Calls added after Send resolve with ErrBatchConsumed.
func (b *BatchRequest) AddCall(method string, params any) *Waiter {
	req := jsonrpc.NewRequest(method, b.ids.Next(), params)
	w := newWaiter(req)
	if b.sent {
		w.fail(ErrBatchConsumed)
		return w
	}
	b.entries = append(b.entries, batchEntry{req: req, waiter: w})
	return w
}

// Send encodes every entry, sends them in one round trip and hands each reply
// to the waiter with the same id. Replies may come in any order. Replies with
// unknown or repeated ids are dropped; entries left unanswered resolve with
// ErrMissingResponse. Entries that fail to encode resolve with
// ErrSerialization without affecting the others. The returned error is only
// set when the batch as a whole failed.
func (b *BatchRequest) Send(ctx context.Context) error {
	if b.sent {
		return ErrBatchConsumed
	}
	b.sent = true
	if len(b.entries) == 0 {
		return nil
	}
	bt, ok := b.transport.(transport.BatchTransport)
	if !ok {
		for _, e := range b.entries {
			e.waiter.fail(transport.ErrBatchUnsupported)
		}
		return transport.ErrBatchUnsupported
	}

	encoded := make([]jsonrpc.SerializedRequest, 0, len(b.entries))
	waiters := make(map[jsonrpc.ID]*Waiter, len(b.entries))
	for _, e := range b.entries {
		enc, err := e.req.Serialize()
		if err != nil {
			e.waiter.fail(fmt.Errorf("%w: %s: %w", ErrSerialization, e.req.Method, err))
			continue
		}
		encoded = append(encoded, enc)
		waiters[e.req.ID] = e.waiter
	}
	if len(encoded) == 0 {
		return nil
	}

	telemetry.RecordBatch(len(encoded))
	resps, err := bt.SendBatch(ctx, encoded)
	if err != nil {
		err = asTransportError(err)
		for _, w := range waiters {
			w.fail(err)
		}
		return err
	}

	unmatched := 0
	for _, resp := range resps {
		w, ok := waiters[resp.ID]
		if !ok {
			unmatched++
			b.log.Warn().Str("id", resp.ID.String()).Msg("discarding batch response with unknown or repeated id")
			continue
		}
		delete(waiters, resp.ID)
		w.deliver(resp)
	}
	for id, w := range waiters {
		b.log.Warn().Str("id", id.String()).Str("method", w.method).Msg("batch entry left unanswered")
		w.fail(ErrMissingResponse)
	}
	if unmatched > 0 {
		telemetry.RecordUnmatched(unmatched)
	}
	return nil
}
