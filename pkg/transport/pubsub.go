package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/rexliu/rpcc/pkg/ident"
	"github.com/rexliu/rpcc/pkg/jsonrpc"
	"github.com/rexliu/rpcc/pkg/pubsub"
	"github.com/rexliu/rpcc/pkg/telemetry"
)

const unsubscribeTimeout = 5 * time.Second

// Conn is a duplex message connection. ReadMessage is only called from one
// goroutine; WriteMessage must be safe for concurrent use.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Close() error
}

// FrontendOption configures a Frontend.
type FrontendOption func(*Frontend)

// WithFrontendLogger sets the frontend logger. The bridge inherits it.
func WithFrontendLogger(log zerolog.Logger) FrontendOption {
	return func(f *Frontend) { f.log = log }
}

// WithBridgeOptions passes options to the subscription bridge.
func WithBridgeOptions(opts ...pubsub.Option) FrontendOption {
	return func(f *Frontend) { f.bridgeOpts = append(f.bridgeOpts, opts...) }
}

type inflight struct {
	method string
	ch     chan jsonrpc.Response
	group  *batchGroup
}

type batchGroup struct {
	mu    sync.Mutex
	resps []jsonrpc.Response
	done  chan struct{}
	once  sync.Once
}

func (g *batchGroup) add(resp jsonrpc.Response) {
	g.mu.Lock()
	g.resps = append(g.resps, resp)
	g.mu.Unlock()
}

func (g *batchGroup) finish() {
	g.once.Do(func() { close(g.done) })
}

func (g *batchGroup) finished() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

func (g *batchGroup) collect() []jsonrpc.Response {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]jsonrpc.Response(nil), g.resps...)
}

// Frontend multiplexes requests over a duplex Conn and routes subscription
// notifications into a pubsub.Bridge. It implements Transport,
// BatchTransport and PubSub.
type Frontend struct {
	conn       Conn
	bridge     *pubsub.Bridge
	bridgeOpts []pubsub.Option
	log        zerolog.Logger

	pending    sync.Map // jsonrpc.ID -> *inflight
	namespaces sync.Map // uint256.Int -> string

	// batches holds outstanding batch groups in write order. writeOrder is
	// held across enqueue and write so the two orders agree.
	writeOrder sync.Mutex
	batchMu    sync.Mutex
	batches    []*batchGroup

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// NewFrontend takes ownership of conn and starts reading from it.
func NewFrontend(conn Conn, opts ...FrontendOption) *Frontend {
	f := &Frontend{
		conn: conn,
		log:  zerolog.Nop(),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	bridgeOpts := append([]pubsub.Option{pubsub.WithLogger(f.log)}, f.bridgeOpts...)
	bridgeOpts = append(bridgeOpts, pubsub.WithIdleHook(f.onIdle))
	f.bridge = pubsub.NewBridge(bridgeOpts...)
	go f.readLoop()
	return f
}

// Bridge exposes the subscription bridge.
func (f *Frontend) Bridge() *pubsub.Bridge { return f.bridge }

// Done is closed once the connection is gone.
func (f *Frontend) Done() <-chan struct{} { return f.done }

// Err returns why the frontend stopped, or nil while it runs.
func (f *Frontend) Err() error {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	return f.err
}

// Send writes one request and waits for the response with the same id.
func (f *Frontend) Send(ctx context.Context, req jsonrpc.SerializedRequest) (jsonrpc.Response, error) {
	fl := &inflight{method: req.Method, ch: make(chan jsonrpc.Response, 1)}
	if err := f.track(req.ID, fl); err != nil {
		return jsonrpc.Response{}, err
	}
	defer f.pending.CompareAndDelete(req.ID, fl)

	if err := f.conn.WriteMessage(req.Body); err != nil {
		return jsonrpc.Response{}, Errorf("write %s: %v", req.Method, err)
	}
	select {
	case resp := <-fl.ch:
		return resp, nil
	case <-f.done:
		select {
		case resp := <-fl.ch:
			return resp, nil
		default:
		}
		return jsonrpc.Response{}, f.closedErr()
	case <-ctx.Done():
		return jsonrpc.Response{}, fmt.Errorf("%w: %w", ErrTransport, ctx.Err())
	}
}

// SendBatch writes reqs as one array. It returns whatever the reply array
// carried once it arrived, including ids that were never requested. A reply
// that answers none of the pending ids (an empty array, an array of unknown
// ids, or a single null-id error) completes the oldest outstanding batch.
func (f *Frontend) SendBatch(ctx context.Context, reqs []jsonrpc.SerializedRequest) ([]jsonrpc.Response, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	group := &batchGroup{done: make(chan struct{})}
	tracked := make([]jsonrpc.ID, 0, len(reqs))
	entries := make([]*inflight, 0, len(reqs))
	release := func() {
		for i, id := range tracked {
			f.pending.CompareAndDelete(id, entries[i])
		}
	}
	defer release()
	for _, req := range reqs {
		fl := &inflight{method: req.Method, ch: make(chan jsonrpc.Response, 1), group: group}
		if err := f.track(req.ID, fl); err != nil {
			return nil, err
		}
		tracked = append(tracked, req.ID)
		entries = append(entries, fl)
	}

	defer f.dropBatch(group)
	if err := f.writeBatch(group, jsonrpc.EncodeBatch(reqs)); err != nil {
		return nil, Errorf("write batch: %v", err)
	}
	select {
	case <-group.done:
		return group.collect(), nil
	case <-f.done:
		return nil, f.closedErr()
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrTransport, ctx.Err())
	}
}

func (f *Frontend) writeBatch(group *batchGroup, payload []byte) error {
	f.writeOrder.Lock()
	defer f.writeOrder.Unlock()
	f.batchMu.Lock()
	f.batches = append(f.batches, group)
	f.batchMu.Unlock()
	return f.conn.WriteMessage(payload)
}

func (f *Frontend) dropBatch(group *batchGroup) {
	f.batchMu.Lock()
	defer f.batchMu.Unlock()
	for i, g := range f.batches {
		if g == group {
			f.batches = append(f.batches[:i], f.batches[i+1:]...)
			return
		}
	}
}

// oldestBatch returns the earliest written batch still waiting for a reply.
func (f *Frontend) oldestBatch() *batchGroup {
	f.batchMu.Lock()
	defer f.batchMu.Unlock()
	for _, g := range f.batches {
		if !g.finished() {
			return g
		}
	}
	return nil
}

// GetSubscription returns a new consumer of a subscription opened through
// this frontend.
func (f *Frontend) GetSubscription(ctx context.Context, id uint256.Int) (*pubsub.RawSubscription, error) {
	return f.bridge.Subscribe(ctx, id)
}

// Unsubscribe closes every consumer of id and cancels it on the server.
func (f *Frontend) Unsubscribe(ctx context.Context, id uint256.Int) error {
	f.bridge.Remove(id)
	return f.unsubscribe(ctx, id)
}

// ChannelSize returns the capacity of new subscription channels.
func (f *Frontend) ChannelSize() int { return f.bridge.ChannelSize() }

// SetChannelSize changes the capacity of subscription channels created
// afterwards.
func (f *Frontend) SetChannelSize(n int) { f.bridge.SetChannelSize(n) }

// Close drops the connection. Pending calls fail with ErrClosed and every
// subscription is closed.
func (f *Frontend) Close() error {
	f.shutdown(nil)
	return nil
}

func (f *Frontend) track(id jsonrpc.ID, fl *inflight) error {
	select {
	case <-f.done:
		return f.closedErr()
	default:
	}
	if _, loaded := f.pending.LoadOrStore(id, fl); loaded {
		return Errorf("request id %s already in flight", id)
	}
	return nil
}

func (f *Frontend) unsubscribe(ctx context.Context, id uint256.Int) error {
	ns := "eth"
	if v, ok := f.namespaces.LoadAndDelete(id); ok {
		ns = v.(string)
	}
	params, err := json.Marshal([]string{id.Hex()})
	if err != nil {
		return err
	}
	req := jsonrpc.NewRequest(ns+"_unsubscribe", jsonrpc.StringID("unsub-"+ident.New()), json.RawMessage(params))
	encoded, err := req.Serialize()
	if err != nil {
		return err
	}
	resp, err := f.Send(ctx, encoded)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}

func (f *Frontend) onIdle(id uint256.Int) {
	select {
	case <-f.done:
		return
	default:
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
		defer cancel()
		if err := f.unsubscribe(ctx, id); err != nil {
			f.log.Debug().Err(err).Str("subscription", id.Hex()).Msg("unsubscribe failed")
		}
	}()
}

func (f *Frontend) readLoop() {
	for {
		data, err := f.conn.ReadMessage()
		if err != nil {
			f.shutdown(err)
			return
		}
		payload, err := jsonrpc.ParseMessages(data)
		if err != nil {
			f.log.Warn().Err(err).Int("bytes", len(data)).Msg("discarding malformed message")
			continue
		}
		if payload.Skipped > 0 {
			f.log.Warn().Int("elements", payload.Skipped).Msg("discarding undecodable batch elements")
			telemetry.RecordUnmatched(payload.Skipped)
		}
		f.dispatch(payload)
	}
}

// dispatch handles one inbound frame. A batch reply arrives as a single
// array, so every group it touches is complete afterwards.
func (f *Frontend) dispatch(p jsonrpc.Payload) {
	var groups []*batchGroup
	var strays []jsonrpc.Response
	matched := 0
	for _, msg := range p.Messages {
		if msg.Notification != nil {
			f.notify(*msg.Notification)
			continue
		}
		resp := *msg.Response
		v, ok := f.pending.LoadAndDelete(resp.ID)
		if !ok {
			strays = append(strays, resp)
			continue
		}
		matched++
		fl := v.(*inflight)
		if strings.HasSuffix(fl.method, "_subscribe") && resp.Error == nil {
			f.register(fl.method, resp)
		}
		if fl.group != nil {
			fl.group.add(resp)
			if !containsGroup(groups, fl.group) {
				groups = append(groups, fl.group)
			}
			continue
		}
		fl.ch <- resp
	}
	if matched == 0 && unattributed(p, strays) {
		if g := f.oldestBatch(); g != nil {
			groups = append(groups, g)
		}
	}
	if len(groups) == 1 {
		for _, resp := range strays {
			groups[0].add(resp)
		}
	} else {
		for _, resp := range strays {
			f.log.Warn().Str("id", resp.ID.String()).Msg("discarding response with unknown id")
		}
	}
	for _, g := range groups {
		g.finish()
	}
}

func (f *Frontend) register(method string, resp jsonrpc.Response) {
	id, err := jsonrpc.DecodeSubscriptionResult(resp.Result)
	if err != nil {
		f.log.Warn().Err(err).Str("method", method).Msg("subscribe reply without subscription id")
		return
	}
	f.namespaces.Store(id, strings.TrimSuffix(method, "_subscribe"))
	f.bridge.Register(id)
}

func (f *Frontend) notify(n jsonrpc.Notification) {
	if !n.IsSubscriptionItem() {
		f.log.Debug().Str("method", n.Method).Msg("ignoring notification")
		return
	}
	var item jsonrpc.SubscriptionItem
	if err := json.Unmarshal(n.Params, &item); err != nil {
		f.log.Warn().Err(err).Str("method", n.Method).Msg("malformed subscription item")
		return
	}
	f.bridge.Publish(item.Subscription, item.Result)
}

func (f *Frontend) shutdown(cause error) {
	f.closeOnce.Do(func() {
		f.errMu.Lock()
		if cause == nil {
			f.err = ErrClosed
		} else {
			f.err = fmt.Errorf("%w: %v", ErrClosed, cause)
			f.log.Debug().Err(cause).Msg("connection lost")
		}
		f.errMu.Unlock()
		close(f.done)
		_ = f.conn.Close()
		f.bridge.CloseAll()
	})
}

func (f *Frontend) closedErr() error {
	if err := f.Err(); err != nil {
		return err
	}
	return ErrClosed
}

// unattributed reports whether a frame that matched no pending id still
// looks like a batch reply: any array with response content, an empty
// array, or a single null-id error.
func unattributed(p jsonrpc.Payload, strays []jsonrpc.Response) bool {
	if p.Array {
		return len(strays) > 0 || p.Skipped > 0 || len(p.Messages) == 0
	}
	return len(strays) == 1 && strays[0].ID.IsNone()
}

func containsGroup(groups []*batchGroup, g *batchGroup) bool {
	for _, have := range groups {
		if have == g {
			return true
		}
	}
	return false
}
