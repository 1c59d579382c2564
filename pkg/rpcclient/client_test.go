package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rexliu/rpcc/pkg/ipc"
	"github.com/rexliu/rpcc/pkg/jsonrpc"
	"github.com/rexliu/rpcc/pkg/pubsub"
	"github.com/rexliu/rpcc/pkg/transport"
)

type fakeTransport struct {
	mu    sync.Mutex
	sent  []jsonrpc.SerializedRequest
	reply func(jsonrpc.SerializedRequest) (jsonrpc.Response, error)
}

func (f *fakeTransport) Send(_ context.Context, req jsonrpc.SerializedRequest) (jsonrpc.Response, error) {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	f.mu.Unlock()
	if f.reply == nil {
		return jsonrpc.Success(req.ID, req.Method)
	}
	return f.reply(req)
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeBatchTransport struct {
	*fakeTransport
	batches    [][]jsonrpc.SerializedRequest
	batchReply func([]jsonrpc.SerializedRequest) ([]jsonrpc.Response, error)
}

func (f *fakeBatchTransport) SendBatch(_ context.Context, reqs []jsonrpc.SerializedRequest) ([]jsonrpc.Response, error) {
	f.batches = append(f.batches, reqs)
	return f.batchReply(reqs)
}

func success(t *testing.T, id uint64, v any) jsonrpc.Response {
	t.Helper()
	resp, err := jsonrpc.Success(jsonrpc.NumberID(id), v)
	require.NoError(t, err)
	return resp
}

func TestIDAllocatorStartsAtZero(t *testing.T) {
	var ids IDAllocator
	require.Equal(t, jsonrpc.NumberID(0), ids.Next())
	require.Equal(t, jsonrpc.NumberID(1), ids.Next())
}

func TestIDAllocatorConcurrentUnique(t *testing.T) {
	const workers, perWorker = 16, 1000
	c := New(&fakeTransport{}, false)
	results := make(chan jsonrpc.ID, workers*perWorker)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				results <- c.NextID()
			}
		}()
	}
	wg.Wait()
	close(results)
	seen := make(map[jsonrpc.ID]struct{}, workers*perWorker)
	for id := range results {
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
	require.Len(t, seen, workers*perWorker)
}

func TestMakeRequestDoesNoIO(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, false)
	req := c.MakeRequest("eth_blockNumber", nil)
	require.Equal(t, "eth_blockNumber", req.Method)
	require.Equal(t, jsonrpc.NumberID(0), req.ID)
	require.Nil(t, req.Params)
	require.Equal(t, jsonrpc.NumberID(1), c.Prepare("x", nil).ID())
	require.Zero(t, ft.sentCount())
}

func TestCallDefersSerialization(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, false)
	call := c.Prepare("eth_call", map[string]any{"bad": make(chan int)})
	require.Zero(t, ft.sentCount())

	err := call.Await(context.Background(), nil)
	require.ErrorIs(t, err, ErrSerialization)
	require.Zero(t, ft.sentCount())
}

func TestCallAwait(t *testing.T) {
	ctx := context.Background()

	t.Run("result", func(t *testing.T) {
		c := New(&fakeTransport{}, false)
		got, err := AwaitResult[string](ctx, c.Prepare("eth_chainId", nil))
		require.NoError(t, err)
		require.Equal(t, "eth_chainId", got)
	})

	t.Run("remote error", func(t *testing.T) {
		ft := &fakeTransport{reply: func(req jsonrpc.SerializedRequest) (jsonrpc.Response, error) {
			return jsonrpc.Failure(req.ID, &jsonrpc.ErrorPayload{Code: 3, Message: "execution reverted", Data: json.RawMessage(`"0x08c379a0"`)}), nil
		}}
		err := New(ft, false).Prepare("eth_call", nil).Await(ctx, nil)
		var remote *jsonrpc.ErrorPayload
		require.ErrorAs(t, err, &remote)
		require.EqualValues(t, 3, remote.Code)
		require.Equal(t, "execution reverted", remote.Message)
		require.JSONEq(t, `"0x08c379a0"`, string(remote.Data))
	})

	t.Run("id mismatch", func(t *testing.T) {
		ft := &fakeTransport{reply: func(jsonrpc.SerializedRequest) (jsonrpc.Response, error) {
			return success(t, 42, "x"), nil
		}}
		err := New(ft, false).Prepare("eth_chainId", nil).Await(ctx, nil)
		require.ErrorIs(t, err, ErrProtocolMismatch)
	})

	t.Run("decode failure", func(t *testing.T) {
		var n uint64
		err := New(&fakeTransport{}, false).Prepare("eth_chainId", nil).Await(ctx, &n)
		require.ErrorIs(t, err, ErrDeserialization)
	})

	t.Run("transport failure", func(t *testing.T) {
		ft := &fakeTransport{reply: func(jsonrpc.SerializedRequest) (jsonrpc.Response, error) {
			return jsonrpc.Response{}, errors.New("connection reset")
		}}
		err := New(ft, false).Prepare("eth_chainId", nil).Await(ctx, nil)
		require.ErrorIs(t, err, transport.ErrTransport)
	})

	t.Run("single use", func(t *testing.T) {
		call := New(&fakeTransport{}, false).Prepare("eth_chainId", nil)
		require.NoError(t, call.Await(ctx, nil))
		require.ErrorIs(t, call.Await(ctx, nil), ErrCallConsumed)
	})
}

func TestBatchDemultiplexesOutOfOrderReplies(t *testing.T) {
	ctx := context.Background()
	bt := &fakeBatchTransport{fakeTransport: &fakeTransport{}}
	bt.batchReply = func(reqs []jsonrpc.SerializedRequest) ([]jsonrpc.Response, error) {
		return []jsonrpc.Response{success(t, 7, "seven"), success(t, 999, "stray"), success(t, 5, "five")}, nil
	}
	c := New(bt, false)
	for i := 0; i < 5; i++ {
		c.NextID()
	}

	batch := c.NewBatch()
	w5 := batch.AddCall("a", nil)
	w6 := batch.AddCall("b", nil)
	w7 := batch.AddCall("c", nil)
	require.Equal(t, jsonrpc.NumberID(5), w5.ID())
	require.Equal(t, jsonrpc.NumberID(7), w7.ID())
	require.Empty(t, bt.batches)

	require.NoError(t, batch.Send(ctx))
	require.Len(t, bt.batches, 1)
	require.Len(t, bt.batches[0], 3)

	var s string
	require.NoError(t, w5.Await(ctx, &s))
	require.Equal(t, "five", s)
	require.NoError(t, w7.Await(ctx, &s))
	require.Equal(t, "seven", s)
	err := w6.Await(ctx, &s)
	require.ErrorIs(t, err, ErrMissingResponse)
	require.ErrorIs(t, err, ErrProtocolMismatch)
}

func TestBatchDuplicateReplyIgnored(t *testing.T) {
	ctx := context.Background()
	bt := &fakeBatchTransport{fakeTransport: &fakeTransport{}}
	bt.batchReply = func(reqs []jsonrpc.SerializedRequest) ([]jsonrpc.Response, error) {
		return []jsonrpc.Response{success(t, 0, "first"), success(t, 0, "second")}, nil
	}
	batch := New(bt, false).NewBatch()
	w := batch.AddCall("a", nil)
	require.NoError(t, batch.Send(ctx))
	var got string
	require.NoError(t, w.Await(ctx, &got))
	require.Equal(t, "first", got)
}

func TestBatchPerEntrySerializationFailure(t *testing.T) {
	ctx := context.Background()
	bt := &fakeBatchTransport{fakeTransport: &fakeTransport{}}
	bt.batchReply = func(reqs []jsonrpc.SerializedRequest) ([]jsonrpc.Response, error) {
		out := make([]jsonrpc.Response, 0, len(reqs))
		for _, r := range reqs {
			resp, err := jsonrpc.Success(r.ID, r.Method)
			require.NoError(t, err)
			out = append(out, resp)
		}
		return out, nil
	}
	batch := New(bt, false).NewBatch()
	good := batch.AddCall("good", nil)
	bad := batch.AddCall("bad", []any{make(chan int)})
	require.NoError(t, batch.Send(ctx))
	require.Len(t, bt.batches[0], 1)

	var s string
	require.NoError(t, good.Await(ctx, &s))
	require.Equal(t, "good", s)
	require.ErrorIs(t, bad.Await(ctx, nil), ErrSerialization)
}

func TestBatchTransportFailureResolvesAll(t *testing.T) {
	ctx := context.Background()
	bt := &fakeBatchTransport{fakeTransport: &fakeTransport{}}
	bt.batchReply = func([]jsonrpc.SerializedRequest) ([]jsonrpc.Response, error) {
		return nil, transport.Errorf("HTTP 502")
	}
	batch := New(bt, false).NewBatch()
	a := batch.AddCall("a", nil)
	b := batch.AddCall("b", nil)
	require.ErrorIs(t, batch.Send(ctx), transport.ErrTransport)
	require.ErrorIs(t, a.Await(ctx, nil), transport.ErrTransport)
	require.ErrorIs(t, b.Await(ctx, nil), transport.ErrTransport)
}

func TestBatchUnsupported(t *testing.T) {
	ctx := context.Background()
	ft := &fakeTransport{}
	batch := New(ft, false).NewBatch()
	w := batch.AddCall("a", nil)
	require.ErrorIs(t, batch.Send(ctx), transport.ErrBatchUnsupported)
	require.ErrorIs(t, w.Await(ctx, nil), transport.ErrBatchUnsupported)
	require.Zero(t, ft.sentCount())
}

func TestBatchEmptyAndConsumed(t *testing.T) {
	ctx := context.Background()
	bt := &fakeBatchTransport{fakeTransport: &fakeTransport{}}
	batch := New(bt, false).NewBatch()
	require.NoError(t, batch.Send(ctx))
	require.Empty(t, bt.batches)
	require.ErrorIs(t, batch.Send(ctx), ErrBatchConsumed)
	require.ErrorIs(t, batch.AddCall("late", nil).Await(ctx, nil), ErrBatchConsumed)
}

func TestWaiterAwaitHonoursContext(t *testing.T) {
	bt := &fakeBatchTransport{fakeTransport: &fakeTransport{}}
	w := New(bt, false).NewBatch().AddCall("never-sent", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, w.Await(ctx, nil), context.DeadlineExceeded)
}

func TestLocalityHasNoEffect(t *testing.T) {
	ctx := context.Background()
	localT, remoteT := &fakeTransport{}, &fakeTransport{}
	local := New(localT, true)
	remote := New(remoteT, false)
	require.True(t, local.IsLocal())
	require.False(t, remote.IsLocal())

	for _, c := range []*Client[*fakeTransport]{local, remote} {
		require.NoError(t, c.Prepare("eth_getBalance", []string{"0xab", "latest"}).Await(ctx, nil))
	}
	require.Equal(t, localT.sent, remoteT.sent)

	remote.SetLocal(true)
	require.True(t, remote.IsLocal())
	require.Equal(t, local.NextID(), remote.NextID())
}

func TestBoxedSharesCounter(t *testing.T) {
	c := New(&fakeTransport{}, true)
	boxed := c.Boxed()
	require.True(t, boxed.IsLocal())
	require.Equal(t, jsonrpc.NumberID(0), c.NextID())
	require.Equal(t, jsonrpc.NumberID(1), boxed.NextID())
	require.Equal(t, jsonrpc.NumberID(2), c.NextID())

	boxed.SetLocal(false)
	require.True(t, c.IsLocal())
}

func TestPubSubUnsupported(t *testing.T) {
	ctx := context.Background()
	c := New(&fakeTransport{}, false)
	_, err := c.RawSubscription(ctx, *uint256.NewInt(1))
	require.ErrorIs(t, err, transport.ErrPubSubUnsupported)
	_, err = GetSubscription[string](ctx, c, *uint256.NewInt(1))
	require.ErrorIs(t, err, transport.ErrPubSubUnsupported)
	_, err = c.Subscribe(ctx, "eth_subscribe", []string{"newHeads"})
	require.ErrorIs(t, err, transport.ErrPubSubUnsupported)
	require.Zero(t, c.ChannelSize())
	c.SetChannelSize(8)
	require.Zero(t, c.ChannelSize())
	require.NoError(t, c.Close())
}

func TestConnectRejectsBadEndpoint(t *testing.T) {
	_, err := Connect(context.Background(), "gopher://example.org")
	require.ErrorIs(t, err, transport.ErrTransport)
	_, err = Connect(context.Background(), filepath.Join(t.TempDir(), "absent.sock"))
	require.ErrorIs(t, err, transport.ErrTransport)
}

func TestConnectIPCSubscription(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := ipc.NewServer(zerolog.Nop())
	srv.Register("eth_subscribe", func(ctx context.Context, _ json.RawMessage) (any, *jsonrpc.ErrorPayload) {
		return "0x00000000000000000000000000000007", nil
	})
	srv.Register("eth_unsubscribe", func(context.Context, json.RawMessage) (any, *jsonrpc.ErrorPayload) {
		return true, nil
	})
	srv.Register("test_push", func(ctx context.Context, params json.RawMessage) (any, *jsonrpc.ErrorPayload) {
		item := jsonrpc.SubscriptionItem{Subscription: *uint256.NewInt(7), Result: params}
		if err := ipc.SessionFromContext(ctx).Notify("eth_subscription", item); err != nil {
			return nil, jsonrpc.Errorf(jsonrpc.CodeInternalError, "%v", err)
		}
		return nil, nil
	})
	path := filepath.Join(t.TempDir(), "rpc.sock")
	require.NoError(t, srv.Start(ctx, path))
	defer srv.Stop()

	c, err := Connect(ctx, "ipc://"+path, WithDialOptions(transport.WithDialBridgeOptions(pubsub.WithChannelSize(4))))
	require.NoError(t, err)
	defer c.Close()
	require.True(t, c.IsLocal())
	require.Equal(t, 4, c.ChannelSize())

	raw, err := c.Subscribe(ctx, "eth_subscribe", []string{"newHeads"})
	require.NoError(t, err)
	require.Equal(t, *uint256.NewInt(7), raw.ID())
	typed, err := GetSubscription[map[string]string](ctx, c, raw.ID())
	require.NoError(t, err)

	require.NoError(t, c.Request(ctx, "test_push", map[string]string{"number": "0x1"}, nil))
	item, err := typed.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "0x1", item["number"])
	rawItem, err := raw.Recv(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"number":"0x1"}`, string(rawItem))

	require.NoError(t, c.Unsubscribe(ctx, raw.ID()))
	_, err = typed.Recv(ctx)
	require.ErrorIs(t, err, pubsub.ErrClosed)
}

// cannedConn answers every written frame with the same reply frame.
type cannedConn struct {
	reply  string
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newCannedConn(reply string) *cannedConn {
	return &cannedConn{reply: reply, in: make(chan []byte, 4), closed: make(chan struct{})}
}

func (c *cannedConn) ReadMessage() ([]byte, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *cannedConn) WriteMessage([]byte) error {
	select {
	case c.in <- []byte(c.reply):
		return nil
	case <-c.closed:
		return io.ErrClosedPipe
	}
}

func (c *cannedConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func TestBatchOverFrontendResolvesUnanswered(t *testing.T) {
	replies := map[string]string{
		"unknown ids":   `[{"jsonrpc":"2.0","id":999,"result":1}]`,
		"empty array":   `[]`,
		"null id error": `{"jsonrpc":"2.0","id":null,"error":{"code":-32600,"message":"batch too large"}}`,
		"undecodable":   `[{"jsonrpc":"2.0","id":0}]`,
	}
	for name, reply := range replies {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			c := New(transport.NewFrontend(newCannedConn(reply)), true)
			defer c.Close()

			batch := c.NewBatch()
			first := batch.AddCall("a", nil)
			second := batch.AddCall("b", nil)
			require.NoError(t, batch.Send(ctx))
			require.ErrorIs(t, first.Await(ctx, nil), ErrMissingResponse)
			require.ErrorIs(t, second.Await(ctx, nil), ErrMissingResponse)
		})
	}
}

func TestBatchKeepsSiblingsOfUndecodableElement(t *testing.T) {
	const reply = `[{"jsonrpc":"2.0","id":0,"result":"ok"},{"jsonrpc":"2.0","id":999},{"jsonrpc":"2.0","id":-3,"result":1}]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, reply)
	}))
	defer srv.Close()

	transports := map[string]func() transport.Transport{
		"http":     func() transport.Transport { return transport.NewHTTP(srv.URL) },
		"frontend": func() transport.Transport { return transport.NewFrontend(newCannedConn(reply)) },
	}
	for name, build := range transports {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			c := New(build(), false)
			defer c.Close()

			batch := c.NewBatch()
			first := batch.AddCall("a", nil)
			second := batch.AddCall("b", nil)
			require.NoError(t, batch.Send(ctx))
			var got string
			require.NoError(t, first.Await(ctx, &got))
			require.Equal(t, "ok", got)
			require.ErrorIs(t, second.Await(ctx, nil), ErrMissingResponse)
		})
	}
}
