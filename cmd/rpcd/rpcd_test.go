package main

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rexliu/rpcc/pkg/ipc"
	"github.com/rexliu/rpcc/pkg/jsonrpc"
	"github.com/rexliu/rpcc/pkg/logging"
	"github.com/rexliu/rpcc/pkg/pubsub"
	"github.com/rexliu/rpcc/pkg/rpcclient"
)

func TestChainMineAndLookup(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	c := newChain(start)
	first := c.mine(start.Add(time.Second))
	second := c.mine(start.Add(2 * time.Second))
	require.EqualValues(t, 2, second.Number)
	require.Equal(t, first.Hash, second.ParentHash)

	got, ok := c.byNumber(1)
	require.True(t, ok)
	require.Equal(t, first, got)
	_, ok = c.byNumber(3)
	require.False(t, ok)

	for i := 0; i < keptHeads+5; i++ {
		c.mine(start)
	}
	_, ok = c.byNumber(0)
	require.False(t, ok)
	require.EqualValues(t, keptHeads+7, c.latest().Number)
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	_, ok, err := readSnapshot(dir)
	require.NoError(t, err)
	require.False(t, ok)

	tip := newChain(time.Now()).mine(time.Now())
	require.NoError(t, writeSnapshot(dir, tip))
	got, ok, err := readSnapshot(dir)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, tip, got)
}

func TestDaemonServesClient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := &daemon{
		chainID: 1337,
		chain:   newChain(time.Now()),
		events:  newEventHub(zerolog.Nop()),
		logger:  logging.New("test"),
	}
	srv := ipc.NewServer(zerolog.Nop())
	d.registerHandlers(srv)
	path := filepath.Join(t.TempDir(), "rpcd.sock")
	require.NoError(t, srv.Start(ctx, path))
	defer srv.Stop()

	client, err := rpcclient.Connect(ctx, path)
	require.NoError(t, err)
	defer client.Close()

	chainID, err := rpcclient.AwaitResult[hexutil.Uint64](ctx, client.Prepare("eth_chainId", nil))
	require.NoError(t, err)
	require.EqualValues(t, 1337, chainID)

	batch := client.NewBatch()
	version := batch.AddCall("web3_clientVersion", nil)
	number := batch.AddCall("eth_blockNumber", nil)
	missing := batch.AddCall("eth_nope", nil)
	require.NoError(t, batch.Send(ctx))
	var v string
	require.NoError(t, version.Await(ctx, &v))
	require.Equal(t, clientVersion, v)
	var n hexutil.Uint64
	require.NoError(t, number.Await(ctx, &n))
	require.EqualValues(t, 0, n)
	require.Error(t, missing.Await(ctx, nil))

	raw, err := client.Subscribe(ctx, "eth_subscribe", []string{"newHeads"})
	require.NoError(t, err)
	heads := pubsub.Typed[header](raw)
	mined := d.chain.mine(time.Now())
	d.events.broadcast(mined)
	got, err := heads.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, mined, got)

	var head json.RawMessage
	require.NoError(t, client.Request(ctx, "eth_getBlockByNumber", []any{"latest", false}, &head))
	require.Contains(t, string(head), mined.Hash.Hex())
}

func TestHeadBroadcastDuringSubscribeIsDelivered(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := &daemon{
		chainID: 1337,
		chain:   newChain(time.Now()),
		events:  newEventHub(zerolog.Nop()),
		logger:  logging.New("test"),
	}
	srv := ipc.NewServer(zerolog.Nop())
	d.registerHandlers(srv)
	early := make(chan header, 1)
	srv.Register("eth_subscribe", func(ctx context.Context, params json.RawMessage) (any, *jsonrpc.ErrorPayload) {
		result, rpcErr := d.handleSubscribe(ctx, params)
		head := d.chain.mine(time.Now())
		d.events.broadcast(head)
		early <- head
		return result, rpcErr
	})
	path := filepath.Join(t.TempDir(), "rpcd.sock")
	require.NoError(t, srv.Start(ctx, path))
	defer srv.Stop()

	client, err := rpcclient.Connect(ctx, path)
	require.NoError(t, err)
	defer client.Close()

	raw, err := client.Subscribe(ctx, "eth_subscribe", []string{"newHeads"})
	require.NoError(t, err)
	got, err := pubsub.Typed[header](raw).Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, <-early, got)
}
