package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/rexliu/rpcc/pkg/ipc"
	"github.com/rexliu/rpcc/pkg/jsonrpc"
)

const clientVersion = "rpcd/v0.1.0"

func (d *daemon) registerHandlers(srv *ipc.Server) {
	srv.Register("web3_clientVersion", d.handleClientVersion)
	srv.Register("eth_chainId", d.handleChainID)
	srv.Register("eth_blockNumber", d.handleBlockNumber)
	srv.Register("eth_getBlockByNumber", d.handleGetBlockByNumber)
	srv.Register("eth_subscribe", d.handleSubscribe)
	srv.Register("eth_unsubscribe", d.handleUnsubscribe)
}

func (d *daemon) handleClientVersion(ctx context.Context, params json.RawMessage) (any, *jsonrpc.ErrorPayload) {
	return clientVersion, nil
}

func (d *daemon) handleChainID(ctx context.Context, params json.RawMessage) (any, *jsonrpc.ErrorPayload) {
	return hexutil.Uint64(d.chainID), nil
}

func (d *daemon) handleBlockNumber(ctx context.Context, params json.RawMessage) (any, *jsonrpc.ErrorPayload) {
	return d.chain.latest().Number, nil
}

func (d *daemon) handleGetBlockByNumber(ctx context.Context, params json.RawMessage) (any, *jsonrpc.ErrorPayload) {
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil || len(args) == 0 {
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "missing value for required argument 0")
	}
	var tag string
	if err := json.Unmarshal(args[0], &tag); err != nil {
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "invalid block number: %v", err)
	}
	switch tag {
	case "latest", "pending", "safe", "finalized":
		return d.chain.latest(), nil
	case "earliest":
		tag = "0x0"
	}
	n, err := hexutil.DecodeUint64(tag)
	if err != nil {
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "invalid block number: %v", err)
	}
	head, ok := d.chain.byNumber(n)
	if !ok {
		return nil, nil
	}
	return head, nil
}

func (d *daemon) handleSubscribe(ctx context.Context, params json.RawMessage) (any, *jsonrpc.ErrorPayload) {
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil || len(args) == 0 {
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "missing subscription kind")
	}
	var kind string
	if err := json.Unmarshal(args[0], &kind); err != nil {
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "invalid subscription kind")
	}
	if kind != "newHeads" {
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "no %q subscription in eth namespace", kind)
	}
	session := ipc.SessionFromContext(ctx)
	if session == nil {
		return nil, jsonrpc.Errorf(jsonrpc.CodeInternalError, "notifications not supported")
	}
	id := d.events.register(session)
	session.AfterReply(func() { d.events.activate(id) })
	d.logger.Debug().Str("session", session.ID()).Str("subscription", id.Hex()).Msg("newHeads subscribed")
	return id.Hex(), nil
}

func (d *daemon) handleUnsubscribe(ctx context.Context, params json.RawMessage) (any, *jsonrpc.ErrorPayload) {
	var ids []string
	if err := json.Unmarshal(params, &ids); err != nil || len(ids) != 1 {
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "expected one subscription id")
	}
	id, err := jsonrpc.ParseSubscriptionID(strings.TrimSpace(ids[0]))
	if err != nil {
		return nil, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "invalid subscription id: %v", err)
	}
	if owner := d.events.owner(id); owner == nil || owner != ipc.SessionFromContext(ctx) {
		return false, nil
	}
	return d.events.unregister(id), nil
}

func describe(h header) string {
	return fmt.Sprintf("#%d %s", uint64(h.Number), h.Hash.Hex()[:10])
}
