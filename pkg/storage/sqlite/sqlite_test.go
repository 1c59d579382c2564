package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rexliu/rpcc/pkg/jsonrpc"
	"github.com/rexliu/rpcc/pkg/transport"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "journal", "journal.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return store
}

func TestStoreRecordAndLookup(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	base := time.Now().Add(-time.Minute).UTC()

	entries := []transport.Exchange{
		{Method: "eth_chainId", Request: json.RawMessage(`{}`), Response: json.RawMessage(`{"result":"0x1"}`), RecordedAt: base},
		{Method: "eth_chainId", Request: json.RawMessage(`{}`), Response: json.RawMessage(`{"result":"0x5"}`), RecordedAt: base.Add(time.Second)},
		{Method: "eth_getBalance", Params: json.RawMessage(`["0xab","latest"]`), Request: json.RawMessage(`{}`), Response: json.RawMessage(`{"result":"0x0"}`)},
	}
	for _, ex := range entries {
		if err := store.Record(ctx, ex); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	got, err := store.Lookup(ctx, "eth_chainId", nil)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if string(got.Response) != `{"result":"0x5"}` {
		t.Fatalf("expected newest exchange, got %s", got.Response)
	}
	if got.ID == "" {
		t.Fatal("expected generated id")
	}

	got, err = store.Lookup(ctx, "eth_getBalance", json.RawMessage(`["0xab","latest"]`))
	if err != nil {
		t.Fatalf("lookup with params: %v", err)
	}
	if string(got.Params) != `["0xab","latest"]` {
		t.Fatalf("unexpected params %s", got.Params)
	}

	_, err = store.Lookup(ctx, "eth_getBalance", json.RawMessage(`["0xcd","latest"]`))
	if !errors.Is(err, transport.ErrNoRecording) {
		t.Fatalf("expected ErrNoRecording, got %v", err)
	}
}

func TestStoreListPruneDelete(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	old := time.Now().Add(-48 * time.Hour).UTC()
	for i, at := range []time.Time{old, time.Now().UTC(), time.Now().UTC()} {
		method := "eth_blockNumber"
		if i == 2 {
			method = "eth_gasPrice"
		}
		ex := transport.Exchange{Method: method, Request: json.RawMessage(`{}`), Response: json.RawMessage(`{}`), RecordedAt: at}
		if err := store.Record(ctx, ex); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 exchanges, got %d", len(all))
	}
	only, err := store.List(ctx, ListOptions{Method: "eth_gasPrice"})
	if err != nil {
		t.Fatalf("list by method: %v", err)
	}
	if len(only) != 1 {
		t.Fatalf("expected 1 exchange, got %d", len(only))
	}

	removed, err := store.Prune(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned, got %d", removed)
	}

	if err := store.Delete(ctx, only[0].ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, only[0].ID); err == nil {
		t.Fatal("expected error deleting twice")
	}
	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 remaining, got %d", n)
	}
}

func TestStoreBacksReplay(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	resp := json.RawMessage(`{"jsonrpc":"2.0","id":4,"result":"0x10"}`)
	if err := store.Record(ctx, transport.Exchange{Method: "eth_blockNumber", Request: json.RawMessage(`{}`), Response: resp}); err != nil {
		t.Fatalf("record: %v", err)
	}
	body := json.RawMessage(`{"jsonrpc":"2.0","id":9,"method":"eth_blockNumber"}`)
	replay := transport.NewReplay(store)
	got, err := replay.Send(ctx, jsonrpc.SerializedRequest{Method: "eth_blockNumber", ID: jsonrpc.NumberID(9), Body: body})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n, _ := got.ID.Number(); n != 9 {
		t.Fatalf("expected rewritten id 9, got %s", got.ID)
	}
	if string(got.Result) != `"0x10"` {
		t.Fatalf("unexpected result %s", got.Result)
	}
}
