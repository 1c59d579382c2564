package ipc

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rexliu/rpcc/pkg/jsonrpc"
)

func startServer(t *testing.T, register func(*Server)) net.Conn {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := NewServer(zerolog.Nop())
	register(srv)
	path := filepath.Join(t.TempDir(), "ipc.sock")
	require.NoError(t, srv.Start(ctx, path))
	t.Cleanup(func() { _ = srv.Stop() })

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, payload string) []byte {
	t.Helper()
	require.NoError(t, WriteFrame(conn, []byte(payload)))
	frame, err := ReadFrame(conn)
	require.NoError(t, err)
	return frame
}

func TestServerAfterReplyFollowsResponse(t *testing.T) {
	conn := startServer(t, func(srv *Server) {
		srv.Register("test_subscribe", func(ctx context.Context, _ json.RawMessage) (any, *jsonrpc.ErrorPayload) {
			sess := SessionFromContext(ctx)
			sess.AfterReply(func() {
				_ = sess.Notify("test_subscription", map[string]any{"subscription": "0x1", "result": 1})
			})
			return "0x1", nil
		})
	})

	first := roundTrip(t, conn, `{"jsonrpc":"2.0","id":1,"method":"test_subscribe"}`)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":"0x1"}`, string(first))

	second, err := ReadFrame(conn)
	require.NoError(t, err)
	require.JSONEq(t, `{"jsonrpc":"2.0","method":"test_subscription","params":{"subscription":"0x1","result":1}}`, string(second))
}

func TestServerErrorsAndBatches(t *testing.T) {
	conn := startServer(t, func(srv *Server) {
		srv.Register("test_echo", func(_ context.Context, params json.RawMessage) (any, *jsonrpc.ErrorPayload) {
			return params, nil
		})
	})

	resp := roundTrip(t, conn, `{"jsonrpc":"2.0","id":1,"method":"nope"}`)
	require.Contains(t, string(resp), `"code":-32601`)

	resp = roundTrip(t, conn, `{not json`)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"invalid json"}}`, string(resp))

	resp = roundTrip(t, conn, `[]`)
	require.Contains(t, string(resp), `"code":-32600`)

	resp = roundTrip(t, conn, `[{"jsonrpc":"2.0","id":2,"method":"test_echo","params":[1]},{"jsonrpc":"2.0","method":"test_echo"},{"jsonrpc":"2.0","id":"x","method":"test_echo","params":["a"]}]`)
	resps, skipped, err := jsonrpc.ParseResponses(resp)
	require.NoError(t, err)
	require.Zero(t, skipped)
	require.Len(t, resps, 2)
	require.Equal(t, jsonrpc.NumberID(2), resps[0].ID)
	require.JSONEq(t, `[1]`, string(resps[0].Result))
	require.Equal(t, jsonrpc.StringID("x"), resps[1].ID)
}
