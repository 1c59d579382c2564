package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/rexliu/rpcc/pkg/jsonrpc"
)

func wsNode(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Client") != "rpcc-test" {
			http.Error(w, "missing header", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			reqs, _, err := jsonrpc.DecodeRequests(data)
			if err != nil || len(reqs) != 1 {
				return
			}
			req := reqs[0]
			var result any = req.Method
			if req.Method == "eth_subscribe" {
				result = "0x5"
			}
			resp, err := jsonrpc.Success(req.ID, result)
			if err != nil {
				return
			}
			out, _ := json.Marshal(resp)
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
			if req.Method == "eth_subscribe" {
				note := `{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0x5","result":{"n":1}}}`
				if err := conn.WriteMessage(websocket.TextMessage, []byte(note)); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocketFrontend(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv := wsNode(t)
	url := "ws://" + strings.TrimPrefix(srv.URL, "http://")

	tr, ep, err := Dial(ctx, url, WithDialHeader("X-Client", "rpcc-test"))
	require.NoError(t, err)
	require.Equal(t, KindWebSocket, ep.Kind)
	require.True(t, ep.Local)
	f, ok := tr.(*Frontend)
	require.True(t, ok)
	defer f.Close()

	resp, err := f.Send(ctx, serialize(t, "web3_clientVersion", 1, nil))
	require.NoError(t, err)
	require.Equal(t, jsonrpc.NumberID(1), resp.ID)
	require.JSONEq(t, `"web3_clientVersion"`, string(resp.Result))

	resp, err = f.Send(ctx, serialize(t, "eth_subscribe", 2, []string{"newHeads"}))
	require.NoError(t, err)
	id, err := jsonrpc.DecodeSubscriptionResult(resp.Result)
	require.NoError(t, err)
	require.Equal(t, *uint256.NewInt(5), id)

	sub, err := f.GetSubscription(ctx, id)
	require.NoError(t, err)
	item, err := sub.Recv(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"n":1}`, string(item))
}

func TestWebSocketHandshakeFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv := wsNode(t)
	_, _, err := Dial(ctx, "ws://"+strings.TrimPrefix(srv.URL, "http://"))
	require.ErrorIs(t, err, ErrTransport)
}
