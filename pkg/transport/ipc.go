package transport

import (
	"context"
	"net"
	"sync"

	"github.com/rexliu/rpcc/pkg/ipc"
)

type ipcConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

// DialIPC connects to a unix socket speaking length-prefixed JSON-RPC frames.
func DialIPC(ctx context.Context, path string) (Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, Errorf("dial %s: %v", path, err)
	}
	return &ipcConn{conn: conn}, nil
}

func (c *ipcConn) ReadMessage() ([]byte, error) {
	return ipc.ReadFrame(c.conn)
}

func (c *ipcConn) WriteMessage(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ipc.WriteFrame(c.conn, payload)
}

func (c *ipcConn) Close() error {
	return c.conn.Close()
}
