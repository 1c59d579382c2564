package rpcclient

import (
	"sync/atomic"

	"github.com/rexliu/rpcc/pkg/jsonrpc"
)

// IDAllocator hands out request ids. The first id is 0; the counter wraps
// on overflow. It is shared by a client and all of its erased views.
type IDAllocator struct {
	next atomic.Uint64
}

// Next reserves the next id.
func (a *IDAllocator) Next() jsonrpc.ID {
	return jsonrpc.NumberID(a.next.Add(1) - 1)
}
