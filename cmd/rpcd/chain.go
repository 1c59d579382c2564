package main

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const keptHeads = 128

// header is the subset of a block header pushed to newHeads subscribers.
type header struct {
	Number     hexutil.Uint64 `json:"number"`
	Hash       common.Hash    `json:"hash"`
	ParentHash common.Hash    `json:"parentHash"`
	Timestamp  hexutil.Uint64 `json:"timestamp"`
}

// chain produces a deterministic sequence of fake headers.
type chain struct {
	mu    sync.RWMutex
	heads []header
}

func newChain(genesisTime time.Time) *chain {
	c := &chain{}
	c.heads = append(c.heads, makeHeader(0, common.Hash{}, genesisTime))
	return c
}

func restoreChain(last header) *chain {
	return &chain{heads: []header{last}}
}

func makeHeader(number uint64, parent common.Hash, at time.Time) header {
	var buf [40]byte
	binary.BigEndian.PutUint64(buf[:8], number)
	copy(buf[8:], parent[:])
	return header{
		Number:     hexutil.Uint64(number),
		Hash:       crypto.Keccak256Hash(buf[:]),
		ParentHash: parent,
		Timestamp:  hexutil.Uint64(at.Unix()),
	}
}

// mine appends a header and returns it.
func (c *chain) mine(at time.Time) header {
	c.mu.Lock()
	defer c.mu.Unlock()
	tip := c.heads[len(c.heads)-1]
	next := makeHeader(uint64(tip.Number)+1, tip.Hash, at)
	c.heads = append(c.heads, next)
	if len(c.heads) > keptHeads {
		c.heads = append([]header(nil), c.heads[len(c.heads)-keptHeads:]...)
	}
	return next
}

func (c *chain) latest() header {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.heads[len(c.heads)-1]
}

// byNumber returns a retained header.
func (c *chain) byNumber(n uint64) (header, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	first := uint64(c.heads[0].Number)
	if n < first || n-first >= uint64(len(c.heads)) {
		return header{}, false
	}
	return c.heads[n-first], true
}
