package main

import (
	"encoding/json"
	"sync"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/rexliu/rpcc/pkg/ipc"
	"github.com/rexliu/rpcc/pkg/jsonrpc"
)

// eventHub broadcasts newHeads items to subscribed sessions.
type eventHub struct {
	logger  zerolog.Logger
	mu      sync.Mutex
	nextID  uint64
	clients map[uint256.Int]*eventClient
}

type eventClient struct {
	id      uint256.Int
	session *ipc.Session
	send    chan json.RawMessage
	ready   chan struct{}
	once    sync.Once
}

func newEventHub(logger zerolog.Logger) *eventHub {
	return &eventHub{
		logger:  logger,
		nextID:  0x1000,
		clients: make(map[uint256.Int]*eventClient),
	}
}

// register subscribes session. Items are buffered until activate is called
// and then pumped until the session ends or the subscription is removed.
func (h *eventHub) register(session *ipc.Session) uint256.Int {
	h.mu.Lock()
	h.nextID++
	client := &eventClient{
		id:      *uint256.NewInt(h.nextID),
		session: session,
		send:    make(chan json.RawMessage, 16),
		ready:   make(chan struct{}),
	}
	h.clients[client.id] = client
	h.mu.Unlock()
	go h.pump(client)
	return client.id
}

// activate releases buffered items once the subscribe reply is on the wire.
func (h *eventHub) activate(id uint256.Int) {
	h.mu.Lock()
	client, ok := h.clients[id]
	h.mu.Unlock()
	if ok {
		client.once.Do(func() { close(client.ready) })
	}
}

func (h *eventHub) pump(client *eventClient) {
	select {
	case <-client.ready:
	case <-client.session.Done():
		h.unregister(client.id)
		return
	}
	for {
		select {
		case item, ok := <-client.send:
			if !ok {
				return
			}
			msg := jsonrpc.SubscriptionItem{Subscription: client.id, Result: item}
			if err := client.session.Notify("eth_subscription", msg); err != nil {
				h.logger.Debug().Err(err).Str("subscription", client.id.Hex()).Msg("push failed")
				h.unregister(client.id)
				return
			}
		case <-client.session.Done():
			h.unregister(client.id)
			return
		}
	}
}

// unregister reports whether id was subscribed.
func (h *eventHub) unregister(id uint256.Int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	client, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
		close(client.send)
	}
	return ok
}

func (h *eventHub) owner(id uint256.Int) *ipc.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client, ok := h.clients[id]; ok {
		return client.session
	}
	return nil
}

func (h *eventHub) broadcast(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn().Err(err).Msg("event marshal error")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, client := range h.clients {
		select {
		case client.send <- payload:
		default:
			h.logger.Debug().Str("subscription", client.id.Hex()).Msg("dropping event for slow client")
		}
	}
}
