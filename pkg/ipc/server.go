// Package ipc serves JSON-RPC 2.0 over unix sockets using length-prefixed
// frames. Each connection is a Session that handlers may push notifications to.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rexliu/rpcc/pkg/ident"
	"github.com/rexliu/rpcc/pkg/jsonrpc"
)

// HandlerFunc processes RPC params and returns a result or structured error.
type HandlerFunc func(context.Context, json.RawMessage) (any, *jsonrpc.ErrorPayload)

// Server listens for IPC requests over Unix sockets.
type Server struct {
	ln       net.Listener
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	sessions map[*Session]struct{}
	closed   bool
	log      zerolog.Logger
}

// NewServer constructs an IPC server.
func NewServer(log zerolog.Logger) *Server {
	return &Server{
		handlers: make(map[string]HandlerFunc),
		sessions: make(map[*Session]struct{}),
		log:      log,
	}
}

// Register installs a handler for a method.
func (s *Server) Register(method string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
}

// Start begins accepting connections on endpoint.
func (s *Server) Start(ctx context.Context, endpoint string) error {
	if s == nil {
		return errors.New("nil server")
	}
	ln, err := net.Listen("unix", endpoint)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	go s.acceptLoop(ctx, ln)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return
			}
			s.log.Warn().Err(err).Msg("accept error")
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	sess := newSession(conn, s.log)
	ctx, cancel := context.WithCancel(withSession(ctx, sess))
	s.track(sess, true)
	defer func() {
		cancel()
		s.track(sess, false)
		sess.close()
	}()
	for {
		payload, err := readFrame(conn)
		if err != nil {
			return
		}
		reqs, batch, err := jsonrpc.DecodeRequests(payload)
		if err != nil {
			s.writeOne(sess, jsonrpc.Failure(jsonrpc.ID{}, jsonrpc.Errorf(jsonrpc.CodeParseError, "invalid json")))
			continue
		}
		if batch && len(reqs) == 0 {
			s.writeOne(sess, jsonrpc.Failure(jsonrpc.ID{}, jsonrpc.Errorf(jsonrpc.CodeInvalidRequest, "empty batch")))
			continue
		}
		resps := make([]jsonrpc.Response, 0, len(reqs))
		for _, req := range reqs {
			resp := s.dispatch(ctx, sess, req)
			if req.HasID {
				resps = append(resps, resp)
			}
		}
		if len(resps) > 0 {
			var werr error
			if batch {
				werr = sess.write(resps)
			} else {
				werr = sess.write(resps[0])
			}
			if werr != nil {
				return
			}
		}
		sess.runAfterReply()
	}
}

func (s *Server) dispatch(ctx context.Context, sess *Session, req jsonrpc.InboundRequest) jsonrpc.Response {
	handler := s.lookupHandler(req.Method)
	if handler == nil {
		s.log.Debug().Str("session", sess.id).Str("method", req.Method).Msg("unknown method")
		return jsonrpc.Failure(req.ID, jsonrpc.Errorf(jsonrpc.CodeMethodNotFound, "the method %s does not exist/is not available", req.Method))
	}
	result, rpcErr := handler(ctx, req.Params)
	if rpcErr != nil {
		return jsonrpc.Failure(req.ID, rpcErr)
	}
	resp, err := jsonrpc.Success(req.ID, result)
	if err != nil {
		return jsonrpc.Failure(req.ID, jsonrpc.Errorf(jsonrpc.CodeInternalError, "%v", err))
	}
	return resp
}

func (s *Server) writeOne(sess *Session, resp jsonrpc.Response) {
	if err := sess.write(resp); err != nil {
		s.log.Debug().Err(err).Str("session", sess.id).Msg("write failed")
	}
}

func (s *Server) lookupHandler(method string) HandlerFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handlers[method]
}

func (s *Server) track(sess *Session, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.sessions[sess] = struct{}{}
	} else {
		delete(s.sessions, sess)
	}
}

// Sessions returns the number of open connections.
func (s *Server) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Stop shuts down the listener and every open session.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.close()
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (s *Server) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Session is one client connection.
type Session struct {
	id      string
	conn    net.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
	log     zerolog.Logger

	afterMu sync.Mutex
	after   []func()
}

func newSession(conn net.Conn, log zerolog.Logger) *Session {
	return &Session{
		id:   ident.New(),
		conn: conn,
		done: make(chan struct{}),
		log:  log,
	}
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// Done is closed when the connection ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// AfterReply queues fn to run once the reply to the request being handled
// has been written. Notifications that must follow that reply are sent from
// fn.
func (s *Session) AfterReply(fn func()) {
	s.afterMu.Lock()
	s.after = append(s.after, fn)
	s.afterMu.Unlock()
}

func (s *Session) runAfterReply() {
	s.afterMu.Lock()
	fns := s.after
	s.after = nil
	s.afterMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Notify pushes a notification envelope to the client.
func (s *Session) Notify(method string, params any) error {
	return s.write(struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{JSONRPC: jsonrpc.Version, Method: method, Params: params})
}

func (s *Session) write(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return net.ErrClosed
	default:
	}
	return writeFrame(s.conn, payload)
}

func (s *Session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

type sessionKey struct{}

func withSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

// SessionFromContext returns the session serving the current request.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionKey{}).(*Session)
	return sess
}
