package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/rexliu/rpcc/pkg/ident"
	"github.com/rexliu/rpcc/pkg/jsonrpc"
)

// ErrNoRecording is returned by Journal.Lookup when nothing matches.
var ErrNoRecording = errors.New("no recorded exchange")

// Exchange is one recorded request/response pair.
type Exchange struct {
	ID         string
	Method     string
	Params     json.RawMessage
	Request    json.RawMessage
	Response   json.RawMessage
	RecordedAt time.Time
}

// Journal persists exchanges. Lookup returns the most recent exchange for a
// method and compacted params.
type Journal interface {
	Record(ctx context.Context, ex Exchange) error
	Lookup(ctx context.Context, method string, params json.RawMessage) (Exchange, error)
}

// Recorder forwards to another transport and journals every answered
// request. Journal failures are logged and never fail the call.
type Recorder struct {
	next    Transport
	journal Journal
	log     zerolog.Logger
}

// NewRecorder wraps next.
func NewRecorder(next Transport, journal Journal, log zerolog.Logger) *Recorder {
	return &Recorder{next: next, journal: journal, log: log}
}

// Send forwards req and records the reply.
func (r *Recorder) Send(ctx context.Context, req jsonrpc.SerializedRequest) (jsonrpc.Response, error) {
	resp, err := r.next.Send(ctx, req)
	if err != nil {
		return resp, err
	}
	r.record(ctx, req, resp)
	return resp, nil
}

// SendBatch forwards reqs when the wrapped transport supports batches.
func (r *Recorder) SendBatch(ctx context.Context, reqs []jsonrpc.SerializedRequest) ([]jsonrpc.Response, error) {
	bt, ok := r.next.(BatchTransport)
	if !ok {
		return nil, ErrBatchUnsupported
	}
	resps, err := bt.SendBatch(ctx, reqs)
	if err != nil {
		return nil, err
	}
	byID := make(map[jsonrpc.ID]jsonrpc.Response, len(resps))
	for _, resp := range resps {
		byID[resp.ID] = resp
	}
	for _, req := range reqs {
		if resp, ok := byID[req.ID]; ok {
			r.record(ctx, req, resp)
		}
	}
	return resps, nil
}

// Close closes the wrapped transport if it can be closed.
func (r *Recorder) Close() error {
	return closeTransport(r.next)
}

func (r *Recorder) record(ctx context.Context, req jsonrpc.SerializedRequest, resp jsonrpc.Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		r.log.Warn().Err(err).Str("method", req.Method).Msg("journal encode failed")
		return
	}
	ex := Exchange{
		ID:         ident.New(),
		Method:     req.Method,
		Params:     paramsOf(req.Body),
		Request:    req.Body,
		Response:   body,
		RecordedAt: time.Now().UTC(),
	}
	if err := r.journal.Record(ctx, ex); err != nil {
		r.log.Warn().Err(err).Str("method", req.Method).Msg("journal write failed")
	}
}

// Replay answers requests from a journal without touching the network.
type Replay struct {
	journal Journal
}

// NewReplay returns a transport backed by journal.
func NewReplay(journal Journal) *Replay {
	return &Replay{journal: journal}
}

// Send looks up the recorded reply and rewrites its id to match req.
func (r *Replay) Send(ctx context.Context, req jsonrpc.SerializedRequest) (jsonrpc.Response, error) {
	resp, err := r.lookup(ctx, req)
	if err != nil {
		return jsonrpc.Response{}, Errorf("replay %s: %v", req.Method, err)
	}
	return resp, nil
}

// SendBatch answers each entry; entries without a recording are omitted
// from the reply, as a server would.
func (r *Replay) SendBatch(ctx context.Context, reqs []jsonrpc.SerializedRequest) ([]jsonrpc.Response, error) {
	out := make([]jsonrpc.Response, 0, len(reqs))
	for _, req := range reqs {
		resp, err := r.lookup(ctx, req)
		if errors.Is(err, ErrNoRecording) {
			continue
		}
		if err != nil {
			return nil, Errorf("replay %s: %v", req.Method, err)
		}
		out = append(out, resp)
	}
	return out, nil
}

func (r *Replay) lookup(ctx context.Context, req jsonrpc.SerializedRequest) (jsonrpc.Response, error) {
	ex, err := r.journal.Lookup(ctx, req.Method, paramsOf(req.Body))
	if err != nil {
		return jsonrpc.Response{}, err
	}
	var resp jsonrpc.Response
	if err := json.Unmarshal(ex.Response, &resp); err != nil {
		return jsonrpc.Response{}, err
	}
	resp.ID = req.ID
	return resp, nil
}

// paramsOf extracts and compacts the params member of an encoded request.
// Requests without params yield nil.
func paramsOf(body json.RawMessage) json.RawMessage {
	var env struct {
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(body, &env); err != nil || len(env.Params) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, env.Params); err != nil {
		return env.Params
	}
	return buf.Bytes()
}

func closeTransport(t Transport) error {
	if c, ok := t.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
