package jsonrpc

import (
	"encoding/json"
	"strings"
)

// Version is the protocol version carried by every envelope.
const Version = "2.0"

// Request is an unsent request. It is a plain value: building one never
// serializes the params.
type Request struct {
	Method string
	ID     ID
	Params any
}

// NewRequest pairs a method, its params and an already reserved id.
func NewRequest(method string, id ID, params any) Request {
	return Request{Method: method, ID: id, Params: params}
}

type requestWire struct {
	JSONRPC string `json:"jsonrpc"`
	ID      ID     `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Serialize encodes the full request envelope.
func (r Request) Serialize() (SerializedRequest, error) {
	body, err := json.Marshal(requestWire{
		JSONRPC: Version,
		ID:      r.ID,
		Method:  r.Method,
		Params:  r.Params,
	})
	if err != nil {
		return SerializedRequest{}, err
	}
	return SerializedRequest{Method: r.Method, ID: r.ID, Body: body}, nil
}

// SerializedRequest is a request whose envelope has already been encoded.
type SerializedRequest struct {
	Method string
	ID     ID
	Body   json.RawMessage
}

// IsSubscription reports whether the request opens a subscription.
func (r SerializedRequest) IsSubscription() bool {
	return strings.HasSuffix(r.Method, "_subscribe")
}

// EncodeBatch joins already encoded requests into a JSON array.
func EncodeBatch(reqs []SerializedRequest) json.RawMessage {
	size := 2
	for _, req := range reqs {
		size += len(req.Body) + 1
	}
	buf := make([]byte, 0, size)
	buf = append(buf, '[')
	for i, req := range reqs {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, req.Body...)
	}
	buf = append(buf, ']')
	return buf
}

// DecodeRequests parses an inbound request or batch of requests. The second
// return value reports whether the payload was a batch.
func DecodeRequests(data []byte) ([]InboundRequest, bool, error) {
	if isArray(data) {
		var reqs []InboundRequest
		if err := json.Unmarshal(data, &reqs); err != nil {
			return nil, true, err
		}
		return reqs, true, nil
	}
	var req InboundRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, false, err
	}
	return []InboundRequest{req}, false, nil
}

// InboundRequest is a request as seen by a server. HasID is false for
// notifications, which must not be answered.
type InboundRequest struct {
	ID     ID              `json:"id"`
	HasID  bool            `json:"-"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// UnmarshalJSON records whether an id member was present at all.
func (r *InboundRequest) UnmarshalJSON(data []byte) error {
	var wire struct {
		ID     *json.RawMessage `json:"id"`
		Method string           `json:"method"`
		Params json.RawMessage  `json:"params"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*r = InboundRequest{Method: wire.Method, Params: wire.Params}
	if wire.ID != nil {
		r.HasID = true
		if err := r.ID.UnmarshalJSON(*wire.ID); err != nil {
			return err
		}
	}
	return nil
}
