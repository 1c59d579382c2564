package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Standard error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ErrorPayload is the error member of a response. It is returned verbatim to
// callers as a remote error.
type ErrorPayload struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ErrorPayload) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("server returned an error response: error code %d: %s, data: %s", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("server returned an error response: error code %d: %s", e.Code, e.Message)
}

// Errorf builds an error payload without data.
func Errorf(code int64, format string, args ...any) *ErrorPayload {
	return &ErrorPayload{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Response is a decoded response envelope. Exactly one of Result and Error is set.
type Response struct {
	ID     ID
	Result json.RawMessage
	Error  *ErrorPayload
}

// Success builds a response carrying result.
func Success(id ID, result any) (Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{}, err
	}
	return Response{ID: id, Result: raw}, nil
}

// Failure builds a response carrying an error payload.
func Failure(id ID, payload *ErrorPayload) Response {
	return Response{ID: id, Error: payload}
}

type responseWire struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
}

// MarshalJSON encodes the response envelope. A success with an empty result
// is encoded as "result": null.
func (r Response) MarshalJSON() ([]byte, error) {
	wire := responseWire{JSONRPC: Version, ID: r.ID, Error: r.Error}
	if r.Error == nil {
		wire.Result = r.Result
		if len(wire.Result) == 0 {
			wire.Result = json.RawMessage("null")
		}
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes a response envelope, rejecting envelopes that carry
// neither a result nor an error.
func (r *Response) UnmarshalJSON(data []byte) error {
	var wire struct {
		ID     ID               `json:"id"`
		Result *json.RawMessage `json:"result"`
		Error  *ErrorPayload    `json:"error"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*r = Response{ID: wire.ID, Error: wire.Error}
	switch {
	case wire.Error != nil:
	case wire.Result != nil:
		r.Result = *wire.Result
	default:
		if !bytes.Contains(data, []byte(`"result"`)) {
			return errors.New("jsonrpc: response has neither result nor error")
		}
		r.Result = json.RawMessage("null")
	}
	return nil
}

// IsError reports whether the response carries an error payload.
func (r Response) IsError() bool { return r.Error != nil }

// DecodeResult unmarshals the result member into out.
func (r Response) DecodeResult(out any) error {
	if r.Error != nil {
		return r.Error
	}
	return json.Unmarshal(r.Result, out)
}

// ParseResponses decodes a single response or an array of responses. Array
// elements are decoded one by one; elements that do not decode are left out
// and counted in skipped, so one bad element never hides its siblings.
func ParseResponses(data []byte) (resps []Response, skipped int, err error) {
	if isArray(data) {
		var raws []json.RawMessage
		if err := json.Unmarshal(data, &raws); err != nil {
			return nil, 0, err
		}
		resps = make([]Response, 0, len(raws))
		for _, raw := range raws {
			var resp Response
			if err := json.Unmarshal(raw, &resp); err != nil {
				skipped++
				continue
			}
			resps = append(resps, resp)
		}
		return resps, skipped, nil
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, 0, err
	}
	return []Response{resp}, 0, nil
}

func isArray(data []byte) bool {
	data = bytes.TrimLeft(data, " \t\r\n")
	return len(data) > 0 && data[0] == '['
}
