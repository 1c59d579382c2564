// Package jsonrpc models JSON-RPC 2.0 envelopes: ids, requests, responses,
// error payloads and subscription notifications.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

type idKind uint8

const (
	idNone idKind = iota
	idNumber
	idString
)

// ID is a request correlation id. It is comparable and safe to use as a map key.
type ID struct {
	kind idKind
	num  uint64
	str  string
}

// NumberID returns a numeric id.
func NumberID(n uint64) ID {
	return ID{kind: idNumber, num: n}
}

// StringID returns a string id.
func StringID(s string) ID {
	return ID{kind: idString, str: s}
}

// IsNone reports whether the id is null or absent.
func (id ID) IsNone() bool { return id.kind == idNone }

// IsNumber reports whether the id is numeric.
func (id ID) IsNumber() bool { return id.kind == idNumber }

// Number returns the numeric value and whether the id is numeric.
func (id ID) Number() (uint64, bool) {
	return id.num, id.kind == idNumber
}

func (id ID) String() string {
	switch id.kind {
	case idNumber:
		return strconv.FormatUint(id.num, 10)
	case idString:
		return strconv.Quote(id.str)
	default:
		return "null"
	}
}

// MarshalJSON encodes the id as a JSON number, string or null.
func (id ID) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case idNumber:
		return strconv.AppendUint(nil, id.num, 10), nil
	case idString:
		return json.Marshal(id.str)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts a non-negative integer, a string or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0:
		return fmt.Errorf("jsonrpc: empty id")
	case bytes.Equal(data, []byte("null")):
		*id = ID{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("jsonrpc: invalid string id: %w", err)
		}
		*id = StringID(s)
		return nil
	default:
		n, err := strconv.ParseUint(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("jsonrpc: invalid numeric id %s", data)
		}
		*id = NumberID(n)
		return nil
	}
}
