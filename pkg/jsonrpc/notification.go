package jsonrpc

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/holiman/uint256"
)

// Notification is a server push: a request envelope without an id.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// SubscriptionItem is the params member of a "<ns>_subscription" notification.
type SubscriptionItem struct {
	Subscription uint256.Int     `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

type subscriptionItemWire struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// MarshalJSON encodes the subscription id as a 0x-prefixed quantity.
func (s SubscriptionItem) MarshalJSON() ([]byte, error) {
	return json.Marshal(subscriptionItemWire{Subscription: s.Subscription.Hex(), Result: s.Result})
}

// UnmarshalJSON decodes a subscription id given as hex or decimal string.
func (s *SubscriptionItem) UnmarshalJSON(data []byte) error {
	var wire subscriptionItemWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	id, err := ParseSubscriptionID(wire.Subscription)
	if err != nil {
		return err
	}
	*s = SubscriptionItem{Subscription: id, Result: wire.Result}
	return nil
}

// IsSubscriptionItem reports whether the notification carries a subscription item.
func (n Notification) IsSubscriptionItem() bool {
	return strings.HasSuffix(n.Method, "_subscription")
}

// ParseSubscriptionID parses a 256-bit subscription id. Servers pad ids with
// leading zeros, so the hex form is parsed leniently.
func ParseSubscriptionID(s string) (uint256.Int, error) {
	var id uint256.Int
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		digits := strings.TrimLeft(s[2:], "0")
		if digits == "" {
			return id, nil
		}
		err := id.SetFromHex("0x" + digits)
		return id, err
	}
	err := id.SetFromDecimal(s)
	return id, err
}

// DecodeSubscriptionResult decodes a subscribe call result into a subscription id.
func DecodeSubscriptionResult(raw json.RawMessage) (uint256.Int, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return uint256.Int{}, err
	}
	return ParseSubscriptionID(s)
}

// Message is any inbound envelope on a duplex connection.
type Message struct {
	Notification *Notification
	Response     *Response
}

// Payload is one decoded inbound frame.
type Payload struct {
	Messages []Message
	// Array is set when the frame was a JSON array.
	Array bool
	// Skipped counts array elements that could not be decoded.
	Skipped int
}

// ParseMessages classifies an inbound frame, which may be a single envelope
// or a batch array. Undecodable array elements are skipped and counted; an
// undecodable single envelope is an error.
func ParseMessages(data []byte) (Payload, error) {
	if !isArray(data) {
		msg, ok, err := parseMessage(bytes.TrimSpace(data))
		if err != nil {
			return Payload{}, err
		}
		var p Payload
		if ok {
			p.Messages = []Message{msg}
		}
		return p, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return Payload{}, err
	}
	p := Payload{Messages: make([]Message, 0, len(raws)), Array: true}
	for _, raw := range raws {
		msg, ok, err := parseMessage(raw)
		switch {
		case err != nil:
			p.Skipped++
		case ok:
			p.Messages = append(p.Messages, msg)
		}
	}
	return p, nil
}

// parseMessage reports ok=false for server-initiated requests, which
// clients do not serve.
func parseMessage(raw json.RawMessage) (Message, bool, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Message{}, false, err
	}
	_, hasMethod := probe["method"]
	_, hasID := probe["id"]
	switch {
	case hasMethod && hasID:
		return Message{}, false, nil
	case hasMethod:
		var n Notification
		if err := json.Unmarshal(raw, &n); err != nil {
			return Message{}, false, err
		}
		return Message{Notification: &n}, true, nil
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Message{}, false, err
	}
	return Message{Response: &resp}, true, nil
}
