package rpctypes

import (
	"bytes"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// StateOverride replaces account state for the duration of an eth_call.
type StateOverride map[common.Address]AccountOverride

// AccountOverride describes the overrides for one account. Nil fields are
// left untouched. A non-nil empty State clears all storage, which is
// different from not overriding it.
type AccountOverride struct {
	Balance   *U256
	Nonce     *hexutil.Uint64
	Code      *hexutil.Bytes
	State     map[common.Hash]U256
	StateDiff map[common.Hash]U256
}

type accountOverrideWire struct {
	Balance   *U256                 `json:"balance,omitempty"`
	Nonce     *hexutil.Uint64       `json:"nonce,omitempty"`
	Code      *hexutil.Bytes        `json:"code,omitempty"`
	State     *map[common.Hash]U256 `json:"state,omitempty"`
	StateDiff *map[common.Hash]U256 `json:"stateDiff,omitempty"`
}

// MarshalJSON omits unset fields.
func (a AccountOverride) MarshalJSON() ([]byte, error) {
	wire := accountOverrideWire{Balance: a.Balance, Nonce: a.Nonce, Code: a.Code}
	if a.State != nil {
		wire.State = &a.State
	}
	if a.StateDiff != nil {
		wire.StateDiff = &a.StateDiff
	}
	return json.Marshal(wire)
}

// UnmarshalJSON rejects unknown fields and values of the wrong JSON type.
func (a *AccountOverride) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var wire accountOverrideWire
	if err := dec.Decode(&wire); err != nil {
		return err
	}
	*a = AccountOverride{Balance: wire.Balance, Nonce: wire.Nonce, Code: wire.Code}
	if wire.State != nil {
		a.State = *wire.State
	}
	if wire.StateDiff != nil {
		a.StateDiff = *wire.StateDiff
	}
	return nil
}

// IsEmpty reports whether no field is overridden.
func (a AccountOverride) IsEmpty() bool {
	return a.Balance == nil && a.Nonce == nil && a.Code == nil && a.State == nil && a.StateDiff == nil
}
