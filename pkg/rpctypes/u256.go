// Package rpctypes holds request parameter types shared by Ethereum-style
// JSON-RPC methods.
package rpctypes

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// U256 is a 256-bit unsigned quantity encoded as a 0x-prefixed hex string.
type U256 uint256.Int

// NewU256 returns v as a U256.
func NewU256(v uint64) U256 {
	return U256(*uint256.NewInt(v))
}

// MaxU256 returns 2^256-1.
func MaxU256() U256 {
	var v uint256.Int
	v.SetAllOne()
	return U256(v)
}

// Int returns a copy as a uint256.Int.
func (u U256) Int() *uint256.Int {
	v := uint256.Int(u)
	return &v
}

// MarshalText implements encoding.TextMarshaler.
func (u U256) MarshalText() ([]byte, error) {
	return []byte(u.Int().Hex()), nil
}

// UnmarshalText accepts hex with or without leading zero digits, and
// decimal strings.
func (u *U256) UnmarshalText(text []byte) error {
	s := string(text)
	var v uint256.Int
	if digits, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		digits = strings.TrimLeft(digits, "0")
		if digits != "" {
			if err := v.SetFromHex("0x" + digits); err != nil {
				return fmt.Errorf("invalid quantity %q: %w", s, err)
			}
		}
	} else if err := v.SetFromDecimal(s); err != nil {
		return fmt.Errorf("invalid quantity %q: %w", s, err)
	}
	*u = U256(v)
	return nil
}

func (u U256) String() string { return u.Int().Hex() }
