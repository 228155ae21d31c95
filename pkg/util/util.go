package util

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// Map applies f to every element of s.
func Map[A any, B any](s []A, f func(A, uint64) B) []B {
	out := make([]B, len(s))
	for i, v := range s {
		out[i] = f(v, uint64(i))
	}
	return out
}

// ParseAddress parses a 0x prefixed, 20 byte hex address. Checksum casing is not enforced.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) || !has0xPrefix(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// NormalizeAddress returns the lowercase 0x form of a valid address.
func NormalizeAddress(s string) (string, error) {
	addr, err := ParseAddress(s)
	if err != nil {
		return "", err
	}
	return strings.ToLower(addr.Hex()), nil
}

// FormatAddress renders an address as lowercase 0x hex.
func FormatAddress(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// SameAddress compares two address strings case-insensitively.
// Invalid input never matches.
func SameAddress(a, b string) bool {
	aa, err := ParseAddress(a)
	if err != nil {
		return false
	}
	bb, err := ParseAddress(b)
	if err != nil {
		return false
	}
	return aa == bb
}

// FormatHash renders a 32 byte value as 0x prefixed lowercase hex.
func FormatHash(h [32]byte) string {
	return hexutil.Encode(h[:])
}

// ParseHash parses a 0x prefixed 32 byte hex string.
func ParseHash(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hexutil.Decode(s)
	if err != nil {
		return out, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("invalid hash %q: expected 32 bytes, got %d", s, len(b))
	}
	copy(out[:], b)
	return out, nil
}

// IsHexHash reports whether s is a 0x prefixed 32 byte hex string.
func IsHexHash(s string) bool {
	_, err := ParseHash(s)
	return err == nil
}

func has0xPrefix(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}

// RoundingMode selects how fractional smallest units are resolved.
type RoundingMode int

const (
	// RoundHalfUp rounds ties away from zero.
	RoundHalfUp RoundingMode = iota
	// RoundHalfEven rounds ties to the nearest even unit.
	RoundHalfEven
)

func (m RoundingMode) String() string {
	switch m {
	case RoundHalfUp:
		return "half_up"
	case RoundHalfEven:
		return "half_even"
	default:
		return fmt.Sprintf("RoundingMode(%d)", int(m))
	}
}

// ParseRoundingMode accepts "half_up" or "half_even".
func ParseRoundingMode(s string) (RoundingMode, error) {
	switch strings.ToLower(s) {
	case "", "half_up":
		return RoundHalfUp, nil
	case "half_even":
		return RoundHalfEven, nil
	default:
		return RoundHalfUp, fmt.Errorf("unknown rounding mode %q", s)
	}
}

// Round resolves d to places decimal places under the mode.
func (m RoundingMode) Round(d decimal.Decimal, places int32) decimal.Decimal {
	if m == RoundHalfEven {
		return d.RoundBank(places)
	}
	return d.Round(places)
}

// Quo divides num by den and rounds the exact quotient to places decimal
// places under the mode. den must not be zero.
func (m RoundingMode) Quo(num, den decimal.Decimal, places int32) decimal.Decimal {
	q, r := num.QuoRem(den, places)
	if r.IsZero() {
		return q
	}

	// q is truncated toward zero; r/(den*unit) is the discarded part of the last place.
	unit := decimal.New(1, -places)
	cmp := r.Abs().Add(r.Abs()).Cmp(den.Abs().Mul(unit))
	up := cmp > 0
	if cmp == 0 {
		up = m == RoundHalfUp || q.Shift(places).BigInt().Bit(0) == 1
	}
	if !up {
		return q
	}
	if num.Sign()*den.Sign() < 0 {
		return q.Sub(unit)
	}
	return q.Add(unit)
}

// ToSmallestUnit scales d by 10^exponent and rounds to an integer.
func ToSmallestUnit(d decimal.Decimal, exponent int32, mode RoundingMode) *big.Int {
	return mode.Round(d.Shift(exponent), 0).BigInt()
}

// FromSmallestUnit converts an integer amount back into whole units.
func FromSmallestUnit(raw *big.Int, exponent int32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -exponent)
}
