// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ErrTooPrecise is returned when an amount has more fractional digits than
// the asset can represent.
var ErrTooPrecise = errors.New("amount has more decimal places than the asset supports")

// ToAtomic converts a human decimal amount to the asset's smallest unit.
// For example, ToAtomic(0.001, 8) returns 100000 (satoshis).
func ToAtomic(amount decimal.Decimal, decimals uint8) (*big.Int, error) {
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("negative amount: %s", amount)
	}
	shifted := amount.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("%w: %s with %d decimals", ErrTooPrecise, amount, decimals)
	}
	return shifted.BigInt(), nil
}

// ToAtomicUint64 is ToAtomic for chains whose amounts fit in 64 bits.
func ToAtomicUint64(amount decimal.Decimal, decimals uint8) (uint64, error) {
	raw, err := ToAtomic(amount, decimals)
	if err != nil {
		return 0, err
	}
	if !raw.IsUint64() {
		return 0, fmt.Errorf("amount overflow: %s", amount)
	}
	return raw.Uint64(), nil
}

// FromAtomic converts an amount in smallest units to a decimal.
// For example, FromAtomic(100000000, 8) returns 1 (BTC).
func FromAtomic(raw *big.Int, decimals uint8) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(decimals))
}

// FromAtomicUint64 is FromAtomic for uint64 amounts.
func FromAtomicUint64(raw uint64, decimals uint8) decimal.Decimal {
	return FromAtomic(new(big.Int).SetUint64(raw), decimals)
}

// FromAtomicInt64 is FromAtomic for signed deltas.
func FromAtomicInt64(raw int64, decimals uint8) decimal.Decimal {
	return FromAtomic(big.NewInt(raw), decimals)
}

// FormatAmount formats an amount in smallest units as a decimal string.
// For example, FormatAmount(100000000, 8) returns "1".
func FormatAmount(amount uint64, decimals uint8) string {
	return FromAtomicUint64(amount, decimals).String()
}

// ParseAmount parses a decimal string to smallest units.
// For example, ParseAmount("1", 8) returns 100000000 (1 BTC in satoshis).
func ParseAmount(s string, decimals uint8) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty amount string")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount: %s", s)
	}
	return ToAtomicUint64(d, decimals)
}
