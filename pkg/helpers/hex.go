package helpers

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseQuantity parses an integer quantity written as decimal digits,
// scientific notation (2.014e18) or 0x-prefixed hex.
func ParseQuantity(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty quantity")
	}

	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, ok := new(big.Int).SetString(s[2:], 16)
		if !ok {
			return nil, fmt.Errorf("invalid hex quantity: %s", s)
		}
		return v, nil
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid quantity: %s", s)
	}
	if d.Sign() < 0 || !d.IsInteger() {
		return nil, fmt.Errorf("quantity must be a non-negative integer: %s", s)
	}
	return d.BigInt(), nil
}
