package solana

import (
	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// ValidateAddress reports whether s is a base58 ed25519 public key on the
// curve. Program-derived addresses are off-curve and rejected.
func ValidateAddress(s string) bool {
	b, err := base58.Decode(s)
	if err != nil || len(b) != 32 {
		return false
	}
	_, err = new(edwards25519.Point).SetBytes(b)
	return err == nil
}
