package wallet

import "fmt"

// ValidateAccountIndex validates a BIP44 account index.
func ValidateAccountIndex(index uint32) error {
	// BIP44 accounts use hardened derivation, max is 2^31 - 1
	const maxAccount = 1<<31 - 1
	if index > maxAccount {
		return fmt.Errorf("account index %d exceeds maximum %d", index, maxAccount)
	}
	return nil
}

// ValidateAddressIndex validates a non-hardened address index.
func ValidateAddressIndex(index uint32) error {
	const maxIndex = 1<<31 - 1
	if index > maxIndex {
		return fmt.Errorf("address index %d exceeds maximum %d", index, maxIndex)
	}
	return nil
}
