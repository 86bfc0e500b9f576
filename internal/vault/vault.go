// Package vault holds the wallet's single secret record: the mnemonic, its
// optional passphrase, the account index and per-chain address counters.
// The record lives only inside the secure store.
package vault

import (
	"strings"
	"time"

	"github.com/klingon-exchange/klingon-wallet/internal/chain"
)

// ChainState tracks the address counters of one chain family.
type ChainState struct {
	ExternalAddressIndex   uint32 `json:"externalAddressIndex"`
	InternalAddressIndex   uint32 `json:"internalAddressIndex"`
	AssociatedAccountIndex uint32 `json:"associatedAccountIndex"`
}

// Used reports whether any address has been handed out on this chain.
func (c ChainState) Used() bool {
	return c.ExternalAddressIndex > 0 || c.InternalAddressIndex > 0
}

// Vault is the wallet secret record.
type Vault struct {
	ID           string                    `json:"id"`
	Mnemonic     string                    `json:"mnemonic"`
	Passphrase   string                    `json:"passphrase,omitempty"`
	AccountIndex uint32                    `json:"accountIndex"`
	Chains       map[chain.Kind]ChainState `json:"chains"`
	CreatedAt    time.Time                 `json:"createdAt"`
}

// Chain returns the state of one chain, zero if never touched.
func (v *Vault) Chain(kind chain.Kind) ChainState {
	if v.Chains == nil {
		return ChainState{}
	}
	return v.Chains[kind]
}

// Valid reports whether the record carries a usable mnemonic.
func (v *Vault) Valid() bool {
	return v != nil && strings.TrimSpace(v.Mnemonic) != ""
}
