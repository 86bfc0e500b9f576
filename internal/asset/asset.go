// Package asset holds the read-only asset metadata registry. Asset lists are
// JSON documents loaded once at startup; the registry is passed to consumers
// explicitly rather than living in a package variable.
package asset

import (
	"strings"

	"github.com/klingon-exchange/klingon-wallet/internal/chain"
)

// Asset describes one spendable asset on one chain.
type Asset struct {
	Code            string     `json:"code"`
	Network         chain.Kind `json:"network"`
	ContractAddress string     `json:"contractAddress,omitempty"` // ERC-20 contract or SPL mint; empty for native
	Decimals        uint8      `json:"decimals"`
	Symbol          string     `json:"symbol"`
	Name            string     `json:"name,omitempty"`
	Visible         bool       `json:"visible"`
}

// IsNative reports whether the asset is the chain's native coin.
func (a Asset) IsNative() bool {
	return a.ContractAddress == ""
}

// SameContract compares contract identities. EVM contracts compare
// case-insensitively; Solana mints are case-sensitive base58.
func (a Asset) SameContract(contract string) bool {
	if a.Network == chain.Ethereum {
		return strings.EqualFold(a.ContractAddress, contract)
	}
	return a.ContractAddress == contract
}
