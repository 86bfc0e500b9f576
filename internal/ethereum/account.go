// Package ethereum implements the Ethereum wallet: BIP44 account derivation,
// ETH and ERC-20 balances, and legacy EIP-155 transfers.
package ethereum

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/klingon-exchange/klingon-wallet/internal/chain"
	"github.com/klingon-exchange/klingon-wallet/internal/wallet"
)

// Account is the key at m/44'/60'/account'/0/index.
type Account struct {
	key     *ecdsa.PrivateKey
	address common.Address
	path    chain.Path
}

// DeriveAccount derives the external address key at addressIndex.
func DeriveAccount(mnemonic, passphrase string, accountIndex, addressIndex uint32, network chain.Network) (*Account, error) {
	if err := wallet.ValidateAccountIndex(accountIndex); err != nil {
		return nil, err
	}
	if err := wallet.ValidateAddressIndex(addressIndex); err != nil {
		return nil, err
	}

	seed, err := wallet.NewSeed(mnemonic, passphrase)
	if err != nil {
		return nil, err
	}
	defer seed.Wipe()

	path := chain.MustGet(chain.Ethereum, network).AddressPath(accountIndex, 0, addressIndex)
	ext, err := seed.DeriveSecp256k1(nil, path)
	if err != nil {
		return nil, err
	}
	defer ext.Zero()

	priv, err := ext.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	key := priv.ToECDSA()

	return &Account{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		path:    path,
	}, nil
}

// Address returns the checksummed account address.
func (a *Account) Address() common.Address {
	return a.address
}

// Path returns the derivation path.
func (a *Account) Path() chain.Path {
	return a.path
}

// Wipe clears the private scalar.
func (a *Account) Wipe() {
	if a.key != nil && a.key.D != nil {
		a.key.D.Set(big.NewInt(0))
	}
}

// ValidateAddress accepts 0x-prefixed hex addresses. Mixed-case input must
// carry a valid EIP-55 checksum.
func ValidateAddress(address string) bool {
	if !strings.HasPrefix(address, "0x") && !strings.HasPrefix(address, "0X") {
		return false
	}
	if !common.IsHexAddress(address) {
		return false
	}
	body := address[2:]
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return true
	}
	return common.HexToAddress(address).Hex()[2:] == body
}
