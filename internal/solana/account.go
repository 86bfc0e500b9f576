// Package solana implements the Solana wallet: SLIP-10 account derivation,
// SOL and SPL token balances and history, and transfers.
package solana

import (
	sol "github.com/gagliardetto/solana-go"

	"github.com/klingon-exchange/klingon-wallet/internal/chain"
	"github.com/klingon-exchange/klingon-wallet/internal/wallet"
	"github.com/klingon-exchange/klingon-wallet/pkg/helpers"
)

// Account is the ed25519 key at m/44'/501'/account'/0'.
type Account struct {
	key  sol.PrivateKey
	path chain.Path
}

// DeriveAccount derives the Solana account key.
func DeriveAccount(mnemonic, passphrase string, accountIndex uint32, network chain.Network) (*Account, error) {
	if err := wallet.ValidateAccountIndex(accountIndex); err != nil {
		return nil, err
	}
	seed, err := wallet.NewSeed(mnemonic, passphrase)
	if err != nil {
		return nil, err
	}
	defer seed.Wipe()

	path := chain.MustGet(chain.Solana, network).AccountPath(accountIndex).Child(chain.HardenedKeyStart)
	priv, err := seed.DeriveEd25519(path)
	if err != nil {
		return nil, err
	}
	return &Account{key: sol.PrivateKey(priv), path: path}, nil
}

// PublicKey returns the wallet address.
func (a *Account) PublicKey() sol.PublicKey {
	return a.key.PublicKey()
}

// Path returns the derivation path.
func (a *Account) Path() chain.Path {
	return a.path
}

// signer returns the private key for the wallet address only.
func (a *Account) signer(key sol.PublicKey) *sol.PrivateKey {
	if key.Equals(a.PublicKey()) {
		return &a.key
	}
	return nil
}

// Wipe zeroes the private key.
func (a *Account) Wipe() {
	helpers.Zero(a.key)
}
