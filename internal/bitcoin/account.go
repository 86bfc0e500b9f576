// Package bitcoin implements the BIP84 native SegWit wallet: account
// derivation, coin collection, PSBT construction, signing and broadcast.
package bitcoin

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/klingon-exchange/klingon-wallet/internal/chain"
	"github.com/klingon-exchange/klingon-wallet/internal/wallet"
)

// BIP32 chain indexes.
const (
	ExternalChain uint32 = 0
	InternalChain uint32 = 1
)

// Account is a derived BIP84 account. It holds private key material and
// must be wiped once the operation that derived it is done.
type Account struct {
	params      chain.Params
	index       uint32
	key         *hdkeychain.ExtendedKey // m/84'/coin'/account'
	fingerprint uint32                  // master key fingerprint for PSBT derivation info
}

// DeriveAccount derives the BIP84 account for the given network.
func DeriveAccount(mnemonic, passphrase string, accountIndex uint32, network chain.Network) (*Account, error) {
	if err := wallet.ValidateAccountIndex(accountIndex); err != nil {
		return nil, err
	}
	params := chain.MustGet(chain.Bitcoin, network)

	seed, err := wallet.NewSeed(mnemonic, passphrase)
	if err != nil {
		return nil, err
	}
	defer seed.Wipe()

	master, err := seed.DeriveSecp256k1(params.Net, nil)
	if err != nil {
		return nil, err
	}
	defer master.Zero()

	masterPub, err := master.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get master public key: %w", err)
	}
	fp := btcutil.Hash160(masterPub.SerializeCompressed())[:4]

	key, err := seed.DeriveSecp256k1(params.Net, params.AccountPath(accountIndex))
	if err != nil {
		return nil, err
	}

	return &Account{
		params:      params,
		index:       accountIndex,
		key:         key,
		fingerprint: binary.LittleEndian.Uint32(fp),
	}, nil
}

// Net returns the chain parameters of the account.
func (a *Account) Net() *chaincfg.Params {
	return a.params.Net
}

// Path returns the full derivation path of an address.
func (a *Account) Path(change, index uint32) chain.Path {
	return a.params.AddressPath(a.index, change, index)
}

// ExternalAddress returns the receive address at index.
func (a *Account) ExternalAddress(index uint32) (btcutil.Address, error) {
	return a.address(ExternalChain, index)
}

// InternalAddress returns the change address at index.
func (a *Account) InternalAddress(index uint32) (btcutil.Address, error) {
	return a.address(InternalChain, index)
}

func (a *Account) address(change, index uint32) (btcutil.Address, error) {
	pub, err := a.publicKey(change, index)
	if err != nil {
		return nil, err
	}
	return btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), a.params.Net)
}

// PrivateKey returns the key for a full derivation path belonging to this
// account.
func (a *Account) PrivateKey(path chain.Path) (*btcec.PrivateKey, error) {
	change, index, err := a.split(path)
	if err != nil {
		return nil, err
	}
	child, err := a.child(change, index)
	if err != nil {
		return nil, err
	}
	defer child.Zero()
	return child.ECPrivKey()
}

// Wipe zeroes the account key.
func (a *Account) Wipe() {
	if a.key != nil {
		a.key.Zero()
	}
}

func (a *Account) publicKey(change, index uint32) (*btcec.PublicKey, error) {
	child, err := a.child(change, index)
	if err != nil {
		return nil, err
	}
	defer child.Zero()
	return child.ECPubKey()
}

func (a *Account) child(change, index uint32) (*hdkeychain.ExtendedKey, error) {
	if err := wallet.ValidateAddressIndex(index); err != nil {
		return nil, err
	}
	branch, err := a.key.Derive(change)
	if err != nil {
		return nil, fmt.Errorf("failed to derive chain %d: %w", change, err)
	}
	child, err := branch.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("failed to derive index %d: %w", index, err)
	}
	return child, nil
}

// split checks that path lies under this account and returns its
// change/index tail.
func (a *Account) split(path chain.Path) (uint32, uint32, error) {
	base := a.params.AccountPath(a.index)
	if len(path) != len(base)+2 {
		return 0, 0, fmt.Errorf("path %s is not an address path", path)
	}
	for i := range base {
		if path[i] != base[i] {
			return 0, 0, fmt.Errorf("path %s is outside account %s", path, base)
		}
	}
	change, index := path[len(base)], path[len(base)+1]
	if change != ExternalChain && change != InternalChain {
		return 0, 0, fmt.Errorf("path %s has unknown chain %d", path, change)
	}
	return change, index, nil
}
