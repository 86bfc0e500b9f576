// Package wallet derives key material from a BIP39 mnemonic.
// Nothing here is cached: every operation derives what it needs from the
// seed and wipes the seed afterwards.
package wallet

import (
	"crypto/ed25519"
	"fmt"

	"github.com/anyproto/go-slip10"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/klingon-exchange/klingon-wallet/internal/chain"
	"github.com/klingon-exchange/klingon-wallet/pkg/helpers"
)

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256) // 256 bits = 24 words
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// Seed is the 64-byte BIP39 seed of one mnemonic/passphrase pair.
type Seed struct {
	b []byte
}

// NewSeed creates a seed from a BIP39 mnemonic.
// The passphrase is optional (can be empty string).
func NewSeed(mnemonic, passphrase string) (*Seed, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	return &Seed{b: bip39.NewSeed(mnemonic, passphrase)}, nil
}

// Wipe zeroes the seed. The Seed is unusable afterwards.
func (s *Seed) Wipe() {
	helpers.Zero(s.b)
	s.b = nil
}

// DeriveSecp256k1 walks a BIP32 path from the master key.
// net only selects the extended key version bytes.
func (s *Seed) DeriveSecp256k1(net *chaincfg.Params, path chain.Path) (*hdkeychain.ExtendedKey, error) {
	if s.b == nil {
		return nil, fmt.Errorf("seed wiped")
	}
	if net == nil {
		net = &chaincfg.MainNetParams
	}

	key, err := hdkeychain.NewMaster(s.b, net)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	for _, elem := range path {
		key, err = key.Derive(elem)
		if err != nil {
			return nil, fmt.Errorf("failed to derive %s: %w", path, err)
		}
	}
	return key, nil
}

// DeriveEd25519 walks a SLIP-10 ed25519 path. Every element must be hardened.
func (s *Seed) DeriveEd25519(path chain.Path) (ed25519.PrivateKey, error) {
	if s.b == nil {
		return nil, fmt.Errorf("seed wiped")
	}
	for _, elem := range path {
		if elem < chain.HardenedKeyStart {
			return nil, fmt.Errorf("ed25519 path %s has a non-hardened element", path)
		}
	}

	node, err := slip10.DeriveForPath(path.String(), s.b)
	if err != nil {
		return nil, fmt.Errorf("failed to derive %s: %w", path, err)
	}
	_, priv := node.Keypair()
	return priv, nil
}
