package wallet

import (
	"crypto/ed25519"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/klingon-wallet/internal/chain"
)

// Test mnemonic (DO NOT USE FOR REAL FUNDS)
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestGenerateMnemonic(t *testing.T) {
	mnemonic, err := GenerateMnemonic()
	require.NoError(t, err)
	assert.Len(t, strings.Fields(mnemonic), 24)
	assert.True(t, ValidateMnemonic(mnemonic))
}

func TestValidateMnemonic(t *testing.T) {
	tests := []struct {
		mnemonic string
		valid    bool
	}{
		{testMnemonic, true},
		{"invalid mnemonic words", false},
		{"", false},
		{"abandon", false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.valid, ValidateMnemonic(tc.mnemonic), tc.mnemonic)
	}
}

func TestNewSeedInvalid(t *testing.T) {
	_, err := NewSeed("invalid mnemonic", "")
	assert.Error(t, err)
}

func TestDeriveSecp256k1Deterministic(t *testing.T) {
	path := chain.MustGet(chain.Bitcoin, chain.Mainnet).AddressPath(0, 0, 0)

	a, err := NewSeed(testMnemonic, "")
	require.NoError(t, err)
	defer a.Wipe()
	b, err := NewSeed(testMnemonic, "")
	require.NoError(t, err)
	defer b.Wipe()

	ka, err := a.DeriveSecp256k1(&chaincfg.MainNetParams, path)
	require.NoError(t, err)
	kb, err := b.DeriveSecp256k1(&chaincfg.MainNetParams, path)
	require.NoError(t, err)
	assert.Equal(t, ka.String(), kb.String())
}

func TestPassphraseChangesKeys(t *testing.T) {
	path := chain.MustGet(chain.Ethereum, chain.Mainnet).AddressPath(0, 0, 0)

	a, _ := NewSeed(testMnemonic, "")
	b, _ := NewSeed(testMnemonic, "TREZOR")
	ka, err := a.DeriveSecp256k1(nil, path)
	require.NoError(t, err)
	kb, err := b.DeriveSecp256k1(nil, path)
	require.NoError(t, err)
	assert.NotEqual(t, ka.String(), kb.String())
}

func TestDeriveEd25519(t *testing.T) {
	seed, err := NewSeed(testMnemonic, "")
	require.NoError(t, err)
	defer seed.Wipe()

	base := chain.MustGet(chain.Solana, chain.Mainnet).AccountPath(0)
	k0, err := seed.DeriveEd25519(base.Child(chain.HardenedKeyStart))
	require.NoError(t, err)
	assert.Len(t, k0, ed25519.PrivateKeySize)

	again, err := seed.DeriveEd25519(base.Child(chain.HardenedKeyStart))
	require.NoError(t, err)
	assert.Equal(t, k0, again)

	k1, err := seed.DeriveEd25519(chain.MustGet(chain.Solana, chain.Mainnet).AccountPath(1).Child(chain.HardenedKeyStart))
	require.NoError(t, err)
	assert.NotEqual(t, k0, k1)

	_, err = seed.DeriveEd25519(base.Child(0))
	assert.Error(t, err, "non-hardened ed25519 element must be rejected")
}

func TestWipedSeed(t *testing.T) {
	seed, err := NewSeed(testMnemonic, "")
	require.NoError(t, err)
	seed.Wipe()

	_, err = seed.DeriveSecp256k1(nil, chain.Path{0})
	assert.Error(t, err)
	_, err = seed.DeriveEd25519(chain.Path{chain.HardenedKeyStart})
	assert.Error(t, err)
}

func TestValidateIndexes(t *testing.T) {
	assert.NoError(t, ValidateAccountIndex(0))
	assert.NoError(t, ValidateAccountIndex(1<<31-1))
	assert.Error(t, ValidateAccountIndex(1<<31))
	assert.Error(t, ValidateAddressIndex(1<<31))
}
