package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllKindsHaveBothNetworks(t *testing.T) {
	for _, kind := range Kinds {
		for _, network := range []Network{Mainnet, Testnet} {
			p, ok := Get(kind, network)
			require.True(t, ok, "%s/%s should be defined", kind, network)
			assert.Equal(t, kind, p.Kind)
		}
	}
}

func TestBitcoinParams(t *testing.T) {
	main := MustGet(Bitcoin, Mainnet)
	assert.Equal(t, uint32(84), main.Purpose)
	assert.Equal(t, uint32(0), main.CoinType)
	assert.Equal(t, "bc", main.Net.Bech32HRPSegwit)

	test := MustGet(Bitcoin, Testnet)
	assert.Equal(t, uint32(1), test.CoinType)
	assert.Equal(t, "tb", test.Net.Bech32HRPSegwit)
}

func TestEthereumChainIDs(t *testing.T) {
	assert.Equal(t, uint64(1), MustGet(Ethereum, Mainnet).ChainID)
	assert.Equal(t, uint64(11155111), MustGet(Ethereum, Testnet).ChainID)
}

func TestGetUnknown(t *testing.T) {
	_, ok := Get(Kind("dogecoin"), Mainnet)
	assert.False(t, ok)
}

func TestAddressPath(t *testing.T) {
	p := MustGet(Bitcoin, Mainnet)
	assert.Equal(t, "m/84'/0'/0'/1/7", p.AddressPath(0, 1, 7).String())

	eth := MustGet(Ethereum, Mainnet)
	assert.Equal(t, "m/44'/60'/3'/0/0", eth.AddressPath(3, 0, 0).String())
}

func TestPathChildDoesNotAlias(t *testing.T) {
	base := MustGet(Solana, Mainnet).AccountPath(0)
	a := base.Child(HardenedKeyStart)
	b := base.Child(HardenedKeyStart + 1)
	assert.Equal(t, "m/44'/501'/0'/0'", a.String())
	assert.Equal(t, "m/44'/501'/0'/1'", b.String())
	assert.Len(t, base, 3)
}

func TestParsePath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"m/44'/501'/0'/0'", "m/44'/501'/0'/0'", false},
		{"m/84h/0h/0h/0/1", "m/84'/0'/0'/0/1", false},
		{"m", "m", false},
		{"44'/0'", "", true},
		{"m/abc", "", true},
		{"m/2147483648", "", true},
	}
	for _, tc := range tests {
		p, err := ParsePath(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, p.String())
	}
}

func TestParseNetworkAndKind(t *testing.T) {
	n, err := ParseNetwork("")
	require.NoError(t, err)
	assert.Equal(t, Mainnet, n)

	n, err = ParseNetwork("TestNet")
	require.NoError(t, err)
	assert.Equal(t, Testnet, n)

	_, err = ParseNetwork("regtest")
	assert.Error(t, err)

	k, err := ParseKind("Solana")
	require.NoError(t, err)
	assert.Equal(t, Solana, k)

	_, err = ParseKind("litecoin")
	assert.Error(t, err)
}
