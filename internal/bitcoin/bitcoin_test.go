package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/klingon-wallet/internal/asset"
	"github.com/klingon-exchange/klingon-wallet/internal/backend"
	"github.com/klingon-exchange/klingon-wallet/internal/chain"
	"github.com/klingon-exchange/klingon-wallet/internal/provider"
	"github.com/klingon-exchange/klingon-wallet/internal/vault"
	"github.com/klingon-exchange/klingon-wallet/internal/walleterr"
)

// Test mnemonic (DO NOT USE FOR REAL FUNDS)
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

const destAddr = "bc1qnjg0jd8228aq7egyzacy8cys3knf9xvrerkf9g"

func testAccount(t *testing.T) *Account {
	t.Helper()
	acct, err := DeriveAccount(testMnemonic, "", 0, chain.Mainnet)
	require.NoError(t, err)
	t.Cleanup(acct.Wipe)
	return acct
}

func scriptFor(t *testing.T, acct *Account, change, index uint32) []byte {
	t.Helper()
	addr, err := acct.address(change, index)
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	return script
}

func coin(t *testing.T, acct *Account, seed byte, value int64, change, index uint32) Coin {
	t.Helper()
	return Coin{
		OutPoint: *wire.NewOutPoint(&chainhash.Hash{seed}, 0),
		PkScript: scriptFor(t, acct, change, index),
		Value:    value,
		Path:     acct.Path(change, index),
	}
}

func decode(t *testing.T, s string) btcutil.Address {
	t.Helper()
	addr, err := btcutil.DecodeAddress(s, &chaincfg.MainNetParams)
	require.NoError(t, err)
	return addr
}

func TestDeriveAccountVectors(t *testing.T) {
	acct := testAccount(t)

	tests := []struct {
		change uint32
		index  uint32
		want   string
	}{
		{ExternalChain, 0, "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu"},
		{ExternalChain, 1, "bc1qnjg0jd8228aq7egyzacy8cys3knf9xvrerkf9g"},
		{InternalChain, 0, "bc1q8c6fshw2dlwun7ekn9qwf37cu2rn755upcp6el"},
	}

	for _, tc := range tests {
		addr, err := acct.address(tc.change, tc.index)
		require.NoError(t, err)
		assert.Equal(t, tc.want, addr.EncodeAddress())
	}

	assert.Equal(t, "m/84'/0'/0'/1/0", acct.Path(InternalChain, 0).String())
}

func TestDeriveAccountTestnet(t *testing.T) {
	acct, err := DeriveAccount(testMnemonic, "", 0, chain.Testnet)
	require.NoError(t, err)
	defer acct.Wipe()

	addr, err := acct.ExternalAddress(0)
	require.NoError(t, err)
	assert.Equal(t, "tb1q6rz28mcfaxtmd6v789l9rrlrusdprr9pqcpvkl", addr.EncodeAddress())
}

func TestExternalAddressesDistinct(t *testing.T) {
	acct := testAccount(t)
	seen := make(map[string]bool)
	for i := uint32(0); i < 10; i++ {
		addr, err := acct.ExternalAddress(i)
		require.NoError(t, err)
		assert.False(t, seen[addr.EncodeAddress()])
		seen[addr.EncodeAddress()] = true
	}
}

func TestPrivateKeyRejectsForeignPath(t *testing.T) {
	acct := testAccount(t)
	_, err := acct.PrivateKey(chain.MustGet(chain.Ethereum, chain.Mainnet).AddressPath(0, 0, 0))
	assert.Error(t, err)
}

func TestBuildSignFinalize(t *testing.T) {
	acct := testAccount(t)
	coins := []Coin{coin(t, acct, 1, 100000, ExternalChain, 0)}

	packet, fee, err := acct.BuildTransaction(coins, decode(t, destAddr), 50000, 10, 3)
	require.NoError(t, err)

	// 10 + 68 + 31 + 31 + 2 vbytes at 10 sat/vB
	assert.Equal(t, int64(1420), fee)
	require.Len(t, packet.UnsignedTx.TxOut, 2)
	assert.Equal(t, int64(50000), packet.UnsignedTx.TxOut[0].Value)
	assert.Equal(t, int64(48580), packet.UnsignedTx.TxOut[1].Value)
	assert.Equal(t, scriptFor(t, acct, InternalChain, 3), packet.UnsignedTx.TxOut[1].PkScript)
	require.Len(t, packet.Inputs[0].Bip32Derivation, 1)
	assert.Equal(t, []uint32(acct.Path(ExternalChain, 0)), packet.Inputs[0].Bip32Derivation[0].Bip32Path)

	require.NoError(t, acct.SignTransaction(packet))
	tx, err := FinalizeTransaction(packet)
	require.NoError(t, err)
	require.Len(t, tx.TxIn, 1)
	assert.Len(t, tx.TxIn[0].Witness, 2)
}

func TestBuildSpendsAllCoins(t *testing.T) {
	acct := testAccount(t)
	coins := []Coin{
		coin(t, acct, 1, 30000, ExternalChain, 0),
		coin(t, acct, 2, 30000, InternalChain, 0),
		coin(t, acct, 3, 30000, ExternalChain, 0),
	}

	packet, _, err := acct.BuildTransaction(coins, decode(t, destAddr), 10000, 1, 1)
	require.NoError(t, err)
	assert.Len(t, packet.UnsignedTx.TxIn, 3)

	require.NoError(t, acct.SignTransaction(packet))
	_, err = FinalizeTransaction(packet)
	require.NoError(t, err)
}

func TestBuildDropsDustChange(t *testing.T) {
	acct := testAccount(t)
	coins := []Coin{coin(t, acct, 1, 100000, ExternalChain, 0)}

	packet, fee, err := acct.BuildTransaction(coins, decode(t, destAddr), 98100, 10, 0)
	require.NoError(t, err)
	require.Len(t, packet.UnsignedTx.TxOut, 1)
	assert.Equal(t, int64(1900), fee)
}

func TestBuildScriptMismatch(t *testing.T) {
	acct := testAccount(t)
	c := coin(t, acct, 1, 100000, ExternalChain, 0)
	c.Path = acct.Path(ExternalChain, 1)

	_, _, err := acct.BuildTransaction([]Coin{c}, decode(t, destAddr), 50000, 10, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, walleterr.ErrOperationFailed))
}

func TestBuildInsufficientFunds(t *testing.T) {
	acct := testAccount(t)
	coins := []Coin{coin(t, acct, 1, 50000, ExternalChain, 0)}

	_, _, err := acct.BuildTransaction(coins, decode(t, destAddr), 50000, 10, 0)
	require.Error(t, err)
	assert.Equal(t, walleterr.OperationFailed, walleterr.KindOf(err))

	_, _, err = acct.BuildTransaction(nil, decode(t, destAddr), 50000, 10, 0)
	assert.Equal(t, walleterr.OperationFailed, walleterr.KindOf(err))
}

func TestFinalizeUnsigned(t *testing.T) {
	acct := testAccount(t)
	coins := []Coin{
		coin(t, acct, 1, 60000, ExternalChain, 0),
		coin(t, acct, 2, 60000, ExternalChain, 0),
	}

	packet, _, err := acct.BuildTransaction(coins, decode(t, destAddr), 50000, 10, 0)
	require.NoError(t, err)

	_, err = FinalizeTransaction(packet)
	require.Error(t, err)

	var we *walleterr.Error
	require.True(t, errors.As(err, &we))
	assert.Equal(t, walleterr.OperationFailed, we.Kind)
	assert.Contains(t, we.Details, "input 0")
	assert.Contains(t, we.Details, "input 1")
}

// fakeIndexer serves canned data for two addresses.
type fakeIndexer struct {
	infos     map[string]*backend.AddressInfo
	utxos     map[string][]backend.UTXO
	txs       map[string][]backend.Transaction
	byID      map[string]*backend.Transaction
	fees      *backend.FeeEstimate
	feeErr    error
	broadcast []string
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{
		infos: make(map[string]*backend.AddressInfo),
		utxos: make(map[string][]backend.UTXO),
		txs:   make(map[string][]backend.Transaction),
		byID:  make(map[string]*backend.Transaction),
	}
}

func (f *fakeIndexer) Type() backend.Type { return backend.TypeEsplora }

func (f *fakeIndexer) GetAddressInfo(_ context.Context, address string) (*backend.AddressInfo, error) {
	if info, ok := f.infos[address]; ok {
		return info, nil
	}
	return nil, backend.ErrAddressNotFound
}

func (f *fakeIndexer) GetAddressUTXOs(_ context.Context, address string) ([]backend.UTXO, error) {
	return f.utxos[address], nil
}

func (f *fakeIndexer) GetAddressTxs(_ context.Context, address string) ([]backend.Transaction, error) {
	return f.txs[address], nil
}

func (f *fakeIndexer) GetTransaction(_ context.Context, txID string) (*backend.Transaction, error) {
	if tx, ok := f.byID[txID]; ok {
		return tx, nil
	}
	return nil, backend.ErrTxNotFound
}

func (f *fakeIndexer) BroadcastTransaction(_ context.Context, rawTxHex string) (string, error) {
	f.broadcast = append(f.broadcast, rawTxHex)
	raw, err := hex.DecodeString(rawTxHex)
	if err != nil {
		return "", err
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", err
	}
	return tx.TxHash().String(), nil
}

func (f *fakeIndexer) GetBlockHeight(context.Context) (int64, error) { return 800000, nil }

func (f *fakeIndexer) GetFeeEstimates(context.Context) (*backend.FeeEstimate, error) {
	if f.feeErr != nil {
		return nil, f.feeErr
	}
	if f.fees == nil {
		return &backend.FeeEstimate{}, nil
	}
	return f.fees, nil
}

func btcAsset() asset.Asset {
	return asset.Asset{Code: "BTC", Network: chain.Bitcoin, Decimals: 8, Symbol: "BTC"}
}

func accountContext(ext, in uint32) provider.AccountContext {
	return provider.AccountContext{
		Mnemonic: testMnemonic,
		State:    vault.ChainState{ExternalAddressIndex: ext, InternalAddressIndex: in},
	}
}

func TestProviderOverview(t *testing.T) {
	acct := testAccount(t)
	ext, _ := acct.ExternalAddress(0)
	in, _ := acct.InternalAddress(0)

	idx := newFakeIndexer()
	idx.infos[ext.EncodeAddress()] = &backend.AddressInfo{Balance: 100000, MempoolBalance: 5000}
	idx.infos[in.EncodeAddress()] = &backend.AddressInfo{Balance: 25000}

	p := NewProvider(NewService(idx, chain.Mainnet, 0))
	ov, err := p.Overview(context.Background(), accountContext(0, 0), btcAsset())
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.00125").Equal(ov.Balance))
	assert.Equal(t, "Pending: +0.00005 BTC", ov.NativeBalanceDescriptor)
}

func TestProviderReceiveInfo(t *testing.T) {
	p := NewProvider(NewService(newFakeIndexer(), chain.Mainnet, 0))

	info, err := p.ReceiveInfo(context.Background(), accountContext(1, 0), btcAsset())
	require.NoError(t, err)
	assert.Equal(t, destAddr, info.Address)
	assert.Equal(t, uint32(1), info.AddressIndex)
	assert.Equal(t, "m/84'/0'/0'/0/1", info.DerivationPath)
	assert.Equal(t, "bitcoin:"+destAddr, info.URI)
}

func TestProviderInvalidMnemonic(t *testing.T) {
	p := NewProvider(NewService(newFakeIndexer(), chain.Mainnet, 0))
	ctx := provider.AccountContext{Mnemonic: "not a mnemonic"}

	_, err := p.ReceiveInfo(context.Background(), ctx, btcAsset())
	assert.Equal(t, walleterr.MnemonicMissing, walleterr.KindOf(err))
}

func TestProviderTransactions(t *testing.T) {
	acct := testAccount(t)
	ext, _ := acct.ExternalAddress(0)
	in, _ := acct.InternalAddress(0)
	foreign := "bc1qxy2kgdygjrsqtzq2n0yrf2493p83kkfjhx0wlh"

	incoming := backend.Transaction{
		TxID: "in1", Confirmed: true, BlockTime: 1700000000,
		Inputs:  []backend.TxInput{{PrevOut: &backend.TxOutput{ScriptPubKeyAddr: foreign, Value: 200000}}},
		Outputs: []backend.TxOutput{{ScriptPubKeyAddr: ext.EncodeAddress(), Value: 150000}},
	}
	outgoing := backend.Transaction{
		TxID: "out1", Confirmed: true, BlockTime: 1700003600, Fee: 1420,
		Inputs: []backend.TxInput{{PrevOut: &backend.TxOutput{ScriptPubKeyAddr: ext.EncodeAddress(), Value: 150000}}},
		Outputs: []backend.TxOutput{
			{ScriptPubKeyAddr: foreign, Value: 50000},
			{ScriptPubKeyAddr: in.EncodeAddress(), Value: 98580},
		},
	}
	pending := backend.Transaction{
		TxID:    "pend",
		Inputs:  []backend.TxInput{{PrevOut: &backend.TxOutput{ScriptPubKeyAddr: foreign, Value: 9000}}},
		Outputs: []backend.TxOutput{{ScriptPubKeyAddr: in.EncodeAddress(), Value: 7000}},
	}

	idx := newFakeIndexer()
	idx.txs[ext.EncodeAddress()] = []backend.Transaction{outgoing, incoming}
	idx.txs[in.EncodeAddress()] = []backend.Transaction{pending, outgoing}

	p := NewProvider(NewService(idx, chain.Mainnet, 0))
	txs, err := p.Transactions(context.Background(), accountContext(0, 0), btcAsset())
	require.NoError(t, err)
	require.Len(t, txs, 3)

	assert.Equal(t, "pend", txs[0].ID)
	assert.True(t, txs[0].Pending)
	assert.True(t, txs[0].IsIncoming)

	assert.Equal(t, "out1", txs[1].ID)
	assert.False(t, txs[1].IsIncoming)
	assert.True(t, decimal.RequireFromString("0.0005142").Equal(txs[1].Amount))
	assert.Equal(t, foreign, txs[1].Counterparty)
	require.NotNil(t, txs[1].Fee)
	assert.True(t, decimal.RequireFromString("0.0000142").Equal(*txs[1].Fee))

	assert.Equal(t, "in1", txs[2].ID)
	assert.True(t, txs[2].IsIncoming)
	assert.Equal(t, foreign, txs[2].Counterparty)
	assert.Nil(t, txs[2].Fee)
}

func TestProviderSend(t *testing.T) {
	acct := testAccount(t)
	ext, _ := acct.ExternalAddress(0)
	extScript := scriptFor(t, acct, ExternalChain, 0)

	funding := "aa00000000000000000000000000000000000000000000000000000000000000"
	idx := newFakeIndexer()
	idx.fees = &backend.FeeEstimate{HourFee: 5}
	idx.utxos[ext.EncodeAddress()] = []backend.UTXO{{TxID: funding, Vout: 1, Amount: 100000}}
	idx.byID[funding] = &backend.Transaction{
		TxID: funding,
		Outputs: []backend.TxOutput{
			{ScriptPubKey: "0014" + "00000000000000000000000000000000000000ff", Value: 1},
			{ScriptPubKey: hex.EncodeToString(extScript), Value: 100000},
		},
	}

	p := NewProvider(NewService(idx, chain.Mainnet, 0))
	res, err := p.Send(context.Background(), accountContext(0, 2), btcAsset(), destAddr, decimal.RequireFromString("0.0004"))
	require.NoError(t, err)
	require.Len(t, idx.broadcast, 1)
	assert.NotEmpty(t, res.TxID)
	assert.True(t, decimal.RequireFromString("0.0000071").Equal(*res.Fee))

	raw, _ := hex.DecodeString(idx.broadcast[0])
	var tx wire.MsgTx
	require.NoError(t, tx.Deserialize(bytes.NewReader(raw)))
	require.Len(t, tx.TxOut, 2)
	assert.Equal(t, scriptFor(t, acct, InternalChain, 2), tx.TxOut[1].PkScript, "change goes to the current internal address")

	watched, err := p.WatchAddresses(accountContext(0, 2))
	require.NoError(t, err)
	change, err := acct.InternalAddress(2)
	require.NoError(t, err)
	assert.Contains(t, watched, change.EncodeAddress(), "change is watched without advancing the index")
}

func TestProviderSendRejectsBadInput(t *testing.T) {
	p := NewProvider(NewService(newFakeIndexer(), chain.Mainnet, 0))
	ctx := context.Background()

	_, err := p.Send(ctx, accountContext(0, 0), btcAsset(), "tb1q6rz28mcfaxtmd6v789l9rrlrusdprr9pqcpvkl", decimal.RequireFromString("0.001"))
	assert.Equal(t, walleterr.InvalidAddress, walleterr.KindOf(err))

	_, err = p.Send(ctx, accountContext(0, 0), btcAsset(), destAddr, decimal.RequireFromString("0.000000001"))
	assert.Equal(t, walleterr.AmountInvalid, walleterr.KindOf(err))
}

func TestFeeRateFallback(t *testing.T) {
	idx := newFakeIndexer()
	svc := NewService(idx, chain.Mainnet, 0)
	assert.Equal(t, uint64(DefaultFallbackFeeRate), svc.FeeRate(context.Background()))

	idx.feeErr = backend.ErrRateLimited
	assert.Equal(t, uint64(DefaultFallbackFeeRate), svc.FeeRate(context.Background()))

	idx.feeErr = nil
	idx.fees = &backend.FeeEstimate{HourFee: 7}
	assert.Equal(t, uint64(7), svc.FeeRate(context.Background()))

	assert.Equal(t, uint64(3), NewService(newFakeIndexer(), chain.Mainnet, 3).FeeRate(context.Background()))
}

func TestValidateAddress(t *testing.T) {
	main := NewService(newFakeIndexer(), chain.Mainnet, 0)
	test := NewService(newFakeIndexer(), chain.Testnet, 0)

	assert.True(t, main.ValidateAddress(destAddr))
	assert.False(t, main.ValidateAddress("tb1q6rz28mcfaxtmd6v789l9rrlrusdprr9pqcpvkl"))
	assert.True(t, test.ValidateAddress("tb1q6rz28mcfaxtmd6v789l9rrlrusdprr9pqcpvkl"))
	assert.False(t, main.ValidateAddress("0x9858EfFD232B4033E47d90003D41EC34EcaEda94"))
	assert.False(t, main.ValidateAddress(""))
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err  error
		want walleterr.Kind
	}{
		{context.DeadlineExceeded, walleterr.Timeout},
		{backend.ErrRateLimited, walleterr.NetworkUnavailable},
		{backend.ErrUnavailable, walleterr.NetworkUnavailable},
		{errors.New("boom"), walleterr.OperationFailed},
		{walleterr.ErrInvalidAddress, walleterr.InvalidAddress},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, walleterr.KindOf(mapError(tc.err)), tc.err.Error())
	}

	rpc := mapError(errors.Join(backend.ErrBroadcastFailed, errors.New("bad-txns-inputs-missingorspent")))
	assert.Equal(t, walleterr.RpcError, walleterr.KindOf(rpc))
	assert.Contains(t, walleterr.UserMessage(rpc), "bad-txns-inputs-missingorspent")
}
