package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/klingon-wallet/internal/asset"
	"github.com/klingon-exchange/klingon-wallet/internal/chain"
	"github.com/klingon-exchange/klingon-wallet/internal/walleterr"
)

type stubProvider struct {
	kind      chain.Kind
	supported map[string]bool
}

func (s *stubProvider) Network() chain.Kind { return s.kind }
func (s *stubProvider) Supports(a asset.Asset) bool { return s.supported[a.Code] }
func (s *stubProvider) ValidateAddress(string) bool { return true }
func (s *stubProvider) Overview(context.Context, AccountContext, asset.Asset) (*Overview, error) {
	return nil, nil
}
func (s *stubProvider) ReceiveInfo(context.Context, AccountContext, asset.Asset) (*ReceiveInfo, error) {
	return nil, nil
}
func (s *stubProvider) Transactions(context.Context, AccountContext, asset.Asset) ([]Transaction, error) {
	return nil, nil
}
func (s *stubProvider) Send(context.Context, AccountContext, asset.Asset, string, decimal.Decimal) (*SendResult, error) {
	return nil, nil
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&stubProvider{kind: chain.Bitcoin, supported: map[string]bool{"BTC": true}})
	r.Freeze()

	p, err := r.Resolve(asset.Asset{Code: "BTC", Network: chain.Bitcoin})
	require.NoError(t, err)
	assert.Equal(t, chain.Bitcoin, p.Network())

	_, err = r.Resolve(asset.Asset{Code: "SOL", Network: chain.Solana})
	assert.True(t, errors.Is(err, walleterr.ErrProviderUnavailable))

	_, err = r.Resolve(asset.Asset{Code: "WBTC", Network: chain.Bitcoin})
	assert.True(t, errors.Is(err, walleterr.ErrAssetNotSupported))
}

func TestRegistryDuplicateAndFrozen(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubProvider{kind: chain.Solana}))

	err := r.Register(&stubProvider{kind: chain.Solana})
	assert.ErrorIs(t, err, ErrDuplicateProvider)
	assert.Panics(t, func() { r.MustRegister(&stubProvider{kind: chain.Solana}) })

	r.Freeze()
	assert.ErrorIs(t, r.Register(&stubProvider{kind: chain.Ethereum}), ErrRegistryFrozen)
	assert.Equal(t, []chain.Kind{chain.Solana}, r.Networks())
}

func TestPlaceholder(t *testing.T) {
	ov := Placeholder(asset.Asset{Code: "USDC-SOL", Symbol: "USDC"})
	assert.Equal(t, "USDC-SOL", ov.AssetCode)
	assert.True(t, ov.Balance.IsZero())
	assert.NotNil(t, ov.Transactions)
	assert.Empty(t, ov.Transactions)
}

func TestSortNewestFirst(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	txs := []Transaction{
		{ID: "old", Timestamp: base},
		{ID: "pending"},
		{ID: "b", Timestamp: base.Add(time.Hour)},
		{ID: "a", Timestamp: base.Add(time.Hour)},
	}

	SortNewestFirst(txs)

	ids := make([]string, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID
	}
	assert.Equal(t, []string{"pending", "a", "b", "old"}, ids)
}
