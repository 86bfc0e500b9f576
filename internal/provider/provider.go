// Package provider defines the chain provider capability interface, the
// DTOs providers return, and the registry that routes an asset to the
// provider serving its network.
package provider

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/klingon-wallet/internal/asset"
	"github.com/klingon-exchange/klingon-wallet/internal/chain"
	"github.com/klingon-exchange/klingon-wallet/internal/vault"
)

// AccountContext carries the key material and counters a provider needs for
// one call. It is built from the vault per call and never retained.
type AccountContext struct {
	Mnemonic     string
	Passphrase   string
	AccountIndex uint32
	State        vault.ChainState
}

// Provider serves every asset of one chain family.
// All returned errors are *walleterr.Error values.
type Provider interface {
	Network() chain.Kind
	Supports(a asset.Asset) bool
	Overview(ctx context.Context, acct AccountContext, a asset.Asset) (*Overview, error)
	ReceiveInfo(ctx context.Context, acct AccountContext, a asset.Asset) (*ReceiveInfo, error)
	Transactions(ctx context.Context, acct AccountContext, a asset.Asset) ([]Transaction, error)
	Send(ctx context.Context, acct AccountContext, a asset.Asset, destination string, amount decimal.Decimal) (*SendResult, error)
	ValidateAddress(address string) bool
}

// Watchable is implemented by providers whose addresses can be tracked for
// live activity.
type Watchable interface {
	WatchAddresses(acct AccountContext) ([]string, error)
}

// Overview is the balance snapshot of one asset.
type Overview struct {
	AssetCode               string           `json:"assetCode"`
	Symbol                  string           `json:"symbol"`
	Balance                 decimal.Decimal  `json:"balance"`
	Transactions            []Transaction    `json:"transactions"`
	FiatEstimate            *decimal.Decimal `json:"fiatEstimate,omitempty"`
	FiatCode                string           `json:"fiatCode,omitempty"`
	NativeBalanceDescriptor string           `json:"nativeBalanceDescriptor,omitempty"`
}

// Placeholder returns the zero-balance overview shown before the first
// successful refresh.
func Placeholder(a asset.Asset) *Overview {
	return &Overview{
		AssetCode:    a.Code,
		Symbol:       a.Symbol,
		Balance:      decimal.Zero,
		Transactions: []Transaction{},
	}
}

// Transaction is one history entry. Amount is absolute; the direction is
// carried by IsIncoming.
type Transaction struct {
	ID           string           `json:"id"`
	Timestamp    time.Time        `json:"timestamp"`
	Amount       decimal.Decimal  `json:"amount"`
	IsIncoming   bool             `json:"isIncoming"`
	Counterparty string           `json:"counterparty,omitempty"`
	Memo         string           `json:"memo,omitempty"`
	Fee          *decimal.Decimal `json:"fee,omitempty"`
	Pending      bool             `json:"pending,omitempty"`
}

// SortNewestFirst orders history by timestamp descending. Pending entries
// (zero timestamp) sort first; ties break on ID for a stable order.
func SortNewestFirst(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		ti, tj := txs[i].Timestamp, txs[j].Timestamp
		switch {
		case ti.IsZero() && !tj.IsZero():
			return true
		case !ti.IsZero() && tj.IsZero():
			return false
		case !ti.Equal(tj):
			return ti.After(tj)
		}
		return txs[i].ID < txs[j].ID
	})
}

// ReceiveInfo is the live receive address of an asset.
type ReceiveInfo struct {
	AssetCode      string `json:"assetCode"`
	Address        string `json:"address"`
	AddressIndex   uint32 `json:"addressIndex"`
	DerivationPath string `json:"derivationPath"`
	URI            string `json:"uri"`
}

// SendResult is the outcome of a broadcast.
type SendResult struct {
	AssetCode string           `json:"assetCode"`
	TxID      string           `json:"txid"`
	Fee       *decimal.Decimal `json:"fee,omitempty"`
}
