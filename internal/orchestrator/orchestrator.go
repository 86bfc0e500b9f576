// Package orchestrator is the single entry point of the wallet core. It
// resolves the vault and the chain provider for an asset code and serves
// overview and history reads through the snapshot cache.
package orchestrator

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/klingon-wallet/internal/asset"
	"github.com/klingon-exchange/klingon-wallet/internal/cache"
	"github.com/klingon-exchange/klingon-wallet/internal/chain"
	"github.com/klingon-exchange/klingon-wallet/internal/provider"
	"github.com/klingon-exchange/klingon-wallet/internal/vault"
	"github.com/klingon-exchange/klingon-wallet/internal/walleterr"
	"github.com/klingon-exchange/klingon-wallet/pkg/logging"
)

// Vaults is the vault access the orchestrator needs. *vault.Manager
// satisfies it.
type Vaults interface {
	Load() (*vault.Vault, error)
	AdvanceExternal(kind chain.Kind) (vault.ChainState, error)
}

// Rates quotes cached fiat rates. *rates.Cached satisfies it.
type Rates interface {
	Get(assetCode string, onRefreshed func(decimal.Decimal)) *decimal.Decimal
	Supports(assetCode string) bool
	Fiat() string
}

// Orchestrator dispatches asset-scoped operations.
type Orchestrator struct {
	vaults    Vaults
	assets    *asset.Registry
	providers *provider.Registry
	cache     *cache.Cache
	rates     Rates
	log       *logging.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRates enables fiat estimates on overviews.
func WithRates(r Rates) Option {
	return func(o *Orchestrator) { o.rates = r }
}

// New creates an orchestrator. The provider registry is frozen.
func New(vaults Vaults, assets *asset.Registry, providers *provider.Registry, c *cache.Cache, opts ...Option) *Orchestrator {
	providers.Freeze()
	o := &Orchestrator{
		vaults:    vaults,
		assets:    assets,
		providers: providers,
		cache:     c,
		log:       logging.GetDefault().Component("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Assets returns the asset registry.
func (o *Orchestrator) Assets() *asset.Registry {
	return o.assets
}

// target is everything one operation needs.
type target struct {
	asset    asset.Asset
	provider provider.Provider
	account  provider.AccountContext
}

func (o *Orchestrator) lookup(assetCode string) (asset.Asset, provider.Provider, error) {
	a, ok := o.assets.Get(assetCode)
	if !ok {
		return asset.Asset{}, nil, walleterr.ErrAssetNotSupported.WithDetail("asset", assetCode)
	}
	p, err := o.providers.Resolve(a)
	if err != nil {
		return asset.Asset{}, nil, err
	}
	return a, p, nil
}

func (o *Orchestrator) resolve(assetCode string) (*target, error) {
	a, p, err := o.lookup(assetCode)
	if err != nil {
		return nil, err
	}
	v, err := o.vaults.Load()
	if err != nil {
		return nil, err
	}
	return &target{asset: a, provider: p, account: accountContext(v, a.Network)}, nil
}

func accountContext(v *vault.Vault, kind chain.Kind) provider.AccountContext {
	return provider.AccountContext{
		Mnemonic:     v.Mnemonic,
		Passphrase:   v.Passphrase,
		AccountIndex: v.AccountIndex,
		State:        v.Chain(kind),
	}
}

// GetOverview returns the cached overview of an asset, or a zero-balance
// placeholder, without waiting on the network. Missing and stale entries
// are refreshed in the background and onRefreshed (may be nil) receives
// the new value.
func (o *Orchestrator) GetOverview(ctx context.Context, assetCode string, onRefreshed func(*provider.Overview)) (*provider.Overview, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := o.resolve(assetCode)
	if err != nil {
		return nil, err
	}

	ov, state := cache.Get(o.cache, cache.OverviewKey(t.asset.Code), provider.Placeholder(t.asset), o.fetchOverview(t), onRefreshed)
	if ov == nil {
		ov = provider.Placeholder(t.asset)
	}
	if ov.Transactions == nil {
		ov.Transactions = []provider.Transaction{}
	}
	o.log.Debug("Overview read", "asset", t.asset.Code, "state", state)
	return ov, nil
}

// GetTransactions returns the cached history of an asset, empty on a
// first read. Refresh behaves as in GetOverview.
func (o *Orchestrator) GetTransactions(ctx context.Context, assetCode string, onRefreshed func([]provider.Transaction)) ([]provider.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := o.resolve(assetCode)
	if err != nil {
		return nil, err
	}

	txs, state := cache.Get(o.cache, cache.TransactionsKey(t.asset.Code), []provider.Transaction{}, o.fetchTransactions(t), onRefreshed)
	if txs == nil {
		txs = []provider.Transaction{}
	}
	o.log.Debug("Transactions read", "asset", t.asset.Code, "state", state, "count", len(txs))
	return txs, nil
}

// GetReceiveInfo derives the current receive address. It is never cached.
func (o *Orchestrator) GetReceiveInfo(ctx context.Context, assetCode string) (*provider.ReceiveInfo, error) {
	t, err := o.resolve(assetCode)
	if err != nil {
		return nil, err
	}
	return t.provider.ReceiveInfo(ctx, t.account, t.asset)
}

// NextReceiveAddress advances the external address index of the asset's
// chain and returns the new receive info. Only Bitcoin rotates receive
// addresses; Solana and Ethereum wallets keep a single address.
func (o *Orchestrator) NextReceiveAddress(ctx context.Context, assetCode string) (*provider.ReceiveInfo, error) {
	t, err := o.resolve(assetCode)
	if err != nil {
		return nil, err
	}
	if t.asset.Network != chain.Bitcoin {
		return nil, walleterr.ErrUnsupportedFeature.WithDetail("asset", assetCode)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	state, err := o.vaults.AdvanceExternal(t.asset.Network)
	if err != nil {
		return nil, err
	}
	t.account.State = state
	o.log.Info("Advanced receive address", "chain", t.asset.Network, "index", state.ExternalAddressIndex)

	info, err := t.provider.ReceiveInfo(ctx, t.account, t.asset)
	if err != nil {
		return nil, err
	}
	o.scheduleRefresh(t)
	return info, nil
}

// Send validates the request, then builds, signs and broadcasts it. It is
// never cached. On success the history of the asset is refreshed.
func (o *Orchestrator) Send(ctx context.Context, assetCode, destination string, amount decimal.Decimal) (*provider.SendResult, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return nil, walleterr.ErrDestinationMissing
	}
	if amount.Sign() <= 0 {
		return nil, walleterr.ErrAmountInvalid.WithDetail("amount", amount.String())
	}
	a, p, err := o.lookup(assetCode)
	if err != nil {
		return nil, err
	}
	if !p.ValidateAddress(destination) {
		return nil, walleterr.ErrInvalidAddress.WithDetail("address", destination)
	}

	t, err := o.resolve(assetCode)
	if err != nil {
		return nil, err
	}

	res, err := p.Send(ctx, t.account, a, destination, amount)
	if err != nil {
		o.log.Warn("Send failed", "asset", a.Code, "kind", walleterr.KindOf(err), "error", err)
		return nil, err
	}
	o.log.Info("Sent", "asset", a.Code, "txid", res.TxID, "amount", amount)

	o.scheduleRefresh(t)
	return res, nil
}

// Refresh schedules a background refresh of an asset's overview and
// history.
func (o *Orchestrator) Refresh(assetCode string) error {
	t, err := o.resolve(assetCode)
	if err != nil {
		return err
	}
	o.scheduleRefresh(t)
	return nil
}

// WatchAddresses returns the addresses of an asset that can be tracked for
// live activity. It is empty for chains without address tracking.
func (o *Orchestrator) WatchAddresses(assetCode string) ([]string, error) {
	t, err := o.resolve(assetCode)
	if err != nil {
		return nil, err
	}
	w, ok := t.provider.(provider.Watchable)
	if !ok {
		return nil, nil
	}
	return w.WatchAddresses(t.account)
}

func (o *Orchestrator) scheduleRefresh(t *target) {
	cache.Refresh(o.cache, cache.OverviewKey(t.asset.Code), o.fetchOverview(t), nil)
	cache.Refresh(o.cache, cache.TransactionsKey(t.asset.Code), o.fetchTransactions(t), nil)
}

func (o *Orchestrator) fetchOverview(t *target) func(context.Context) (*provider.Overview, error) {
	return func(ctx context.Context) (*provider.Overview, error) {
		ov, err := t.provider.Overview(ctx, t.account, t.asset)
		if err != nil {
			return nil, err
		}
		if len(ov.Transactions) == 0 {
			ov.Transactions = o.cachedTransactions(t.asset.Code)
		}
		o.attachFiat(ov)
		return ov, nil
	}
}

func (o *Orchestrator) fetchTransactions(t *target) func(context.Context) ([]provider.Transaction, error) {
	return func(ctx context.Context) ([]provider.Transaction, error) {
		txs, err := t.provider.Transactions(ctx, t.account, t.asset)
		if err != nil {
			return nil, err
		}
		if txs == nil {
			txs = []provider.Transaction{}
		}
		provider.SortNewestFirst(txs)
		return txs, nil
	}
}

// cachedTransactions reads the stored history without scheduling anything.
func (o *Orchestrator) cachedTransactions(assetCode string) []provider.Transaction {
	txs := []provider.Transaction{}
	doc, err := o.cache.Store().Read(cache.TransactionsKey(assetCode))
	if err != nil || doc == nil {
		return txs
	}
	if err := json.Unmarshal(doc.Payload, &txs); err != nil || txs == nil {
		return []provider.Transaction{}
	}
	return txs
}

// attachFiat sets the fiat estimate from the cached rate. A missing rate
// leaves the estimate empty and schedules the rate fetch.
func (o *Orchestrator) attachFiat(ov *provider.Overview) {
	if o.rates == nil || !o.rates.Supports(ov.AssetCode) {
		return
	}
	r := o.rates.Get(ov.AssetCode, nil)
	if r == nil {
		return
	}
	est := ov.Balance.Mul(*r).Round(2)
	ov.FiatEstimate = &est
	ov.FiatCode = o.rates.Fiat()
}
