package bitcoin

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/klingon-wallet/internal/asset"
	"github.com/klingon-exchange/klingon-wallet/internal/chain"
	"github.com/klingon-exchange/klingon-wallet/internal/provider"
	"github.com/klingon-exchange/klingon-wallet/internal/walleterr"
	"github.com/klingon-exchange/klingon-wallet/pkg/helpers"
)

const btcDecimals = 8

// Provider adapts Service to the provider interface.
type Provider struct {
	svc *Service
}

// NewProvider wraps svc.
func NewProvider(svc *Service) *Provider {
	return &Provider{svc: svc}
}

func (p *Provider) Network() chain.Kind { return chain.Bitcoin }

// Supports accepts the native coin only.
func (p *Provider) Supports(a asset.Asset) bool {
	return a.Network == chain.Bitcoin && a.IsNative()
}

func (p *Provider) ValidateAddress(address string) bool {
	return p.svc.ValidateAddress(address)
}

func (p *Provider) Overview(ctx context.Context, acct provider.AccountContext, a asset.Asset) (*provider.Overview, error) {
	watched, err := p.watched(acct)
	if err != nil {
		return nil, err
	}

	bal, err := p.svc.Balance(ctx, watched)
	if err != nil {
		return nil, err
	}

	ov := provider.Placeholder(a)
	ov.Balance = helpers.FromAtomicUint64(bal.Confirmed, btcDecimals)
	if bal.Unconfirmed != 0 {
		pending := helpers.FromAtomicInt64(bal.Unconfirmed, btcDecimals)
		sign := ""
		if pending.IsPositive() {
			sign = "+"
		}
		ov.NativeBalanceDescriptor = fmt.Sprintf("Pending: %s%s %s", sign, pending.String(), a.Symbol)
	}
	return ov, nil
}

func (p *Provider) ReceiveInfo(ctx context.Context, acct provider.AccountContext, a asset.Asset) (*provider.ReceiveInfo, error) {
	account, err := p.account(acct)
	if err != nil {
		return nil, err
	}
	defer account.Wipe()

	index := acct.State.ExternalAddressIndex
	addr, err := account.ExternalAddress(index)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.OperationFailed, err, "failed to derive receive address")
	}
	return &provider.ReceiveInfo{
		AssetCode:      a.Code,
		Address:        addr.EncodeAddress(),
		AddressIndex:   index,
		DerivationPath: account.Path(ExternalChain, index).String(),
		URI:            "bitcoin:" + addr.EncodeAddress(),
	}, nil
}

func (p *Provider) Transactions(ctx context.Context, acct provider.AccountContext, a asset.Asset) ([]provider.Transaction, error) {
	watched, err := p.watched(acct)
	if err != nil {
		return nil, err
	}

	entries, err := p.svc.History(ctx, watched)
	if err != nil {
		return nil, err
	}

	txs := make([]provider.Transaction, 0, len(entries))
	for _, e := range entries {
		tx := provider.Transaction{
			ID:           e.TxID,
			Timestamp:    e.Time,
			Amount:       helpers.FromAtomicInt64(e.Net, btcDecimals).Abs(),
			IsIncoming:   e.Net > 0,
			Counterparty: e.Counterparty,
			Pending:      !e.Confirmed,
		}
		if e.Fee > 0 {
			fee := helpers.FromAtomicUint64(e.Fee, btcDecimals)
			tx.Fee = &fee
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// Send spends the watched pair. Change goes to the current internal
// address, so it stays inside the watched pair.
func (p *Provider) Send(ctx context.Context, acct provider.AccountContext, a asset.Asset, destination string, amount decimal.Decimal) (*provider.SendResult, error) {
	sats, err := helpers.ToAtomicUint64(amount, btcDecimals)
	if err != nil || sats == 0 {
		return nil, walleterr.ErrAmountInvalid.WithDetail("amount", amount.String())
	}

	account, err := p.account(acct)
	if err != nil {
		return nil, err
	}
	defer account.Wipe()

	watched, err := p.svc.Watched(account, acct.State.ExternalAddressIndex, acct.State.InternalAddressIndex)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.OperationFailed, err, "failed to derive addresses")
	}

	res, err := p.svc.Send(ctx, account, watched, destination, int64(sats), acct.State.InternalAddressIndex)
	if err != nil {
		return nil, err
	}

	fee := helpers.FromAtomicInt64(res.Fee, btcDecimals)
	return &provider.SendResult{AssetCode: a.Code, TxID: res.TxID, Fee: &fee}, nil
}

func (p *Provider) account(acct provider.AccountContext) (*Account, error) {
	account, err := DeriveAccount(acct.Mnemonic, acct.Passphrase, acct.AccountIndex, p.svc.Network())
	if err != nil {
		return nil, walleterr.Wrap(walleterr.MnemonicMissing, err, "cannot derive bitcoin account")
	}
	return account, nil
}

func (p *Provider) watched(acct provider.AccountContext) ([]WatchedAddress, error) {
	account, err := p.account(acct)
	if err != nil {
		return nil, err
	}
	defer account.Wipe()

	watched, err := p.svc.Watched(account, acct.State.ExternalAddressIndex, acct.State.InternalAddressIndex)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.OperationFailed, err, "failed to derive addresses")
	}
	return watched, nil
}

// WatchAddresses returns the current external and internal addresses.
func (p *Provider) WatchAddresses(acct provider.AccountContext) ([]string, error) {
	watched, err := p.watched(acct)
	if err != nil {
		return nil, err
	}
	addrs := make([]string, len(watched))
	for i, w := range watched {
		addrs[i] = w.Address
	}
	return addrs, nil
}

var (
	_ provider.Provider  = (*Provider)(nil)
	_ provider.Watchable = (*Provider)(nil)
)
