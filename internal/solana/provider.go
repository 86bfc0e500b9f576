package solana

import (
	"context"

	sol "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/klingon-wallet/internal/asset"
	"github.com/klingon-exchange/klingon-wallet/internal/chain"
	"github.com/klingon-exchange/klingon-wallet/internal/provider"
	"github.com/klingon-exchange/klingon-wallet/internal/walleterr"
	"github.com/klingon-exchange/klingon-wallet/pkg/helpers"
)

// Provider adapts Service to the provider interface.
type Provider struct {
	svc     *Service
	network chain.Network
}

// NewProvider wraps svc for the given network.
func NewProvider(svc *Service, network chain.Network) *Provider {
	return &Provider{svc: svc, network: network}
}

func (p *Provider) Network() chain.Kind { return chain.Solana }

// Supports accepts SOL and SPL tokens with a valid mint.
func (p *Provider) Supports(a asset.Asset) bool {
	if a.Network != chain.Solana {
		return false
	}
	if a.IsNative() {
		return true
	}
	_, err := sol.PublicKeyFromBase58(a.ContractAddress)
	return err == nil
}

func (p *Provider) ValidateAddress(address string) bool {
	return ValidateAddress(address)
}

func (p *Provider) Overview(ctx context.Context, acct provider.AccountContext, a asset.Asset) (*provider.Overview, error) {
	owner, err := p.owner(acct)
	if err != nil {
		return nil, err
	}

	ov := provider.Placeholder(a)
	if a.IsNative() {
		lamports, err := p.svc.Balance(ctx, owner)
		if err != nil {
			return nil, err
		}
		ov.Balance = helpers.FromAtomicUint64(lamports, LamportsDecimals)
		return ov, nil
	}

	mint, err := sol.PublicKeyFromBase58(a.ContractAddress)
	if err != nil {
		return nil, walleterr.ErrAssetNotSupported.WithDetail("asset", a.Code)
	}
	bal, err := p.svc.TokenBalance(ctx, owner, mint, a.Decimals)
	if err != nil {
		return nil, err
	}
	ov.Balance = helpers.FromAtomic(bal.Amount, bal.Decimals)
	return ov, nil
}

func (p *Provider) ReceiveInfo(ctx context.Context, acct provider.AccountContext, a asset.Asset) (*provider.ReceiveInfo, error) {
	account, err := p.account(acct)
	if err != nil {
		return nil, err
	}
	defer account.Wipe()

	addr := account.PublicKey().String()
	uri := "solana:" + addr
	if !a.IsNative() {
		uri += "?spl-token=" + a.ContractAddress
	}
	return &provider.ReceiveInfo{
		AssetCode:      a.Code,
		Address:        addr,
		DerivationPath: account.Path().String(),
		URI:            uri,
	}, nil
}

func (p *Provider) Transactions(ctx context.Context, acct provider.AccountContext, a asset.Asset) ([]provider.Transaction, error) {
	owner, err := p.owner(acct)
	if err != nil {
		return nil, err
	}

	var mint *sol.PublicKey
	decimals := uint8(LamportsDecimals)
	if !a.IsNative() {
		m, err := sol.PublicKeyFromBase58(a.ContractAddress)
		if err != nil {
			return nil, walleterr.ErrAssetNotSupported.WithDetail("asset", a.Code)
		}
		mint = &m
		if decimals, err = p.tokenDecimals(ctx, owner, m, a); err != nil {
			return nil, err
		}
	}

	entries, err := p.svc.History(ctx, owner, mint)
	if err != nil {
		return nil, err
	}

	txs := make([]provider.Transaction, 0, len(entries))
	for _, e := range entries {
		tx := provider.Transaction{
			ID:           e.Signature,
			Timestamp:    e.Time,
			Amount:       helpers.FromAtomic(e.Delta, decimals).Abs(),
			IsIncoming:   e.Delta.Sign() > 0,
			Counterparty: e.Counterparty,
			Memo:         e.Memo,
		}
		if e.Fee > 0 && !tx.IsIncoming {
			fee := helpers.FromAtomicUint64(e.Fee, LamportsDecimals)
			tx.Fee = &fee
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func (p *Provider) Send(ctx context.Context, acct provider.AccountContext, a asset.Asset, destination string, amount decimal.Decimal) (*provider.SendResult, error) {
	if !ValidateAddress(destination) {
		return nil, walleterr.ErrInvalidAddress.WithDetail("address", destination)
	}
	dest := sol.MustPublicKeyFromBase58(destination)

	account, err := p.account(acct)
	if err != nil {
		return nil, err
	}
	defer account.Wipe()

	var sig string
	if a.IsNative() {
		raw, err := helpers.ToAtomicUint64(amount, LamportsDecimals)
		if err != nil || raw == 0 {
			return nil, walleterr.ErrAmountInvalid.WithDetail("amount", amount.String())
		}
		sig, err = p.svc.TransferSOL(ctx, account, dest, raw)
		if err != nil {
			return nil, err
		}
		return &provider.SendResult{AssetCode: a.Code, TxID: sig}, nil
	}

	mint, err := sol.PublicKeyFromBase58(a.ContractAddress)
	if err != nil {
		return nil, walleterr.ErrAssetNotSupported.WithDetail("asset", a.Code)
	}
	decimals, err := p.tokenDecimals(ctx, account.PublicKey(), mint, a)
	if err != nil {
		return nil, err
	}
	raw, err := helpers.ToAtomicUint64(amount, decimals)
	if err != nil || raw == 0 {
		return nil, walleterr.ErrAmountInvalid.WithDetail("amount", amount.String())
	}
	sig, err = p.svc.TransferToken(ctx, account, dest, mint, raw, decimals)
	if err != nil {
		return nil, err
	}
	return &provider.SendResult{AssetCode: a.Code, TxID: sig}, nil
}

// tokenDecimals returns the registry decimals, or the on-chain decimals
// when the registry leaves them unset.
func (p *Provider) tokenDecimals(ctx context.Context, owner, mint sol.PublicKey, a asset.Asset) (uint8, error) {
	if a.Decimals != 0 {
		return a.Decimals, nil
	}
	bal, err := p.svc.TokenBalance(ctx, owner, mint, 0)
	if err != nil {
		return 0, err
	}
	return bal.Decimals, nil
}

func (p *Provider) account(acct provider.AccountContext) (*Account, error) {
	account, err := DeriveAccount(acct.Mnemonic, acct.Passphrase, acct.AccountIndex, p.network)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.MnemonicMissing, err, "cannot derive solana account")
	}
	return account, nil
}

func (p *Provider) owner(acct provider.AccountContext) (sol.PublicKey, error) {
	account, err := p.account(acct)
	if err != nil {
		return sol.PublicKey{}, err
	}
	defer account.Wipe()
	return account.PublicKey(), nil
}

var _ provider.Provider = (*Provider)(nil)
