package ethereum

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/klingon-wallet/internal/asset"
	"github.com/klingon-exchange/klingon-wallet/internal/chain"
	"github.com/klingon-exchange/klingon-wallet/internal/provider"
	"github.com/klingon-exchange/klingon-wallet/internal/walleterr"
	"github.com/klingon-exchange/klingon-wallet/pkg/helpers"
)

// Provider adapts Service to the provider interface. The wallet address
// is the external key at the chain's current external address index.
type Provider struct {
	svc     *Service
	network chain.Network
}

func NewProvider(svc *Service, network chain.Network) *Provider {
	return &Provider{svc: svc, network: network}
}

func (p *Provider) Network() chain.Kind { return chain.Ethereum }

func (p *Provider) Supports(a asset.Asset) bool {
	if a.Network != chain.Ethereum {
		return false
	}
	return a.IsNative() || common.IsHexAddress(a.ContractAddress)
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
		wei, err := p.svc.Balance(ctx, owner)
		if err != nil {
			return nil, err
		}
		ov.Balance = helpers.FromAtomic(wei, chain.MustGet(chain.Ethereum, p.network).Decimals)
		return ov, nil
	}

	raw, err := p.svc.TokenBalance(ctx, owner, common.HexToAddress(a.ContractAddress))
	if err != nil {
		return nil, err
	}
	ov.Balance = helpers.FromAtomic(raw, tokenDecimals(a))
	return ov, nil
}

func (p *Provider) ReceiveInfo(ctx context.Context, acct provider.AccountContext, a asset.Asset) (*provider.ReceiveInfo, error) {
	account, err := p.account(acct)
	if err != nil {
		return nil, err
	}
	defer account.Wipe()

	addr := account.Address().Hex()
	uri := "ethereum:" + addr
	if !a.IsNative() {
		uri = "ethereum:" + common.HexToAddress(a.ContractAddress).Hex() + "/transfer?address=" + addr
	}
	return &provider.ReceiveInfo{
		AssetCode:      a.Code,
		Address:        addr,
		AddressIndex:   walletAddressIndex,
		DerivationPath: account.Path().String(),
		URI:            uri,
	}, nil
}

// Transactions is always empty; no indexer is wired for Ethereum history.
func (p *Provider) Transactions(ctx context.Context, acct provider.AccountContext, a asset.Asset) ([]provider.Transaction, error) {
	return []provider.Transaction{}, nil
}

func (p *Provider) Send(ctx context.Context, acct provider.AccountContext, a asset.Asset, destination string, amount decimal.Decimal) (*provider.SendResult, error) {
	if !ValidateAddress(destination) {
		return nil, walleterr.ErrInvalidAddress.WithDetail("address", destination)
	}
	dest := common.HexToAddress(destination)

	decimals := chain.MustGet(chain.Ethereum, p.network).Decimals
	if !a.IsNative() {
		decimals = tokenDecimals(a)
	}
	raw, err := helpers.ToAtomic(amount, decimals)
	if err != nil || raw.Sign() <= 0 {
		return nil, walleterr.ErrAmountInvalid.WithDetail("amount", amount.String())
	}

	account, err := p.account(acct)
	if err != nil {
		return nil, err
	}
	defer account.Wipe()

	var hash common.Hash
	if a.IsNative() {
		hash, err = p.svc.Transfer(ctx, account, dest, raw)
	} else {
		hash, err = p.svc.TransferToken(ctx, account, common.HexToAddress(a.ContractAddress), dest, raw)
	}
	if err != nil {
		return nil, err
	}
	return &provider.SendResult{AssetCode: a.Code, TxID: hash.Hex()}, nil
}

func tokenDecimals(a asset.Asset) uint8 {
	if a.Decimals == 0 {
		return DefaultTokenDecimals
	}
	return a.Decimals
}

// walletAddressIndex is the only address index an Ethereum wallet uses.
// Balance, sends and receive info all hang off one key.
const walletAddressIndex = 0

func (p *Provider) account(acct provider.AccountContext) (*Account, error) {
	account, err := DeriveAccount(acct.Mnemonic, acct.Passphrase, acct.AccountIndex, walletAddressIndex, p.network)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.MnemonicMissing, err, "cannot derive ethereum account")
	}
	return account, nil
}

func (p *Provider) owner(acct provider.AccountContext) (common.Address, error) {
	account, err := p.account(acct)
	if err != nil {
		return common.Address{}, err
	}
	defer account.Wipe()
	return account.Address(), nil
}

var _ provider.Provider = (*Provider)(nil)
