// Package payreq parses payment requests: BIP21 bitcoin: URIs, Solana Pay
// style solana: URIs, ERC-681 ethereum: URIs and bare addresses.
package payreq

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/klingon-wallet/internal/asset"
	"github.com/klingon-exchange/klingon-wallet/internal/chain"
	"github.com/klingon-exchange/klingon-wallet/internal/ethereum"
	"github.com/klingon-exchange/klingon-wallet/internal/solana"
	"github.com/klingon-exchange/klingon-wallet/internal/walleterr"
	"github.com/klingon-exchange/klingon-wallet/pkg/helpers"
)

// Request is a parsed payment request.
type Request struct {
	Asset   asset.Asset      `json:"asset"`
	Address string           `json:"address"`
	Amount  *decimal.Decimal `json:"amount,omitempty"`
	Label   string           `json:"label,omitempty"`
	Message string           `json:"message,omitempty"`
}

// Parser resolves requests against the asset registry of one network.
type Parser struct {
	assets  *asset.Registry
	btcNet  *chaincfg.Params
	chainID uint64
}

// NewParser creates a parser for network.
func NewParser(assets *asset.Registry, network chain.Network) *Parser {
	return &Parser{
		assets:  assets,
		btcNet:  chain.MustGet(chain.Bitcoin, network).Net,
		chainID: chain.MustGet(chain.Ethereum, network).ChainID,
	}
}

// Parse parses input. When expected is non-nil the request must be for
// that asset: another chain fails with WrongNetwork, another token on the
// same chain with WrongToken. A bare address for the expected chain takes
// the expected asset.
func (p *Parser) Parse(input string, expected *asset.Asset) (*Request, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, walleterr.ErrDestinationMissing
	}

	scheme, rest, hasScheme := strings.Cut(input, ":")
	if !hasScheme {
		return p.parseBare(input, expected)
	}

	var (
		req *Request
		err error
	)
	switch strings.ToLower(scheme) {
	case "bitcoin":
		req, err = p.parseBitcoin(rest, expected)
	case "solana":
		req, err = p.parseSolana(rest, expected)
	case "ethereum", "eth":
		req, err = p.parseEthereum(rest, expected)
	default:
		return nil, walleterr.ErrWrongNetwork.WithDetail("scheme", scheme)
	}
	if err != nil {
		return nil, err
	}
	return req, checkExpected(req, expected)
}

func checkExpected(req *Request, expected *asset.Asset) error {
	if expected == nil {
		return nil
	}
	if req.Asset.Network != expected.Network {
		return walleterr.ErrWrongNetwork.WithDetail("network", string(req.Asset.Network))
	}
	if req.Asset.Code != expected.Code {
		return walleterr.ErrWrongToken.WithDetail("asset", req.Asset.Code)
	}
	return nil
}

func (p *Parser) parseBare(addr string, expected *asset.Asset) (*Request, error) {
	var kind chain.Kind
	switch {
	case p.validBitcoin(addr):
		kind = chain.Bitcoin
	case solana.ValidateAddress(addr):
		kind = chain.Solana
	case ethereum.ValidateAddress(addr):
		kind = chain.Ethereum
		addr = common.HexToAddress(addr).Hex()
	default:
		return nil, walleterr.ErrWrongNetwork.WithDetail("address", addr)
	}

	if expected != nil {
		if expected.Network != kind {
			return nil, walleterr.ErrWrongNetwork.WithDetail("network", string(kind))
		}
		return &Request{Asset: *expected, Address: addr}, nil
	}
	a, err := p.native(kind, nil)
	if err != nil {
		return nil, err
	}
	return &Request{Asset: a, Address: addr}, nil
}

func (p *Parser) parseBitcoin(rest string, expected *asset.Asset) (*Request, error) {
	addr, query, err := splitQuery(rest)
	if err != nil {
		return nil, err
	}
	if !p.validBitcoin(addr) {
		return nil, walleterr.ErrInvalidAddress.WithDetail("address", addr)
	}

	a, err := p.native(chain.Bitcoin, expected)
	if err != nil {
		return nil, err
	}
	req := &Request{Asset: a, Address: addr, Label: query.Get("label"), Message: query.Get("message")}
	if req.Amount, err = humanAmount(query.Get("amount")); err != nil {
		return nil, err
	}
	return req, nil
}

func (p *Parser) parseSolana(rest string, expected *asset.Asset) (*Request, error) {
	addr, query, err := splitQuery(rest)
	if err != nil {
		return nil, err
	}
	if !solana.ValidateAddress(addr) {
		return nil, walleterr.ErrInvalidAddress.WithDetail("address", addr)
	}

	mint := query.Get("spl-token")
	if mint == "" {
		mint = query.Get("token")
	}
	var a asset.Asset
	if mint == "" {
		a, err = p.native(chain.Solana, expected)
	} else {
		a, err = p.token(chain.Solana, mint, expected)
	}
	if err != nil {
		return nil, err
	}

	req := &Request{Asset: a, Address: addr, Label: query.Get("label"), Message: query.Get("message")}
	if req.Message == "" {
		req.Message = query.Get("memo")
	}
	if req.Amount, err = humanAmount(query.Get("amount")); err != nil {
		return nil, err
	}
	return req, nil
}

// parseEthereum handles ethereum:[pay-]<target>[@chainId][/function]?params.
func (p *Parser) parseEthereum(rest string, expected *asset.Asset) (*Request, error) {
	path, query, err := splitQuery(rest)
	if err != nil {
		return nil, err
	}
	path = strings.TrimPrefix(path, "pay-")

	target, function, _ := strings.Cut(path, "/")
	target, chainIDStr, hasChainID := strings.Cut(target, "@")
	if hasChainID {
		id, err := strconv.ParseUint(chainIDStr, 10, 64)
		if err != nil {
			return nil, walleterr.ErrWrongNetwork.WithDetail("chainId", chainIDStr)
		}
		if id != p.chainID {
			return nil, walleterr.ErrWrongNetwork.WithDetail("chainId", chainIDStr)
		}
	}
	if !ethereum.ValidateAddress(target) {
		return nil, walleterr.ErrInvalidAddress.WithDetail("address", target)
	}

	switch function {
	case "":
		a, err := p.native(chain.Ethereum, expected)
		if err != nil {
			return nil, err
		}
		req := &Request{Asset: a, Address: common.HexToAddress(target).Hex(), Label: query.Get("label"), Message: query.Get("message")}
		if v := query.Get("value"); v != "" {
			req.Amount, err = atomicAmount(v, a.Decimals)
		} else {
			req.Amount, err = humanAmount(query.Get("amount"))
		}
		if err != nil {
			return nil, err
		}
		return req, nil

	case "transfer":
		a, err := p.token(chain.Ethereum, target, expected)
		if err != nil {
			return nil, err
		}
		recipient := query.Get("address")
		if !ethereum.ValidateAddress(recipient) {
			return nil, walleterr.ErrInvalidAddress.WithDetail("address", recipient)
		}
		req := &Request{Asset: a, Address: common.HexToAddress(recipient).Hex(), Label: query.Get("label"), Message: query.Get("message")}
		if v := query.Get("uint256"); v != "" {
			req.Amount, err = atomicAmount(v, tokenDecimals(a))
		} else {
			req.Amount, err = humanAmount(query.Get("amount"))
		}
		if err != nil {
			return nil, err
		}
		return req, nil

	default:
		return nil, walleterr.ErrUnsupportedFeature.WithDetail("function", function)
	}
}

func (p *Parser) validBitcoin(addr string) bool {
	decoded, err := btcutil.DecodeAddress(addr, p.btcNet)
	return err == nil && decoded.IsForNet(p.btcNet)
}

func (p *Parser) native(kind chain.Kind, expected *asset.Asset) (asset.Asset, error) {
	a, ok := p.assets.Native(kind)
	if !ok {
		return asset.Asset{}, unknownAsset(kind, expected, "network", string(kind))
	}
	return a, nil
}

func (p *Parser) token(kind chain.Kind, contract string, expected *asset.Asset) (asset.Asset, error) {
	a, ok := p.assets.ByContract(kind, contract)
	if !ok {
		return asset.Asset{}, unknownAsset(kind, expected, "contract", contract)
	}
	return a, nil
}

// unknownAsset reports a request for an asset missing from the registry.
// Against an expected asset it is a mismatch, not an unsupported asset.
func unknownAsset(kind chain.Kind, expected *asset.Asset, key, value string) error {
	switch {
	case expected == nil:
		return walleterr.ErrAssetNotSupported.WithDetail(key, value)
	case expected.Network != kind:
		return walleterr.ErrWrongNetwork.WithDetail("network", string(kind))
	default:
		return walleterr.ErrWrongToken.WithDetail(key, value)
	}
}

func splitQuery(rest string) (string, url.Values, error) {
	target, rawQuery, _ := strings.Cut(rest, "?")
	target = strings.TrimPrefix(target, "//")
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", nil, walleterr.Wrap(walleterr.InvalidAddress, err, "malformed payment request")
	}
	return target, query, nil
}

func humanAmount(s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.Sign() < 0 {
		return nil, walleterr.ErrAmountInvalid.WithDetail("amount", s)
	}
	return &d, nil
}

func atomicAmount(s string, decimals uint8) (*decimal.Decimal, error) {
	raw, err := helpers.ParseQuantity(s)
	if err != nil {
		return nil, walleterr.ErrAmountInvalid.WithDetail("amount", s)
	}
	d := helpers.FromAtomic(raw, decimals)
	return &d, nil
}

func tokenDecimals(a asset.Asset) uint8 {
	if a.Decimals == 0 {
		return ethereum.DefaultTokenDecimals
	}
	return a.Decimals
}
