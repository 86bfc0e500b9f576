package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/klingon-wallet/internal/asset"
	"github.com/klingon-exchange/klingon-wallet/internal/provider"
	"github.com/klingon-exchange/klingon-wallet/internal/walleterr"
)

// ========================================
// Wallet handlers
// ========================================

// AssetParams selects one asset.
type AssetParams struct {
	Asset string `json:"asset"`
}

func parseAssetParams(params json.RawMessage) (string, error) {
	var p AssetParams
	if err := decodeParams(params, &p); err != nil {
		return "", err
	}
	code := strings.ToUpper(strings.TrimSpace(p.Asset))
	if code == "" {
		return "", fmt.Errorf("%w: asset is required", errInvalidParams)
	}
	return code, nil
}

func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return fmt.Errorf("%w: params are required", errInvalidParams)
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return nil
}

func (s *Server) walletAssets(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		All bool `json:"all"`
	}
	if len(params) > 0 {
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
	}
	if p.All {
		return s.wallet.Assets().List(), nil
	}
	visible := s.wallet.Assets().Visible()
	if visible == nil {
		visible = []asset.Asset{}
	}
	return visible, nil
}

// walletOverview returns the cached overview. Subscribers of
// overview_updated receive the refreshed value.
func (s *Server) walletOverview(ctx context.Context, params json.RawMessage) (interface{}, error) {
	code, err := parseAssetParams(params)
	if err != nil {
		return nil, err
	}
	return s.wallet.GetOverview(ctx, code, func(ov *provider.Overview) {
		s.wsHub.Publish(EventOverviewUpdated, code, ov)
	})
}

// TransactionsUpdate is the payload of transactions_updated.
type TransactionsUpdate struct {
	Asset        string                 `json:"asset"`
	Transactions []provider.Transaction `json:"transactions"`
}

func (s *Server) walletTransactions(ctx context.Context, params json.RawMessage) (interface{}, error) {
	code, err := parseAssetParams(params)
	if err != nil {
		return nil, err
	}
	return s.wallet.GetTransactions(ctx, code, func(txs []provider.Transaction) {
		s.wsHub.Publish(EventTransactionsUpdated, code, &TransactionsUpdate{Asset: code, Transactions: txs})
	})
}

func (s *Server) walletReceiveInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	code, err := parseAssetParams(params)
	if err != nil {
		return nil, err
	}
	return s.wallet.GetReceiveInfo(ctx, code)
}

func (s *Server) walletNextAddress(ctx context.Context, params json.RawMessage) (interface{}, error) {
	code, err := parseAssetParams(params)
	if err != nil {
		return nil, err
	}
	return s.wallet.NextReceiveAddress(ctx, code)
}

// SendParams is the parameters for wallet_send. Amount is a decimal string
// in whole units.
type SendParams struct {
	Asset       string `json:"asset"`
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
}

func (s *Server) walletSend(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SendParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(p.Amount))
	if err != nil {
		return nil, walleterr.ErrAmountInvalid.WithDetail("amount", p.Amount)
	}

	res, err := s.wallet.Send(ctx, strings.ToUpper(strings.TrimSpace(p.Asset)), p.Destination, amount)
	if err != nil {
		return nil, err
	}
	s.wsHub.Publish(EventTransactionSent, res.AssetCode, res)
	return res, nil
}

// ParseParams is the parameters for wallet_parse.
type ParseParams struct {
	Input  string `json:"input"`
	Expect string `json:"expect,omitempty"`
}

func (s *Server) walletParse(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ParseParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	var expected *asset.Asset
	if p.Expect != "" {
		a, ok := s.wallet.Assets().Get(p.Expect)
		if !ok {
			return nil, walleterr.ErrAssetNotSupported.WithDetail("asset", p.Expect)
		}
		expected = &a
	}
	return s.parser.Parse(p.Input, expected)
}

func (s *Server) walletRefresh(ctx context.Context, params json.RawMessage) (interface{}, error) {
	code, err := parseAssetParams(params)
	if err != nil {
		return nil, err
	}
	if err := s.wallet.Refresh(code); err != nil {
		return nil, err
	}
	return map[string]bool{"scheduled": true}, nil
}
