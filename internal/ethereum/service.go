package ethereum

import (
	"context"
	"errors"
	"math/big"
	"net"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/klingon-exchange/klingon-wallet/internal/walleterr"
	"github.com/klingon-exchange/klingon-wallet/pkg/logging"
)

// DefaultTokenDecimals applies to ERC-20 assets registered without decimals.
const DefaultTokenDecimals = 18

// DefaultGasPriceGwei is used when the node suggests a zero gas price.
const DefaultGasPriceGwei = 20

// Client is the subset of *ethclient.Client the service uses.
type Client interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Service reads balances and submits transfers over JSON-RPC.
type Service struct {
	client          Client
	chainID         *big.Int
	defaultGasPrice *big.Int
	log             *logging.Logger
}

// NewService creates a service for chainID. A nil defaultGasPrice selects
// DefaultGasPriceGwei.
func NewService(client Client, chainID uint64, defaultGasPrice *big.Int) *Service {
	if defaultGasPrice == nil || defaultGasPrice.Sign() <= 0 {
		defaultGasPrice = GweiToWei(DefaultGasPriceGwei)
	}
	return &Service{
		client:          client,
		chainID:         new(big.Int).SetUint64(chainID),
		defaultGasPrice: defaultGasPrice,
		log:             logging.GetDefault().Component("ethereum"),
	}
}

// Dial connects to an Ethereum JSON-RPC endpoint.
func Dial(url string, chainID uint64, defaultGasPrice *big.Int) (*Service, error) {
	client, err := ethclient.Dial(url)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.NetworkUnavailable, err, "failed to connect to ethereum rpc")
	}
	return NewService(client, chainID, defaultGasPrice), nil
}

// GweiToWei converts whole gwei to wei.
func GweiToWei(gwei uint64) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(gwei), big.NewInt(1_000_000_000))
}

// Balance returns the wei balance of owner at the latest block.
func (s *Service) Balance(ctx context.Context, owner common.Address) (*big.Int, error) {
	bal, err := s.client.BalanceAt(ctx, owner, nil)
	if err != nil {
		return nil, mapError(err)
	}
	return bal, nil
}

// TokenBalance returns the raw ERC-20 balance of owner.
func (s *Service) TokenBalance(ctx context.Context, owner, contract common.Address) (*big.Int, error) {
	data, err := packBalanceOf(owner)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.OperationFailed, err, "failed to encode balanceOf")
	}
	out, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, mapError(err)
	}
	if len(out) == 0 {
		// No code at the address, or a non-standard token.
		return new(big.Int), nil
	}
	bal, err := unpackUint256("balanceOf", out)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.RpcError, err, "invalid balanceOf response")
	}
	return bal, nil
}

// Transfer sends wei to destination.
func (s *Service) Transfer(ctx context.Context, acct *Account, destination common.Address, wei *big.Int) (common.Hash, error) {
	return s.submit(ctx, acct, destination, wei, nil)
}

// TransferToken sends raw token units through the contract's transfer call.
func (s *Service) TransferToken(ctx context.Context, acct *Account, contract, destination common.Address, amount *big.Int) (common.Hash, error) {
	data, err := packTransfer(destination, amount)
	if err != nil {
		return common.Hash{}, walleterr.Wrap(walleterr.OperationFailed, err, "failed to encode transfer")
	}
	return s.submit(ctx, acct, contract, new(big.Int), data)
}

// GasPrice returns the node's suggestion, or the configured default when
// the node reports zero.
func (s *Service) GasPrice(ctx context.Context) (*big.Int, error) {
	price, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	if price == nil || price.Sign() == 0 {
		s.log.Debug("Node suggested zero gas price, using default", "wei", s.defaultGasPrice)
		return new(big.Int).Set(s.defaultGasPrice), nil
	}
	return price, nil
}

func (s *Service) submit(ctx context.Context, acct *Account, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	from := acct.Address()

	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: data})
	if err != nil {
		return common.Hash{}, mapError(err)
	}
	gasPrice, err := s.GasPrice(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	nonce, err := s.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, mapError(err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    value,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(s.chainID), acct.key)
	if err != nil {
		return common.Hash{}, walleterr.Wrap(walleterr.OperationFailed, err, "failed to sign transaction")
	}
	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, mapError(err)
	}

	s.log.Info("Sent transaction", "hash", signed.Hash().Hex(), "nonce", nonce, "gas", gasLimit)
	return signed.Hash(), nil
}

// mapError translates client failures. Node error text is kept verbatim.
func mapError(err error) error {
	var we *walleterr.Error
	if errors.As(err, &we) {
		return err
	}

	var rpcErr rpc.Error
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return walleterr.Wrap(walleterr.Timeout, err, "ethereum rpc timed out")
	case errors.As(err, &rpcErr):
		return walleterr.Wrap(walleterr.RpcError, errors.New(rpcErr.Error()), "ethereum rpc error")
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return walleterr.Wrap(walleterr.Timeout, err, "ethereum rpc timed out")
		}
		return walleterr.Wrap(walleterr.NetworkUnavailable, err, "ethereum rpc unreachable")
	}
	return walleterr.Wrap(walleterr.RpcError, err, "ethereum request failed")
}
