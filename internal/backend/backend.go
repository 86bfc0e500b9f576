// Package backend provides the Bitcoin indexer client used to fetch chain
// data and broadcast transactions. It never sees private keys; signing
// happens in the bitcoin package.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/klingon-exchange/klingon-wallet/internal/chain"
)

// Common errors
var (
	ErrTxNotFound      = errors.New("transaction not found")
	ErrAddressNotFound = errors.New("address not found")
	ErrBroadcastFailed = errors.New("broadcast failed")
	ErrRateLimited     = errors.New("rate limited")
	ErrUnavailable     = errors.New("backend unavailable")
)

// Type represents the indexer flavour.
type Type string

const (
	TypeMempool Type = "mempool" // mempool.space API
	TypeEsplora Type = "esplora" // blockstream.info API
)

// UTXO represents an unspent transaction output.
// Esplora does not return the output script, callers resolve it from the
// funding transaction.
type UTXO struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Amount        uint64 `json:"value"` // satoshis
	Confirmations int64  `json:"confirmations"`
	BlockHeight   int64  `json:"block_height,omitempty"`
}

// Transaction represents a transaction.
type Transaction struct {
	TxID          string     `json:"txid"`
	Version       int32      `json:"version"`
	Size          int64      `json:"size"`
	VSize         int64      `json:"vsize"`
	Weight        int64      `json:"weight"`
	LockTime      uint32     `json:"locktime"`
	Fee           uint64     `json:"fee"`
	Confirmed     bool       `json:"confirmed"`
	BlockHash     string     `json:"block_hash,omitempty"`
	BlockHeight   int64      `json:"block_height,omitempty"`
	BlockTime     int64      `json:"block_time,omitempty"`
	Confirmations int64      `json:"confirmations"`
	Inputs        []TxInput  `json:"vin"`
	Outputs       []TxOutput `json:"vout"`
}

// TxInput represents a transaction input.
type TxInput struct {
	TxID     string    `json:"txid"`
	Vout     uint32    `json:"vout"`
	Witness  []string  `json:"witness,omitempty"`
	Sequence uint32    `json:"sequence"`
	PrevOut  *TxOutput `json:"prevout,omitempty"`
}

// TxOutput represents a transaction output.
type TxOutput struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyType string `json:"scriptpubkey_type,omitempty"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address,omitempty"`
	Value            uint64 `json:"value"`
}

// AddressInfo contains address balance and transaction info.
type AddressInfo struct {
	Address        string `json:"address"`
	TxCount        int64  `json:"tx_count"`
	FundedSum      uint64 `json:"funded_txo_sum"`
	SpentSum       uint64 `json:"spent_txo_sum"`
	Balance        uint64 `json:"balance"`         // confirmed
	MempoolBalance int64  `json:"mempool_balance"` // unconfirmed delta
}

// FeeEstimate contains fee estimation for different confirmation targets.
type FeeEstimate struct {
	FastestFee  uint64 `json:"fastest_fee"`   // sat/vB for next block
	HalfHourFee uint64 `json:"half_hour_fee"` // sat/vB for ~30 min
	HourFee     uint64 `json:"hour_fee"`      // sat/vB for ~1 hour (6 blocks)
	EconomyFee  uint64 `json:"economy_fee"`   // sat/vB for low priority
	MinimumFee  uint64 `json:"minimum_fee"`   // sat/vB minimum relay fee
}

// Indexer is the read/broadcast surface the bitcoin service needs.
type Indexer interface {
	Type() Type
	GetAddressInfo(ctx context.Context, address string) (*AddressInfo, error)
	GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error)
	GetAddressTxs(ctx context.Context, address string) ([]Transaction, error)
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)
	GetBlockHeight(ctx context.Context) (int64, error)
	GetFeeEstimates(ctx context.Context) (*FeeEstimate, error)
}

// Config contains the endpoint configuration for one chain.
type Config struct {
	Type       Type    `yaml:"type,omitempty"`
	MainnetURL string  `yaml:"mainnet_url"`
	TestnetURL string  `yaml:"testnet_url"`
	RateLimit  float64 `yaml:"rate_limit,omitempty"` // requests per second, 0 = unlimited
	Timeout    int     `yaml:"timeout,omitempty"`    // seconds, default 30
}

// URL returns the endpoint for the given network.
func (c *Config) URL(network chain.Network) string {
	if network == chain.Testnet {
		return c.TestnetURL
	}
	return c.MainnetURL
}

// RequestTimeout returns the configured timeout or the 30s default.
func (c *Config) RequestTimeout() time.Duration {
	if c.Timeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Timeout) * time.Second
}

// DefaultConfigs returns default endpoint configurations for all supported chains.
func DefaultConfigs() map[chain.Kind]*Config {
	return map[chain.Kind]*Config{
		chain.Bitcoin: {
			Type:       TypeMempool,
			MainnetURL: "https://mempool.space/api",
			TestnetURL: "https://mempool.space/testnet/api",
			RateLimit:  5,
		},
		chain.Solana: {
			MainnetURL: "https://api.mainnet-beta.solana.com",
			TestnetURL: "https://api.devnet.solana.com",
		},
		chain.Ethereum: {
			MainnetURL: "https://eth.llamarpc.com",
			TestnetURL: "https://ethereum-sepolia-rpc.publicnode.com",
		},
	}
}

// New creates the indexer described by cfg for the given network.
func New(cfg *Config, network chain.Network) *Esplora {
	opts := []Option{WithTimeout(cfg.RequestTimeout())}
	if cfg.RateLimit > 0 {
		opts = append(opts, WithRateLimit(cfg.RateLimit, 1))
	}
	if cfg.Type == TypeEsplora {
		opts = append(opts, WithType(TypeEsplora))
	}
	return NewEsplora(cfg.URL(network), opts...)
}
