package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/klingon-exchange/klingon-wallet/pkg/logging"
)

// maxResponseSize caps a single indexer response body.
const maxResponseSize = 8 << 20

// Esplora implements Indexer over the Esplora REST API. mempool.space
// serves the same API plus its own fee endpoint.
type Esplora struct {
	baseURL    string
	typ        Type
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	log        *logging.Logger
}

// Option configures an Esplora client.
type Option func(*Esplora)

// WithType selects the fee endpoint flavour.
func WithType(t Type) Option {
	return func(e *Esplora) { e.typ = t }
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Esplora) { e.httpClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Esplora) { e.httpClient = c }
}

// WithRateLimit throttles outgoing requests to rps with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(e *Esplora) {
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewEsplora creates a new indexer client rooted at baseURL.
func NewEsplora(baseURL string, opts ...Option) *Esplora {
	e := &Esplora{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		typ:        TypeMempool,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Inf, 1),
		log:        logging.GetDefault().Component("esplora"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.breaker = newBreaker("esplora:"+e.baseURL, e.log)
	return e
}

// Type returns the indexer flavour.
func (e *Esplora) Type() Type {
	return e.typ
}

// GetAddressInfo returns address balance and tx count.
func (e *Esplora) GetAddressInfo(ctx context.Context, address string) (*AddressInfo, error) {
	type stats struct {
		FundedTxoSum uint64 `json:"funded_txo_sum"`
		SpentTxoSum  uint64 `json:"spent_txo_sum"`
		TxCount      int64  `json:"tx_count"`
	}
	var result struct {
		Address      string `json:"address"`
		ChainStats   stats  `json:"chain_stats"`
		MempoolStats stats  `json:"mempool_stats"`
	}

	if err := e.get(ctx, "/address/"+address, &result); err != nil {
		return nil, err
	}

	return &AddressInfo{
		Address:        result.Address,
		TxCount:        result.ChainStats.TxCount + result.MempoolStats.TxCount,
		FundedSum:      result.ChainStats.FundedTxoSum,
		SpentSum:       result.ChainStats.SpentTxoSum,
		Balance:        result.ChainStats.FundedTxoSum - result.ChainStats.SpentTxoSum,
		MempoolBalance: int64(result.MempoolStats.FundedTxoSum) - int64(result.MempoolStats.SpentTxoSum),
	}, nil
}

// GetAddressUTXOs returns unspent outputs for an address.
func (e *Esplora) GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var result []struct {
		TxID   string `json:"txid"`
		Vout   uint32 `json:"vout"`
		Status struct {
			Confirmed   bool  `json:"confirmed"`
			BlockHeight int64 `json:"block_height"`
		} `json:"status"`
		Value uint64 `json:"value"`
	}

	if err := e.get(ctx, "/address/"+address+"/utxo", &result); err != nil {
		return nil, err
	}

	// Without a tip height confirmed outputs count as one confirmation.
	currentHeight, err := e.GetBlockHeight(ctx)
	if err != nil {
		currentHeight = 0
	}

	utxos := make([]UTXO, len(result))
	for i, u := range result {
		var confirmations int64
		if u.Status.Confirmed && u.Status.BlockHeight > 0 {
			confirmations = 1
			if currentHeight >= u.Status.BlockHeight {
				confirmations = currentHeight - u.Status.BlockHeight + 1
			}
		}
		utxos[i] = UTXO{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Amount:        u.Value,
			Confirmations: confirmations,
			BlockHeight:   u.Status.BlockHeight,
		}
	}
	return utxos, nil
}

// GetAddressTxs returns the mempool transactions and the most recent
// confirmed transactions of an address, newest first.
func (e *Esplora) GetAddressTxs(ctx context.Context, address string) ([]Transaction, error) {
	var result []esploraTx
	if err := e.get(ctx, "/address/"+address+"/txs", &result); err != nil {
		return nil, err
	}
	return convertTxs(result), nil
}

// GetTransaction returns a transaction by ID.
func (e *Esplora) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	var result esploraTx
	if err := e.get(ctx, "/tx/"+txID, &result); err != nil {
		if errors.Is(err, ErrAddressNotFound) {
			return nil, ErrTxNotFound
		}
		return nil, err
	}

	tx := &convertTxs([]esploraTx{result})[0]
	if tx.Confirmed && tx.BlockHeight > 0 {
		currentHeight, err := e.GetBlockHeight(ctx)
		if err == nil && currentHeight >= tx.BlockHeight {
			tx.Confirmations = currentHeight - tx.BlockHeight + 1
		}
	}
	return tx, nil
}

// BroadcastTransaction broadcasts a raw transaction and returns its txid.
func (e *Esplora) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	resp, err := e.do(ctx, http.MethodPost, "/tx", rawTxHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	if resp.status != http.StatusOK {
		return "", fmt.Errorf("%w: %s", ErrBroadcastFailed, strings.TrimSpace(string(resp.body)))
	}
	return strings.TrimSpace(string(resp.body)), nil
}

// GetBlockHeight returns the current block height.
func (e *Esplora) GetBlockHeight(ctx context.Context) (int64, error) {
	resp, err := e.do(ctx, http.MethodGet, "/blocks/tip/height", "")
	if err != nil {
		return 0, err
	}
	if err := resp.statusErr(); err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(strings.TrimSpace(string(resp.body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse block height: %w", err)
	}
	return height, nil
}

// GetFeeEstimates returns fee estimates for different confirmation targets.
func (e *Esplora) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	var result map[string]float64

	if e.typ == TypeEsplora {
		// Esplora keys the map by confirmation target in blocks.
		if err := e.get(ctx, "/fee-estimates", &result); err != nil {
			return nil, err
		}
		return &FeeEstimate{
			FastestFee:  satsPerVByte(result["1"]),
			HalfHourFee: satsPerVByte(result["3"]),
			HourFee:     satsPerVByte(result["6"]),
			EconomyFee:  satsPerVByte(result["144"]),
			MinimumFee:  1,
		}, nil
	}

	if err := e.get(ctx, "/v1/fees/recommended", &result); err != nil {
		return nil, err
	}
	return &FeeEstimate{
		FastestFee:  satsPerVByte(result["fastestFee"]),
		HalfHourFee: satsPerVByte(result["halfHourFee"]),
		HourFee:     satsPerVByte(result["hourFee"]),
		EconomyFee:  satsPerVByte(result["economyFee"]),
		MinimumFee:  satsPerVByte(result["minimumFee"]),
	}, nil
}

// satsPerVByte rounds a fractional estimate up so a positive rate never
// truncates to zero.
func satsPerVByte(v float64) uint64 {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	return uint64(math.Ceil(v))
}

// get performs a GET request and decodes the JSON response.
func (e *Esplora) get(ctx context.Context, path string, result interface{}) error {
	resp, err := e.do(ctx, http.MethodGet, path, "")
	if err != nil {
		return err
	}
	if err := resp.statusErr(); err != nil {
		return err
	}
	if err := json.Unmarshal(resp.body, result); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

type response struct {
	status int
	body   []byte
}

func (r *response) statusErr() error {
	switch {
	case r.status == http.StatusOK:
		return nil
	case r.status == http.StatusNotFound:
		return ErrAddressNotFound
	case r.status == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return fmt.Errorf("unexpected status %d: %s", r.status, strings.TrimSpace(string(r.body)))
	}
}

// do sends one request through the limiter and the breaker. Only transport
// errors, 429 and 5xx count against the breaker.
func (e *Esplora) do(ctx context.Context, method, path, body string) (*response, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	out, err := e.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		if body != "" {
			req.Header.Set("Content-Type", "text/plain")
		}
		// Avoid stale CDN responses
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")

		resp, err := e.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return nil, err
		}
		r := &response{status: resp.StatusCode, body: b}
		if r.status == http.StatusTooManyRequests || r.status >= 500 {
			return r, r.statusErr()
		}
		return r, nil
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		// 429 and 5xx still carry a response; surface the typed error.
		if r, ok := out.(*response); ok && r != nil {
			return r, nil
		}
		return nil, err
	}
	return out.(*response), nil
}

// esploraTx is the Esplora transaction format.
type esploraTx struct {
	TxID     string `json:"txid"`
	Version  int32  `json:"version"`
	LockTime uint32 `json:"locktime"`
	Size     int64  `json:"size"`
	Weight   int64  `json:"weight"`
	Fee      uint64 `json:"fee"`
	Status   struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight int64  `json:"block_height"`
		BlockHash   string `json:"block_hash"`
		BlockTime   int64  `json:"block_time"`
	} `json:"status"`
	Vin []struct {
		TxID     string    `json:"txid"`
		Vout     uint32    `json:"vout"`
		Witness  []string  `json:"witness"`
		Sequence uint32    `json:"sequence"`
		Prevout  *TxOutput `json:"prevout"`
	} `json:"vin"`
	Vout []TxOutput `json:"vout"`
}

// convertTxs converts the Esplora format to Transaction.
func convertTxs(eTxs []esploraTx) []Transaction {
	txs := make([]Transaction, len(eTxs))
	for i, et := range eTxs {
		tx := Transaction{
			TxID:        et.TxID,
			Version:     et.Version,
			Size:        et.Size,
			Weight:      et.Weight,
			VSize:       (et.Weight + 3) / 4,
			LockTime:    et.LockTime,
			Fee:         et.Fee,
			Confirmed:   et.Status.Confirmed,
			BlockHash:   et.Status.BlockHash,
			BlockHeight: et.Status.BlockHeight,
			BlockTime:   et.Status.BlockTime,
			Inputs:      make([]TxInput, len(et.Vin)),
			Outputs:     append([]TxOutput(nil), et.Vout...),
		}
		for j, vin := range et.Vin {
			tx.Inputs[j] = TxInput{
				TxID:     vin.TxID,
				Vout:     vin.Vout,
				Witness:  vin.Witness,
				Sequence: vin.Sequence,
				PrevOut:  vin.Prevout,
			}
		}
		txs[i] = tx
	}
	return txs
}

// Ensure Esplora implements Indexer
var _ Indexer = (*Esplora)(nil)
