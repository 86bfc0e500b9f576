// Package rates fetches fiat exchange rates from a CoinGecko-style
// simple-price endpoint and caches them through the snapshot cache.
package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/klingon-exchange/klingon-wallet/internal/backend"
	"github.com/klingon-exchange/klingon-wallet/internal/cache"
	"github.com/klingon-exchange/klingon-wallet/pkg/logging"
)

// DefaultURL is the public CoinGecko API root.
const DefaultURL = "https://api.coingecko.com/api/v3"

// Errors
var (
	ErrUnknownAsset = errors.New("no price id for asset")
	ErrNoQuote      = errors.New("rate not quoted")
)

// DefaultPriceIDs maps asset codes to CoinGecko coin ids.
var DefaultPriceIDs = map[string]string{
	"BTC":      "bitcoin",
	"SOL":      "solana",
	"ETH":      "ethereum",
	"USDC-SOL": "usd-coin",
	"USDC-ETH": "usd-coin",
	"USDT-ETH": "tether",
	"EURC-SOL": "euro-coin",
	"EURC-ETH": "euro-coin",
}

// Service quotes asset prices in fiat.
type Service struct {
	baseURL    string
	ids        map[string]string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	log        *logging.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithPriceIDs replaces the asset code to coin id table.
func WithPriceIDs(ids map[string]string) Option {
	return func(s *Service) { s.ids = ids }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.httpClient = c }
}

// WithRateLimit throttles outgoing requests.
func WithRateLimit(rps float64) Option {
	return func(s *Service) { s.limiter = rate.NewLimiter(rate.Limit(rps), 1) }
}

// NewService creates a rate service rooted at baseURL.
func NewService(baseURL string, opts ...Option) *Service {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	s := &Service{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		ids:        DefaultPriceIDs,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Inf, 1),
		breaker:    backend.NewBreaker("rates"),
		log:        logging.GetDefault().Component("rates"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Rate returns the price of one unit of assetCode in fiat.
func (s *Service) Rate(ctx context.Context, assetCode, fiat string) (decimal.Decimal, error) {
	id, ok := s.ids[assetCode]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownAsset, assetCode)
	}
	fiat = strings.ToLower(fiat)

	if err := s.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	q := url.Values{}
	q.Set("ids", id)
	q.Set("vs_currencies", fiat)
	endpoint := s.baseURL + "/simple/price?" + q.Encode()

	out, err := s.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("rate endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return body, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return decimal.Zero, fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch rate: %w", err)
	}

	var prices map[string]map[string]decimal.Decimal
	if err := json.Unmarshal(out.([]byte), &prices); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode rate: %w", err)
	}
	price, ok := prices[id][fiat]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s/%s", ErrNoQuote, assetCode, fiat)
	}
	return price, nil
}

// Cached serves rates through the snapshot cache.
type Cached struct {
	svc   *Service
	cache *cache.Cache
	fiat  string
}

// NewCached wraps svc. fiat is the quote currency code, e.g. "USD".
func NewCached(svc *Service, c *cache.Cache, fiat string) *Cached {
	return &Cached{svc: svc, cache: c, fiat: strings.ToUpper(fiat)}
}

// Fiat returns the quote currency code.
func (c *Cached) Fiat() string {
	return c.fiat
}

// Get returns the cached rate of assetCode, or nil before the first
// successful fetch. Missing and stale entries schedule a refresh.
func (c *Cached) Get(assetCode string, onRefreshed func(decimal.Decimal)) *decimal.Decimal {
	fetch := func(ctx context.Context) (*decimal.Decimal, error) {
		r, err := c.svc.Rate(ctx, assetCode, c.fiat)
		if err != nil {
			return nil, err
		}
		return &r, nil
	}
	var cb func(*decimal.Decimal)
	if onRefreshed != nil {
		cb = func(r *decimal.Decimal) {
			if r != nil {
				onRefreshed(*r)
			}
		}
	}

	r, _ := cache.Get(c.cache, cache.RateKey(assetCode, c.fiat), (*decimal.Decimal)(nil), fetch, cb)
	return r
}

// Supports reports whether assetCode has a price id.
func (c *Cached) Supports(assetCode string) bool {
	_, ok := c.svc.ids[assetCode]
	return ok
}
