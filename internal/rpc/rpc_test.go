package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/klingon-wallet/internal/asset"
	"github.com/klingon-exchange/klingon-wallet/internal/chain"
	"github.com/klingon-exchange/klingon-wallet/internal/payreq"
	"github.com/klingon-exchange/klingon-wallet/internal/provider"
	"github.com/klingon-exchange/klingon-wallet/internal/walleterr"
)

type fakeWallet struct {
	assets *asset.Registry

	mu        sync.Mutex
	overviews chan func(*provider.Overview)
	sent      []string
	sendErr   error
	refreshed []string
}

func (f *fakeWallet) Assets() *asset.Registry { return f.assets }

func (f *fakeWallet) GetOverview(ctx context.Context, code string, onRefreshed func(*provider.Overview)) (*provider.Overview, error) {
	a, ok := f.assets.Get(code)
	if !ok {
		return nil, walleterr.ErrAssetNotSupported.WithDetail("asset", code)
	}
	if f.overviews != nil {
		f.overviews <- onRefreshed
	}
	return provider.Placeholder(a), nil
}

func (f *fakeWallet) GetTransactions(ctx context.Context, code string, onRefreshed func([]provider.Transaction)) ([]provider.Transaction, error) {
	return []provider.Transaction{{ID: "tx1", Amount: decimal.NewFromInt(1), IsIncoming: true}}, nil
}

func (f *fakeWallet) GetReceiveInfo(ctx context.Context, code string) (*provider.ReceiveInfo, error) {
	return &provider.ReceiveInfo{AssetCode: code, Address: "addr0"}, nil
}

func (f *fakeWallet) NextReceiveAddress(ctx context.Context, code string) (*provider.ReceiveInfo, error) {
	if code == "SOL" {
		return nil, walleterr.ErrUnsupportedFeature.WithDetail("asset", code)
	}
	return &provider.ReceiveInfo{AssetCode: code, Address: "addr1", AddressIndex: 1}, nil
}

func (f *fakeWallet) Send(ctx context.Context, code, destination string, amount decimal.Decimal) (*provider.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, code+":"+destination+":"+amount.String())
	return &provider.SendResult{AssetCode: code, TxID: "deadbeef"}, nil
}

func (f *fakeWallet) Refresh(code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, code)
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakeWallet, *httptest.Server) {
	t.Helper()
	assets, err := asset.Default(chain.Mainnet)
	require.NoError(t, err)

	w := &fakeWallet{assets: assets}
	s := NewServer(w, payreq.NewParser(assets, chain.Mainnet))
	go s.WSHub().Run()

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.WSHub().Stop()
	})
	return s, w, ts
}

func call(t *testing.T, ts *httptest.Server, method string, params interface{}) *Response {
	t.Helper()
	req := map[string]interface{}{"jsonrpc": "2.0", "method": method, "id": 1}
	if params != nil {
		req["params"] = params
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return &out
}

func decodeResult(t *testing.T, resp *Response, v interface{}) {
	t.Helper()
	require.Nil(t, resp.Error)
	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func TestProtocolErrors(t *testing.T) {
	_, _, ts := newTestServer(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"parse error", "{not json", ParseError},
		{"wrong version", `{"jsonrpc":"1.0","method":"wallet_assets","id":1}`, InvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","method":"swap_init","id":1}`, MethodNotFound},
		{"missing params", `{"jsonrpc":"2.0","method":"wallet_overview","id":1}`, InvalidParams},
		{"empty asset", `{"jsonrpc":"2.0","method":"wallet_overview","params":{"asset":" "},"id":1}`, InvalidParams},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/", "application/json", strings.NewReader(tc.body))
			require.NoError(t, err)
			defer resp.Body.Close()

			var out Response
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			require.NotNil(t, out.Error)
			assert.Equal(t, tc.code, out.Error.Code)
		})
	}
}

func TestHTTPMethodCheck(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWalletAssets(t *testing.T) {
	_, _, ts := newTestServer(t)

	var visible []asset.Asset
	decodeResult(t, call(t, ts, "wallet_assets", nil), &visible)
	codes := make([]string, len(visible))
	for i, a := range visible {
		codes[i] = a.Code
	}
	assert.Contains(t, codes, "USDC-SOL")
	assert.NotContains(t, codes, "EURC-ETH")

	var all []asset.Asset
	decodeResult(t, call(t, ts, "wallet_assets", map[string]bool{"all": true}), &all)
	assert.Len(t, all, len(visible)+1)
}

func TestWalletErrorMapping(t *testing.T) {
	_, w, ts := newTestServer(t)

	resp := call(t, ts, "wallet_overview", AssetParams{Asset: "doge"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, WalletError, resp.Error.Code)
	data := resp.Error.Data.(map[string]interface{})
	assert.Equal(t, string(walleterr.AssetNotSupported), data["kind"])
	assert.Equal(t, "DOGE", data["detail"].(map[string]interface{})["asset"])

	resp = call(t, ts, "wallet_nextAddress", AssetParams{Asset: "SOL"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(walleterr.UnsupportedFeature), resp.Error.Data.(map[string]interface{})["kind"])

	w.sendErr = walleterr.Wrap(walleterr.RpcError, assert.AnError, "solana rpc error")
	resp = call(t, ts, "wallet_send", SendParams{Asset: "SOL", Destination: "x", Amount: "1"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, assert.AnError.Error(), resp.Error.Message)
}

func TestWalletSend(t *testing.T) {
	_, w, ts := newTestServer(t)

	var res provider.SendResult
	decodeResult(t, call(t, ts, "wallet_send", SendParams{Asset: "usdc-sol", Destination: "dest", Amount: "12.5"}), &res)
	assert.Equal(t, "deadbeef", res.TxID)
	assert.Equal(t, []string{"USDC-SOL:dest:12.5"}, w.sent)

	resp := call(t, ts, "wallet_send", SendParams{Asset: "BTC", Destination: "dest", Amount: "ten"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(walleterr.AmountInvalid), resp.Error.Data.(map[string]interface{})["kind"])
}

func TestWalletReadMethods(t *testing.T) {
	_, w, ts := newTestServer(t)

	var info provider.ReceiveInfo
	decodeResult(t, call(t, ts, "wallet_receiveInfo", AssetParams{Asset: "BTC"}), &info)
	assert.Equal(t, "addr0", info.Address)
	decodeResult(t, call(t, ts, "wallet_nextAddress", AssetParams{Asset: "BTC"}), &info)
	assert.Equal(t, uint32(1), info.AddressIndex)

	var txs []provider.Transaction
	decodeResult(t, call(t, ts, "wallet_transactions", AssetParams{Asset: "ETH"}), &txs)
	require.Len(t, txs, 1)
	assert.Equal(t, "tx1", txs[0].ID)

	var scheduled map[string]bool
	decodeResult(t, call(t, ts, "wallet_refresh", AssetParams{Asset: "ETH"}), &scheduled)
	assert.True(t, scheduled["scheduled"])
	assert.Equal(t, []string{"ETH"}, w.refreshed)
}

func TestWalletParse(t *testing.T) {
	_, _, ts := newTestServer(t)

	var req payreq.Request
	decodeResult(t, call(t, ts, "wallet_parse", ParseParams{Input: "bitcoin:bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu?amount=0.25"}), &req)
	assert.Equal(t, "BTC", req.Asset.Code)
	require.NotNil(t, req.Amount)
	assert.Equal(t, "0.25", req.Amount.String())

	resp := call(t, ts, "wallet_parse", ParseParams{Input: "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu", Expect: "ETH"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(walleterr.WrongNetwork), resp.Error.Data.(map[string]interface{})["kind"])
}

func TestOverviewRefreshEvent(t *testing.T) {
	s, w, ts := newTestServer(t)
	w.overviews = make(chan func(*provider.Overview), 1)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.WSHub().ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, conn.WriteJSON(WSSubscription{
		Action: "subscribe",
		Events: []string{string(EventOverviewUpdated)},
		Assets: []string{"btc"},
	}))
	// The subscription is applied asynchronously; wait until an ETH event
	// is filtered out before relying on it.
	c := onlyClient(t, s.WSHub())
	require.Eventually(t, func() bool {
		return !c.filter.matches(&WSEvent{Type: EventOverviewUpdated, Asset: "ETH"})
	}, 2*time.Second, 10*time.Millisecond)

	var placeholder provider.Overview
	decodeResult(t, call(t, ts, "wallet_overview", AssetParams{Asset: "BTC"}), &placeholder)
	assert.True(t, placeholder.Balance.IsZero())

	onRefreshed := <-w.overviews
	s.WSHub().Publish(EventOverviewUpdated, "ETH", &provider.Overview{AssetCode: "ETH"})
	onRefreshed(&provider.Overview{AssetCode: "BTC", Balance: decimal.RequireFromString("0.5")})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev struct {
		Type  EventType         `json:"type"`
		Asset string            `json:"asset"`
		Data  provider.Overview `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventOverviewUpdated, ev.Type)
	assert.Equal(t, "BTC", ev.Asset)
	assert.Equal(t, "BTC", ev.Data.AssetCode)
	assert.True(t, decimal.RequireFromString("0.5").Equal(ev.Data.Balance))
}

func onlyClient(t *testing.T, h *WSHub) *WSClient {
	t.Helper()
	h.mu.RLock()
	defer h.mu.RUnlock()
	require.Len(t, h.clients, 1)
	for c := range h.clients {
		return c
	}
	return nil
}

func TestSubscriptionFilter(t *testing.T) {
	tests := []struct {
		name string
		subs []WSSubscription
		ev   WSEvent
		want bool
	}{
		{"no filter", nil, WSEvent{Type: EventTransactionSent, Asset: "SOL"}, true},
		{"event match", []WSSubscription{{Action: "subscribe", Events: []string{"transaction_sent"}}}, WSEvent{Type: EventTransactionSent, Asset: "SOL"}, true},
		{"event miss", []WSSubscription{{Action: "subscribe", Events: []string{"transaction_sent"}}}, WSEvent{Type: EventOverviewUpdated, Asset: "SOL"}, false},
		{"asset case", []WSSubscription{{Action: "subscribe", Assets: []string{"usdc-sol"}}}, WSEvent{Type: EventOverviewUpdated, Asset: "USDC-SOL"}, true},
		{"asset miss", []WSSubscription{{Action: "subscribe", Assets: []string{"BTC"}}}, WSEvent{Type: EventOverviewUpdated, Asset: "ETH"}, false},
		{"unsubscribe restores", []WSSubscription{
			{Action: "subscribe", Assets: []string{"BTC"}},
			{Action: "unsubscribe", Assets: []string{"BTC"}},
		}, WSEvent{Type: EventOverviewUpdated, Asset: "ETH"}, true},
		{"unknown action", []WSSubscription{{Action: "mute", Assets: []string{"BTC"}}}, WSEvent{Asset: "ETH"}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFilter()
			for i := range tc.subs {
				f.apply(&tc.subs[i])
			}
			assert.Equal(t, tc.want, f.matches(&tc.ev))
		})
	}
}

func TestHubStop(t *testing.T) {
	h := NewWSHub()
	done := make(chan struct{})
	go func() {
		h.Run()
		close(done)
	}()

	h.Stop()
	h.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
	assert.Zero(t, h.ClientCount())
}
