package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/klingon-wallet/pkg/logging"
)

// AddressEvent reports that new activity touched a watched address.
type AddressEvent struct {
	Address string
	TxIDs   []string
}

// AddressWatcher subscribes to address activity over the mempool.space
// websocket API.
type AddressWatcher struct {
	url          string
	dialer       *websocket.Dialer
	reconnectMin time.Duration
	reconnectMax time.Duration
	log          *logging.Logger
}

// WebsocketURL derives the websocket endpoint from a REST base URL,
// e.g. https://mempool.space/api -> wss://mempool.space/api/v1/ws.
func WebsocketURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/v1/ws"
	return u.String(), nil
}

// NewAddressWatcher creates a watcher for the given websocket URL.
func NewAddressWatcher(wsURL string) *AddressWatcher {
	return &AddressWatcher{
		url:          wsURL,
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		reconnectMin: time.Second,
		reconnectMax: time.Minute,
		log:          logging.GetDefault().Component("watcher"),
	}
}

// Watch tracks the addresses and calls fn for every event until ctx is
// done. Dropped connections are re-established with exponential backoff.
func (w *AddressWatcher) Watch(ctx context.Context, addresses []string, fn func(AddressEvent)) error {
	if len(addresses) == 0 {
		return fmt.Errorf("no addresses to watch")
	}

	backoff := w.reconnectMin
	for {
		err := w.session(ctx, addresses, fn)
		if ctx.Err() != nil {
			return nil
		}
		w.log.Warn("Address watcher disconnected", "error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > w.reconnectMax {
			backoff = w.reconnectMax
		}
	}
}

// session runs one connection until it fails or ctx is done.
func (w *AddressWatcher) session(ctx context.Context, addresses []string, fn func(AddressEvent)) error {
	conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()

	// Closing the connection unblocks ReadMessage on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := conn.WriteJSON(subscribeMessage(addresses)); err != nil {
		return fmt.Errorf("cannot subscribe to addresses: %w", err)
	}
	w.log.Debug("Watching addresses", "count", len(addresses))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		for _, ev := range parseAddressEvents(msg, addresses) {
			fn(ev)
		}
	}
}

func subscribeMessage(addresses []string) map[string]interface{} {
	if len(addresses) == 1 {
		return map[string]interface{}{"track-address": addresses[0]}
	}
	return map[string]interface{}{"track-addresses": addresses}
}

type wsTx struct {
	TxID string `json:"txid"`
}

// parseAddressEvents extracts address events from one websocket frame.
// Single-address frames carry no address field, so they are attributed to
// the only watched address.
func parseAddressEvents(msg []byte, addresses []string) []AddressEvent {
	var frame struct {
		AddressTransactions []wsTx `json:"address-transactions"`
		BlockTransactions   []wsTx `json:"block-transactions"`
		MultiAddress        map[string]struct {
			Mempool   []wsTx `json:"mempool"`
			Confirmed []wsTx `json:"confirmed"`
			Removed   []wsTx `json:"removed"`
		} `json:"multi-address-transactions"`
	}
	if err := json.Unmarshal(msg, &frame); err != nil {
		return nil
	}

	var events []AddressEvent
	if len(addresses) == 1 {
		txs := append(frame.AddressTransactions, frame.BlockTransactions...)
		if len(txs) > 0 {
			events = append(events, AddressEvent{Address: addresses[0], TxIDs: txIDs(txs)})
		}
	}
	for addr, entry := range frame.MultiAddress {
		txs := append(append(entry.Mempool, entry.Confirmed...), entry.Removed...)
		if len(txs) > 0 {
			events = append(events, AddressEvent{Address: addr, TxIDs: txIDs(txs)})
		}
	}
	return events
}

func txIDs(txs []wsTx) []string {
	ids := make([]string, 0, len(txs))
	for _, tx := range txs {
		ids = append(ids, tx.TxID)
	}
	return ids
}
