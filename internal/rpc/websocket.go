package rpc

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/klingon-wallet/pkg/logging"
)

const (
	wsSendBuffer   = 64
	wsReadLimit    = 4096
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// EventType names a wallet event pushed over /ws.
type EventType string

const (
	EventOverviewUpdated     EventType = "overview_updated"
	EventTransactionsUpdated EventType = "transactions_updated"
	EventTransactionSent     EventType = "transaction_sent"
)

// WSEvent is one pushed message. Asset is the asset code the event is about.
type WSEvent struct {
	Type      EventType   `json:"type"`
	Asset     string      `json:"asset"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// WSSubscription is sent by clients to narrow the event stream. Empty
// Events or Assets match everything.
type WSSubscription struct {
	Action string   `json:"action"` // subscribe or unsubscribe
	Events []string `json:"events,omitempty"`
	Assets []string `json:"assets,omitempty"`
}

// filter holds a client's event and asset selection.
type filter struct {
	mu     sync.RWMutex
	events map[EventType]struct{}
	assets map[string]struct{}
}

func newFilter() *filter {
	return &filter{
		events: make(map[EventType]struct{}),
		assets: make(map[string]struct{}),
	}
}

func (f *filter) matches(ev *WSEvent) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.events) > 0 {
		if _, ok := f.events[ev.Type]; !ok {
			return false
		}
	}
	if len(f.assets) > 0 {
		if _, ok := f.assets[ev.Asset]; !ok {
			return false
		}
	}
	return true
}

func (f *filter) apply(sub *WSSubscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch sub.Action {
	case "subscribe":
		for _, e := range sub.Events {
			f.events[EventType(e)] = struct{}{}
		}
		for _, a := range sub.Assets {
			f.assets[strings.ToUpper(a)] = struct{}{}
		}
	case "unsubscribe":
		for _, e := range sub.Events {
			delete(f.events, EventType(e))
		}
		for _, a := range sub.Assets {
			delete(f.assets, strings.ToUpper(a))
		}
	}
}

// WSClient is one connected websocket peer.
type WSClient struct {
	conn   *websocket.Conn
	send   chan []byte
	filter *filter
	hub    *WSHub
}

// WSHub fans wallet events out to connected clients.
type WSHub struct {
	clients    map[*WSClient]struct{}
	events     chan *WSEvent
	register   chan *WSClient
	unregister chan *WSClient
	quit       chan struct{}
	stopOnce   sync.Once
	log        *logging.Logger
	mu         sync.RWMutex
}

// NewWSHub creates a hub. Run must be started before clients connect.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]struct{}),
		events:     make(chan *WSEvent, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		quit:       make(chan struct{}),
		log:        logging.GetDefault().Component("ws"),
	}
}

// Run is the hub loop. It returns after Stop, closing every client.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("Event client connected", "clients", n)

		case c := <-h.unregister:
			h.drop(c)

		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

func (h *WSHub) deliver(ev *WSEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("Failed to encode event", "type", ev.Type, "asset", ev.Asset, "error", err)
		return
	}

	var lagging []*WSClient
	h.mu.RLock()
	for c := range h.clients {
		if !c.filter.matches(ev) {
			continue
		}
		select {
		case c.send <- data:
		default:
			lagging = append(lagging, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range lagging {
		h.log.Warn("Dropping lagging event client")
		h.drop(c)
	}
}

func (h *WSHub) drop(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Stop ends Run. Safe to call more than once.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

// Publish queues an event about assetCode. Events are dropped when the
// queue is full.
func (h *WSHub) Publish(eventType EventType, assetCode string, data interface{}) {
	ev := &WSEvent{
		Type:      eventType,
		Asset:     assetCode,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	select {
	case h.events <- ev:
	default:
		h.log.Warn("Event queue full", "type", eventType, "asset", assetCode)
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("Websocket upgrade failed", "error", err)
		return
	}

	c := &WSClient{
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		filter: newFilter(),
		hub:    s.wsHub,
	}
	select {
	case s.wsHub.register <- c:
	case <-s.wsHub.quit:
		conn.Close()
		return
	}

	go c.writeLoop()
	go c.readLoop()
}

// readLoop applies subscription messages until the peer goes away.
func (c *WSClient) readLoop() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("Event client read failed", "error", err)
			}
			return
		}
		var sub WSSubscription
		if err := json.Unmarshal(msg, &sub); err != nil {
			continue
		}
		c.filter.apply(&sub)
	}
}

func (c *WSClient) writeLoop() {
	ping := time.NewTicker(wsPingInterval)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
