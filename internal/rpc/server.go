// Package rpc provides the JSON-RPC 2.0 API of the wallet daemon, with a
// websocket feed of cache refresh events.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/klingon-wallet/internal/asset"
	"github.com/klingon-exchange/klingon-wallet/internal/payreq"
	"github.com/klingon-exchange/klingon-wallet/internal/provider"
	"github.com/klingon-exchange/klingon-wallet/internal/walleterr"
	"github.com/klingon-exchange/klingon-wallet/pkg/logging"
)

// Wallet is the wallet core surface the API serves.
// *orchestrator.Orchestrator satisfies it.
type Wallet interface {
	Assets() *asset.Registry
	GetOverview(ctx context.Context, assetCode string, onRefreshed func(*provider.Overview)) (*provider.Overview, error)
	GetTransactions(ctx context.Context, assetCode string, onRefreshed func([]provider.Transaction)) ([]provider.Transaction, error)
	GetReceiveInfo(ctx context.Context, assetCode string) (*provider.ReceiveInfo, error)
	NextReceiveAddress(ctx context.Context, assetCode string) (*provider.ReceiveInfo, error)
	Send(ctx context.Context, assetCode, destination string, amount decimal.Decimal) (*provider.SendResult, error)
	Refresh(assetCode string) error
}

// Server is a JSON-RPC 2.0 server.
type Server struct {
	wallet Wallet
	parser *payreq.Parser
	log    *logging.Logger
	wsHub  *WSHub

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	// WalletError carries a wallet error kind in Data.
	WalletError = -32000
)

// ErrorData is the Data of a WalletError.
type ErrorData struct {
	Kind   walleterr.Kind    `json:"kind"`
	Detail map[string]string `json:"detail,omitempty"`
}

// errInvalidParams marks handler errors caused by malformed params.
var errInvalidParams = errors.New("invalid params")

// NewServer creates a new JSON-RPC server.
func NewServer(w Wallet, parser *payreq.Parser) *Server {
	s := &Server{
		wallet:   w,
		parser:   parser,
		log:      logging.GetDefault().Component("rpc"),
		wsHub:    NewWSHub(),
		handlers: make(map[string]Handler),
	}
	s.registerHandlers()
	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	s.handlers["wallet_assets"] = s.walletAssets
	s.handlers["wallet_overview"] = s.walletOverview
	s.handlers["wallet_transactions"] = s.walletTransactions
	s.handlers["wallet_receiveInfo"] = s.walletReceiveInfo
	s.handlers["wallet_nextAddress"] = s.walletNextAddress
	s.handlers["wallet_send"] = s.walletSend
	s.handlers["wallet_parse"] = s.walletParse
	s.handlers["wallet_refresh"] = s.walletRefresh
}

// Handler returns the HTTP handler serving RPC on / and the event feed on
// /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Sends wait on the network; the write timeout covers a full broadcast.
		WriteTimeout: 2 * time.Minute,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", listener.Addr().String(), "ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	s.wsHub.Stop()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		s.writeHandlerError(w, req.ID, err)
		return
	}

	s.writeResult(w, req.ID, result)
}

func (s *Server) writeHandlerError(w http.ResponseWriter, id interface{}, err error) {
	if errors.Is(err, errInvalidParams) {
		s.writeError(w, id, InvalidParams, err.Error(), nil)
		return
	}

	var werr *walleterr.Error
	if errors.As(err, &werr) {
		s.writeError(w, id, WalletError, walleterr.UserMessage(err), &ErrorData{Kind: werr.Kind, Detail: werr.Details})
		return
	}
	s.writeError(w, id, InternalError, err.Error(), nil)
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
