package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lendvault/lending"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001

	codeValidation    = -32021
	codeState         = -32022
	codeRisk          = -32023
	codeAuthorization = -32024
	codePaused        = -32025
	codeExternal      = -32026
)

// authTokenEnv names the environment variable consulted for the bearer token
// gating admin methods.
const authTokenEnv = "LENDVAULT_RPC_TOKEN"

// Server exposes the lending engine over JSON-RPC 2.0, with prometheus metrics
// and a health probe on the same listener.
type Server struct {
	engine    *lending.Engine
	authToken string
	log       *slog.Logger
}

func NewServer(engine *lending.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		engine:    engine,
		authToken: strings.TrimSpace(os.Getenv(authTokenEnv)),
		log:       log,
	}
}

// Router builds the HTTP routes: JSON-RPC at /, metrics and health alongside.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/", s.handle)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start serves the router on addr, blocking.
func (s *Server) Start(addr string) error {
	s.log.Info("starting JSON-RPC server", slog.String("addr", addr))
	return http.ListenAndServe(addr, s.Router())
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, 0, codeParseError, "unable to read request", nil)
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, 0, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", nil)
		return
	}

	handler, ok := s.methods()[req.Method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		return
	}
	handler(w, r, &req)
}

type methodHandler func(http.ResponseWriter, *http.Request, *RPCRequest)

func (s *Server) methods() map[string]methodHandler {
	return map[string]methodHandler{
		"lending_getPosition":     s.handleGetPosition,
		"lending_healthFactor":    s.handleHealthFactor,
		"lending_maxBorrowable":   s.handleMaxBorrowable,
		"lending_getMarket":       s.handleGetMarket,
		"lending_deposit":         s.handleDeposit,
		"lending_withdraw":        s.handleWithdraw,
		"lending_borrow":          s.handleBorrow,
		"lending_repay":           s.handleRepay,
		"lending_liquidate":       s.handleLiquidate,
		"lending_setParameters":   s.handleSetParameters,
		"lending_setInterestRate": s.handleSetInterestRate,
		"lending_pause":           s.handlePause,
		"lending_unpause":         s.handleUnpause,
	}
}

// requireAuth gates admin methods behind the configured bearer token. With no
// token configured, admin methods are refused outright.
func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "admin interface disabled: no auth token configured"}
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	supplied := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid bearer token"}
	}
	return nil
}

func writeResult(w http.ResponseWriter, id int, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

func writeError(w http.ResponseWriter, status, id, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(RPCResponse{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	})
}

// writeEngineError maps the engine's error taxonomy onto JSON-RPC codes.
func writeEngineError(w http.ResponseWriter, id int, err error) {
	status := http.StatusBadRequest
	code := codeServerError
	switch lending.Reason(err) {
	case lending.ReasonValidation:
		code = codeValidation
	case lending.ReasonState:
		code = codeState
	case lending.ReasonRisk:
		code = codeRisk
	case lending.ReasonAuthorization:
		code = codeAuthorization
		status = http.StatusForbidden
	case lending.ReasonPaused:
		code = codePaused
		status = http.StatusServiceUnavailable
	case lending.ReasonExternal:
		code = codeExternal
		status = http.StatusBadGateway
	}
	writeError(w, status, id, code, err.Error(), lending.Reason(err))
}
