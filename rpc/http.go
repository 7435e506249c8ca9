package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cruellacodes/escrowagent/core/state"
	"github.com/cruellacodes/escrowagent/native/escrow"
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
	codeUnauthorized   = -32001
	codeServerError    = -32000

	codeEscrowInvalidParams = -32021
	codeEscrowNotFound      = -32022
	codeEscrowForbidden     = -32023
	codeEscrowConflict      = -32024
	codeEscrowInternal      = -32025
)

// Server exposes the escrow operations over JSON-RPC 2.0. Every mutating
// method executes inside a state transaction, so a rejected operation leaves
// no observable change.
type Server struct {
	engine    *escrow.Engine
	state     *state.Manager
	authToken string
}

// NewServer constructs an RPC server around the supplied engine and state
// manager. An empty token disables authentication (local development only).
func NewServer(engine *escrow.Engine, st *state.Manager, authToken string) *Server {
	return &Server{
		engine:    engine,
		state:     st,
		authToken: strings.TrimSpace(authToken),
	}
}

// Handler returns the HTTP handler serving the RPC endpoint and Prometheus
// metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
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
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, nil, codeInvalidRequest, "invalid_request", "POST required")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "parse_error", err.Error())
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "parse_error", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "invalid_request", "jsonrpc version must be 2.0")
		return
	}
	handler, ok := s.methods()[req.Method]
	if !ok {
		Metrics().ObserveRequest(req.Method, "method_not_found")
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method_not_found", fmt.Sprintf("unknown method %q", req.Method))
		return
	}
	handler(w, r, &req)
}

type handlerFunc func(http.ResponseWriter, *http.Request, *RPCRequest)

func (s *Server) methods() map[string]handlerFunc {
	return map[string]handlerFunc{
		"protocol_initialize":    s.handleProtocolInitialize,
		"protocol_updateConfig":  s.handleProtocolUpdateConfig,
		"protocol_getConfig":     s.handleProtocolGetConfig,
		"escrow_create":          s.handleEscrowCreate,
		"escrow_accept":          s.handleEscrowAccept,
		"escrow_submitProof":     s.handleEscrowSubmitProof,
		"escrow_confirm":         s.handleEscrowConfirm,
		"escrow_providerRelease": s.handleEscrowProviderRelease,
		"escrow_cancel":          s.handleEscrowCancel,
		"escrow_expire":          s.handleEscrowExpire,
		"escrow_dispute":         s.handleEscrowDispute,
		"escrow_resolve":         s.handleEscrowResolve,
		"escrow_get":             s.handleEscrowGet,
	}
}

type rpcAuthError struct {
	Code    int
	Message string
	Data    interface{}
}

func (s *Server) requireAuth(r *http.Request) *rpcAuthError {
	if s.authToken == "" {
		return nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return &rpcAuthError{Code: codeUnauthorized, Message: "unauthorized", Data: "missing bearer token"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &rpcAuthError{Code: codeUnauthorized, Message: "unauthorized", Data: "invalid bearer token"}
	}
	return nil
}

func decodeSingleParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], out)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(RPCResponse{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	})
}
