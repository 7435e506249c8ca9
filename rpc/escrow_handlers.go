package rpc

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/cruellacodes/escrowagent/core/state"
	"github.com/cruellacodes/escrowagent/native/escrow"
)

type protocolInitializeParams struct {
	Caller             string `json:"caller"`
	FeeAuthority       string `json:"feeAuthority"`
	ProtocolFeeBps     uint32 `json:"protocolFeeBps"`
	ArbitratorFeeBps   uint32 `json:"arbitratorFeeBps"`
	MinEscrowAmount    string `json:"minEscrowAmount"`
	MaxEscrowAmount    string `json:"maxEscrowAmount,omitempty"`
	MinGracePeriod     int64  `json:"minGracePeriod"`
	MaxDeadlineSeconds int64  `json:"maxDeadlineSeconds"`
}

type protocolUpdateParams struct {
	Caller             string  `json:"caller"`
	FeeAuthority       *string `json:"feeAuthority,omitempty"`
	ProtocolFeeBps     *uint32 `json:"protocolFeeBps,omitempty"`
	ArbitratorFeeBps   *uint32 `json:"arbitratorFeeBps,omitempty"`
	MinEscrowAmount    *string `json:"minEscrowAmount,omitempty"`
	MaxEscrowAmount    *string `json:"maxEscrowAmount,omitempty"`
	MinGracePeriod     *int64  `json:"minGracePeriod,omitempty"`
	MaxDeadlineSeconds *int64  `json:"maxDeadlineSeconds,omitempty"`
	Paused             *bool   `json:"paused,omitempty"`
	NewAdmin           *string `json:"newAdmin,omitempty"`
}

type escrowCreateParams struct {
	Client           string `json:"client"`
	Provider         string `json:"provider"`
	Arbitrator       string `json:"arbitrator,omitempty"`
	Token            string `json:"token"`
	Amount           string `json:"amount"`
	Deadline         int64  `json:"deadline"`
	GracePeriod      int64  `json:"gracePeriod"`
	TaskHash         string `json:"taskHash"`
	VerificationType string `json:"verificationType"`
	CriteriaCount    uint8  `json:"criteriaCount"`
}

type escrowIDParams struct {
	ID string `json:"id"`
}

type escrowActorParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
}

type escrowProofParams struct {
	ID        string `json:"id"`
	Caller    string `json:"caller"`
	ProofType string `json:"proofType"`
	ProofData string `json:"proofData"`
}

type escrowResolveParams struct {
	ID          string `json:"id"`
	Caller      string `json:"caller"`
	Ruling      string `json:"ruling"`
	ClientBps   uint32 `json:"clientBps,omitempty"`
	ProviderBps uint32 `json:"providerBps,omitempty"`
}

type escrowCreateResult struct {
	ID string `json:"id"`
}

type escrowJSON struct {
	ID               string  `json:"id"`
	Client           string  `json:"client"`
	Provider         string  `json:"provider"`
	Arbitrator       *string `json:"arbitrator,omitempty"`
	Token            string  `json:"token"`
	Vault            string  `json:"vault"`
	Amount           string  `json:"amount"`
	ProtocolFeeBps   uint32  `json:"protocolFeeBps"`
	ArbitratorFeeBps uint32  `json:"arbitratorFeeBps"`
	TaskHash         string  `json:"taskHash"`
	VerificationType string  `json:"verificationType"`
	CriteriaCount    uint8   `json:"criteriaCount"`
	CreatedAt        int64   `json:"createdAt"`
	Deadline         int64   `json:"deadline"`
	GracePeriod      int64   `json:"gracePeriod"`
	Status           string  `json:"status"`
	ProofType        string  `json:"proofType,omitempty"`
	ProofSubmittedAt int64   `json:"proofSubmittedAt,omitempty"`
	DisputeRaisedBy  *string `json:"disputeRaisedBy,omitempty"`
}

type configJSON struct {
	Admin              string `json:"admin"`
	FeeAuthority       string `json:"feeAuthority"`
	ProtocolFeeBps     uint32 `json:"protocolFeeBps"`
	ArbitratorFeeBps   uint32 `json:"arbitratorFeeBps"`
	MinEscrowAmount    string `json:"minEscrowAmount"`
	MaxEscrowAmount    string `json:"maxEscrowAmount"`
	MinGracePeriod     int64  `json:"minGracePeriod"`
	MaxDeadlineSeconds int64  `json:"maxDeadlineSeconds"`
	Paused             bool   `json:"paused"`
}

func parseAddress(raw string) ([20]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	var addr [20]byte
	decoded, err := hex.DecodeString(trimmed)
	if err != nil || len(decoded) != 20 {
		return addr, fmt.Errorf("invalid address %q", raw)
	}
	copy(addr[:], decoded)
	return addr, nil
}

func parseHash32(raw string) ([32]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	var hash [32]byte
	decoded, err := hex.DecodeString(trimmed)
	if err != nil || len(decoded) != 32 {
		return hash, fmt.Errorf("invalid 32-byte hash %q", raw)
	}
	copy(hash[:], decoded)
	return hash, nil
}

func parseProofData(raw string) ([escrow.ProofDataSize]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	var data [escrow.ProofDataSize]byte
	decoded, err := hex.DecodeString(trimmed)
	if err != nil || len(decoded) > escrow.ProofDataSize {
		return data, fmt.Errorf("proof data must be at most %d hex-encoded bytes", escrow.ProofDataSize)
	}
	copy(data[:], decoded)
	return data, nil
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}

func verificationTypeFromString(raw string) (escrow.VerificationType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "onchain":
		return escrow.VerifyOnChain, nil
	case "oracle_callback":
		return escrow.VerifyOracleCallback, nil
	case "multisig_confirm":
		return escrow.VerifyMultiSigConfirm, nil
	case "auto_release":
		return escrow.VerifyAutoRelease, nil
	default:
		return 0, fmt.Errorf("unknown verification type %q", raw)
	}
}

func proofTypeFromString(raw string) (escrow.ProofType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "transaction_signature":
		return escrow.ProofTransactionSignature, nil
	case "oracle_attestation":
		return escrow.ProofOracleAttestation, nil
	case "signed_confirmation":
		return escrow.ProofSignedConfirmation, nil
	default:
		return 0, fmt.Errorf("unknown proof type %q", raw)
	}
}

func rulingFromParams(params escrowResolveParams) (escrow.DisputeRuling, error) {
	switch strings.ToLower(strings.TrimSpace(params.Ruling)) {
	case "pay_client":
		return escrow.DisputeRuling{Kind: escrow.RulingPayClient}, nil
	case "pay_provider":
		return escrow.DisputeRuling{Kind: escrow.RulingPayProvider}, nil
	case "split":
		return escrow.DisputeRuling{
			Kind:        escrow.RulingSplit,
			ClientBps:   params.ClientBps,
			ProviderBps: params.ProviderBps,
		}, nil
	default:
		return escrow.DisputeRuling{}, fmt.Errorf("unknown ruling %q", params.Ruling)
	}
}

// engineErrorCode maps typed engine rejections onto the JSON-RPC code space.
func engineErrorCode(err error) (int, int, string) {
	switch {
	case errors.Is(err, escrow.ErrEscrowNotFound):
		return http.StatusNotFound, codeEscrowNotFound, "not_found"
	case errors.Is(err, escrow.ErrUnauthorizedClient),
		errors.Is(err, escrow.ErrUnauthorizedProvider),
		errors.Is(err, escrow.ErrUnauthorizedArbitrator),
		errors.Is(err, escrow.ErrUnauthorizedAdmin),
		errors.Is(err, escrow.ErrNotParticipant):
		return http.StatusForbidden, codeEscrowForbidden, "forbidden"
	case errors.Is(err, escrow.ErrInvalidStatus),
		errors.Is(err, escrow.ErrNotAwaitingProvider),
		errors.Is(err, escrow.ErrNotActive),
		errors.Is(err, escrow.ErrNoProofSubmitted),
		errors.Is(err, escrow.ErrDeadlinePassed),
		errors.Is(err, escrow.ErrNotYetExpired),
		errors.Is(err, escrow.ErrGracePeriodExpired),
		errors.Is(err, escrow.ErrReleaseNotReady),
		errors.Is(err, escrow.ErrProtocolPaused),
		errors.Is(err, escrow.ErrEscrowExists),
		errors.Is(err, escrow.ErrConfigInitialized):
		return http.StatusConflict, codeEscrowConflict, "conflict"
	case errors.Is(err, state.ErrInsufficientBalance):
		return http.StatusConflict, codeEscrowConflict, "insufficient_balance"
	case errors.Is(err, escrow.ErrConfigNotInitialized):
		return http.StatusConflict, codeEscrowConflict, "config_not_initialized"
	default:
		return http.StatusBadRequest, codeEscrowInvalidParams, "invalid_params"
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, req *RPCRequest, err error) {
	status, code, message := engineErrorCode(err)
	Metrics().ObserveRequest(req.Method, message)
	writeError(w, status, req.ID, code, message, err.Error())
}

func (s *Server) writeParamError(w http.ResponseWriter, req *RPCRequest, err error) {
	Metrics().ObserveRequest(req.Method, "invalid_params")
	writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, req *RPCRequest) bool {
	if authErr := s.requireAuth(r); authErr != nil {
		Metrics().ObserveRequest(req.Method, "unauthorized")
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return false
	}
	return true
}

func (s *Server) handleProtocolInitialize(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if !s.authorize(w, r, req) {
		return
	}
	var params protocolInitializeParams
	if err := decodeSingleParam(req, &params); err != nil {
		s.writeParamError(w, req, err)
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		s.writeParamError(w, req, err)
		return
	}
	feeAuthority, err := parseAddress(params.FeeAuthority)
	if err != nil {
		s.writeParamError(w, req, err)
		return
	}
	minAmount, err := parseAmount(params.MinEscrowAmount)
	if err != nil {
		s.writeParamError(w, req, err)
		return
	}
	maxAmount, err := parseAmount(params.MaxEscrowAmount)
	if err != nil {
		s.writeParamError(w, req, err)
		return
	}
	var cfg *escrow.ProtocolConfig
	err = s.state.WithAtomic(func() error {
		var innerErr error
		cfg, innerErr = s.engine.InitializeProtocol(caller, feeAuthority, params.ProtocolFeeBps, params.ArbitratorFeeBps, minAmount, maxAmount, params.MinGracePeriod, params.MaxDeadlineSeconds)
		return innerErr
	})
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	Metrics().ObserveRequest(req.Method, "ok")
	writeResult(w, req.ID, configToJSON(cfg))
}

func (s *Server) handleProtocolUpdateConfig(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if !s.authorize(w, r, req) {
		return
	}
	var params protocolUpdateParams
	if err := decodeSingleParam(req, &params); err != nil {
		s.writeParamError(w, req, err)
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		s.writeParamError(w, req, err)
		return
	}
	update := escrow.ConfigUpdate{
		ProtocolFeeBps:     params.ProtocolFeeBps,
		ArbitratorFeeBps:   params.ArbitratorFeeBps,
		MinGracePeriod:     params.MinGracePeriod,
		MaxDeadlineSeconds: params.MaxDeadlineSeconds,
		Paused:             params.Paused,
	}
	if params.FeeAuthority != nil {
		addr, err := parseAddress(*params.FeeAuthority)
		if err != nil {
			s.writeParamError(w, req, err)
			return
		}
		update.FeeAuthority = &addr
	}
	if params.NewAdmin != nil {
		addr, err := parseAddress(*params.NewAdmin)
		if err != nil {
			s.writeParamError(w, req, err)
			return
		}
		update.NewAdmin = &addr
	}
	if params.MinEscrowAmount != nil {
		amount, err := parseAmount(*params.MinEscrowAmount)
		if err != nil {
			s.writeParamError(w, req, err)
			return
		}
		update.MinEscrowAmount = amount
	}
	if params.MaxEscrowAmount != nil {
		amount, err := parseAmount(*params.MaxEscrowAmount)
		if err != nil {
			s.writeParamError(w, req, err)
			return
		}
		update.MaxEscrowAmount = amount
	}
	var cfg *escrow.ProtocolConfig
	err = s.state.WithAtomic(func() error {
		var innerErr error
		cfg, innerErr = s.engine.UpdateConfig(caller, update)
		return innerErr
	})
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	Metrics().ObserveRequest(req.Method, "ok")
	writeResult(w, req.ID, configToJSON(cfg))
}

func (s *Server) handleProtocolGetConfig(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	cfg, err := s.engine.Config()
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	Metrics().ObserveRequest(req.Method, "ok")
	writeResult(w, req.ID, configToJSON(cfg))
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if !s.authorize(w, r, req) {
		return
	}
	var params escrowCreateParams
	if err := decodeSingleParam(req, &params); err != nil {
		s.writeParamError(w, req, err)
		return
	}
	client, err := parseAddress(params.Client)
	if err != nil {
		s.writeParamError(w, req, err)
		return
	}
	provider, err := parseAddress(params.Provider)
	if err != nil {
		s.writeParamError(w, req, err)
		return
	}
	var arbitrator *[20]byte
	if strings.TrimSpace(params.Arbitrator) != "" {
		addr, err := parseAddress(params.Arbitrator)
		if err != nil {
			s.writeParamError(w, req, err)
			return
		}
		arbitrator = &addr
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		s.writeParamError(w, req, err)
		return
	}
	taskHash, err := parseHash32(params.TaskHash)
	if err != nil {
		s.writeParamError(w, req, err)
		return
	}
	verificationType, err := verificationTypeFromString(params.VerificationType)
	if err != nil {
		s.writeParamError(w, req, err)
		return
	}
	var created *escrow.Escrow
	err = s.state.WithAtomic(func() error {
		var innerErr error
		created, innerErr = s.engine.Create(client, provider, arbitrator, params.Token, amount, params.Deadline, params.GracePeriod, taskHash, verificationType, params.CriteriaCount)
		return innerErr
	})
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	Metrics().ObserveRequest(req.Method, "ok")
	writeResult(w, req.ID, escrowCreateResult{ID: hex.EncodeToString(created.ID[:])})
}

// actorCall covers the operations that take an escrow ID and a caller.
func (s *Server) actorCall(w http.ResponseWriter, r *http.Request, req *RPCRequest, fn func(id [32]byte, caller [20]byte) error) {
	if !s.authorize(w, r, req) {
		return
	}
	var params escrowActorParams
	if err := decodeSingleParam(req, &params); err != nil {
		s.writeParamError(w, req, err)
		return
	}
	id, err := parseHash32(params.ID)
	if err != nil {
		s.writeParamError(w, req, err)
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		s.writeParamError(w, req, err)
		return
	}
	if err := s.state.WithAtomic(func() error { return fn(id, caller) }); err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	Metrics().ObserveRequest(req.Method, "ok")
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleEscrowAccept(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.actorCall(w, r, req, s.engine.Accept)
}

func (s *Server) handleEscrowConfirm(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.actorCall(w, r, req, s.engine.ConfirmCompletion)
}

func (s *Server) handleEscrowProviderRelease(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.actorCall(w, r, req, s.engine.ProviderRelease)
}

func (s *Server) handleEscrowCancel(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.actorCall(w, r, req, s.engine.Cancel)
}

func (s *Server) handleEscrowDispute(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.actorCall(w, r, req, s.engine.RaiseDispute)
}

func (s *Server) handleEscrowSubmitProof(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if !s.authorize(w, r, req) {
		return
	}
	var params escrowProofParams
	if err := decodeSingleParam(req, &params); err != nil {
		s.writeParamError(w, req, err)
		return
	}
	id, err := parseHash32(params.ID)
	if err != nil {
		s.writeParamError(w, req, err)
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		s.writeParamError(w, req, err)
		return
	}
	proofType, err := proofTypeFromString(params.ProofType)
	if err != nil {
		s.writeParamError(w, req, err)
		return
	}
	proofData, err := parseProofData(params.ProofData)
	if err != nil {
		s.writeParamError(w, req, err)
		return
	}
	err = s.state.WithAtomic(func() error {
		return s.engine.SubmitProof(id, caller, proofType, proofData)
	})
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	Metrics().ObserveRequest(req.Method, "ok")
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleEscrowExpire(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if !s.authorize(w, r, req) {
		return
	}
	var params escrowIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		s.writeParamError(w, req, err)
		return
	}
	id, err := parseHash32(params.ID)
	if err != nil {
		s.writeParamError(w, req, err)
		return
	}
	if err := s.state.WithAtomic(func() error { return s.engine.Expire(id) }); err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	Metrics().ObserveRequest(req.Method, "ok")
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleEscrowResolve(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if !s.authorize(w, r, req) {
		return
	}
	var params escrowResolveParams
	if err := decodeSingleParam(req, &params); err != nil {
		s.writeParamError(w, req, err)
		return
	}
	id, err := parseHash32(params.ID)
	if err != nil {
		s.writeParamError(w, req, err)
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		s.writeParamError(w, req, err)
		return
	}
	ruling, err := rulingFromParams(params)
	if err != nil {
		s.writeParamError(w, req, err)
		return
	}
	err = s.state.WithAtomic(func() error {
		return s.engine.ResolveDispute(id, caller, ruling)
	})
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	Metrics().ObserveRequest(req.Method, "ok")
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		s.writeParamError(w, req, err)
		return
	}
	id, err := parseHash32(params.ID)
	if err != nil {
		s.writeParamError(w, req, err)
		return
	}
	record, err := s.engine.Get(id)
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	Metrics().ObserveRequest(req.Method, "ok")
	writeResult(w, req.ID, escrowToJSON(record))
}

func escrowToJSON(e *escrow.Escrow) *escrowJSON {
	if e == nil {
		return nil
	}
	out := &escrowJSON{
		ID:               hex.EncodeToString(e.ID[:]),
		Client:           "0x" + hex.EncodeToString(e.Client[:]),
		Provider:         "0x" + hex.EncodeToString(e.Provider[:]),
		Token:            e.Token,
		Vault:            "0x" + hex.EncodeToString(e.Vault[:]),
		Amount:           e.Amount.String(),
		ProtocolFeeBps:   e.ProtocolFeeBps,
		ArbitratorFeeBps: e.ArbitratorFeeBps,
		TaskHash:         hex.EncodeToString(e.TaskHash[:]),
		VerificationType: e.VerificationType.String(),
		CriteriaCount:    e.CriteriaCount,
		CreatedAt:        e.CreatedAt,
		Deadline:         e.Deadline,
		GracePeriod:      e.GracePeriod,
		Status:           e.Status.String(),
	}
	if e.HasArbitrator() {
		arb := "0x" + hex.EncodeToString(e.Arbitrator[:])
		out.Arbitrator = &arb
	}
	if e.ProofType != escrow.ProofNone {
		out.ProofType = e.ProofType.String()
		out.ProofSubmittedAt = e.ProofSubmittedAt
	}
	if e.DisputeRaisedBy != ([20]byte{}) {
		raisedBy := "0x" + hex.EncodeToString(e.DisputeRaisedBy[:])
		out.DisputeRaisedBy = &raisedBy
	}
	return out
}

func configToJSON(cfg *escrow.ProtocolConfig) *configJSON {
	if cfg == nil {
		return nil
	}
	return &configJSON{
		Admin:              "0x" + hex.EncodeToString(cfg.Admin[:]),
		FeeAuthority:       "0x" + hex.EncodeToString(cfg.FeeAuthority[:]),
		ProtocolFeeBps:     cfg.ProtocolFeeBps,
		ArbitratorFeeBps:   cfg.ArbitratorFeeBps,
		MinEscrowAmount:    cfg.MinEscrowAmount.String(),
		MaxEscrowAmount:    cfg.MaxEscrowAmount.String(),
		MinGracePeriod:     cfg.MinGracePeriod,
		MaxDeadlineSeconds: cfg.MaxDeadlineSeconds,
		Paused:             cfg.Paused,
	}
}
