package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cruellacodes/escrowagent/core/events"
	"github.com/cruellacodes/escrowagent/core/types"
	"github.com/cruellacodes/escrowagent/native/fees"
)

var errNilState = errors.New("escrow engine: state not configured")

// engineState is the slice of host-ledger capability the engine relies on.
// The host guarantees atomic all-or-nothing execution per operation and
// caller-identity authentication; the engine only compares supplied
// identities against stored ones.
type engineState interface {
	EscrowPut(*Escrow) error
	EscrowGet(id [32]byte) (*Escrow, bool)
	ConfigPut(*ProtocolConfig) error
	ConfigGet() (*ProtocolConfig, bool, error)
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
	VaultDeposit(id [32]byte, from [20]byte, token string, amount *big.Int) error
	VaultWithdraw(id [32]byte, authority [20]byte, to [20]byte, token string, amount *big.Int) error
	VaultBalance(id [32]byte, token string) (*big.Int, error)
	VaultClose(id [32]byte, authority [20]byte) error
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine wires the escrow lifecycle rules with external state and event
// emitters. Every exported operation is a single-pass validation followed by
// a terminal effect; on any validation failure the host discards all
// mutations.
type Engine struct {
	state   engineState
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (e *Engine) loadEscrow(id [32]byte) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok := e.state.EscrowGet(id)
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return esc, nil
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.EscrowPut(esc)
}

func (e *Engine) loadConfig() (*ProtocolConfig, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	cfg, ok, err := e.state.ConfigGet()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConfigNotInitialized
	}
	return cfg, nil
}

// guardPaused rejects fund-moving operations while the protocol is paused.
// Cancel and Expire are pure refund paths and skip this guard: an emergency
// stop must not trap client funds.
func (e *Engine) guardPaused(cfg *ProtocolConfig) error {
	if cfg != nil && cfg.Paused {
		return ErrProtocolPaused
	}
	return nil
}

// InitializeProtocol creates the singleton protocol config. The caller
// becomes the admin. Fails once a config exists.
func (e *Engine) InitializeProtocol(admin, feeAuthority [20]byte, protocolFeeBps, arbitratorFeeBps uint32, minAmount, maxAmount *big.Int, minGracePeriod, maxDeadlineSeconds int64) (*ProtocolConfig, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if _, ok, err := e.state.ConfigGet(); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrConfigInitialized
	}
	cfg := &ProtocolConfig{
		Admin:              admin,
		FeeAuthority:       feeAuthority,
		ProtocolFeeBps:     protocolFeeBps,
		ArbitratorFeeBps:   arbitratorFeeBps,
		MinEscrowAmount:    cloneBigInt(minAmount),
		MaxEscrowAmount:    cloneBigInt(maxAmount),
		MinGracePeriod:     minGracePeriod,
		MaxDeadlineSeconds: maxDeadlineSeconds,
		Paused:             false,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := e.state.ConfigPut(cfg); err != nil {
		return nil, err
	}
	return cfg.Clone(), nil
}

// UpdateConfig applies a partial config update. Admin only. Updates are
// allowed while paused; unpausing is an ordinary update and moves no funds.
func (e *Engine) UpdateConfig(caller [20]byte, update ConfigUpdate) (*ProtocolConfig, error) {
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, err
	}
	if caller != cfg.Admin {
		return nil, ErrUnauthorizedAdmin
	}
	next, err := update.apply(cfg)
	if err != nil {
		return nil, err
	}
	if err := e.state.ConfigPut(next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// Config returns the current protocol config.
func (e *Engine) Config() (*ProtocolConfig, error) {
	return e.loadConfig()
}

// Get returns the escrow record for the supplied identifier.
func (e *Engine) Get(id [32]byte) (*Escrow, error) {
	return e.loadEscrow(id)
}

// Create validates the agreement terms, debits the escrowed amount from the
// client into a freshly derived vault, and persists the record in
// AwaitingProvider status. Fee rates are snapshotted from the current config.
func (e *Engine) Create(client, provider [20]byte, arbitrator *[20]byte, token string, amount *big.Int, deadline, gracePeriod int64, taskHash [32]byte, verificationType VerificationType, criteriaCount uint8) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, err
	}
	if err := e.guardPaused(cfg); err != nil {
		return nil, err
	}
	normalizedToken, err := NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return nil, ErrAmountZero
	}
	if amt.Cmp(cfg.MinEscrowAmount) < 0 {
		return nil, ErrBelowMinimumAmount
	}
	if cfg.MaxEscrowAmount != nil && cfg.MaxEscrowAmount.Sign() > 0 && amt.Cmp(cfg.MaxEscrowAmount) > 0 {
		return nil, ErrAboveMaximumAmount
	}
	now := e.now()
	if deadline <= now {
		return nil, ErrDeadlineInPast
	}
	if deadline > now+cfg.MaxDeadlineSeconds {
		return nil, ErrDeadlineTooFar
	}
	if gracePeriod < 0 {
		return nil, ErrInvalidGracePeriod
	}
	if gracePeriod < cfg.MinGracePeriod {
		return nil, ErrGracePeriodTooShort
	}
	if client == provider {
		return nil, ErrSelfEscrow
	}
	arb := [20]byte{}
	if arbitrator != nil {
		arb = *arbitrator
	}
	if arb != ([20]byte{}) && (arb == client || arb == provider) {
		return nil, ErrArbitratorConflict
	}
	if !verificationType.Valid() {
		return nil, fmt.Errorf("escrow: invalid verification type %d", verificationType)
	}
	id := EscrowID(client, provider, taskHash)
	if _, ok := e.state.EscrowGet(id); ok {
		return nil, ErrEscrowExists
	}
	esc := &Escrow{
		ID:               id,
		Client:           client,
		Provider:         provider,
		Arbitrator:       arb,
		Token:            normalizedToken,
		Vault:            VaultAuthority(id),
		Amount:           amt,
		ProtocolFeeBps:   cfg.ProtocolFeeBps,
		ArbitratorFeeBps: cfg.ArbitratorFeeBps,
		TaskHash:         taskHash,
		VerificationType: verificationType,
		CriteriaCount:    criteriaCount,
		CreatedAt:        now,
		Deadline:         deadline,
		GracePeriod:      gracePeriod,
		Status:           StatusAwaitingProvider,
	}
	if err := e.state.VaultDeposit(id, client, normalizedToken, amt); err != nil {
		return nil, err
	}
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(esc))
	return esc.Clone(), nil
}

// Accept commits the named provider to the task. Only valid from
// AwaitingProvider and before the deadline.
func (e *Engine) Accept(id [32]byte, caller [20]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	if err := e.guardPaused(cfg); err != nil {
		return err
	}
	if caller != esc.Provider {
		return ErrUnauthorizedProvider
	}
	if esc.Status != StatusAwaitingProvider {
		return ErrNotAwaitingProvider
	}
	if e.now() >= esc.Deadline {
		return ErrDeadlinePassed
	}
	esc.Status = StatusActive
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewAcceptedEvent(esc, e.now()))
	return nil
}

// SubmitProof stores the provider's completion proof and moves the escrow to
// ProofSubmitted. No funds move at this stage for any verification type;
// settlement happens only via ConfirmCompletion or ProviderRelease.
func (e *Engine) SubmitProof(id [32]byte, caller [20]byte, proofType ProofType, proofData [ProofDataSize]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	if err := e.guardPaused(cfg); err != nil {
		return err
	}
	if caller != esc.Provider {
		return ErrUnauthorizedProvider
	}
	if esc.Status != StatusActive {
		return ErrNotActive
	}
	now := e.now()
	if now > esc.Deadline {
		return ErrDeadlinePassed
	}
	if !proofType.Valid() {
		return ErrInvalidProofType
	}
	esc.ProofType = proofType
	esc.ProofData = proofData
	esc.ProofSubmittedAt = now
	esc.Status = StatusProofSubmitted
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewProofSubmittedEvent(esc))
	return nil
}

// ConfirmCompletion settles the escrow in favour of the provider on the
// client's explicit confirmation. Only valid from ProofSubmitted and only for
// verification types that carry a client confirmation step.
func (e *Engine) ConfirmCompletion(id [32]byte, caller [20]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	if err := e.guardPaused(cfg); err != nil {
		return err
	}
	if caller != esc.Client {
		return ErrUnauthorizedClient
	}
	if esc.Status != StatusProofSubmitted {
		return ErrNoProofSubmitted
	}
	if esc.VerificationType != VerifyMultiSigConfirm && esc.VerificationType != VerifyOnChain {
		return ErrInvalidStatus
	}
	return e.settleToProvider(esc, cfg)
}

// ProviderRelease lets the provider self-release escrowed funds once the
// confirmation timeout has elapsed without a confirmation or dispute. This
// protects providers from clients who ignore submitted proof and wait for
// expiry to reclaim funds.
func (e *Engine) ProviderRelease(id [32]byte, caller [20]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	if err := e.guardPaused(cfg); err != nil {
		return err
	}
	if caller != esc.Provider {
		return ErrUnauthorizedProvider
	}
	if esc.Status != StatusProofSubmitted {
		return ErrNoProofSubmitted
	}
	if e.now() <= esc.ReleaseTime() {
		return ErrReleaseNotReady
	}
	return e.settleToProvider(esc, cfg)
}

// settleToProvider pays amount − protocolFee to the provider, the protocol
// fee to the fee authority, sweeps any extraneous vault balance back to the
// client, closes the vault and marks the escrow Completed. Completion
// counters advance on this path only.
func (e *Engine) settleToProvider(esc *Escrow, cfg *ProtocolConfig) error {
	protocolFee := fees.Fee(esc.Amount, esc.ProtocolFeeBps)
	payout := new(big.Int).Sub(cloneBigInt(esc.Amount), protocolFee)
	if payout.Sign() < 0 {
		return ErrOverflow
	}
	authority := VaultAuthority(esc.ID)
	if payout.Sign() > 0 {
		if err := e.state.VaultWithdraw(esc.ID, authority, esc.Provider, esc.Token, payout); err != nil {
			return err
		}
	}
	if protocolFee.Sign() > 0 {
		if err := e.state.VaultWithdraw(esc.ID, authority, cfg.FeeAuthority, esc.Token, protocolFee); err != nil {
			return err
		}
	}
	if err := e.sweepAndClose(esc, authority); err != nil {
		return err
	}
	if err := e.bumpCompletionCounters(esc); err != nil {
		return err
	}
	esc.Status = StatusCompleted
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewCompletedEvent(esc, payout, protocolFee, e.now()))
	return nil
}

// sweepAndClose returns any balance still sitting in the vault to the client
// and closes the vault. Out-of-band transfers into the vault are griefing
// attempts; they belong to the client, never to the provider or fees.
func (e *Engine) sweepAndClose(esc *Escrow, authority [20]byte) error {
	remainder, err := e.state.VaultBalance(esc.ID, esc.Token)
	if err != nil {
		return err
	}
	if remainder.Sign() > 0 {
		if err := e.state.VaultWithdraw(esc.ID, authority, esc.Client, esc.Token, remainder); err != nil {
			return err
		}
	}
	return e.state.VaultClose(esc.ID, authority)
}

func (e *Engine) bumpCompletionCounters(esc *Escrow) error {
	client, err := e.state.GetAccount(esc.Client)
	if err != nil {
		return err
	}
	client.CompletedAsClient++
	if err := e.state.PutAccount(esc.Client, client); err != nil {
		return err
	}
	provider, err := e.state.GetAccount(esc.Provider)
	if err != nil {
		return err
	}
	provider.CompletedAsProvider++
	return e.state.PutAccount(esc.Provider, provider)
}

// Cancel refunds the full amount to the client before any provider
// commitment. No fee is charged: this path never entered a working
// relationship. Deliberately available while paused.
func (e *Engine) Cancel(id [32]byte, caller [20]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if caller != esc.Client {
		return ErrUnauthorizedClient
	}
	if esc.Status != StatusAwaitingProvider {
		return ErrNotAwaitingProvider
	}
	if err := e.refundClient(esc); err != nil {
		return err
	}
	esc.Status = StatusCancelled
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewCancelledEvent(esc, e.now()))
	return nil
}

// Expire refunds the escrow to the client once deadline plus grace period has
// elapsed without completion. Anyone may invoke it; proof in flight
// (ProofSubmitted) is protected from unilateral expiry. Deliberately
// available while paused.
func (e *Engine) Expire(id [32]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.Status != StatusAwaitingProvider && esc.Status != StatusActive {
		return ErrInvalidStatus
	}
	if e.now() <= esc.ExpiryTime() {
		return ErrNotYetExpired
	}
	if err := e.refundClient(esc); err != nil {
		return err
	}
	esc.Status = StatusExpired
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewExpiredEvent(esc, esc.Amount, e.now()))
	return nil
}

// refundClient returns the escrowed amount (plus any griefing remainder) to
// the client and closes the vault. No fee is taken on refund paths.
func (e *Engine) refundClient(esc *Escrow) error {
	authority := VaultAuthority(esc.ID)
	if err := e.state.VaultWithdraw(esc.ID, authority, esc.Client, esc.Token, esc.Amount); err != nil {
		return err
	}
	return e.sweepAndClose(esc, authority)
}

// RaiseDispute freezes the escrow pending arbitration. Either party may raise
// it from Active or ProofSubmitted while the dispute window is open.
func (e *Engine) RaiseDispute(id [32]byte, caller [20]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	if err := e.guardPaused(cfg); err != nil {
		return err
	}
	if caller != esc.Client && caller != esc.Provider {
		return ErrNotParticipant
	}
	if esc.Status != StatusActive && esc.Status != StatusProofSubmitted {
		return ErrInvalidStatus
	}
	if !esc.HasArbitrator() {
		return ErrNoArbitrator
	}
	now := e.now()
	if now > esc.ExpiryTime() {
		return ErrGracePeriodExpired
	}
	esc.Status = StatusDisputed
	esc.DisputeRaisedBy = caller
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewDisputeRaisedEvent(esc, caller, now))
	return nil
}
