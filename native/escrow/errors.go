package escrow

import "errors"

// All failures are synchronous, typed rejections. An operation that returns
// one of these errors has made no state change; retry is entirely the
// caller's responsibility.
var (
	// Input validation.
	ErrAmountZero          = errors.New("escrow: amount must be greater than zero")
	ErrBelowMinimumAmount  = errors.New("escrow: amount below protocol minimum")
	ErrAboveMaximumAmount  = errors.New("escrow: amount exceeds protocol maximum")
	ErrDeadlineInPast      = errors.New("escrow: deadline must be in the future")
	ErrDeadlineTooFar      = errors.New("escrow: deadline exceeds maximum offset from creation")
	ErrInvalidGracePeriod  = errors.New("escrow: grace period must be non-negative")
	ErrGracePeriodTooShort = errors.New("escrow: grace period below protocol minimum")
	ErrSelfEscrow          = errors.New("escrow: client and provider must differ")
	ErrArbitratorConflict  = errors.New("escrow: arbitrator must not be a party to the escrow")
	ErrInvalidToken        = errors.New("escrow: unsupported token symbol")
	ErrInvalidProofType    = errors.New("escrow: invalid proof type")
	ErrInvalidSplitRuling  = errors.New("escrow: dispute ruling basis points must total 10000")

	// Authorization.
	ErrUnauthorizedClient     = errors.New("escrow: only the client can perform this action")
	ErrUnauthorizedProvider   = errors.New("escrow: only the provider can perform this action")
	ErrUnauthorizedArbitrator = errors.New("escrow: only the designated arbitrator can perform this action")
	ErrUnauthorizedAdmin      = errors.New("escrow: only the protocol admin can perform this action")
	ErrNotParticipant         = errors.New("escrow: caller is not a participant in this escrow")
	ErrNoArbitrator           = errors.New("escrow: no arbitrator is assigned to this escrow")

	// State preconditions.
	ErrEscrowNotFound      = errors.New("escrow: escrow not found")
	ErrEscrowExists        = errors.New("escrow: identifier already exists")
	ErrInvalidStatus       = errors.New("escrow: operation not permitted in current status")
	ErrNotAwaitingProvider = errors.New("escrow: escrow is not awaiting a provider")
	ErrNotActive           = errors.New("escrow: escrow is not active")
	ErrNoProofSubmitted    = errors.New("escrow: escrow has no proof submitted")

	// Timing.
	ErrDeadlinePassed     = errors.New("escrow: the deadline has passed")
	ErrNotYetExpired      = errors.New("escrow: deadline plus grace period has not elapsed")
	ErrGracePeriodExpired = errors.New("escrow: the dispute window has closed")
	ErrReleaseNotReady    = errors.New("escrow: confirmation timeout has not elapsed")

	// Arithmetic.
	ErrOverflow = errors.New("escrow: arithmetic overflow in fee computation")

	// Protocol level.
	ErrProtocolPaused       = errors.New("escrow: protocol is paused")
	ErrConfigInitialized    = errors.New("escrow: protocol config already initialized")
	ErrConfigNotInitialized = errors.New("escrow: protocol config not initialized")
	ErrFeeTooHigh           = errors.New("escrow: fee exceeds maximum allowed basis points")
	ErrInvalidFeeAuthority  = errors.New("escrow: fee authority must be set")
	ErrInvalidDeadlineBound = errors.New("escrow: max deadline seconds must be positive")
)
