package escrow

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// EscrowStatus represents the lifecycle states supported by the escrow
// engine. Transitions are monotonic: once a terminal status is reached the
// record and its vault are closed for good.
type EscrowStatus uint8

const (
	StatusAwaitingProvider EscrowStatus = iota + 1
	StatusActive
	StatusProofSubmitted
	StatusCompleted
	StatusDisputed
	StatusResolved
	StatusExpired
	StatusCancelled
)

// Valid reports whether the status value is within the supported range.
func (s EscrowStatus) Valid() bool {
	return s >= StatusAwaitingProvider && s <= StatusCancelled
}

// Terminal reports whether the status closes the escrow. No operation may
// target a record once it reaches a terminal status.
func (s EscrowStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusResolved, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s EscrowStatus) String() string {
	switch s {
	case StatusAwaitingProvider:
		return "awaiting_provider"
	case StatusActive:
		return "active"
	case StatusProofSubmitted:
		return "proof_submitted"
	case StatusCompleted:
		return "completed"
	case StatusDisputed:
		return "disputed"
	case StatusResolved:
		return "resolved"
	case StatusExpired:
		return "expired"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// VerificationType describes how completion of the escrowed task is verified.
type VerificationType uint8

const (
	// VerifyOnChain means the proof references an on-chain effect the client
	// can check before confirming.
	VerifyOnChain VerificationType = iota + 1
	// VerifyOracleCallback means an external oracle attests completion; the
	// engine only consumes the resulting proof.
	VerifyOracleCallback
	// VerifyMultiSigConfirm means the client confirms completion explicitly.
	VerifyMultiSigConfirm
	// VerifyAutoRelease means the provider relies on the timeout release path.
	VerifyAutoRelease
)

// Valid reports whether the verification type is a supported value.
func (v VerificationType) Valid() bool {
	return v >= VerifyOnChain && v <= VerifyAutoRelease
}

func (v VerificationType) String() string {
	switch v {
	case VerifyOnChain:
		return "onchain"
	case VerifyOracleCallback:
		return "oracle_callback"
	case VerifyMultiSigConfirm:
		return "multisig_confirm"
	case VerifyAutoRelease:
		return "auto_release"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(v))
	}
}

// ProofType describes the format of a submitted completion proof. The zero
// value marks "no proof submitted yet".
type ProofType uint8

const (
	ProofNone ProofType = iota
	ProofTransactionSignature
	ProofOracleAttestation
	ProofSignedConfirmation
)

// Valid reports whether the proof type names a submittable proof format.
func (p ProofType) Valid() bool {
	return p >= ProofTransactionSignature && p <= ProofSignedConfirmation
}

func (p ProofType) String() string {
	switch p {
	case ProofNone:
		return "none"
	case ProofTransactionSignature:
		return "transaction_signature"
	case ProofOracleAttestation:
		return "oracle_attestation"
	case ProofSignedConfirmation:
		return "signed_confirmation"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// ProofDataSize is the fixed size of the opaque proof blob stored on the
// record (large enough for a 64-byte transaction signature).
const ProofDataSize = 64

// Escrow captures the metadata and runtime status of a single client/provider
// agreement. Fee rates are copied from the protocol config at creation time
// and never track later admin changes. The identifier is the keccak256 hash
// of client, provider and task hash, ensuring deterministic IDs.
type Escrow struct {
	ID [32]byte

	Client     [20]byte
	Provider   [20]byte
	Arbitrator [20]byte // zero sentinel = no arbitrator assigned

	Token            string
	Vault            [20]byte
	Amount           *big.Int
	ProtocolFeeBps   uint32
	ArbitratorFeeBps uint32

	TaskHash         [32]byte
	VerificationType VerificationType
	CriteriaCount    uint8

	CreatedAt   int64
	Deadline    int64
	GracePeriod int64

	Status EscrowStatus

	ProofType        ProofType
	ProofData        [ProofDataSize]byte
	ProofSubmittedAt int64

	DisputeRaisedBy [20]byte // zero sentinel = no dispute raised
}

// Clone returns a deep copy of the escrow object so callers can safely mutate
// the copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// HasArbitrator reports whether a third-party arbitrator was assigned at
// creation. The zero address is the explicit "absent" sentinel; it is never a
// valid participant identity.
func (e *Escrow) HasArbitrator() bool {
	return e != nil && e.Arbitrator != ([20]byte{})
}

// ExpiryTime is the instant after which anyone may expire the escrow (and
// the last instant at which a dispute may still be raised).
func (e *Escrow) ExpiryTime() int64 {
	return e.Deadline + e.GracePeriod
}

// ReleaseTime is the instant after which the provider may self-release
// escrowed funds. Taking the max of both clocks prevents a provider from
// submitting proof before the deadline to open an earlier release window.
func (e *Escrow) ReleaseTime() int64 {
	afterProof := e.ProofSubmittedAt + e.GracePeriod
	afterDeadline := e.Deadline + e.GracePeriod
	if afterProof > afterDeadline {
		return afterProof
	}
	return afterDeadline
}

var tokenSymbolPattern = regexp.MustCompile(`^[A-Z0-9]{1,8}$`)

// NormalizeToken canonicalises a token symbol to its uppercase form. The
// symbol itself is opaque to the engine beyond this shape check.
func NormalizeToken(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if !tokenSymbolPattern.MatchString(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidToken, symbol)
	}
	return trimmed, nil
}

// SanitizeEscrow validates and normalises the supplied escrow record,
// returning a cloned instance with canonical token casing and a non-nil
// amount. The function does not mutate the original value.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("escrow: nil record")
	}
	clone := e.Clone()
	token, err := NormalizeToken(clone.Token)
	if err != nil {
		return nil, err
	}
	clone.Token = token
	if clone.Amount == nil {
		clone.Amount = big.NewInt(0)
	}
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("escrow: amount must be non-negative")
	}
	if clone.ProtocolFeeBps > MaxFeeBps || clone.ArbitratorFeeBps > MaxFeeBps {
		return nil, ErrFeeTooHigh
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("escrow: invalid status %d", clone.Status)
	}
	if !clone.VerificationType.Valid() {
		return nil, fmt.Errorf("escrow: invalid verification type %d", clone.VerificationType)
	}
	return clone, nil
}

// EscrowID derives the deterministic identifier for an agreement between a
// client and provider over a specific task.
func EscrowID(client, provider [20]byte, taskHash [32]byte) [32]byte {
	return ethcrypto.Keccak256Hash(client[:], provider[:], taskHash[:])
}

// VaultAuthority derives the address that controls an escrow's vault. It is a
// pure function of the escrow's own identity, so vault control is provably
// scoped to one escrow and no freely held key can move its funds.
func VaultAuthority(id [32]byte) [20]byte {
	digest := ethcrypto.Keccak256([]byte("escrow/vault_authority"), id[:])
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr
}

// RulingKind enumerates the arbitrator ruling variants.
type RulingKind uint8

const (
	RulingPayClient RulingKind = iota + 1
	RulingPayProvider
	RulingSplit
)

func (k RulingKind) String() string {
	switch k {
	case RulingPayClient:
		return "pay_client"
	case RulingPayProvider:
		return "pay_provider"
	case RulingSplit:
		return "split"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// DisputeRuling is the arbitrator's settlement decision for a disputed
// escrow. Split rulings carry the basis-point allocation for each side and
// must total exactly 10000.
type DisputeRuling struct {
	Kind        RulingKind
	ClientBps   uint32
	ProviderBps uint32
}

// Validate checks the ruling shape. Split allocations must cover the
// distributable amount exactly.
func (r DisputeRuling) Validate() error {
	switch r.Kind {
	case RulingPayClient, RulingPayProvider:
		return nil
	case RulingSplit:
		// Widened so oversized allocations cannot wrap back to 10000.
		if uint64(r.ClientBps)+uint64(r.ProviderBps) != 10_000 {
			return ErrInvalidSplitRuling
		}
		return nil
	default:
		return fmt.Errorf("escrow: invalid ruling kind %d", r.Kind)
	}
}

func (r DisputeRuling) String() string {
	if r.Kind == RulingSplit {
		return fmt.Sprintf("split:%d/%d", r.ClientBps, r.ProviderBps)
	}
	return r.Kind.String()
}
