// Package fees holds the pure fee arithmetic shared by every settlement
// path. No state, no clock: for every valid input the pieces always recompose
// to the original amount exactly.
package fees

import (
	"errors"
	"math/big"
)

// BpsDenominator is the basis-point scale: 10000 bps = 100%.
const BpsDenominator = 10_000

var (
	// ErrFeeExceedsAmount is returned when the combined fees would exceed the
	// escrowed amount. Surfaced, never silently saturated.
	ErrFeeExceedsAmount = errors.New("fees: combined fees exceed amount")
	// ErrInvalidSplit marks a split allocation that does not total 10000 bps.
	ErrInvalidSplit = errors.New("fees: split basis points must total 10000")
	// ErrInvalidBps marks a rate above the basis-point denominator.
	ErrInvalidBps = errors.New("fees: rate exceeds 10000 basis points")
)

var bpsDenom = big.NewInt(BpsDenominator)

// Fee computes floor(amount * bps / 10000). Arbitrary-precision arithmetic
// makes the multiply-before-divide safe for any amount.
func Fee(amount *big.Int, bps uint32) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(bps)))
	return fee.Div(fee, bpsDenom)
}

// Breakdown is the three-way decomposition of an escrowed amount. The
// invariant ProtocolFee + ArbitratorFee + Distributable == Amount holds for
// every value this package returns.
type Breakdown struct {
	ProtocolFee   *big.Int
	ArbitratorFee *big.Int
	Distributable *big.Int
}

// NewBreakdown decomposes amount into protocol fee, arbitrator fee and the
// distributable remainder.
func NewBreakdown(amount *big.Int, protocolBps, arbitratorBps uint32) (Breakdown, error) {
	if protocolBps > BpsDenominator || arbitratorBps > BpsDenominator {
		return Breakdown{}, ErrInvalidBps
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	protocolFee := Fee(amount, protocolBps)
	arbitratorFee := Fee(amount, arbitratorBps)
	distributable := new(big.Int).Sub(amount, protocolFee)
	distributable.Sub(distributable, arbitratorFee)
	if distributable.Sign() < 0 {
		return Breakdown{}, ErrFeeExceedsAmount
	}
	return Breakdown{
		ProtocolFee:   protocolFee,
		ArbitratorFee: arbitratorFee,
		Distributable: distributable,
	}, nil
}

// SplitDistributable allocates a distributable amount between client and
// provider according to a basis-point split that must total 10000. The client
// leg is floored and the provider receives the exact remainder, so the two
// legs always sum to the input regardless of rounding.
func SplitDistributable(distributable *big.Int, clientBps, providerBps uint32) (*big.Int, *big.Int, error) {
	// Widened so oversized allocations cannot wrap back to the denominator.
	if uint64(clientBps)+uint64(providerBps) != BpsDenominator {
		return nil, nil, ErrInvalidSplit
	}
	if distributable == nil {
		distributable = big.NewInt(0)
	}
	clientLeg := Fee(distributable, clientBps)
	providerLeg := new(big.Int).Sub(distributable, clientLeg)
	return clientLeg, providerLeg, nil
}
