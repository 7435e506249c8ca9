package escrow

import (
	"math/big"
)

// MaxFeeBps caps each fee rate independently at 5%. Worst case the two rates
// together take 10% of an escrow.
const MaxFeeBps uint32 = 500

// ProtocolConfig is the process-wide singleton read by every fund-moving
// operation. It is created once, mutated only by the admin, and never
// destroyed. Escrows snapshot the fee rates at creation time, so later
// changes here do not retroactively affect existing agreements.
type ProtocolConfig struct {
	Admin              [20]byte
	FeeAuthority       [20]byte
	ProtocolFeeBps     uint32
	ArbitratorFeeBps   uint32
	MinEscrowAmount    *big.Int
	MaxEscrowAmount    *big.Int // zero = unbounded
	MinGracePeriod     int64
	MaxDeadlineSeconds int64
	Paused             bool
}

// Clone returns a deep copy of the config.
func (c *ProtocolConfig) Clone() *ProtocolConfig {
	if c == nil {
		return nil
	}
	clone := *c
	if c.MinEscrowAmount != nil {
		clone.MinEscrowAmount = new(big.Int).Set(c.MinEscrowAmount)
	} else {
		clone.MinEscrowAmount = big.NewInt(0)
	}
	if c.MaxEscrowAmount != nil {
		clone.MaxEscrowAmount = new(big.Int).Set(c.MaxEscrowAmount)
	} else {
		clone.MaxEscrowAmount = big.NewInt(0)
	}
	return &clone
}

// Validate checks every bound the config must satisfy before it is persisted.
func (c *ProtocolConfig) Validate() error {
	if c == nil {
		return ErrConfigNotInitialized
	}
	if c.ProtocolFeeBps > MaxFeeBps || c.ArbitratorFeeBps > MaxFeeBps {
		return ErrFeeTooHigh
	}
	if c.FeeAuthority == ([20]byte{}) {
		return ErrInvalidFeeAuthority
	}
	if c.MinEscrowAmount == nil || c.MinEscrowAmount.Sign() <= 0 {
		return ErrAmountZero
	}
	if c.MaxEscrowAmount != nil && c.MaxEscrowAmount.Sign() > 0 && c.MaxEscrowAmount.Cmp(c.MinEscrowAmount) < 0 {
		return ErrAboveMaximumAmount
	}
	if c.MinGracePeriod <= 0 {
		return ErrInvalidGracePeriod
	}
	if c.MaxDeadlineSeconds <= 0 {
		return ErrInvalidDeadlineBound
	}
	return nil
}

// ConfigUpdate is a partial update applied by the admin. Nil fields keep the
// current value; each set field is validated independently.
type ConfigUpdate struct {
	FeeAuthority       *[20]byte
	ProtocolFeeBps     *uint32
	ArbitratorFeeBps   *uint32
	MinEscrowAmount    *big.Int
	MaxEscrowAmount    *big.Int
	MinGracePeriod     *int64
	MaxDeadlineSeconds *int64
	Paused             *bool
	NewAdmin           *[20]byte
}

// apply folds the update into a clone of the current config and re-validates
// the result, so a bad partial update leaves the stored config untouched.
func (u ConfigUpdate) apply(current *ProtocolConfig) (*ProtocolConfig, error) {
	next := current.Clone()
	if u.FeeAuthority != nil {
		next.FeeAuthority = *u.FeeAuthority
	}
	if u.ProtocolFeeBps != nil {
		next.ProtocolFeeBps = *u.ProtocolFeeBps
	}
	if u.ArbitratorFeeBps != nil {
		next.ArbitratorFeeBps = *u.ArbitratorFeeBps
	}
	if u.MinEscrowAmount != nil {
		next.MinEscrowAmount = new(big.Int).Set(u.MinEscrowAmount)
	}
	if u.MaxEscrowAmount != nil {
		next.MaxEscrowAmount = new(big.Int).Set(u.MaxEscrowAmount)
	}
	if u.MinGracePeriod != nil {
		next.MinGracePeriod = *u.MinGracePeriod
	}
	if u.MaxDeadlineSeconds != nil {
		next.MaxDeadlineSeconds = *u.MaxDeadlineSeconds
	}
	if u.Paused != nil {
		next.Paused = *u.Paused
	}
	if u.NewAdmin != nil {
		if *u.NewAdmin == ([20]byte{}) {
			return nil, ErrUnauthorizedAdmin
		}
		next.Admin = *u.NewAdmin
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}
