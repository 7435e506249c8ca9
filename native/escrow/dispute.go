package escrow

import (
	"errors"

	"github.com/cruellacodes/escrowagent/native/fees"
)

// ResolveDispute settles a disputed escrow according to the arbitrator's
// ruling. Fees are computed from the escrow's own snapshotted rates, never
// re-read from the current config. The ruling's transfers happen first, then
// the arbitrator and protocol fees, then the vault is swept and closed.
func (e *Engine) ResolveDispute(id [32]byte, caller [20]byte, ruling DisputeRuling) error {
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
	if !esc.HasArbitrator() || caller != esc.Arbitrator {
		return ErrUnauthorizedArbitrator
	}
	if esc.Status != StatusDisputed {
		return ErrInvalidStatus
	}
	if err := ruling.Validate(); err != nil {
		return err
	}
	breakdown, err := fees.NewBreakdown(esc.Amount, esc.ProtocolFeeBps, esc.ArbitratorFeeBps)
	if err != nil {
		if errors.Is(err, fees.ErrFeeExceedsAmount) {
			return ErrOverflow
		}
		return err
	}

	authority := VaultAuthority(esc.ID)
	switch ruling.Kind {
	case RulingPayClient:
		if breakdown.Distributable.Sign() > 0 {
			if err := e.state.VaultWithdraw(esc.ID, authority, esc.Client, esc.Token, breakdown.Distributable); err != nil {
				return err
			}
		}
	case RulingPayProvider:
		if breakdown.Distributable.Sign() > 0 {
			if err := e.state.VaultWithdraw(esc.ID, authority, esc.Provider, esc.Token, breakdown.Distributable); err != nil {
				return err
			}
		}
	case RulingSplit:
		clientLeg, providerLeg, err := fees.SplitDistributable(breakdown.Distributable, ruling.ClientBps, ruling.ProviderBps)
		if err != nil {
			return ErrInvalidSplitRuling
		}
		if clientLeg.Sign() > 0 {
			if err := e.state.VaultWithdraw(esc.ID, authority, esc.Client, esc.Token, clientLeg); err != nil {
				return err
			}
		}
		if providerLeg.Sign() > 0 {
			if err := e.state.VaultWithdraw(esc.ID, authority, esc.Provider, esc.Token, providerLeg); err != nil {
				return err
			}
		}
	}

	if breakdown.ArbitratorFee.Sign() > 0 {
		if err := e.state.VaultWithdraw(esc.ID, authority, esc.Arbitrator, esc.Token, breakdown.ArbitratorFee); err != nil {
			return err
		}
	}
	if breakdown.ProtocolFee.Sign() > 0 {
		if err := e.state.VaultWithdraw(esc.ID, authority, cfg.FeeAuthority, esc.Token, breakdown.ProtocolFee); err != nil {
			return err
		}
	}
	if err := e.sweepAndClose(esc, authority); err != nil {
		return err
	}
	esc.Status = StatusResolved
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewDisputeResolvedEvent(esc, ruling, e.now()))
	return nil
}
