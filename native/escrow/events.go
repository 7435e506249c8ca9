package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"github.com/cruellacodes/escrowagent/core/types"
)

const (
	EventTypeEscrowCreated        = "escrow.created"
	EventTypeEscrowAccepted       = "escrow.accepted"
	EventTypeEscrowProofSubmitted = "escrow.proofSubmitted"
	EventTypeEscrowCompleted      = "escrow.completed"
	EventTypeEscrowCancelled      = "escrow.cancelled"
	EventTypeEscrowExpired        = "escrow.expired"
	EventTypeDisputeRaised        = "escrow.disputeRaised"
	EventTypeDisputeResolved      = "escrow.disputeResolved"
)

// NewCreatedEvent returns the canonical event payload for a newly created
// escrow.
func NewCreatedEvent(e *Escrow) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowCreated, e)
	if e != nil {
		evt.Attributes["deadline"] = strconv.FormatInt(e.Deadline, 10)
		evt.Attributes["taskHash"] = hex.EncodeToString(e.TaskHash[:])
		evt.Attributes["verificationType"] = e.VerificationType.String()
	}
	return evt
}

// NewAcceptedEvent returns the payload emitted when the provider commits to
// the task.
func NewAcceptedEvent(e *Escrow, acceptedAt int64) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowAccepted, e)
	evt.Attributes["acceptedAt"] = strconv.FormatInt(acceptedAt, 10)
	return evt
}

// NewProofSubmittedEvent returns the payload emitted when the provider stores
// a completion proof.
func NewProofSubmittedEvent(e *Escrow) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowProofSubmitted, e)
	if e != nil {
		evt.Attributes["proofType"] = e.ProofType.String()
		evt.Attributes["submittedAt"] = strconv.FormatInt(e.ProofSubmittedAt, 10)
	}
	return evt
}

// NewCompletedEvent returns the payload for a normal completion settlement.
func NewCompletedEvent(e *Escrow, amountPaid, feeCollected *big.Int, completedAt int64) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowCompleted, e)
	if amountPaid == nil {
		amountPaid = big.NewInt(0)
	}
	if feeCollected == nil {
		feeCollected = big.NewInt(0)
	}
	evt.Attributes["amountPaid"] = amountPaid.String()
	evt.Attributes["feeCollected"] = feeCollected.String()
	evt.Attributes["completedAt"] = strconv.FormatInt(completedAt, 10)
	return evt
}

// NewCancelledEvent returns the payload for a pre-acceptance cancellation.
func NewCancelledEvent(e *Escrow, cancelledAt int64) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowCancelled, e)
	evt.Attributes["cancelledAt"] = strconv.FormatInt(cancelledAt, 10)
	return evt
}

// NewExpiredEvent returns the payload emitted when an escrow expires and the
// client is refunded.
func NewExpiredEvent(e *Escrow, refundAmount *big.Int, expiredAt int64) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowExpired, e)
	if refundAmount == nil {
		refundAmount = big.NewInt(0)
	}
	evt.Attributes["refundAmount"] = refundAmount.String()
	evt.Attributes["expiredAt"] = strconv.FormatInt(expiredAt, 10)
	return evt
}

// NewDisputeRaisedEvent returns the payload emitted when a party disputes.
func NewDisputeRaisedEvent(e *Escrow, raisedBy [20]byte, raisedAt int64) *types.Event {
	evt := newEscrowEvent(EventTypeDisputeRaised, e)
	evt.Attributes["raisedBy"] = hex.EncodeToString(raisedBy[:])
	evt.Attributes["raisedAt"] = strconv.FormatInt(raisedAt, 10)
	return evt
}

// NewDisputeResolvedEvent returns the payload emitted when the arbitrator
// settles a dispute.
func NewDisputeResolvedEvent(e *Escrow, ruling DisputeRuling, resolvedAt int64) *types.Event {
	evt := newEscrowEvent(EventTypeDisputeResolved, e)
	evt.Attributes["ruling"] = ruling.String()
	evt.Attributes["resolvedAt"] = strconv.FormatInt(resolvedAt, 10)
	return evt
}

func newEscrowEvent(eventType string, e *Escrow) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(e.ID[:])
	attrs["client"] = hex.EncodeToString(e.Client[:])
	attrs["provider"] = hex.EncodeToString(e.Provider[:])
	attrs["token"] = e.Token
	if e.Amount != nil {
		attrs["amount"] = e.Amount.String()
	} else {
		attrs["amount"] = "0"
	}
	attrs["status"] = e.Status.String()
	if e.HasArbitrator() {
		attrs["arbitrator"] = hex.EncodeToString(e.Arbitrator[:])
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
