// Package orderstate is the single source of truth for how a payment outcome
// moves an order through its lifecycle. Next is a pure function; persisting
// its result is the order service's job, never this package's.
package orderstate

import (
	"fmt"

	"github.com/yourorg/checkout-orchestrator/internal/session"
)

// Status is the authoritative order lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusShipping  Status = "SHIPPING"
	StatusDelivered Status = "DELIVERED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further order transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Known reports whether s is one of the defined order statuses.
func (s Status) Known() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusShipping, StatusDelivered, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// steps is the fulfilment progression the order-tracking display walks.
var steps = []Status{StatusPending, StatusConfirmed, StatusShipping, StatusDelivered, StatusCompleted}

// StepIndex returns the position of s in the fulfilment progression for step
// indicators, or -1 for CANCELLED and unknown statuses.
func StepIndex(s Status) int {
	for i, st := range steps {
		if st == s {
			return i
		}
	}
	return -1
}

// ErrTerminalOrder is returned by Next when a payment outcome arrives for an
// order that already reached a terminal status. The caller logs it as an
// anomaly; the outcome is never applied.
type ErrTerminalOrder struct {
	Current Status
	Outcome session.OutcomeKind
}

func (e *ErrTerminalOrder) Error() string {
	return fmt.Sprintf("orderstate: outcome %s rejected, order already %s", e.Outcome, e.Current)
}

// Next maps (current order status, payment outcome) to the next order status.
//
//	PENDING + Success                      -> CONFIRMED
//	PENDING + Failure/TimedOut/Cancelled   -> PENDING (order stays payable)
//	COMPLETED/CANCELLED + anything         -> error, unchanged
//
// Any other combination leaves the status unchanged: a payment outcome has no
// business moving an order that is already past payment.
func Next(current Status, outcome session.Outcome) (Status, error) {
	if current.Terminal() {
		return current, &ErrTerminalOrder{Current: current, Outcome: outcome.Kind}
	}
	if current == StatusPending && outcome.Kind == session.OutcomeSuccess {
		return StatusConfirmed, nil
	}
	return current, nil
}
