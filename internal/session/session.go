// Package session holds the in-memory payment session record and the store
// that enforces the one-active-session-per-order rule. A session represents a
// single attempt to pay a single order; retrying payment requires discarding
// the terminal session and creating a fresh one.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/checkout-orchestrator/internal/gateway"
)

// Status is the lifecycle state of a payment session. Transitions are
// forward-only: CREATED < AWAITING_CONFIRMATION < any terminal status.
type Status string

const (
	StatusCreated              Status = "CREATED"
	StatusAwaitingConfirmation Status = "AWAITING_CONFIRMATION"
	StatusSucceeded            Status = "SUCCEEDED"
	StatusFailed               Status = "FAILED"
	StatusCancelled            Status = "CANCELLED"
	StatusTimedOut             Status = "TIMED_OUT"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// rank orders statuses for the forward-only check. All terminal statuses share
// the top rank; there is no transition between them.
func (s Status) rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusAwaitingConfirmation:
		return 1
	default:
		return 2
	}
}

// OutcomeKind classifies how a confirmation attempt ended.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
	OutcomeCancelled
	OutcomeTimedOut
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomeFailure:
		return "FAILURE"
	case OutcomeCancelled:
		return "CANCELLED"
	default:
		return "TIMED_OUT"
	}
}

// Outcome is the typed result of driving a session's confirmation.
type Outcome struct {
	Kind   OutcomeKind
	Reason string // gateway wording for failures, loop detail otherwise
}

// StatusFor maps a confirmation outcome to the session terminal status it
// produces.
func StatusFor(k OutcomeKind) Status {
	switch k {
	case OutcomeSuccess:
		return StatusSucceeded
	case OutcomeFailure:
		return StatusFailed
	case OutcomeCancelled:
		return StatusCancelled
	default:
		return StatusTimedOut
	}
}

// ErrInvalidTransition is returned by Transition when the requested move is
// backward or out of a terminal status.
type ErrInvalidTransition struct {
	From, To Status
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("session: invalid transition %s -> %s", e.From, e.To)
}

// Session is one attempt to pay one order. OrderID, Method and Amount are
// fixed at creation. The mutable fields are guarded by mu and written only by
// the component currently driving confirmation.
type Session struct {
	ID      string
	OrderID string
	Method  gateway.Method
	Amount  int64

	CreatedAt time.Time

	mu             sync.Mutex
	status         Status
	artifact       gateway.Artifact
	gatewayTxID    string
	attempts       int
	lastPolledAt   time.Time
	failureMessage string
	rechecked      bool
}

// New creates a session in CREATED state.
func New(orderID string, method gateway.Method, amount int64, now time.Time) *Session {
	return &Session{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Method:    method,
		Amount:    amount,
		CreatedAt: now,
		status:    StatusCreated,
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Transition performs a compare-and-set move to the given status. It fails
// when the current status is terminal or the move would go backward, so of two
// racing confirmations exactly one wins and the loser's outcome is dropped.
func (s *Session) Transition(to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() || to.rank() < s.status.rank() || to == s.status {
		return &ErrInvalidTransition{From: s.status, To: to}
	}
	s.status = to
	return nil
}

// SetArtifact records the gateway transaction artifact after a successful
// CreateTransaction call.
func (s *Session) SetArtifact(a gateway.Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifact = a
	s.gatewayTxID = a.TransactionID
}

// Artifact returns the launch artifact handed back by the gateway.
func (s *Session) Artifact() gateway.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifact
}

// GatewayTransactionID returns the gateway's opaque transaction identifier,
// empty until CreateTransaction succeeds.
func (s *Session) GatewayTransactionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gatewayTxID
}

// RecordAttempt counts one status query against the session.
func (s *Session) RecordAttempt(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	s.lastPolledAt = now
}

// Attempts returns the number of status queries performed so far.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// LastPolledAt returns the time of the most recent status query.
func (s *Session) LastPolledAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPolledAt
}

// SetFailureMessage stores the gateway's failure wording for verbatim display.
func (s *Session) SetFailureMessage(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureMessage = msg
}

// FailureMessage returns the stored gateway failure wording.
func (s *Session) FailureMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failureMessage
}

// MarkRechecked notes that a manual post-timeout status re-query was
// performed; Reset requires it for timed-out sessions.
func (s *Session) MarkRechecked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rechecked = true
}

// Rechecked reports whether a manual re-query happened after timeout.
func (s *Session) Rechecked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rechecked
}

// TerminalOutcome derives the outcome a terminal session settled with. The
// second return is false while the session is still live.
func (s *Session) TerminalOutcome() (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusSucceeded:
		return Outcome{Kind: OutcomeSuccess}, true
	case StatusFailed:
		return Outcome{Kind: OutcomeFailure, Reason: s.failureMessage}, true
	case StatusCancelled:
		return Outcome{Kind: OutcomeCancelled}, true
	case StatusTimedOut:
		return Outcome{Kind: OutcomeTimedOut}, true
	}
	return Outcome{}, false
}
