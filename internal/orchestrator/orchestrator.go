// Package orchestrator coordinates a checkout payment attempt: it selects the
// gateway adapter for the chosen method, drives transaction creation, owns the
// payment session record, and applies confirmation outcomes to the order state
// machine. Callers (UI, order tracking) only ever observe typed results; the
// orchestrator performs no UI side effects.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/yourorg/checkout-orchestrator/internal/gateway"
	"github.com/yourorg/checkout-orchestrator/internal/gateway/breaker"
	"github.com/yourorg/checkout-orchestrator/internal/metrics"
	"github.com/yourorg/checkout-orchestrator/internal/orderstate"
	"github.com/yourorg/checkout-orchestrator/internal/policy"
	"github.com/yourorg/checkout-orchestrator/internal/poller"
	"github.com/yourorg/checkout-orchestrator/internal/session"
)

var (
	// ErrNoMethodSelected is returned by Initiate before SelectMethod ran.
	ErrNoMethodSelected = fmt.Errorf("orchestrator: no payment method selected for order")
	// ErrUnknownMethod is returned for a method with no registered adapter.
	ErrUnknownMethod = fmt.Errorf("orchestrator: unknown payment method")
	// ErrSessionNotReset is returned by Initiate while a terminal session is
	// still registered; the caller must Reset first. This is the guard against
	// silently creating a duplicate remote order.
	ErrSessionNotReset = fmt.Errorf("orchestrator: terminal session must be reset before a new initiate")
	// ErrNoSession is returned when no session exists for the order.
	ErrNoSession = fmt.Errorf("orchestrator: no session for order")
	// ErrNotAwaitingConfirmation is returned by Confirm on a session that
	// never reached AWAITING_CONFIRMATION.
	ErrNotAwaitingConfirmation = fmt.Errorf("orchestrator: session is not awaiting confirmation")
	// ErrGatewayUnavailable is returned when the gateway's circuit is open.
	ErrGatewayUnavailable = fmt.Errorf("orchestrator: gateway temporarily unavailable")
	// ErrRecheckRequired is returned by Reset on a timed-out session whose
	// gateway state has not been manually re-queried. The underlying
	// transaction may still have settled out-of-band.
	ErrRecheckRequired = fmt.Errorf("orchestrator: recheck gateway status before resetting a timed-out session")
	// ErrNotTimedOut is returned by RecheckStatus on sessions that are not
	// timed out.
	ErrNotTimedOut = fmt.Errorf("orchestrator: recheck only applies to timed-out sessions")
	// ErrLaunchFailureNotApplicable is returned by ReportLaunchFailure on a
	// non-wallet session.
	ErrLaunchFailureNotApplicable = fmt.Errorf("orchestrator: launch failure only applies to wallet sessions")
)

// AppNotAvailableReason is the failure reason recorded when the external
// wallet app could not be launched. A local precondition failure; no gateway
// call is involved.
const AppNotAvailableReason = "wallet app not available on device"

// RejectionError carries a gateway's explicit decline so the caller can show
// the gateway's message verbatim. Distinct from transport errors.
type RejectionError struct {
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("gateway rejected transaction (code %s): %s", e.Code, e.Message)
}

// OrderService is the external collaborator that owns order storage. The
// orchestrator requests status transitions through it, never mutating orders
// directly.
type OrderService interface {
	Status(ctx context.Context, orderID string) (orderstate.Status, error)
	Apply(ctx context.Context, orderID string, status orderstate.Status) error
}

// Config bounds the confirmation loops.
type Config struct {
	PollInterval    time.Duration // bank-QR poll spacing; reference 5s
	PollMaxAttempts int           // bank-QR attempt cap
	PollDeadline    time.Duration // optional wall-clock cap; zero disables
	AttemptTimeout  time.Duration // per network call

	WalletRequeryDelay time.Duration // spacing between wallet re-queries
}

// Orchestrator drives payment sessions. One instance serves all orders.
type Orchestrator struct {
	adapters map[gateway.Method]gateway.Adapter
	store    *session.Store
	orders   OrderService
	breaker  *breaker.CircuitBreaker
	policy   *policy.Enforcer
	clock    poller.Clock
	logger   *zap.Logger
	cfg      Config

	mu      sync.Mutex
	methods map[string]gateway.Method // chosen method per order
	cancels map[string]*inflight      // in-flight confirmation per order
}

// inflight tokens a running confirmation so only the confirmation that
// registered a cancel func may clear it.
type inflight struct {
	cancel context.CancelFunc
}

// New creates an orchestrator.
func New(
	adapters map[gateway.Method]gateway.Adapter,
	store *session.Store,
	orders OrderService,
	cb *breaker.CircuitBreaker,
	enforcer *policy.Enforcer,
	clock poller.Clock,
	logger *zap.Logger,
	cfg Config,
) *Orchestrator {
	if len(adapters) == 0 {
		panic("orchestrator: adapters cannot be empty")
	}
	if store == nil {
		panic("orchestrator: session store cannot be nil")
	}
	if orders == nil {
		panic("orchestrator: order service cannot be nil")
	}
	if cb == nil {
		panic("orchestrator: circuit breaker cannot be nil")
	}
	if enforcer == nil {
		panic("orchestrator: policy enforcer cannot be nil")
	}
	if clock == nil {
		clock = poller.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		adapters: adapters,
		store:    store,
		orders:   orders,
		breaker:  cb,
		policy:   enforcer,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
		methods:  make(map[string]gateway.Method),
		cancels:  make(map[string]*inflight),
	}
}

// SelectMethod records the payment method for an order. Pure state update, no
// side effects; callable any number of times before Initiate.
func (o *Orchestrator) SelectMethod(orderID string, method gateway.Method) error {
	if _, ok := o.adapters[method]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.methods[orderID] = method
	return nil
}

// Session returns the order's registered session, if any.
func (o *Orchestrator) Session(orderID string) (*session.Session, bool) {
	return o.store.Get(orderID)
}

// Initiate constructs the payment session and creates the remote transaction.
// Calling it again while a session is AWAITING_CONFIRMATION is a no-op that
// returns the existing session and artifact: CreateTransaction runs at most
// once per session, whatever the caller does.
func (o *Orchestrator) Initiate(ctx context.Context, orderID string, amount int64, description string) (*session.Session, error) {
	tracer := otel.Tracer("orchestrator")
	ctx, span := tracer.Start(ctx, "Orchestrator.Initiate")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", orderID),
		attribute.Int64("payment.amount", amount),
	)

	o.mu.Lock()
	method, selected := o.methods[orderID]
	o.mu.Unlock()
	if !selected {
		return nil, ErrNoMethodSelected
	}
	adapter := o.adapters[method]

	if existing, ok := o.store.Get(orderID); ok {
		if existing.Status() == session.StatusAwaitingConfirmation {
			o.logger.Info("initiate on live session is a no-op",
				zap.String("order_id", orderID),
				zap.String("session_id", existing.ID),
			)
			return existing, nil
		}
		return nil, ErrSessionNotReset
	}

	if !o.breaker.IsHealthy(adapter.Name()) {
		return nil, fmt.Errorf("%w: %s", ErrGatewayUnavailable, adapter.Name())
	}

	sess := session.New(orderID, method, amount, o.clock.Now())
	if err := o.store.Put(sess); err != nil {
		// Lost a race with a concurrent initiate; fall back to its session.
		if existing, ok := o.store.Get(orderID); ok && existing.Status() == session.StatusAwaitingConfirmation {
			return existing, nil
		}
		return nil, err
	}

	cctx := ctx
	if o.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, o.cfg.AttemptTimeout)
		defer cancel()
	}

	res, err := adapter.CreateTransaction(cctx, gateway.CreateRequest{
		OrderID:     orderID,
		Amount:      amount,
		Description: description,
	})
	if err != nil {
		// Ambiguous: the remote order may exist despite the lost response.
		// The session is terminal either way; a new attempt needs a fresh one.
		o.breaker.RecordFailure(adapter.Name())
		o.failSession(sess, err.Error())
		return sess, fmt.Errorf("orchestrator: create transaction: %w", err)
	}
	if !res.Accepted {
		o.breaker.RecordFailure(adapter.Name())
		o.failSession(sess, res.RejectMessage)
		return sess, &RejectionError{Code: res.RejectCode, Message: res.RejectMessage}
	}

	o.breaker.RecordSuccess(adapter.Name())
	sess.SetArtifact(res.Artifact)
	if err := sess.Transition(session.StatusAwaitingConfirmation); err != nil {
		return sess, err
	}
	o.record(sess, session.StatusCreated, session.StatusAwaitingConfirmation, "", false)
	metrics.IncSessionInitiated(string(method))

	o.logger.Info("payment session initiated",
		zap.String("order_id", orderID),
		zap.String("session_id", sess.ID),
		zap.String("method", string(method)),
		zap.Int64("amount", amount),
		zap.String("gateway_tx_id", sess.GatewayTransactionID()),
	)
	return sess, nil
}

// Confirm drives the session to a terminal outcome. For WALLET_REDIRECT it
// performs a small policy-bounded number of status queries; for BANK_QR it
// delegates to the status poller. Racing confirmations are safe: the session's
// compare-and-set transition lets exactly one outcome apply, and Confirm
// returns the winning outcome either way.
func (o *Orchestrator) Confirm(ctx context.Context, orderID string) (session.Outcome, error) {
	tracer := otel.Tracer("orchestrator")
	ctx, span := tracer.Start(ctx, "Orchestrator.Confirm")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	sess, ok := o.store.Get(orderID)
	if !ok {
		return session.Outcome{}, ErrNoSession
	}
	if outcome, terminal := sess.TerminalOutcome(); terminal {
		return outcome, nil
	}
	if sess.Status() != session.StatusAwaitingConfirmation {
		return session.Outcome{}, ErrNotAwaitingConfirmation
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	token := o.registerCancel(orderID, cancel)
	defer o.clearCancel(orderID, token)

	adapter := o.adapters[sess.Method]

	var outcome session.Outcome
	var err error
	switch sess.Method {
	case gateway.MethodBankQR:
		outcome, err = o.confirmBankQR(cctx, sess, adapter)
	default:
		outcome, err = o.confirmWallet(cctx, sess, adapter)
	}
	if err != nil {
		return session.Outcome{}, err
	}
	metrics.ObservePollAttempts(sess.Attempts())

	return o.applyOutcome(ctx, sess, outcome), nil
}

func (o *Orchestrator) confirmBankQR(ctx context.Context, sess *session.Session, adapter gateway.Adapter) (session.Outcome, error) {
	txID := sess.GatewayTransactionID()
	p := poller.New(poller.Config{
		Interval:       o.cfg.PollInterval,
		MaxAttempts:    o.cfg.PollMaxAttempts,
		Deadline:       o.cfg.PollDeadline,
		AttemptTimeout: o.cfg.AttemptTimeout,
	}, o.clock, func(qctx context.Context) (gateway.StatusResult, error) {
		return adapter.QueryStatus(qctx, txID)
	})
	p.OnAttempt = func(int) { sess.RecordAttempt(o.clock.Now()) }
	return p.Run(ctx)
}

// confirmWallet re-queries the wallet gateway until it settles or the policy
// denies another attempt. Control returned synchronously from the external
// app, so this is a short bounded loop, not a continuous poll.
func (o *Orchestrator) confirmWallet(ctx context.Context, sess *session.Session, adapter gateway.Adapter) (session.Outcome, error) {
	txID := sess.GatewayTransactionID()
	for attempt := 1; ; attempt++ {
		sess.RecordAttempt(o.clock.Now())

		qctx := ctx
		qcancel := context.CancelFunc(func() {})
		if o.cfg.AttemptTimeout > 0 {
			qctx, qcancel = context.WithTimeout(ctx, o.cfg.AttemptTimeout)
		}
		res, err := adapter.QueryStatus(qctx, txID)
		qcancel()

		// Cancellation wins over any result that raced with it.
		if ctx.Err() != nil {
			return session.Outcome{Kind: session.OutcomeCancelled}, nil
		}

		if err == nil {
			switch res.Status {
			case gateway.TxSucceeded:
				return session.Outcome{Kind: session.OutcomeSuccess}, nil
			case gateway.TxFailed:
				return session.Outcome{Kind: session.OutcomeFailure, Reason: res.FailureMessage}, nil
			}
		} else {
			o.logger.Warn("wallet status query failed, treating as still processing",
				zap.String("order_id", sess.OrderID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}

		decision, perr := o.policy.Evaluate(map[string]interface{}{
			"attempt_number": float64(attempt),
			"is_processing":  true,
		})
		if perr != nil {
			o.logger.Error("re-query policy evaluation failed", zap.Error(perr))
			return session.Outcome{Kind: session.OutcomeTimedOut, Reason: "re-query policy unavailable"}, nil
		}
		if !decision.AllowRequery {
			return session.Outcome{
				Kind:   session.OutcomeTimedOut,
				Reason: fmt.Sprintf("re-query budget exhausted (%s)", decision.Reason),
			}, nil
		}

		select {
		case <-ctx.Done():
			return session.Outcome{Kind: session.OutcomeCancelled}, nil
		case <-o.clock.After(o.cfg.WalletRequeryDelay):
		}
	}
}

// applyOutcome settles the session via compare-and-set and, for the winning
// outcome only, asks the order state machine what the order should become.
// Outcome application is thereby serialized per order: a racing loser observes
// a terminal session and its outcome is dropped.
func (o *Orchestrator) applyOutcome(ctx context.Context, sess *session.Session, outcome session.Outcome) session.Outcome {
	from := sess.Status()
	to := session.StatusFor(outcome.Kind)
	if err := sess.Transition(to); err != nil {
		winner, _ := sess.TerminalOutcome()
		o.logger.Info("outcome dropped, session already settled",
			zap.String("order_id", sess.OrderID),
			zap.String("dropped", outcome.Kind.String()),
			zap.String("settled", winner.Kind.String()),
		)
		return winner
	}

	if outcome.Kind == session.OutcomeFailure || outcome.Kind == session.OutcomeTimedOut {
		sess.SetFailureMessage(outcome.Reason)
	}
	o.record(sess, from, to, outcome.Reason, false)
	metrics.IncSessionOutcome(string(sess.Method), outcome.Kind.String())
	o.logger.Info("payment session settled",
		zap.String("order_id", sess.OrderID),
		zap.String("session_id", sess.ID),
		zap.String("outcome", outcome.Kind.String()),
		zap.Int("attempts", sess.Attempts()),
	)

	current, err := o.orders.Status(ctx, sess.OrderID)
	if err != nil {
		o.logger.Error("cannot read order status, outcome not applied to order",
			zap.String("order_id", sess.OrderID),
			zap.Error(err),
		)
		return outcome
	}

	next, err := orderstate.Next(current, outcome)
	if err != nil {
		// Payment outcome for an order already in a terminal status. Never
		// applied; recorded for the operator.
		metrics.IncOrderAnomaly()
		o.record(sess, to, to, err.Error(), true)
		o.logger.Warn("payment outcome rejected by order state machine",
			zap.String("order_id", sess.OrderID),
			zap.String("order_status", string(current)),
			zap.String("outcome", outcome.Kind.String()),
		)
		return outcome
	}
	if next != current {
		if err := o.orders.Apply(ctx, sess.OrderID, next); err != nil {
			o.logger.Error("order status apply failed",
				zap.String("order_id", sess.OrderID),
				zap.String("next_status", string(next)),
				zap.Error(err),
			)
		}
	}
	return outcome
}

// Cancel stops an in-flight confirmation, or settles a live session as
// CANCELLED when nothing is polling. User-initiated and always terminal,
// regardless of in-flight network state.
func (o *Orchestrator) Cancel(ctx context.Context, orderID string) error {
	sess, ok := o.store.Get(orderID)
	if !ok {
		return ErrNoSession
	}

	o.mu.Lock()
	token, inFlight := o.cancels[orderID]
	o.mu.Unlock()
	if inFlight {
		token.cancel()
		return nil
	}

	if sess.Status() == session.StatusAwaitingConfirmation {
		o.applyOutcome(ctx, sess, session.Outcome{Kind: session.OutcomeCancelled})
	}
	return nil
}

// ReportLaunchFailure records that the external wallet app could not be
// launched. Local precondition failure; the session fails without any gateway
// call and no retry is offered automatically.
func (o *Orchestrator) ReportLaunchFailure(ctx context.Context, orderID string) error {
	sess, ok := o.store.Get(orderID)
	if !ok {
		return ErrNoSession
	}
	if sess.Method != gateway.MethodWalletRedirect {
		return ErrLaunchFailureNotApplicable
	}
	if sess.Status() != session.StatusAwaitingConfirmation {
		return ErrNotAwaitingConfirmation
	}
	o.applyOutcome(ctx, sess, session.Outcome{
		Kind:   session.OutcomeFailure,
		Reason: AppNotAvailableReason,
	})
	return nil
}

// RecheckStatus performs the manual post-timeout status query required before
// a timed-out session may be reset: the underlying gateway transaction may
// have settled out-of-band. The terminal session is never mutated; the
// gateway's current view is only reported.
func (o *Orchestrator) RecheckStatus(ctx context.Context, orderID string) (gateway.StatusResult, error) {
	sess, ok := o.store.Get(orderID)
	if !ok {
		return gateway.StatusResult{}, ErrNoSession
	}
	if sess.Status() != session.StatusTimedOut {
		return gateway.StatusResult{}, ErrNotTimedOut
	}

	adapter := o.adapters[sess.Method]
	res, err := adapter.QueryStatus(ctx, sess.GatewayTransactionID())
	if err != nil {
		return gateway.StatusResult{}, fmt.Errorf("orchestrator: recheck: %w", err)
	}
	sess.MarkRechecked()

	if res.Status == gateway.TxSucceeded {
		// Settled after we gave up. Surfaced for manual reconciliation; the
		// session stays TIMED_OUT (no backward transitions).
		metrics.IncOrderAnomaly()
		o.record(sess, session.StatusTimedOut, session.StatusTimedOut, "gateway settled after timeout", true)
		o.logger.Warn("gateway reports success for timed-out session",
			zap.String("order_id", orderID),
			zap.String("session_id", sess.ID),
			zap.String("gateway_tx_id", sess.GatewayTransactionID()),
		)
	}
	return res, nil
}

// Reset discards a terminal session so a fresh Initiate can run for the same
// order. A timed-out session must be rechecked first.
func (o *Orchestrator) Reset(orderID string) error {
	sess, ok := o.store.Get(orderID)
	if !ok {
		return ErrNoSession
	}
	if sess.Status() == session.StatusTimedOut && !sess.Rechecked() {
		return ErrRecheckRequired
	}
	if err := o.store.Remove(orderID); err != nil {
		return err
	}
	o.logger.Info("payment session reset",
		zap.String("order_id", orderID),
		zap.String("session_id", sess.ID),
	)
	return nil
}

func (o *Orchestrator) failSession(sess *session.Session, reason string) {
	from := sess.Status()
	sess.SetFailureMessage(reason)
	if err := sess.Transition(session.StatusFailed); err != nil {
		return
	}
	o.record(sess, from, session.StatusFailed, reason, false)
	metrics.IncSessionOutcome(string(sess.Method), session.OutcomeFailure.String())
}

func (o *Orchestrator) record(sess *session.Session, from, to session.Status, reason string, anomaly bool) {
	o.store.Record(session.JournalEntry{
		Time:      o.clock.Now(),
		SessionID: sess.ID,
		OrderID:   sess.OrderID,
		Method:    sess.Method,
		From:      from,
		To:        to,
		Reason:    reason,
		Amount:    sess.Amount,
		Anomaly:   anomaly,
	})
}

func (o *Orchestrator) registerCancel(orderID string, cancel context.CancelFunc) *inflight {
	o.mu.Lock()
	defer o.mu.Unlock()
	token := &inflight{cancel: cancel}
	if _, ok := o.cancels[orderID]; !ok {
		o.cancels[orderID] = token
	}
	return token
}

func (o *Orchestrator) clearCancel(orderID string, token *inflight) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.cancels[orderID]; ok && existing == token {
		delete(o.cancels, orderID)
	}
}
