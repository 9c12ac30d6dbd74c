package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourorg/checkout-orchestrator/internal/gateway"
	"github.com/yourorg/checkout-orchestrator/internal/gateway/breaker"
	"github.com/yourorg/checkout-orchestrator/internal/gateway/mock"
	"github.com/yourorg/checkout-orchestrator/internal/orderstate"
	"github.com/yourorg/checkout-orchestrator/internal/policy"
	"github.com/yourorg/checkout-orchestrator/internal/session"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	fired := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- fired
	return ch
}

// fakeOrders is the in-memory stand-in for the order service.
type fakeOrders struct {
	mu        sync.Mutex
	status    orderstate.Status
	applied   []orderstate.Status
	statusErr error
}

func newFakeOrders(initial orderstate.Status) *fakeOrders {
	return &fakeOrders{status: initial}
}

func (f *fakeOrders) Status(ctx context.Context, orderID string) (orderstate.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return "", f.statusErr
	}
	return f.status, nil
}

func (f *fakeOrders) Apply(ctx context.Context, orderID string, status orderstate.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, status)
	f.status = status
	return nil
}

func (f *fakeOrders) appliedStatuses() []orderstate.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]orderstate.Status(nil), f.applied...)
}

type fixture struct {
	orch   *Orchestrator
	store  *session.Store
	orders *fakeOrders
	wallet *mock.Adapter
	bankqr *mock.Adapter
}

func newFixture(t *testing.T, cfg Config, cb *breaker.CircuitBreaker) *fixture {
	t.Helper()
	if cb == nil {
		cb = breaker.New(breaker.Config{})
	}
	if cfg.PollMaxAttempts == 0 {
		cfg.PollMaxAttempts = 10
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.WalletRequeryDelay == 0 {
		cfg.WalletRequeryDelay = time.Second
	}

	enforcer, err := policy.NewEnforcer(policy.DefaultWalletRules(3))
	require.NoError(t, err)

	wallet := mock.New("wallet")
	bankqr := mock.New("bankqr")
	store := session.NewStore()
	orders := newFakeOrders(orderstate.StatusPending)

	orch := New(
		map[gateway.Method]gateway.Adapter{
			gateway.MethodWalletRedirect: wallet,
			gateway.MethodBankQR:         bankqr,
		},
		store, orders, cb, enforcer, newFakeClock(), zap.NewNop(), cfg,
	)
	return &fixture{orch: orch, store: store, orders: orders, wallet: wallet, bankqr: bankqr}
}

func TestSelectMethod_UnknownMethod(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	err := f.orch.SelectMethod("O1", gateway.Method("CASH"))
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestInitiate_RequiresMethodSelection(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	_, err := f.orch.Initiate(context.Background(), "O1", 100000, "")
	assert.ErrorIs(t, err, ErrNoMethodSelected)
}

func TestWalletHappyPathConfirmsOrder(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.wallet.CreateFunc = func(ctx context.Context, req gateway.CreateRequest) (gateway.CreateResult, error) {
		assert.Equal(t, "O1", req.OrderID)
		assert.Equal(t, int64(100000), req.Amount)
		return gateway.CreateResult{
			Accepted: true,
			Artifact: gateway.Artifact{TransactionID: "T1", LaunchToken: "tok123", AppTransID: "T1"},
		}, nil
	}

	require.NoError(t, f.orch.SelectMethod("O1", gateway.MethodWalletRedirect))
	sess, err := f.orch.Initiate(context.Background(), "O1", 100000, "order O1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusAwaitingConfirmation, sess.Status())
	assert.Equal(t, "tok123", sess.Artifact().LaunchToken)
	assert.Equal(t, "T1", sess.GatewayTransactionID())

	outcome, err := f.orch.Confirm(context.Background(), "O1")
	require.NoError(t, err)
	assert.Equal(t, session.OutcomeSuccess, outcome.Kind)
	assert.Equal(t, session.StatusSucceeded, sess.Status())
	assert.Equal(t, []orderstate.Status{orderstate.StatusConfirmed}, f.orders.appliedStatuses())
}

func TestInitiate_DuplicateWhileAwaitingIsNoOp(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	require.NoError(t, f.orch.SelectMethod("O1", gateway.MethodWalletRedirect))

	first, err := f.orch.Initiate(context.Background(), "O1", 100000, "")
	require.NoError(t, err)
	second, err := f.orch.Initiate(context.Background(), "O1", 100000, "")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, f.wallet.CreateCalls(), "create must run at most once per session")
}

func TestInitiate_RejectionSurfacedVerbatim(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.wallet.CreateFunc = func(ctx context.Context, req gateway.CreateRequest) (gateway.CreateResult, error) {
		return gateway.CreateResult{Accepted: false, RejectCode: "-49", RejectMessage: "Insufficient limit"}, nil
	}

	require.NoError(t, f.orch.SelectMethod("O1", gateway.MethodWalletRedirect))
	sess, err := f.orch.Initiate(context.Background(), "O1", 100000, "")
	require.Error(t, err)

	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "Insufficient limit", rejection.Message)
	assert.Equal(t, "-49", rejection.Code)

	assert.Equal(t, session.StatusFailed, sess.Status())
	assert.Equal(t, "Insufficient limit", sess.FailureMessage())
	assert.Zero(t, f.wallet.QueryCalls(), "no confirmation loop starts after a rejection")
	assert.Empty(t, f.orders.appliedStatuses(), "the order stays payable")
}

func TestInitiate_TransportErrorFailsSessionUntilReset(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.wallet.CreateFunc = func(ctx context.Context, req gateway.CreateRequest) (gateway.CreateResult, error) {
		return gateway.CreateResult{}, errors.New("connection reset")
	}

	require.NoError(t, f.orch.SelectMethod("O1", gateway.MethodWalletRedirect))
	sess, err := f.orch.Initiate(context.Background(), "O1", 100000, "")
	require.Error(t, err)
	var rejection *RejectionError
	assert.False(t, errors.As(err, &rejection), "a transport fault is not a gateway decision")
	assert.Equal(t, session.StatusFailed, sess.Status())

	_, err = f.orch.Initiate(context.Background(), "O1", 100000, "")
	assert.ErrorIs(t, err, ErrSessionNotReset)

	require.NoError(t, f.orch.Reset("O1"))
	f.wallet.CreateFunc = nil
	_, err = f.orch.Initiate(context.Background(), "O1", 100000, "")
	require.NoError(t, err)
	assert.Equal(t, 2, f.wallet.CreateCalls())
}

func TestInitiate_OpenCircuitFailsFast(t *testing.T) {
	cb := breaker.New(breaker.Config{FailureThreshold: 1, OpenStateTimeout: time.Hour})
	f := newFixture(t, Config{}, cb)
	f.wallet.CreateFunc = func(ctx context.Context, req gateway.CreateRequest) (gateway.CreateResult, error) {
		return gateway.CreateResult{}, errors.New("connection refused")
	}

	require.NoError(t, f.orch.SelectMethod("O1", gateway.MethodWalletRedirect))
	_, err := f.orch.Initiate(context.Background(), "O1", 100000, "")
	require.Error(t, err)
	require.NoError(t, f.orch.Reset("O1"))

	_, err = f.orch.Initiate(context.Background(), "O1", 100000, "")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.Equal(t, 1, f.wallet.CreateCalls(), "an open circuit blocks before any network call")
}

func TestBankQRTimesOutAfterExactlyTenPolls(t *testing.T) {
	f := newFixture(t, Config{PollMaxAttempts: 10}, nil)
	f.bankqr.QueryFunc = func(ctx context.Context, transactionID string) (gateway.StatusResult, error) {
		return gateway.StatusResult{Status: gateway.TxPending}, nil
	}

	require.NoError(t, f.orch.SelectMethod("O2", gateway.MethodBankQR))
	sess, err := f.orch.Initiate(context.Background(), "O2", 50000, "")
	require.NoError(t, err)

	outcome, err := f.orch.Confirm(context.Background(), "O2")
	require.NoError(t, err)
	assert.Equal(t, session.OutcomeTimedOut, outcome.Kind)
	assert.Equal(t, 10, f.bankqr.QueryCalls())
	assert.Equal(t, 10, sess.Attempts())
	assert.Equal(t, session.StatusTimedOut, sess.Status())
	assert.Empty(t, f.orders.appliedStatuses(), "timeout leaves the order payable")
}

func TestBankQRSucceedsMidPoll(t *testing.T) {
	f := newFixture(t, Config{PollMaxAttempts: 10}, nil)
	calls := 0
	f.bankqr.QueryFunc = func(ctx context.Context, transactionID string) (gateway.StatusResult, error) {
		calls++
		if calls < 4 {
			return gateway.StatusResult{Status: gateway.TxPending}, nil
		}
		return gateway.StatusResult{Status: gateway.TxSucceeded}, nil
	}

	require.NoError(t, f.orch.SelectMethod("O2", gateway.MethodBankQR))
	sess, err := f.orch.Initiate(context.Background(), "O2", 50000, "")
	require.NoError(t, err)

	outcome, err := f.orch.Confirm(context.Background(), "O2")
	require.NoError(t, err)
	assert.Equal(t, session.OutcomeSuccess, outcome.Kind)
	assert.Equal(t, 4, sess.Attempts())
	assert.Equal(t, []orderstate.Status{orderstate.StatusConfirmed}, f.orders.appliedStatuses())
}

func TestWalletRequeryBudgetExhaustedTimesOut(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.wallet.QueryFunc = func(ctx context.Context, transactionID string) (gateway.StatusResult, error) {
		return gateway.StatusResult{Status: gateway.TxPending}, nil
	}

	require.NoError(t, f.orch.SelectMethod("O1", gateway.MethodWalletRedirect))
	sess, err := f.orch.Initiate(context.Background(), "O1", 100000, "")
	require.NoError(t, err)

	outcome, err := f.orch.Confirm(context.Background(), "O1")
	require.NoError(t, err)
	assert.Equal(t, session.OutcomeTimedOut, outcome.Kind)
	assert.Contains(t, outcome.Reason, "re-query budget exhausted")
	assert.Equal(t, 3, f.wallet.QueryCalls())
	assert.Equal(t, session.StatusTimedOut, sess.Status())
}

func TestWalletFailureReasonSurfaced(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.wallet.QueryFunc = func(ctx context.Context, transactionID string) (gateway.StatusResult, error) {
		return gateway.StatusResult{Status: gateway.TxFailed, FailureMessage: "transaction declined"}, nil
	}

	require.NoError(t, f.orch.SelectMethod("O1", gateway.MethodWalletRedirect))
	sess, err := f.orch.Initiate(context.Background(), "O1", 100000, "")
	require.NoError(t, err)

	outcome, err := f.orch.Confirm(context.Background(), "O1")
	require.NoError(t, err)
	assert.Equal(t, session.OutcomeFailure, outcome.Kind)
	assert.Equal(t, "transaction declined", outcome.Reason)
	assert.Equal(t, "transaction declined", sess.FailureMessage())
	assert.Empty(t, f.orders.appliedStatuses())
}

func TestConfirm_ConcurrentAtMostOneOutcomeApplies(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	require.NoError(t, f.orch.SelectMethod("O1", gateway.MethodWalletRedirect))
	_, err := f.orch.Initiate(context.Background(), "O1", 100000, "")
	require.NoError(t, err)

	const confirms = 8
	outcomes := make(chan session.Outcome, confirms)
	errs := make(chan error, confirms)
	var wg sync.WaitGroup
	for i := 0; i < confirms; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.orch.Confirm(context.Background(), "O1")
			errs <- err
			outcomes <- out
		}()
	}
	wg.Wait()
	close(outcomes)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	for out := range outcomes {
		assert.Equal(t, session.OutcomeSuccess, out.Kind, "losers observe the winning outcome")
	}
	assert.Equal(t, []orderstate.Status{orderstate.StatusConfirmed}, f.orders.appliedStatuses(),
		"the order transition applies exactly once")
}

func TestConfirm_OnSettledSessionReturnsOutcome(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	require.NoError(t, f.orch.SelectMethod("O1", gateway.MethodWalletRedirect))
	_, err := f.orch.Initiate(context.Background(), "O1", 100000, "")
	require.NoError(t, err)

	_, err = f.orch.Confirm(context.Background(), "O1")
	require.NoError(t, err)
	queries := f.wallet.QueryCalls()

	out, err := f.orch.Confirm(context.Background(), "O1")
	require.NoError(t, err)
	assert.Equal(t, session.OutcomeSuccess, out.Kind)
	assert.Equal(t, queries, f.wallet.QueryCalls(), "a settled session never re-queries the gateway")
}

func TestConfirm_NoSession(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	_, err := f.orch.Confirm(context.Background(), "O404")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestCancelWinsOverLateSuccess(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	started := make(chan struct{})
	var once sync.Once
	f.wallet.QueryFunc = func(ctx context.Context, transactionID string) (gateway.StatusResult, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		// The gateway answered success, but only after the user cancelled.
		return gateway.StatusResult{Status: gateway.TxSucceeded}, nil
	}

	require.NoError(t, f.orch.SelectMethod("O1", gateway.MethodWalletRedirect))
	sess, err := f.orch.Initiate(context.Background(), "O1", 100000, "")
	require.NoError(t, err)

	done := make(chan session.Outcome, 1)
	go func() {
		out, cerr := f.orch.Confirm(context.Background(), "O1")
		assert.NoError(t, cerr)
		done <- out
	}()

	<-started
	require.NoError(t, f.orch.Cancel(context.Background(), "O1"))

	outcome := <-done
	assert.Equal(t, session.OutcomeCancelled, outcome.Kind)
	assert.Equal(t, session.StatusCancelled, sess.Status())
	assert.Empty(t, f.orders.appliedStatuses())
}

func TestCancel_LiveSessionWithoutConfirmation(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	require.NoError(t, f.orch.SelectMethod("O1", gateway.MethodWalletRedirect))
	sess, err := f.orch.Initiate(context.Background(), "O1", 100000, "")
	require.NoError(t, err)

	require.NoError(t, f.orch.Cancel(context.Background(), "O1"))
	assert.Equal(t, session.StatusCancelled, sess.Status())
}

func TestReportLaunchFailure(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	require.NoError(t, f.orch.SelectMethod("O1", gateway.MethodWalletRedirect))
	sess, err := f.orch.Initiate(context.Background(), "O1", 100000, "")
	require.NoError(t, err)

	require.NoError(t, f.orch.ReportLaunchFailure(context.Background(), "O1"))
	assert.Equal(t, session.StatusFailed, sess.Status())
	assert.Equal(t, AppNotAvailableReason, sess.FailureMessage())
	assert.Zero(t, f.wallet.QueryCalls(), "launch failure involves no gateway call")
}

func TestReportLaunchFailure_BankQRNotApplicable(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	require.NoError(t, f.orch.SelectMethod("O2", gateway.MethodBankQR))
	_, err := f.orch.Initiate(context.Background(), "O2", 50000, "")
	require.NoError(t, err)

	err = f.orch.ReportLaunchFailure(context.Background(), "O2")
	assert.ErrorIs(t, err, ErrLaunchFailureNotApplicable)
}

func timeOutSession(t *testing.T, f *fixture, orderID string) *session.Session {
	t.Helper()
	f.bankqr.QueryFunc = func(ctx context.Context, transactionID string) (gateway.StatusResult, error) {
		return gateway.StatusResult{Status: gateway.TxPending}, nil
	}
	require.NoError(t, f.orch.SelectMethod(orderID, gateway.MethodBankQR))
	sess, err := f.orch.Initiate(context.Background(), orderID, 50000, "")
	require.NoError(t, err)
	out, err := f.orch.Confirm(context.Background(), orderID)
	require.NoError(t, err)
	require.Equal(t, session.OutcomeTimedOut, out.Kind)
	return sess
}

func TestReset_TimedOutRequiresRecheckFirst(t *testing.T) {
	f := newFixture(t, Config{PollMaxAttempts: 2}, nil)
	timeOutSession(t, f, "O2")

	assert.ErrorIs(t, f.orch.Reset("O2"), ErrRecheckRequired)

	res, err := f.orch.RecheckStatus(context.Background(), "O2")
	require.NoError(t, err)
	assert.Equal(t, gateway.TxPending, res.Status)

	require.NoError(t, f.orch.Reset("O2"))
	_, ok := f.store.Get("O2")
	assert.False(t, ok)

	_, err = f.orch.Initiate(context.Background(), "O2", 50000, "")
	require.NoError(t, err)
	assert.Equal(t, 2, f.bankqr.CreateCalls())
}

func TestRecheckStatus_OnlyForTimedOut(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	require.NoError(t, f.orch.SelectMethod("O1", gateway.MethodWalletRedirect))
	_, err := f.orch.Initiate(context.Background(), "O1", 100000, "")
	require.NoError(t, err)

	_, err = f.orch.RecheckStatus(context.Background(), "O1")
	assert.ErrorIs(t, err, ErrNotTimedOut)
}

func TestRecheckStatus_LateSettlementIsAnAnomaly(t *testing.T) {
	f := newFixture(t, Config{PollMaxAttempts: 2}, nil)
	sess := timeOutSession(t, f, "O2")

	f.bankqr.QueryFunc = func(ctx context.Context, transactionID string) (gateway.StatusResult, error) {
		return gateway.StatusResult{Status: gateway.TxSucceeded}, nil
	}
	res, err := f.orch.RecheckStatus(context.Background(), "O2")
	require.NoError(t, err)
	assert.Equal(t, gateway.TxSucceeded, res.Status)
	assert.Equal(t, session.StatusTimedOut, sess.Status(), "no backward transition out of a terminal status")

	var anomalies int
	for _, e := range f.store.Journal() {
		if e.Anomaly {
			anomalies++
		}
	}
	assert.Equal(t, 1, anomalies)
}

func TestOutcomeForTerminalOrderIsAnAnomaly(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.orders.status = orderstate.StatusCancelled

	require.NoError(t, f.orch.SelectMethod("O1", gateway.MethodWalletRedirect))
	sess, err := f.orch.Initiate(context.Background(), "O1", 100000, "")
	require.NoError(t, err)

	outcome, err := f.orch.Confirm(context.Background(), "O1")
	require.NoError(t, err)
	assert.Equal(t, session.OutcomeSuccess, outcome.Kind)
	assert.Equal(t, session.StatusSucceeded, sess.Status(), "the session settles even when the order rejects it")
	assert.Empty(t, f.orders.appliedStatuses())

	var anomalies int
	for _, e := range f.store.Journal() {
		if e.Anomaly {
			anomalies++
		}
	}
	assert.Equal(t, 1, anomalies)
}
