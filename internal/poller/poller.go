// Package poller implements the bounded status-polling loop used to confirm
// bank-QR payments. A poller is one-shot: once Run returns it cannot be
// restarted; a new poll requires a new payment session.
package poller

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/yourorg/checkout-orchestrator/internal/gateway"
	"github.com/yourorg/checkout-orchestrator/internal/session"
)

// ErrAlreadyRun is returned when Run is called on a poller that has started.
var ErrAlreadyRun = fmt.Errorf("poller: already run, create a new poller")

// Clock abstracts time so timeout and cancellation behaviour is testable
// without wall-clock waits.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time                         { return time.Now() }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// QueryFunc performs one idempotent status query.
type QueryFunc func(ctx context.Context) (gateway.StatusResult, error)

// Config bounds the loop.
type Config struct {
	// Interval between attempts. The reference behaviour is 5 seconds.
	Interval time.Duration
	// MaxAttempts caps the number of status queries. A session whose gateway
	// keeps answering PENDING times out after exactly this many queries.
	MaxAttempts int
	// Deadline is an optional wall-clock bound on the whole loop; zero
	// disables it and only MaxAttempts applies.
	Deadline time.Duration
	// AttemptTimeout bounds each individual network call; zero disables it.
	AttemptTimeout time.Duration
}

// Poller drives a single bounded confirmation loop.
type Poller struct {
	cfg   Config
	clock Clock
	query QueryFunc

	// OnAttempt, when set, is called after each status query with the 1-based
	// attempt number. The orchestrator uses it to count attempts against the
	// session and metrics.
	OnAttempt func(attempt int)

	started atomic.Bool
}

// New creates a poller. A nil clock falls back to the system clock.
func New(cfg Config, clock Clock, query QueryFunc) *Poller {
	if query == nil {
		panic("poller: query func cannot be nil")
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Poller{cfg: cfg, clock: clock, query: query}
}

// Run polls until the gateway reports a terminal status, the attempt budget or
// deadline is exhausted, or ctx is cancelled. A transport error on any attempt
// counts as PENDING and is retried; only an explicit gateway failure status is
// terminal. Cancellation always wins: a result that arrives concurrently with
// cancellation is discarded, so an abandoned session can never resurrect.
func (p *Poller) Run(ctx context.Context) (session.Outcome, error) {
	if !p.started.CompareAndSwap(false, true) {
		return session.Outcome{}, ErrAlreadyRun
	}

	start := p.clock.Now()
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return session.Outcome{Kind: session.OutcomeCancelled}, nil
		}

		res, err := p.queryOnce(ctx)
		if p.OnAttempt != nil {
			p.OnAttempt(attempt)
		}

		// An in-flight call may complete after the caller cancels; its result
		// is discarded.
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
		}

		if attempt == p.cfg.MaxAttempts {
			break
		}
		if p.cfg.Deadline > 0 && p.clock.Now().Sub(start) >= p.cfg.Deadline {
			return session.Outcome{Kind: session.OutcomeTimedOut, Reason: "deadline elapsed"}, nil
		}

		select {
		case <-ctx.Done():
			return session.Outcome{Kind: session.OutcomeCancelled}, nil
		case <-p.clock.After(p.cfg.Interval):
		}
	}

	return session.Outcome{
		Kind:   session.OutcomeTimedOut,
		Reason: fmt.Sprintf("no terminal status after %d attempts", p.cfg.MaxAttempts),
	}, nil
}

func (p *Poller) queryOnce(ctx context.Context) (gateway.StatusResult, error) {
	if p.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AttemptTimeout)
		defer cancel()
	}
	return p.query(ctx)
}
