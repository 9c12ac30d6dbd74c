// Package reporting aggregates the session transition journal into a
// retrospective summary for the admin console.
package reporting

import (
	"time"

	"github.com/yourorg/checkout-orchestrator/internal/session"
)

// Report summarizes checkout payment activity over a set of journal entries.
type Report struct {
	SessionsInitiated int `json:"sessionsInitiated"`
	Succeeded         int `json:"succeeded"`
	Failed            int `json:"failed"`
	Cancelled         int `json:"cancelled"`
	TimedOut          int `json:"timedOut"`

	// AmountSettledByMethod sums amounts of SUCCEEDED sessions per method.
	AmountSettledByMethod map[string]int64 `json:"amountSettledByMethod"`
	// FailureBreakdown counts FAILED sessions by the gateway's reason.
	FailureBreakdown map[string]int `json:"failureBreakdown"`
	// Anomalies counts outcomes that downstream state rejected.
	Anomalies int `json:"anomalies"`

	DateFrom time.Time     `json:"dateFrom"`
	DateTo   time.Time     `json:"dateTo"`
	Window   time.Duration `json:"window"`
}

// Reporter generates retrospective reports from journal entries.
type Reporter struct{}

// NewReporter creates a Reporter.
func NewReporter() *Reporter {
	return &Reporter{}
}

// Generate analyzes the journal, oldest entry first or not, and produces the
// summary. An empty journal yields a zero report with initialized maps.
func (r *Reporter) Generate(entries []session.JournalEntry) *Report {
	report := &Report{
		AmountSettledByMethod: make(map[string]int64),
		FailureBreakdown:      make(map[string]int),
	}
	if len(entries) == 0 {
		return report
	}

	report.DateFrom = entries[0].Time
	report.DateTo = entries[0].Time

	for _, e := range entries {
		if e.Time.Before(report.DateFrom) {
			report.DateFrom = e.Time
		}
		if e.Time.After(report.DateTo) {
			report.DateTo = e.Time
		}

		if e.Anomaly {
			report.Anomalies++
			continue
		}
		if e.To == session.StatusAwaitingConfirmation {
			report.SessionsInitiated++
			continue
		}

		switch e.To {
		case session.StatusSucceeded:
			report.Succeeded++
			report.AmountSettledByMethod[string(e.Method)] += e.Amount
		case session.StatusFailed:
			report.Failed++
			if e.From == session.StatusCreated {
				// Rejected at creation, never counted as initiated.
				report.SessionsInitiated++
			}
			if e.Reason != "" {
				report.FailureBreakdown[e.Reason]++
			}
		case session.StatusCancelled:
			report.Cancelled++
		case session.StatusTimedOut:
			report.TimedOut++
		}
	}

	report.Window = report.DateTo.Sub(report.DateFrom)
	return report
}
