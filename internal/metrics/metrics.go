// Package metrics holds the Prometheus instruments for the checkout payment
// flow. Instruments are registered globally via promauto; tests assert on the
// increment, not the absolute value.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsInitiatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkout_sessions_initiated_total",
			Help: "Payment sessions created, by method.",
		},
		[]string{"method"},
	)

	sessionOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkout_session_outcomes_total",
			Help: "Terminal session outcomes, by method and outcome kind.",
		},
		[]string{"method", "outcome"},
	)

	statusPollAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "checkout_status_poll_attempts",
			Help:    "Status queries needed before a confirmation loop stopped.",
			Buckets: []float64{1, 2, 3, 5, 8, 10, 15, 20},
		},
	)

	gatewayCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "checkout_gateway_call_duration_seconds",
			Help:    "Latency of gateway API calls.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"gateway", "call"},
	)

	orderAnomaliesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "checkout_order_anomalies_total",
			Help: "Payment outcomes rejected because the order was already terminal.",
		},
	)
)

// IncSessionInitiated counts one created session.
func IncSessionInitiated(method string) {
	sessionsInitiatedTotal.WithLabelValues(method).Inc()
}

// IncSessionOutcome counts one terminal outcome.
func IncSessionOutcome(method, outcome string) {
	sessionOutcomesTotal.WithLabelValues(method, outcome).Inc()
}

// ObservePollAttempts records how many status queries a confirmation took.
func ObservePollAttempts(n int) {
	statusPollAttempts.Observe(float64(n))
}

// ObserveGatewayCall records one gateway API call's duration in seconds.
func ObserveGatewayCall(gatewayName, call string, seconds float64) {
	gatewayCallDuration.WithLabelValues(gatewayName, call).Observe(seconds)
}

// IncOrderAnomaly counts one rejected outcome application.
func IncOrderAnomaly() {
	orderAnomaliesTotal.Inc()
}

// Getters for tests.

func GetSessionsInitiatedTotal() *prometheus.CounterVec  { return sessionsInitiatedTotal }
func GetSessionOutcomesTotal() *prometheus.CounterVec    { return sessionOutcomesTotal }
func GetStatusPollAttempts() prometheus.Histogram        { return statusPollAttempts }
func GetGatewayCallDuration() *prometheus.HistogramVec   { return gatewayCallDuration }
func GetOrderAnomaliesTotal() prometheus.Counter         { return orderAnomaliesTotal }
