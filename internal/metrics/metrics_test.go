package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestIncSessionInitiated(t *testing.T) {
	before := testutil.ToFloat64(GetSessionsInitiatedTotal().WithLabelValues("WALLET_REDIRECT"))
	IncSessionInitiated("WALLET_REDIRECT")
	after := testutil.ToFloat64(GetSessionsInitiatedTotal().WithLabelValues("WALLET_REDIRECT"))
	assert.Equal(t, before+1, after)
}

func TestIncSessionOutcome(t *testing.T) {
	before := testutil.ToFloat64(GetSessionOutcomesTotal().WithLabelValues("BANK_QR", "TIMED_OUT"))
	IncSessionOutcome("BANK_QR", "TIMED_OUT")
	after := testutil.ToFloat64(GetSessionOutcomesTotal().WithLabelValues("BANK_QR", "TIMED_OUT"))
	assert.Equal(t, before+1, after)
}

func TestIncOrderAnomaly(t *testing.T) {
	before := testutil.ToFloat64(GetOrderAnomaliesTotal())
	IncOrderAnomaly()
	after := testutil.ToFloat64(GetOrderAnomaliesTotal())
	assert.Equal(t, before+1, after)
}

func TestObserveGatewayCall(t *testing.T) {
	// Histograms cannot be read with ToFloat64; observing must simply not
	// panic for any label combination the adapters use.
	assert.NotPanics(t, func() {
		ObserveGatewayCall("wallet", "create", 0.12)
		ObserveGatewayCall("bankqr", "status", 0.05)
		ObservePollAttempts(10)
	})
}
