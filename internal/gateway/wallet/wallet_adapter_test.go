package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/checkout-orchestrator/internal/gateway"
)

func TestCreateTransaction_Accepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/wallet/orders", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "O1", body["orderId"])
		assert.Equal(t, float64(100000), body["amount"])

		json.NewEncoder(w).Encode(map[string]interface{}{
			"returnCode":   1,
			"zpTransToken": "tok123",
			"appTransId":   "T1",
		})
	}))
	defer srv.Close()

	a := New(srv.URL, srv.Client(), nil)
	res, err := a.CreateTransaction(context.Background(), gateway.CreateRequest{
		OrderID: "O1", Amount: 100000, Description: "order O1",
	})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "T1", res.Artifact.TransactionID)
	assert.Equal(t, "tok123", res.Artifact.LaunchToken)
	assert.Equal(t, "T1", res.Artifact.AppTransID)
}

func TestCreateTransaction_RejectionVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"returnCode":    -49,
			"returnMessage": "Insufficient limit",
		})
	}))
	defer srv.Close()

	a := New(srv.URL, srv.Client(), nil)
	res, err := a.CreateTransaction(context.Background(), gateway.CreateRequest{OrderID: "O1", Amount: 100000})
	require.NoError(t, err, "a rejection is a gateway answer, not a transport error")
	assert.False(t, res.Accepted)
	assert.Equal(t, "-49", res.RejectCode)
	assert.Equal(t, "Insufficient limit", res.RejectMessage)
}

func TestCreateTransaction_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := New(srv.URL, srv.Client(), nil)
	_, err := a.CreateTransaction(context.Background(), gateway.CreateRequest{OrderID: "O1", Amount: 100000})
	assert.Error(t, err)
}

func TestQueryStatus_Succeeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/wallet/status/T1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{"returnCode": 1})
	}))
	defer srv.Close()

	a := New(srv.URL, srv.Client(), nil)
	res, err := a.QueryStatus(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, gateway.TxSucceeded, res.Status)
}

func TestQueryStatus_ProcessingIsPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"returnCode": 3, "isProcessing": true})
	}))
	defer srv.Close()

	a := New(srv.URL, srv.Client(), nil)
	res, err := a.QueryStatus(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, gateway.TxPending, res.Status)
}

func TestQueryStatus_FailedCarriesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"returnCode":    2,
			"returnMessage": "transaction declined",
		})
	}))
	defer srv.Close()

	a := New(srv.URL, srv.Client(), nil)
	res, err := a.QueryStatus(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, gateway.TxFailed, res.Status)
	assert.Equal(t, "transaction declined", res.FailureMessage)
}

func TestQueryStatus_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"returnCode": 1})
	}))
	defer srv.Close()

	a := New(srv.URL, srv.Client(), nil)
	res, err := a.QueryStatus(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, gateway.TxSucceeded, res.Status)
	assert.Equal(t, int64(3), calls.Load())
}

func TestQueryStatus_ExhaustedRetriesSurfaceTransportError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := New(srv.URL, srv.Client(), nil)
	_, err := a.QueryStatus(context.Background(), "T1")
	require.Error(t, err)
	assert.Equal(t, int64(3), calls.Load())
}

func TestName(t *testing.T) {
	assert.Equal(t, "wallet", New("http://x", nil, nil).Name())
}
