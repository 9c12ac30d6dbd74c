// Package mock provides a configurable gateway adapter for tests.
package mock

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/yourorg/checkout-orchestrator/internal/gateway"
)

// Adapter implements gateway.Adapter with overridable behaviour per call.
type Adapter struct {
	NameValue  string
	CreateFunc func(ctx context.Context, req gateway.CreateRequest) (gateway.CreateResult, error)
	QueryFunc  func(ctx context.Context, transactionID string) (gateway.StatusResult, error)

	createCalls atomic.Int64
	queryCalls  atomic.Int64
}

// New creates a mock adapter with the given name.
func New(name string) *Adapter {
	return &Adapter{NameValue: name}
}

// Name implements gateway.Adapter.
func (m *Adapter) Name() string { return m.NameValue }

// CreateCalls reports how often CreateTransaction ran; tests assert the
// at-most-once guarantee with it.
func (m *Adapter) CreateCalls() int { return int(m.createCalls.Load()) }

// QueryCalls reports how often QueryStatus ran.
func (m *Adapter) QueryCalls() int { return int(m.queryCalls.Load()) }

// CreateTransaction calls CreateFunc if set, defaulting to an accepted result
// with a fresh transaction id.
func (m *Adapter) CreateTransaction(ctx context.Context, req gateway.CreateRequest) (gateway.CreateResult, error) {
	m.createCalls.Add(1)
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, req)
	}
	return gateway.CreateResult{
		Accepted: true,
		Artifact: gateway.Artifact{TransactionID: uuid.NewString()},
	}, nil
}

// QueryStatus calls QueryFunc if set, defaulting to SUCCEEDED.
func (m *Adapter) QueryStatus(ctx context.Context, transactionID string) (gateway.StatusResult, error) {
	m.queryCalls.Add(1)
	if m.QueryFunc != nil {
		return m.QueryFunc(ctx, transactionID)
	}
	return gateway.StatusResult{Status: gateway.TxSucceeded}, nil
}
