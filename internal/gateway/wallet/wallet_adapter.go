// Package wallet implements the gateway adapter for the app-redirect wallet
// rail. CreateTransaction registers a remote order and returns the launch
// token the caller hands to the external wallet app; confirmation happens via
// an explicit status query after the app returns control.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yourorg/checkout-orchestrator/internal/gateway"
	"github.com/yourorg/checkout-orchestrator/internal/metrics"
)

const (
	// Name identifies this gateway in logs, metrics and circuit breaking.
	Name = "wallet"

	queryRetryAttempts = 2
	queryRetryDelay    = 200 * time.Millisecond

	returnCodeSuccess = 1
)

// createRequest is the backend facade's wire format for POST /wallet/orders.
type createRequest struct {
	OrderID     string `json:"orderId"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type createResponse struct {
	ReturnCode    int    `json:"returnCode"`
	ZPTransToken  string `json:"zpTransToken"`
	AppTransID    string `json:"appTransId"`
	ReturnMessage string `json:"returnMessage"`
}

type statusResponse struct {
	ReturnCode    int    `json:"returnCode"`
	IsProcessing  bool   `json:"isProcessing"`
	ReturnMessage string `json:"returnMessage"`
}

// Adapter talks to the wallet endpoints of the order/payment backend.
type Adapter struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates the adapter. A nil client gets a 10s-timeout default.
func New(baseURL string, client *http.Client, logger *zap.Logger) *Adapter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{baseURL: baseURL, httpClient: client, logger: logger}
}

// Name implements gateway.Adapter.
func (a *Adapter) Name() string { return Name }

// CreateTransaction registers the order with the wallet gateway. Never
// retried here: a transport error leaves the remote state ambiguous and the
// caller must query status before considering a second create.
func (a *Adapter) CreateTransaction(ctx context.Context, req gateway.CreateRequest) (gateway.CreateResult, error) {
	tracer := otel.Tracer("gateway.wallet")
	ctx, span := tracer.Start(ctx, "wallet.CreateTransaction", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", req.OrderID),
		attribute.Int64("payment.amount", req.Amount),
	)

	start := time.Now()
	defer func() {
		metrics.ObserveGatewayCall(Name, "create", time.Since(start).Seconds())
	}()

	body, err := json.Marshal(createRequest{
		OrderID:     req.OrderID,
		Amount:      req.Amount,
		Description: req.Description,
	})
	if err != nil {
		return gateway.CreateResult{}, fmt.Errorf("wallet: encoding create request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/wallet/orders", bytes.NewReader(body))
	if err != nil {
		return gateway.CreateResult{}, fmt.Errorf("wallet: building create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return gateway.CreateResult{}, fmt.Errorf("wallet: create transaction: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return gateway.CreateResult{}, fmt.Errorf("wallet: reading create response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("wallet: create returned HTTP %d: %s", resp.StatusCode, string(respBody))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return gateway.CreateResult{}, err
	}

	var decoded createResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return gateway.CreateResult{}, fmt.Errorf("wallet: decoding create response: %w", err)
	}

	latency := time.Since(start).Milliseconds()
	if decoded.ReturnCode != returnCodeSuccess {
		a.logger.Warn("wallet gateway rejected transaction",
			zap.String("order_id", req.OrderID),
			zap.Int("return_code", decoded.ReturnCode),
			zap.String("return_message", decoded.ReturnMessage),
		)
		return gateway.CreateResult{
			Accepted:      false,
			RejectCode:    strconv.Itoa(decoded.ReturnCode),
			RejectMessage: decoded.ReturnMessage,
			LatencyMs:     latency,
		}, nil
	}

	return gateway.CreateResult{
		Accepted: true,
		Artifact: gateway.Artifact{
			TransactionID: decoded.AppTransID,
			LaunchToken:   decoded.ZPTransToken,
			AppTransID:    decoded.AppTransID,
		},
		LatencyMs: latency,
	}, nil
}

// QueryStatus reports the gateway's settlement view for an appTransId. The
// query is idempotent, so transient 5xx/429 responses are retried a couple of
// times before the transport error is surfaced.
func (a *Adapter) QueryStatus(ctx context.Context, transactionID string) (gateway.StatusResult, error) {
	tracer := otel.Tracer("gateway.wallet")
	ctx, span := tracer.Start(ctx, "wallet.QueryStatus", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", transactionID))

	start := time.Now()
	defer func() {
		metrics.ObserveGatewayCall(Name, "status", time.Since(start).Seconds())
	}()

	url := fmt.Sprintf("%s/wallet/status/%s", a.baseURL, transactionID)

	var lastErr error
	for attempt := 0; attempt <= queryRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return gateway.StatusResult{}, ctx.Err()
			case <-time.After(queryRetryDelay):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return gateway.StatusResult{}, fmt.Errorf("wallet: building status request: %w", err)
		}

		resp, err := a.httpClient.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			lastErr = fmt.Errorf("wallet: status returned HTTP %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("wallet: status returned HTTP %d: %s", resp.StatusCode, string(respBody))
			span.RecordError(err)
			return gateway.StatusResult{}, err
		}

		var decoded statusResponse
		if err := json.Unmarshal(respBody, &decoded); err != nil {
			return gateway.StatusResult{}, fmt.Errorf("wallet: decoding status response: %w", err)
		}

		switch {
		case decoded.ReturnCode == returnCodeSuccess:
			return gateway.StatusResult{Status: gateway.TxSucceeded}, nil
		case decoded.IsProcessing:
			// Ambiguous: the gateway has not settled yet. The caller re-queries
			// after a short delay rather than treating it as failure.
			return gateway.StatusResult{Status: gateway.TxPending}, nil
		default:
			return gateway.StatusResult{
				Status:         gateway.TxFailed,
				FailureMessage: decoded.ReturnMessage,
			}, nil
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return gateway.StatusResult{}, fmt.Errorf("wallet: query status: %w", lastErr)
}
