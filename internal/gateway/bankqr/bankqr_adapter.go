// Package bankqr implements the gateway adapter for the bank-transfer QR
// rail. CreateTransaction returns a renderable QR payload plus the receiving
// account details; there is no redirect back, so confirmation is only possible
// by repeated status polling while the user pays in their own banking app.
package bankqr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
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
	Name = "bankqr"

	queryRetryAttempts = 2
	queryRetryDelay    = 200 * time.Millisecond

	returnCodeSuccess = 1
)

type createRequest struct {
	OrderID     string `json:"orderId"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	Reference   string `json:"reference"`
}

type createResponse struct {
	ReturnCode    int    `json:"returnCode"`
	QRDataURL     string `json:"qrDataUrl"`
	TransactionID string `json:"transactionId"`
	BankAccount   string `json:"bankAccount"`
	AccountName   string `json:"accountName"`
	Content       string `json:"content"`
	ReturnMessage string `json:"returnMessage"`
}

type statusResponse struct {
	ReturnCode int  `json:"returnCode"`
	IsPaid     bool `json:"isPaid"`
}

// Adapter talks to the bank-QR endpoints of the order/payment backend.
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

// newPaymentReference builds the transfer-content reference that
// disambiguates incoming bank transfers server-side. Unique per transaction.
func newPaymentReference(orderID string) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:12]
	return fmt.Sprintf("PAY%s%s", orderID, suffix)
}

// CreateTransaction registers a QR payment request. Never retried here; a
// transport error leaves the remote state ambiguous.
func (a *Adapter) CreateTransaction(ctx context.Context, req gateway.CreateRequest) (gateway.CreateResult, error) {
	tracer := otel.Tracer("gateway.bankqr")
	ctx, span := tracer.Start(ctx, "bankqr.CreateTransaction", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", req.OrderID),
		attribute.Int64("payment.amount", req.Amount),
	)

	start := time.Now()
	defer func() {
		metrics.ObserveGatewayCall(Name, "create", time.Since(start).Seconds())
	}()

	reference := newPaymentReference(req.OrderID)

	body, err := json.Marshal(createRequest{
		OrderID:     req.OrderID,
		Amount:      req.Amount,
		Description: req.Description,
		Reference:   reference,
	})
	if err != nil {
		return gateway.CreateResult{}, fmt.Errorf("bankqr: encoding create request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/bankqr/orders", bytes.NewReader(body))
	if err != nil {
		return gateway.CreateResult{}, fmt.Errorf("bankqr: building create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return gateway.CreateResult{}, fmt.Errorf("bankqr: create transaction: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return gateway.CreateResult{}, fmt.Errorf("bankqr: reading create response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("bankqr: create returned HTTP %d: %s", resp.StatusCode, string(respBody))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return gateway.CreateResult{}, err
	}

	var decoded createResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return gateway.CreateResult{}, fmt.Errorf("bankqr: decoding create response: %w", err)
	}

	latency := time.Since(start).Milliseconds()
	if decoded.ReturnCode != returnCodeSuccess {
		a.logger.Warn("bankqr gateway rejected transaction",
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

	content := decoded.Content
	if content == "" {
		content = reference
	}

	return gateway.CreateResult{
		Accepted: true,
		Artifact: gateway.Artifact{
			TransactionID:    decoded.TransactionID,
			QRDataURL:        decoded.QRDataURL,
			BankAccount:      decoded.BankAccount,
			AccountName:      decoded.AccountName,
			TransferContent:  content,
			PaymentReference: reference,
		},
		LatencyMs: latency,
	}, nil
}

// QueryStatus reports whether the transfer has arrived. Idempotent, so
// transient 5xx/429 responses are retried before surfacing the transport
// error; the poller treats that error as PENDING anyway.
func (a *Adapter) QueryStatus(ctx context.Context, transactionID string) (gateway.StatusResult, error) {
	tracer := otel.Tracer("gateway.bankqr")
	ctx, span := tracer.Start(ctx, "bankqr.QueryStatus", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", transactionID))

	start := time.Now()
	defer func() {
		metrics.ObserveGatewayCall(Name, "status", time.Since(start).Seconds())
	}()

	url := fmt.Sprintf("%s/bankqr/status/%s", a.baseURL, transactionID)

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
			return gateway.StatusResult{}, fmt.Errorf("bankqr: building status request: %w", err)
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
			lastErr = fmt.Errorf("bankqr: status returned HTTP %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("bankqr: status returned HTTP %d: %s", resp.StatusCode, string(respBody))
			span.RecordError(err)
			return gateway.StatusResult{}, err
		}

		var decoded statusResponse
		if err := json.Unmarshal(respBody, &decoded); err != nil {
			return gateway.StatusResult{}, fmt.Errorf("bankqr: decoding status response: %w", err)
		}

		switch {
		case decoded.IsPaid:
			return gateway.StatusResult{Status: gateway.TxSucceeded}, nil
		case decoded.ReturnCode == returnCodeSuccess:
			return gateway.StatusResult{Status: gateway.TxPending}, nil
		default:
			return gateway.StatusResult{
				Status:         gateway.TxFailed,
				FailureMessage: fmt.Sprintf("gateway reported code %d", decoded.ReturnCode),
			}, nil
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return gateway.StatusResult{}, fmt.Errorf("bankqr: query status: %w", lastErr)
}
