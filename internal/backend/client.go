// Package backend is the client for the order/payment backend: the
// authoritative payment details consumed by initiate, and the order-status
// endpoints through which state machine results are applied. This client is
// the "external order service collaborator" — the orchestrator never mutates
// order storage itself.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yourorg/checkout-orchestrator/internal/orderstate"
)

// PaymentDetails is the authoritative checkout summary for an order. Amount is
// final at fetch time and never recomputed client-side mid-session.
type PaymentDetails struct {
	OrderID         string `json:"orderId"`
	Amount          int64  `json:"amount"`
	PayerID         string `json:"payerId"`
	ShippingSummary string `json:"shippingSummary"`
}

type orderStatusBody struct {
	Status orderstate.Status `json:"status"`
}

// Client wraps the backend REST API with tracing.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates the client. A nil http client gets a 10s-timeout default.
func New(baseURL string, client *http.Client, logger *zap.Logger) *Client {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: baseURL, httpClient: client, logger: logger}
}

func (c *Client) do(ctx context.Context, method, url string, reqBody, out interface{}) error {
	var body io.Reader
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("backend: encoding request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("backend: building request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("backend: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend: %s %s returned HTTP %d: %s", method, url, resp.StatusCode, string(raw))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("backend: decoding response: %w", err)
		}
	}
	return nil
}

// PaymentDetails fetches the authoritative amount and payer summary for an
// order, the input to initiate.
func (c *Client) PaymentDetails(ctx context.Context, orderID string) (PaymentDetails, error) {
	tracer := otel.Tracer("backend")
	ctx, span := tracer.Start(ctx, "backend.PaymentDetails", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	var details PaymentDetails
	url := fmt.Sprintf("%s/payment-details/%s", c.baseURL, orderID)
	if err := c.do(ctx, http.MethodGet, url, nil, &details); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return PaymentDetails{}, err
	}
	return details, nil
}

// Status returns the order's current authoritative status.
func (c *Client) Status(ctx context.Context, orderID string) (orderstate.Status, error) {
	tracer := otel.Tracer("backend")
	ctx, span := tracer.Start(ctx, "backend.OrderStatus", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	var body orderStatusBody
	url := fmt.Sprintf("%s/orders/%s/status", c.baseURL, orderID)
	if err := c.do(ctx, http.MethodGet, url, nil, &body); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	if !body.Status.Known() {
		return "", fmt.Errorf("backend: unknown order status %q for order %s", body.Status, orderID)
	}
	return body.Status, nil
}

// Apply asks the order service to persist a new order status.
func (c *Client) Apply(ctx context.Context, orderID string, status orderstate.Status) error {
	tracer := otel.Tracer("backend")
	ctx, span := tracer.Start(ctx, "backend.ApplyOrderStatus", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.status", string(status)),
	)

	url := fmt.Sprintf("%s/orders/%s/status", c.baseURL, orderID)
	if err := c.do(ctx, http.MethodPut, url, orderStatusBody{Status: status}, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	c.logger.Info("order status applied",
		zap.String("order_id", orderID),
		zap.String("status", string(status)),
	)
	return nil
}
