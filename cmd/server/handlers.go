package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourorg/checkout-orchestrator/internal/backend"
	"github.com/yourorg/checkout-orchestrator/internal/gateway"
	"github.com/yourorg/checkout-orchestrator/internal/monitor"
	"github.com/yourorg/checkout-orchestrator/internal/orchestrator"
	"github.com/yourorg/checkout-orchestrator/internal/reporting"
	"github.com/yourorg/checkout-orchestrator/internal/session"
)

// PaymentDetailsSource yields the authoritative amount for an order before a
// session is created.
type PaymentDetailsSource interface {
	PaymentDetails(ctx context.Context, orderID string) (backend.PaymentDetails, error)
}

// Server wires the HTTP surface to the orchestrator.
type Server struct {
	orch            *orchestrator.Orchestrator
	details         PaymentDetailsSource
	store           *session.Store
	reporter        *reporting.Reporter
	logger          *zap.Logger
	methodMonitor   *monitor.ContractMonitor
	initiateMonitor *monitor.ContractMonitor
}

// NewServer creates the server. Schema compilation failures are programming
// errors and panic at startup.
func NewServer(orch *orchestrator.Orchestrator, details PaymentDetailsSource, store *session.Store, logger *zap.Logger) *Server {
	methodMonitor, err := monitor.NewContractMonitor(monitor.SelectMethodSchema)
	if err != nil {
		panic(err)
	}
	initiateMonitor, err := monitor.NewContractMonitor(monitor.InitiateRequestSchema)
	if err != nil {
		panic(err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		orch:            orch,
		details:         details,
		store:           store,
		reporter:        reporting.NewReporter(),
		logger:          logger,
		methodMonitor:   methodMonitor,
		initiateMonitor: initiateMonitor,
	}
}

type selectMethodRequest struct {
	Method gateway.Method `json:"method"`
}

type initiateRequest struct {
	Description string `json:"description"`
}

type artifactView struct {
	TransactionID    string `json:"transactionId"`
	LaunchToken      string `json:"launchToken,omitempty"`
	AppTransID       string `json:"appTransId,omitempty"`
	QRDataURL        string `json:"qrDataUrl,omitempty"`
	BankAccount      string `json:"bankAccount,omitempty"`
	AccountName      string `json:"accountName,omitempty"`
	TransferContent  string `json:"transferContent,omitempty"`
	PaymentReference string `json:"paymentReference,omitempty"`
}

type sessionView struct {
	SessionID      string         `json:"sessionId"`
	OrderID        string         `json:"orderId"`
	Method         gateway.Method `json:"method"`
	Amount         int64          `json:"amount"`
	Status         session.Status `json:"status"`
	Attempts       int            `json:"attempts"`
	FailureMessage string         `json:"failureMessage,omitempty"`
	Artifact       artifactView   `json:"artifact"`
}

func viewOf(s *session.Session) sessionView {
	a := s.Artifact()
	return sessionView{
		SessionID:      s.ID,
		OrderID:        s.OrderID,
		Method:         s.Method,
		Amount:         s.Amount,
		Status:         s.Status(),
		Attempts:       s.Attempts(),
		FailureMessage: s.FailureMessage(),
		Artifact: artifactView{
			TransactionID:    a.TransactionID,
			LaunchToken:      a.LaunchToken,
			AppTransID:       a.AppTransID,
			QRDataURL:        a.QRDataURL,
			BankAccount:      a.BankAccount,
			AccountName:      a.AccountName,
			TransferContent:  a.TransferContent,
			PaymentReference: a.PaymentReference,
		},
	}
}

// validateBody runs the contract monitor and binds the body on success.
func (s *Server) validateBody(c *gin.Context, cm *monitor.ContractMonitor, out interface{}) bool {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read request body"})
		return false
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	valid, validationErrs, err := cm.Validate(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed JSON body"})
		return false
	}
	if !valid {
		c.JSON(http.StatusBadRequest, gin.H{"error": monitor.FormatErrors(validationErrs)})
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format"})
		return false
	}
	return true
}

func (s *Server) selectMethodHandler(c *gin.Context) {
	orderID := c.Param("orderID")
	var req selectMethodRequest
	if !s.validateBody(c, s.methodMonitor, &req) {
		return
	}
	if err := s.orch.SelectMethod(orderID, req.Method); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orderId": orderID, "method": req.Method})
}

func (s *Server) initiateHandler(c *gin.Context) {
	ctx := c.Request.Context()
	orderID := c.Param("orderID")

	var req initiateRequest
	if !s.validateBody(c, s.initiateMonitor, &req) {
		return
	}

	details, err := s.details.PaymentDetails(ctx, orderID)
	if err != nil {
		s.logger.Error("payment details fetch failed", zap.String("order_id", orderID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "cannot fetch payment details"})
		return
	}

	sess, err := s.orch.Initiate(ctx, orderID, details.Amount, req.Description)
	if err != nil {
		var rejection *orchestrator.RejectionError
		switch {
		case errors.As(err, &rejection):
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error":   rejection.Message,
				"session": viewOf(sess),
			})
		case errors.Is(err, orchestrator.ErrNoMethodSelected):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, orchestrator.ErrSessionNotReset):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, orchestrator.ErrGatewayUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, viewOf(sess))
}

func (s *Server) confirmHandler(c *gin.Context) {
	orderID := c.Param("orderID")
	sess, ok := s.orch.Session(orderID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": orchestrator.ErrNoSession.Error()})
		return
	}

	if sess.Method == gateway.MethodBankQR && sess.Status() == session.StatusAwaitingConfirmation {
		// Bank-QR confirmation polls for minutes; run it in the background and
		// let the UI watch GET /session. Cancellation goes through /cancel.
		go func() {
			outcome, err := s.orch.Confirm(context.Background(), orderID)
			if err != nil {
				s.logger.Error("background confirmation failed",
					zap.String("order_id", orderID), zap.Error(err))
				return
			}
			s.logger.Info("background confirmation finished",
				zap.String("order_id", orderID),
				zap.String("outcome", outcome.Kind.String()),
			)
		}()
		c.JSON(http.StatusAccepted, gin.H{"orderId": orderID, "status": session.StatusAwaitingConfirmation})
		return
	}

	outcome, err := s.orch.Confirm(c.Request.Context(), orderID)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrNotAwaitingConfirmation):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orderId": orderID,
		"outcome": outcome.Kind.String(),
		"reason":  outcome.Reason,
	})
}

func (s *Server) cancelHandler(c *gin.Context) {
	orderID := c.Param("orderID")
	if err := s.orch.Cancel(c.Request.Context(), orderID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orderId": orderID, "cancelled": true})
}

func (s *Server) launchFailureHandler(c *gin.Context) {
	orderID := c.Param("orderID")
	err := s.orch.ReportLaunchFailure(c.Request.Context(), orderID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"orderId": orderID, "reason": orchestrator.AppNotAvailableReason})
	case errors.Is(err, orchestrator.ErrNoSession):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrLaunchFailureNotApplicable),
		errors.Is(err, orchestrator.ErrNotAwaitingConfirmation):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) recheckHandler(c *gin.Context) {
	orderID := c.Param("orderID")
	res, err := s.orch.RecheckStatus(c.Request.Context(), orderID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"orderId":        orderID,
			"gatewayStatus":  res.Status.String(),
			"failureMessage": res.FailureMessage,
		})
	case errors.Is(err, orchestrator.ErrNoSession):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrNotTimedOut):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

func (s *Server) resetHandler(c *gin.Context) {
	orderID := c.Param("orderID")
	err := s.orch.Reset(orderID)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, orchestrator.ErrNoSession):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrRecheckRequired):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	}
}

func (s *Server) sessionHandler(c *gin.Context) {
	orderID := c.Param("orderID")
	sess, ok := s.orch.Session(orderID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": orchestrator.ErrNoSession.Error()})
		return
	}
	c.JSON(http.StatusOK, viewOf(sess))
}

func (s *Server) historyHandler(c *gin.Context) {
	orderID := c.Param("orderID")
	c.JSON(http.StatusOK, gin.H{
		"orderId": orderID,
		"entries": s.store.History(orderID),
	})
}

func (s *Server) retrospectiveHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.reporter.Generate(s.store.Journal()))
}

func (s *Server) healthzHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
