package main

import (
	"context"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/yourorg/checkout-orchestrator/internal/backend"
	"github.com/yourorg/checkout-orchestrator/internal/config"
	"github.com/yourorg/checkout-orchestrator/internal/gateway"
	"github.com/yourorg/checkout-orchestrator/internal/gateway/bankqr"
	"github.com/yourorg/checkout-orchestrator/internal/gateway/breaker"
	"github.com/yourorg/checkout-orchestrator/internal/gateway/wallet"
	"github.com/yourorg/checkout-orchestrator/internal/orchestrator"
	"github.com/yourorg/checkout-orchestrator/internal/policy"
	"github.com/yourorg/checkout-orchestrator/internal/session"
	"github.com/yourorg/checkout-orchestrator/internal/telemetry"
)

const serviceName = "checkout-orchestrator"

func setupRouter(s *Server) *gin.Engine {
	router := gin.Default()
	router.Use(otelgin.Middleware(serviceName))

	checkout := router.Group("/checkout/:orderID")
	{
		checkout.POST("/method", s.selectMethodHandler)
		checkout.POST("/initiate", s.initiateHandler)
		checkout.POST("/confirm", s.confirmHandler)
		checkout.POST("/cancel", s.cancelHandler)
		checkout.POST("/launch-failure", s.launchFailureHandler)
		checkout.POST("/recheck", s.recheckHandler)
		checkout.POST("/reset", s.resetHandler)
		checkout.GET("/session", s.sessionHandler)
		checkout.GET("/history", s.historyHandler)
	}
	router.GET("/admin/retrospective", s.retrospectiveHandler)
	router.GET("/healthz", s.healthzHandler)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

func main() {
	if err := telemetry.Init(serviceName); err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(ctx)
	}()
	logger := telemetry.Logger

	cfg := config.Load()

	adapters := map[gateway.Method]gateway.Adapter{
		gateway.MethodWalletRedirect: wallet.New(cfg.WalletGatewayURL, nil, logger),
		gateway.MethodBankQR:         bankqr.New(cfg.BankQRGatewayURL, nil, logger),
	}

	enforcer, err := policy.NewEnforcer(policy.DefaultWalletRules(cfg.WalletRequeryLimit))
	if err != nil {
		log.Fatalf("Failed to compile re-query policy: %v", err)
	}

	backendClient := backend.New(cfg.BackendURL, nil, logger)
	store := session.NewStore()

	orch := orchestrator.New(
		adapters,
		store,
		backendClient,
		breaker.New(breaker.Config{}),
		enforcer,
		nil,
		logger,
		orchestrator.Config{
			PollInterval:       cfg.PollInterval,
			PollMaxAttempts:    cfg.PollMaxAttempts,
			PollDeadline:       cfg.PollDeadline,
			AttemptTimeout:     cfg.AttemptTimeout,
			WalletRequeryDelay: cfg.WalletRequeryDelay,
		},
	)

	server := NewServer(orch, backendClient, store, logger)
	router := setupRouter(server)

	logger.Info("starting server")
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to run server: %v", err)
	}
}
