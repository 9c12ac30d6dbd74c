package config

import (
	"os"
	"strconv"
	"time"
)

// Config carries all service settings, read from environment variables with
// development defaults.
type Config struct {
	Port string

	BackendURL       string
	WalletGatewayURL string
	BankQRGatewayURL string

	PollInterval    time.Duration
	PollMaxAttempts int
	PollDeadline    time.Duration
	AttemptTimeout  time.Duration

	WalletRequeryLimit int
	WalletRequeryDelay time.Duration
}

func Load() *Config {
	return &Config{
		Port:             getEnv("PORT", "8080"),
		BackendURL:       getEnv("BACKEND_URL", "http://localhost:9000"),
		WalletGatewayURL: getEnv("WALLET_GATEWAY_URL", "http://localhost:9000"),
		BankQRGatewayURL: getEnv("BANKQR_GATEWAY_URL", "http://localhost:9000"),

		PollInterval:    time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 5)) * time.Second,
		PollMaxAttempts: getEnvInt("POLL_MAX_ATTEMPTS", 10),
		PollDeadline:    time.Duration(getEnvInt("POLL_DEADLINE_SECONDS", 0)) * time.Second,
		AttemptTimeout:  time.Duration(getEnvInt("ATTEMPT_TIMEOUT_SECONDS", 10)) * time.Second,

		WalletRequeryLimit: getEnvInt("WALLET_REQUERY_LIMIT", 3),
		WalletRequeryDelay: time.Duration(getEnvInt("WALLET_REQUERY_DELAY_MS", 1500)) * time.Millisecond,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
