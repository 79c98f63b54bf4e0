package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime configuration values used by the billing service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string

	// LogLevel and LogFormat configure zerolog ("json" or "console").
	LogLevel  string
	LogFormat string

	// JWTSecret signs and verifies bearer tokens. Only the server requires it.
	JWTSecret string

	// PayPal credentials. With no client id the service runs without a provider.
	PayPalClientID     string
	PayPalClientSecret string
	PayPalBaseURL      string
	PayPalWebhookID    string

	// AppBaseURL is the public origin used for checkout return and cancel URLs.
	AppBaseURL string

	WebhookMaxAttempts       int
	ProviderTimeout          time.Duration
	PendingCheckoutTTL       time.Duration
	ExpirySweepSchedule      string
	AllowExpiredReactivation bool
	WorkerConcurrency        int
}

const (
	defaultServerAddress       = ":18111"
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultPayPalBaseURL       = "https://api-m.sandbox.paypal.com"
	defaultAppBaseURL          = "http://localhost:5173"
	defaultWebhookMaxAttempts  = 5
	defaultProviderTimeout     = 10 * time.Second
	defaultPendingCheckoutTTL  = 24 * time.Hour
	defaultExpirySweepSchedule = "@every 15m"
	defaultWorkerConcurrency   = 2

	envServerAddress            = "BACKEND_ADDR"
	envDatabaseURL              = "DATABASE_URL"
	envLogLevel                 = "LOG_LEVEL"
	envLogFormat                = "LOG_FORMAT"
	envJWTSecret                = "AUTH_JWT_SECRET"
	envPayPalClientID           = "PAYPAL_CLIENT_ID"
	envPayPalClientSecret       = "PAYPAL_CLIENT_SECRET"
	envPayPalBaseURL            = "PAYPAL_BASE_URL"
	envPayPalWebhookID          = "PAYPAL_WEBHOOK_ID"
	envAppBaseURL               = "APP_BASE_URL"
	envWebhookMaxAttempts       = "WEBHOOK_MAX_ATTEMPTS"
	envProviderTimeout          = "PROVIDER_TIMEOUT"
	envPendingCheckoutTTL       = "PENDING_CHECKOUT_TTL"
	envExpirySweepSchedule      = "EXPIRY_SWEEP_SCHEDULE"
	envAllowExpiredReactivation = "ALLOW_EXPIRED_REACTIVATION"
	envWorkerConcurrency        = "WORKER_CONCURRENCY"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	cfg := Config{
		ServerAddress:       firstNonEmpty(os.Getenv(envServerAddress), defaultServerAddress),
		DatabaseURL:         strings.TrimSpace(os.Getenv(envDatabaseURL)),
		LogLevel:            firstNonEmpty(os.Getenv(envLogLevel), defaultLogLevel),
		LogFormat:           firstNonEmpty(os.Getenv(envLogFormat), defaultLogFormat),
		JWTSecret:           os.Getenv(envJWTSecret),
		PayPalClientID:      os.Getenv(envPayPalClientID),
		PayPalClientSecret:  os.Getenv(envPayPalClientSecret),
		PayPalBaseURL:       firstNonEmpty(os.Getenv(envPayPalBaseURL), defaultPayPalBaseURL),
		PayPalWebhookID:     os.Getenv(envPayPalWebhookID),
		AppBaseURL:          strings.TrimRight(firstNonEmpty(os.Getenv(envAppBaseURL), defaultAppBaseURL), "/"),
		ExpirySweepSchedule: firstNonEmpty(os.Getenv(envExpirySweepSchedule), defaultExpirySweepSchedule),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%s is required", envDatabaseURL)
	}
	if _, err := url.Parse(cfg.AppBaseURL); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envAppBaseURL, err)
	}
	if (cfg.PayPalClientID == "") != (cfg.PayPalClientSecret == "") {
		return Config{}, fmt.Errorf("%s and %s must be set together", envPayPalClientID, envPayPalClientSecret)
	}

	var err error
	if cfg.WebhookMaxAttempts, err = intEnv(envWebhookMaxAttempts, defaultWebhookMaxAttempts); err != nil {
		return Config{}, err
	}
	if cfg.WorkerConcurrency, err = intEnv(envWorkerConcurrency, defaultWorkerConcurrency); err != nil {
		return Config{}, err
	}
	if cfg.ProviderTimeout, err = durationEnv(envProviderTimeout, defaultProviderTimeout); err != nil {
		return Config{}, err
	}
	if cfg.PendingCheckoutTTL, err = durationEnv(envPendingCheckoutTTL, defaultPendingCheckoutTTL); err != nil {
		return Config{}, err
	}
	if cfg.AllowExpiredReactivation, err = boolEnv(envAllowExpiredReactivation, true); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// RequireServer checks the values only the HTTP server needs.
func (c Config) RequireServer() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("%s is required", envJWTSecret)
	}
	return nil
}

// PayPalEnabled reports whether provider credentials are configured.
func (c Config) PayPalEnabled() bool {
	return c.PayPalClientID != "" && c.PayPalClientSecret != ""
}

// PayPalWebhooksEnabled reports whether webhook deliveries can be verified.
func (c Config) PayPalWebhooksEnabled() bool {
	return c.PayPalEnabled() && c.PayPalWebhookID != ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func intEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive integer, got %q", key, raw)
	}
	return v, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive duration, got %q", key, raw)
	}
	return v, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
