// Package paypal is a small REST client for the PayPal subscriptions, orders
// and webhook APIs. It implements subscription.PaymentProvider.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/PortNumber53/coursehub-billing/internal/subscription"
)

// SandboxBaseURL is used when no base URL is configured.
const SandboxBaseURL = "https://api-m.sandbox.paypal.com"

// ProviderName is the provider column value for PayPal rows.
const ProviderName = "paypal"

// Config configures the client.
type Config struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	WebhookID    string
	Timeout      time.Duration
	// HTTPClient is the transport for both token and API calls. Defaults to a
	// client with Timeout.
	HTTPClient *http.Client
	// FailureThreshold is the consecutive transport or 5xx failures that open
	// the circuit breaker. Defaults to 5.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open. Defaults to 30s.
	OpenTimeout time.Duration
}

// Client talks to the PayPal REST API with an OAuth2 client-credentials token.
type Client struct {
	baseURL    string
	webhookID  string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[any]
}

var _ subscription.PaymentProvider = (*Client)(nil)

// APIError is a non-2xx PayPal response.
type APIError struct {
	StatusCode int
	Name       string `json:"name"`
	Message    string `json:"message"`
	DebugID    string `json:"debug_id"`
	Details    []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

func (e *APIError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("paypal: status %d", e.StatusCode)
	}
	return fmt.Sprintf("paypal: status %d %s: %s (debug_id %s)", e.StatusCode, e.Name, e.Message, e.DebugID)
}

// HasIssue reports whether the response lists the given issue code.
func (e *APIError) HasIssue(issue string) bool {
	for _, d := range e.Details {
		if d.Issue == issue {
			return true
		}
	}
	return false
}

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// NewClient builds a client. Credentials are not checked until the first call.
func NewClient(cfg Config) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("paypal: client id and secret are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = SandboxBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: cfg.Timeout}
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.BaseURL + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	httpClient := cc.Client(tokenCtx)
	httpClient.Timeout = cfg.Timeout

	threshold := cfg.FailureThreshold
	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        ProviderName,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return !apiErr.Temporary()
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("paypal circuit breaker state changed")
		},
	})

	return &Client{
		baseURL:    cfg.BaseURL,
		webhookID:  cfg.WebhookID,
		httpClient: httpClient,
		breaker:    breaker,
	}, nil
}

// Name implements subscription.PaymentProvider.
func (c *Client) Name() string {
	return ProviderName
}

// do sends body as JSON and decodes a JSON response into out when non-nil.
// requestID is sent as PayPal-Request-Id on POSTs; an empty id gets a fresh uuid.
func (c *Client) do(ctx context.Context, method, path string, body any, out any, requestID string) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.roundTrip(ctx, method, path, body, out, requestID)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("paypal %s %s: %w", method, path, err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body any, out any, requestID string) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("paypal: encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("paypal: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPost {
		if requestID == "" {
			requestID = uuid.NewString()
		}
		req.Header.Set("PayPal-Request-Id", requestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("paypal %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("paypal: read %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(payload, apiErr)
		return apiErr
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("paypal: decode %s response: %w", path, err)
	}
	return nil
}

// providerErr wraps transient failures so callers can tell them apart.
func providerErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && !apiErr.Temporary() {
		return err
	}
	return &subscription.RetryableProviderError{Op: op, Err: err}
}
