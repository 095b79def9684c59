// Package mailer sends transactional email through an external provider
// function, with retries, exponential backoff, and circuit breaker
// protection on the outbound call.
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/leadline/flowline/internal/config"
	"github.com/leadline/flowline/internal/observability"
	"github.com/leadline/flowline/model"
)

// Mailer sends one transactional email and returns the provider message ID.
type Mailer interface {
	Send(ctx context.Context, emailType string, data map[string]any) (messageID string, err error)
}

// HTTPMailer calls the provider's send-email function over HTTP.
type HTTPMailer struct {
	cfg     config.MailerConfig
	client  *http.Client
	breaker *CircuitBreaker
	apiKey  string
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewHTTPMailer creates a mailer from configuration. The API key is read
// from the environment variable named by cfg.APIKeyEnv.
func NewHTTPMailer(cfg config.MailerConfig, logger *zap.Logger, metrics *observability.Metrics) (*HTTPMailer, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("mailer: base_url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPMailer{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		breaker: NewCircuitBreaker(
			cfg.CircuitBreaker.FailureThreshold,
			cfg.CircuitBreaker.SuccessThreshold,
			cfg.CircuitBreaker.Timeout,
			cfg.CircuitBreaker.ErrorRateThreshold,
			cfg.CircuitBreaker.ErrorRateWindow,
		),
		apiKey:  os.Getenv(cfg.APIKeyEnv),
		logger:  logger,
		metrics: metrics,
	}, nil
}

type sendRequest struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

type sendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

// Send posts the email request, retrying on transient failures.
func (m *HTTPMailer) Send(ctx context.Context, emailType string, data map[string]any) (string, error) {
	body, err := json.Marshal(sendRequest{Type: emailType, Data: data})
	if err != nil {
		return "", fmt.Errorf("mailer: marshal request: %w", err)
	}

	maxAttempts := m.cfg.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if m.metrics != nil {
				m.metrics.RecordMailerRetry()
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(calculateBackoff(m.cfg.Retry, attempt)):
			}
		}

		messageID, retryable, err := m.sendOnce(ctx, emailType, body)
		if err == nil {
			return messageID, nil
		}
		lastErr = err
		if !retryable {
			return "", err
		}
		m.logger.Debug("mailer: retrying after error",
			zap.Int("attempt", attempt+1),
			zap.Int("max", maxAttempts),
			zap.Error(err),
		)
	}

	return "", lastErr
}

// sendOnce performs a single request with circuit breaker protection. The
// second return value reports whether the failure is worth retrying.
func (m *HTTPMailer) sendOnce(ctx context.Context, emailType string, body []byte) (string, bool, error) {
	if err := m.breaker.Allow(); err != nil {
		m.recordBreakerState()
		return "", false, model.NewBackendUnavailableError()
	}

	start := time.Now()
	reqURL := m.cfg.BaseURL + m.cfg.SendPath

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("mailer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := m.client.Do(req)
	if err != nil {
		m.breaker.RecordFailure()
		m.recordBreakerState()
		if isConnectionError(err) {
			return "", true, model.NewBackendUnavailableError()
		}
		if ctx.Err() != nil {
			return "", false, model.NewBackendTimeoutError()
		}
		return "", true, fmt.Errorf("mailer: send request: %w", err)
	}
	defer resp.Body.Close()

	if m.metrics != nil {
		m.metrics.RecordMailerRequest(emailType, resp.StatusCode, time.Since(start))
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		m.breaker.RecordFailure()
		m.recordBreakerState()
		return "", true, fmt.Errorf("mailer: read response: %w", err)
	}

	if isRetryableStatus(resp.StatusCode) {
		m.breaker.RecordFailure()
		m.recordBreakerState()
		return "", true, model.NewExternalCallError(
			fmt.Sprintf("email provider returned status %d", resp.StatusCode),
		)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		m.breaker.RecordFailure()
		m.recordBreakerState()
		return "", false, model.NewExternalCallError(
			fmt.Sprintf("email provider returned status %d", resp.StatusCode),
		)
	}

	var out sendResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		m.breaker.RecordFailure()
		m.recordBreakerState()
		return "", false, fmt.Errorf("mailer: decode response: %w", err)
	}
	if !out.Success {
		m.breaker.RecordFailure()
		m.recordBreakerState()
		msg := out.Error
		if msg == "" {
			msg = "email provider reported failure"
		}
		return "", false, model.NewExternalCallError(msg)
	}

	m.breaker.RecordSuccess()
	m.recordBreakerState()
	return out.MessageID, false, nil
}

func (m *HTTPMailer) recordBreakerState() {
	if m.metrics != nil {
		m.metrics.SetMailerCircuitBreakerState(float64(m.breaker.State()))
	}
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	if delay > cfg.BackoffMax {
		return cfg.BackoffMax
	}
	return delay
}
