// Package integration provides a reusable test harness for end-to-end
// testing of the flowline server. It starts a full HTTP server backed by
// in-memory stores, a mock email provider, and a test token issuer.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/leadline/flowline/internal/config"
	"github.com/leadline/flowline/internal/crm"
	"github.com/leadline/flowline/internal/engine"
	"github.com/leadline/flowline/internal/mailer"
	"github.com/leadline/flowline/internal/observability"
	"github.com/leadline/flowline/internal/settings"
	"github.com/leadline/flowline/internal/store"
	"github.com/leadline/flowline/internal/transport"
	"github.com/leadline/flowline/model"
)

// FakeClock is a controllable time source shared by the harness and the
// engine under test.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the fake clock forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// TestHarness encapsulates a fully wired flowline instance with a mock email
// provider for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Store    *store.MemStore
	Settings *settings.MemSettings
	CRM      *crm.MemCRM
	Engine   *engine.Engine
	Mail     *MockMailBackend
	Clock    *FakeClock
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	batchSize      int
	reevalInterval time.Duration
	authDisabled   bool
}

// WithBatchSize sets the executor batch size.
func WithBatchSize(n int) HarnessOption {
	return func(c *harnessConfig) { c.batchSize = n }
}

// WithConditionReevalInterval sets the unmet-condition re-evaluation delay.
func WithConditionReevalInterval(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.reevalInterval = d }
}

// WithoutAuth disables service authentication on the test server.
func WithoutAuth() HarnessOption {
	return func(c *harnessConfig) { c.authDisabled = true }
}

// NewTestHarness creates and starts a full flowline test instance. The
// servers are cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		batchSize:      50,
		reevalInterval: time.Hour,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:     t,
		Clock: &FakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}

	h.Mail = newMockMailBackend(t)

	cfg := config.Defaults()
	cfg.Store.Driver = "memory"
	cfg.Observability.Metrics.Enabled = false
	cfg.Mailer.BaseURL = h.Mail.URL()
	cfg.Mailer.SendPath = "/functions/v1/send-email"
	// Fast retries keep the failure-path tests quick.
	cfg.Mailer.Retry.BackoffInitial = time.Millisecond
	cfg.Mailer.Retry.BackoffMax = 5 * time.Millisecond

	logger := zap.NewNop()

	h.Store = store.NewMemStore()
	h.Settings = settings.NewMemSettings()
	var crmAgg crm.CRM
	crmAgg, h.CRM = crm.NewMem()

	sender, err := mailer.NewHTTPMailer(cfg.Mailer, logger, nil)
	if err != nil {
		t.Fatalf("create mailer: %v", err)
	}

	h.Engine = engine.NewEngine(h.Store, h.Settings, crmAgg, sender, logger,
		engine.WithAutoRun(false),
		engine.WithClock(h.Clock.Now),
		engine.WithBatchSize(hc.batchSize),
		engine.WithConditionReevalInterval(hc.reevalInterval),
	)

	secret := []byte("integration-test-secret")
	h.issuer = newTokenIssuer(t, secret)

	var auth func(http.Handler) http.Handler
	if !hc.authDisabled {
		auth = transport.ServiceAuth(secret, testIssuer, testAudience, logger)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Engine:       h.Engine,
		Logger:       logger,
		Readiness:    observability.NewReadinessChecks(observability.CheckFunc{CheckName: "store", Fn: h.Store.Ping}),
		Authenticate: auth,
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid service token.
func (h *TestHarness) GenerateToken() string {
	return h.issuer.GenerateToken()
}

// GenerateExpiredToken creates a token that has already expired.
func (h *TestHarness) GenerateExpiredToken() string {
	return h.issuer.GenerateExpiredToken()
}

// SeedFlow persists a flow definition and its steps.
func (h *TestHarness) SeedFlow(flow model.FlowDefinition, steps ...model.Step) {
	h.t.Helper()
	ctx := context.Background()

	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = h.Clock.Now()
		flow.UpdatedAt = flow.CreatedAt
	}
	if err := h.Store.CreateFlow(ctx, flow); err != nil {
		h.t.Fatalf("seed flow %s: %v", flow.ID, err)
	}
	for _, step := range steps {
		step.FlowID = flow.ID
		if err := h.Store.CreateStep(ctx, step); err != nil {
			h.t.Fatalf("seed step %s: %v", step.ID, err)
		}
	}
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token)
}

func (h *TestHarness) doRequest(method, path string, body any, token string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// Trigger posts a trigger request and returns the parsed response.
func (h *TestHarness) Trigger(t *testing.T, req model.TriggerRequest) model.TriggerResponse {
	t.Helper()
	resp := h.POST("/v1/automations/trigger", req, h.GenerateToken())
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("trigger: status = %d\nbody: %s", resp.StatusCode, body)
	}
	var out model.TriggerResponse
	h.ParseJSON(resp, &out)
	return out
}

// Run posts a run request and returns the parsed response.
func (h *TestHarness) Run(t *testing.T) model.RunResponse {
	t.Helper()
	resp := h.POST("/v1/automations/run", map[string]any{}, h.GenerateToken())
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("run: status = %d\nbody: %s", resp.StatusCode, body)
	}
	var out model.RunResponse
	h.ParseJSON(resp, &out)
	return out
}

// GetExecution fetches one execution with its audit trail.
func (h *TestHarness) GetExecution(t *testing.T, execID string) model.ExecutionDetail {
	t.Helper()
	resp := h.GET("/v1/executions/"+execID, h.GenerateToken())
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("get execution %s: status = %d\nbody: %s", execID, resp.StatusCode, body)
	}
	var out model.ExecutionDetail
	h.ParseJSON(resp, &out)
	return out
}

// Events extracts the ordered event names from an execution's audit trail.
func Events(detail model.ExecutionDetail) []string {
	events := make([]string, 0, len(detail.Logs))
	for _, log := range detail.Logs {
		events = append(events, log.Event)
	}
	return events
}
