package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/leadline/flowline/internal/observability"
	"github.com/leadline/flowline/model"
)

// TriggerDispatcher re-enters the trigger gateway with a secondary trigger
// fired by a step side effect. Callers treat dispatch as non-critical:
// failures are logged and swallowed.
type TriggerDispatcher interface {
	Dispatch(ctx context.Context, req model.TriggerRequest) error
}

// HTTPTriggerDispatcher posts secondary triggers to the service's own
// trigger endpoint. The round trip keeps the failure domain independent of
// the step that fired it.
type HTTPTriggerDispatcher struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewHTTPTriggerDispatcher creates a dispatcher posting to the given trigger
// endpoint URL.
func NewHTTPTriggerDispatcher(url string, timeout time.Duration, logger *zap.Logger) *HTTPTriggerDispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPTriggerDispatcher{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Dispatch posts the trigger request.
func (d *HTTPTriggerDispatcher) Dispatch(ctx context.Context, req model.TriggerRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("dispatch: marshal trigger: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dispatch: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	observability.InjectTraceHeaders(ctx, httpReq.Header)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("dispatch: post trigger: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("dispatch: trigger endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// LocalTriggerDispatcher calls the gateway in-process for single-binary
// deployments. The gateway is injected after construction because the engine
// owns it.
type LocalTriggerDispatcher struct {
	gateway func(ctx context.Context, req model.TriggerRequest) (model.TriggerResponse, error)
	logger  *zap.Logger
}

// NewLocalTriggerDispatcher creates an in-process dispatcher.
func NewLocalTriggerDispatcher(logger *zap.Logger) *LocalTriggerDispatcher {
	return &LocalTriggerDispatcher{logger: logger}
}

// Bind wires the gateway function. Must be called before Dispatch.
func (d *LocalTriggerDispatcher) Bind(gateway func(ctx context.Context, req model.TriggerRequest) (model.TriggerResponse, error)) {
	d.gateway = gateway
}

// Dispatch invokes the gateway asynchronously. The spawned pass uses a
// fresh context so it survives the caller's request ending.
func (d *LocalTriggerDispatcher) Dispatch(_ context.Context, req model.TriggerRequest) error {
	if d.gateway == nil {
		return fmt.Errorf("dispatch: local dispatcher not bound")
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := d.gateway(ctx, req); err != nil {
			d.logger.Warn("secondary trigger failed",
				zap.String("trigger_type", req.TriggerType),
				zap.String("entity_id", req.EntityID),
				zap.Error(err),
			)
		}
	}()
	return nil
}
