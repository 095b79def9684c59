package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Version and Commit are set at build time via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

const checkTimeout = 2 * time.Second

// HealthChecker reports whether a dependency is available.
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to the HealthChecker interface.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (c CheckFunc) Name() string                    { return c.CheckName }
func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

// ReadinessChecks holds the set of dependency checks consulted by the
// readiness endpoint.
type ReadinessChecks struct {
	checkers []HealthChecker
}

// NewReadinessChecks creates a ReadinessChecks with the given checkers.
func NewReadinessChecks(checkers ...HealthChecker) *ReadinessChecks {
	return &ReadinessChecks{checkers: checkers}
}

// Add appends a checker.
func (rc *ReadinessChecks) Add(c HealthChecker) {
	rc.checkers = append(rc.checkers, c)
}

type healthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Commit  string            `json:"commit"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// HandleHealth is the liveness endpoint. It always returns 200 while the
// process is running.
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:  "ok",
		Version: Version,
		Commit:  Commit,
	})
}

// HandleReady returns a readiness handler that runs all checks in parallel
// with a per-check timeout. Any failing check yields a 503.
func (rc *ReadinessChecks) HandleReady(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]string, len(rc.checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup
	healthy := true

	for _, c := range rc.checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()

			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results[c.Name()] = err.Error()
				healthy = false
			} else {
				results[c.Name()] = "ok"
			}
		}(c)
	}
	wg.Wait()

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:  status,
		Version: Version,
		Commit:  Commit,
		Checks:  results,
	})
}
