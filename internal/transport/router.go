package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/leadline/flowline/internal/config"
	"github.com/leadline/flowline/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config    *config.Config
	Engine    EngineAPI
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Readiness *observability.ReadinessChecks

	// Authenticate guards the API routes. Nil means no authentication.
	Authenticate func(http.Handler) http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(deps.Logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes, not subject to authentication.
	r.Get("/health", observability.HandleHealth)
	if deps.Readiness != nil {
		r.Get("/ready", deps.Readiness.HandleReady)
	}
	if deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(observability.TracingMiddleware)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(deps.Logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Post("/v1/automations/trigger", handleTrigger(deps.Engine))
		r.Post("/v1/automations/run", handleRun(deps.Engine))
		r.Get("/v1/executions/{executionId}", handleGetExecution(deps.Engine))
		r.Get("/v1/executions", handleListExecutions(deps.Engine))
	})

	return r
}
