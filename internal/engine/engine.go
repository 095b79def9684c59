// Package engine implements the automation workflow engine: the trigger
// gateway that turns business events into executions, the scheduler/executor
// loop that advances due executions one step at a time, and the step
// interpreter.
package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/leadline/flowline/internal/crm"
	"github.com/leadline/flowline/internal/mailer"
	"github.com/leadline/flowline/internal/observability"
	"github.com/leadline/flowline/internal/settings"
	"github.com/leadline/flowline/internal/store"
)

const (
	defaultBatchSize      = 50
	defaultLeaseTTL       = 30 * time.Second
	defaultReevalInterval = time.Hour
)

// Engine coordinates triggering, scheduling, and step execution.
type Engine struct {
	store      store.Store
	settings   settings.Settings
	crm        crm.CRM
	mailer     mailer.Mailer
	leases     LeaseStore
	dispatcher TriggerDispatcher
	metrics    *observability.Metrics
	logger     *zap.Logger

	batchSize      int
	leaseTTL       time.Duration
	reevalInterval time.Duration

	// autoRun controls the fire-and-forget executor pass after a trigger
	// creates executions. Disabled in tests for determinism.
	autoRun bool

	// now is swapped in tests to control time.
	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLeaseStore sets the lease store. Defaults to an in-memory store.
func WithLeaseStore(leases LeaseStore) Option {
	return func(e *Engine) { e.leases = leases }
}

// WithDispatcher sets the secondary-trigger dispatcher.
func WithDispatcher(d TriggerDispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithBatchSize sets the executor batch size.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithLeaseTTL sets how long an execution claim is held.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.leaseTTL = ttl
		}
	}
}

// WithConditionReevalInterval sets how far an unmet condition is pushed
// before re-evaluation.
func WithConditionReevalInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.reevalInterval = d
		}
	}
}

// WithClock overrides the engine's time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithAutoRun controls whether a trigger that created executions kicks an
// immediate executor pass.
func WithAutoRun(enabled bool) Option {
	return func(e *Engine) { e.autoRun = enabled }
}

// NewEngine creates an Engine.
func NewEngine(st store.Store, set settings.Settings, c crm.CRM, m mailer.Mailer, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:          st,
		settings:       set,
		crm:            c,
		mailer:         m,
		logger:         logger,
		batchSize:      defaultBatchSize,
		leaseTTL:       defaultLeaseTTL,
		reevalInterval: defaultReevalInterval,
		autoRun:        true,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.leases == nil {
		e.leases = NewMemoryLeaseStore()
	}
	return e
}
