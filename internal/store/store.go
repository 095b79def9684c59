// Package store defines the persistence interface for flows, steps,
// executions, and execution logs, with PostgreSQL and in-memory
// implementations.
package store

import (
	"context"
	"time"

	"github.com/leadline/flowline/model"
)

// ExecutionFilters narrows ListExecutions results. Zero values mean "no
// filter".
type ExecutionFilters struct {
	FlowID     string
	EntityType string
	EntityID   string
	Status     string
	Limit      int
	Offset     int
}

// Store is the persistence boundary of the engine. Implementations must be
// safe for concurrent use.
type Store interface {
	// Flows.
	GetFlow(ctx context.Context, flowID string) (model.FlowDefinition, error)
	ListActiveFlowsByTrigger(ctx context.Context, triggerType string) ([]model.FlowDefinition, error)
	CreateFlow(ctx context.Context, flow model.FlowDefinition) error
	SetFlowActive(ctx context.Context, flowID string, active bool) error

	// Steps, ordered by step_order ascending.
	ListSteps(ctx context.Context, flowID string) ([]model.Step, error)
	CreateStep(ctx context.Context, step model.Step) error

	// Executions. CreateExecution returns a CONFLICT error when an execution
	// already exists for the same (flow_id, entity_type, entity_id).
	CreateExecution(ctx context.Context, exec model.Execution) error
	GetExecution(ctx context.Context, execID string) (model.Execution, error)
	FindExecution(ctx context.Context, flowID, entityType, entityID string) (model.Execution, error)
	UpdateExecution(ctx context.Context, exec model.Execution) error
	ListExecutions(ctx context.Context, filters ExecutionFilters) ([]model.Execution, error)

	// ListDue returns non-terminal executions whose scheduled_for is unset or
	// at or before now, and whose claim is unset or expired, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.Execution, error)

	// ClaimExecution sets claimed_until on an execution if and only if it is
	// currently unclaimed or its claim has expired. It returns false when
	// another worker holds the claim.
	ClaimExecution(ctx context.Context, execID string, until, now time.Time) (bool, error)

	// ReleaseExecution clears claimed_until.
	ReleaseExecution(ctx context.Context, execID string) error

	// Logs.
	AppendLog(ctx context.Context, entry model.ExecutionLog) error
	ListLogs(ctx context.Context, execID string) ([]model.ExecutionLog, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}
