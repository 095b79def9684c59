package model

import "time"

// Execution status constants.
const (
	ExecutionStatusPending   = "pending"
	ExecutionStatusRunning   = "running"
	ExecutionStatusWaiting   = "waiting"
	ExecutionStatusCompleted = "completed"
	ExecutionStatusFailed    = "failed"
	ExecutionStatusCancelled = "cancelled"
)

// Log event name constants. One log entry is appended per transition, so the
// sequence of events forms the full audit trail of an execution.
const (
	LogEventTriggered      = "triggered"
	LogEventStarted        = "started"
	LogEventEmailSent      = "email_sent"
	LogEventProductsShared = "products_shared"
	LogEventAlreadyShared  = "already_shared"
	LogEventDelayed        = "delayed"
	LogEventConditionTrue  = "condition_true"
	LogEventConditionFalse = "condition_false"
	LogEventConditionUnmet = "condition_unmet"
	LogEventCompleted      = "completed"
	LogEventFailed         = "failed"
	LogEventFlowInactive   = "flow_inactive"
)

// Context keys the engine itself writes or reads. Everything else in the
// context bag is opaque to the engine.
const (
	ContextKeyTriggeredAt = "triggered_at"
	ContextKeyTriggerType = "trigger_type"
)

// Execution is one durable, resumable run of a flow against one business
// entity. At most one execution exists per (flow_id, entity_type, entity_id).
type Execution struct {
	ID            string     `json:"id"`
	FlowID        string     `json:"flow_id"`
	EntityType    string     `json:"entity_type"`
	EntityID      string     `json:"entity_id"`
	Status        string     `json:"status"`
	// CurrentStepID is nil until the first pick-up.
	CurrentStepID *string    `json:"current_step_id,omitempty"`
	// ScheduledFor is nil when the execution is eligible immediately.
	ScheduledFor  *time.Time `json:"scheduled_for,omitempty"`
	// ClaimedUntil is the executor's lease; an execution is only due while
	// unclaimed or the claim has expired.
	ClaimedUntil  *time.Time     `json:"claimed_until,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// Terminal reports whether the execution has reached a final status.
// Terminal executions are never picked up by the executor again.
func (e *Execution) Terminal() bool {
	switch e.Status {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// ExecutionLog is one entry in an execution's append-only audit trail.
type ExecutionLog struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id,omitempty"`
	Event       string         `json:"event"`
	Message     string         `json:"message,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// ExecutionDetail is an execution together with its audit trail, as returned
// by the inspection endpoint.
type ExecutionDetail struct {
	Execution Execution      `json:"execution"`
	Logs      []ExecutionLog `json:"logs"`
}
