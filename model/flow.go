// Package model holds the shared contracts of the automation engine: flow
// definitions, steps, executions, and the error envelope. It deliberately has
// no third-party dependencies so every layer can import it.
package model

import "time"

// Step type constants.
const (
	StepTypeAction    = "action"
	StepTypeDelay     = "delay"
	StepTypeCondition = "condition"
)

// Action kind constants for action steps.
const (
	ActionSendEmail     = "send_email"
	ActionShareProducts = "share_products"
)

// Delay unit constants for delay steps.
const (
	DelayUnitHours = "hours"
	DelayUnitDays  = "days"
	DelayUnitWeeks = "weeks"
)

// Condition field constants.
const (
	ConditionFieldHasPurchased     = "has_purchased"
	ConditionFieldEmailOpened      = "email_opened"
	ConditionFieldDaysSinceTrigger = "days_since_trigger"
)

// Condition operator constants.
const (
	OpEq  = "eq"
	OpNeq = "neq"
	OpGt  = "gt"
	OpGte = "gte"
	OpLt  = "lt"
	OpLte = "lte"
)

// FlowDefinition is a reusable, admin-authored automation template. The
// engine only ever reads flow definitions; they are created and edited
// elsewhere.
type FlowDefinition struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	TriggerType string            `json:"trigger_type"`
	IsActive    bool              `json:"is_active"`
	// TriggerFilters must all be satisfied by the firing event's filter
	// payload for the flow to match. Empty means "match unconditionally".
	TriggerFilters map[string]string `json:"trigger_filters,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Step is one unit of work within a flow: an action (side effect), a delay
// (time-based suspension), or a condition (branch). Steps are ordered by
// StepOrder; condition steps may carry explicit branch targets.
type Step struct {
	ID       string `json:"id"`
	FlowID   string `json:"flow_id"`
	StepOrder int   `json:"step_order"`
	StepType string `json:"step_type"`
	// Config is the type-specific configuration bag. Its shape depends on
	// StepType and is decoded into a typed view at interpretation time.
	Config map[string]any `json:"config,omitempty"`
	// Branch targets for condition steps. Nil means "no explicit branch".
	NextStepOnTrue  *string `json:"next_step_on_true,omitempty"`
	NextStepOnFalse *string `json:"next_step_on_false,omitempty"`
}
