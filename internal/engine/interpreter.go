package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leadline/flowline/internal/crm"
	"github.com/leadline/flowline/model"
)

// ActionConfig is the typed view of an action step's config bag.
type ActionConfig struct {
	ActionType string
	EmailType  string
}

// DelayConfig is the typed view of a delay step's config bag.
type DelayConfig struct {
	DelayValue float64
	DelayUnit  string
}

// ConditionConfig is the typed view of a condition step's config bag.
type ConditionConfig struct {
	Field    string
	Operator string
	Value    any
}

// StepOutcome is the interpreter's verdict on one step. The executor turns
// it into exactly one persisted transition.
type StepOutcome struct {
	// LogEvent and Message describe the transition for the audit trail.
	LogEvent string
	Message  string
	Detail   map[string]any

	// Branch is an explicit next step ID chosen by a condition. Nil means
	// follow step order.
	Branch *string

	// Wait suspends the execution until ScheduledFor, advancing past the
	// current step first.
	Wait         bool
	ScheduledFor time.Time

	// Hold suspends the execution until ScheduledFor without leaving the
	// current step, for conditions awaiting their predicate.
	Hold bool
}

// interpretStep dispatches on step type. It performs side effects (email,
// product share) but never mutates the execution; the executor owns
// persistence.
func (e *Engine) interpretStep(ctx context.Context, exec *model.Execution, step model.Step) (StepOutcome, error) {
	switch step.StepType {
	case model.StepTypeAction:
		return e.interpretAction(ctx, exec, step)
	case model.StepTypeDelay:
		return e.interpretDelay(exec, step)
	case model.StepTypeCondition:
		return e.interpretCondition(ctx, exec, step)
	default:
		return StepOutcome{}, model.NewUnknownConfigurationError(
			fmt.Sprintf("unknown step type %q", step.StepType),
		)
	}
}

func (e *Engine) interpretAction(ctx context.Context, exec *model.Execution, step model.Step) (StepOutcome, error) {
	cfg := decodeActionConfig(step.Config)

	switch cfg.ActionType {
	case model.ActionSendEmail:
		return e.actionSendEmail(ctx, exec, cfg)
	case model.ActionShareProducts:
		return e.actionShareProducts(ctx, exec)
	default:
		return StepOutcome{}, model.NewUnknownConfigurationError(
			fmt.Sprintf("unknown action type %q", cfg.ActionType),
		)
	}
}

// actionSendEmail builds the flattened email payload from the execution
// context and calls the mailer. Context producers are inconsistent about key
// naming, so the canonical keys fall back through the known variants.
func (e *Engine) actionSendEmail(ctx context.Context, exec *model.Execution, cfg ActionConfig) (StepOutcome, error) {
	data := map[string]any{}
	if v := firstContextValue(exec.Context, "clientName", "customer_name", "name"); v != nil {
		data["client_name"] = v
	}
	if v := firstContextValue(exec.Context, "clientEmail", "customer_email", "email"); v != nil {
		data["client_email"] = v
	}
	for _, key := range []string{"amount", "offer_title", "invoice_url"} {
		if v, ok := exec.Context[key]; ok {
			data[key] = v
		}
	}

	messageID, err := e.mailer.Send(ctx, cfg.EmailType, data)
	if err != nil {
		return StepOutcome{}, fmt.Errorf("send email %q: %w", cfg.EmailType, err)
	}

	if err := e.crm.EmailEvents.RecordMessageID(ctx, exec.EntityType, exec.EntityID, messageID, e.now()); err != nil {
		// The email went out; losing the correlation row only degrades the
		// email_opened condition for this entity.
		e.logger.Warn("recording email message id failed",
			zap.String("execution_id", exec.ID),
			zap.String("message_id", messageID),
			zap.Error(err),
		)
	}

	return StepOutcome{
		LogEvent: model.LogEventEmailSent,
		Message:  fmt.Sprintf("sent %q email", cfg.EmailType),
		Detail:   map[string]any{"email_type": cfg.EmailType, "message_id": messageID},
	}, nil
}

// actionShareProducts is idempotent per entity: the first run stamps the
// share, writes a timeline activity, and fires a secondary trigger; repeats
// are logged no-ops.
func (e *Engine) actionShareProducts(ctx context.Context, exec *model.Execution) (StepOutcome, error) {
	sharedAt, err := e.crm.Workflows.GetProductsSharedAt(ctx, exec.EntityType, exec.EntityID)
	if err != nil {
		return StepOutcome{}, fmt.Errorf("check products shared: %w", err)
	}
	if sharedAt != nil {
		return StepOutcome{
			LogEvent: model.LogEventAlreadyShared,
			Message:  "products already shared, skipping",
			Detail:   map[string]any{"shared_at": sharedAt.UTC().Format(time.RFC3339)},
		}, nil
	}

	now := e.now()
	if err := e.crm.Workflows.MarkProductsShared(ctx, exec.EntityType, exec.EntityID, now); err != nil {
		return StepOutcome{}, fmt.Errorf("mark products shared: %w", err)
	}

	if err := e.crm.Activities.Insert(ctx, crm.Activity{
		ID:         uuid.NewString(),
		EntityType: exec.EntityType,
		EntityID:   exec.EntityID,
		Kind:       "products_shared",
		Summary:    "Product recommendations shared automatically",
		OccurredAt: now,
	}); err != nil {
		e.logger.Warn("activity insert failed",
			zap.String("execution_id", exec.ID),
			zap.Error(err),
		)
	}

	if e.dispatcher != nil {
		err := e.dispatcher.Dispatch(ctx, model.TriggerRequest{
			TriggerType: "products_shared",
			EntityType:  exec.EntityType,
			EntityID:    exec.EntityID,
			Context:     exec.Context,
		})
		if err != nil {
			e.logger.Warn("secondary trigger dispatch failed",
				zap.String("execution_id", exec.ID),
				zap.Error(err),
			)
		}
	}

	return StepOutcome{
		LogEvent: model.LogEventProductsShared,
		Message:  "shared product recommendations",
	}, nil
}

// interpretDelay computes the resume time. It never fails: an absent or
// unrecognized unit is read as days.
func (e *Engine) interpretDelay(_ *model.Execution, step model.Step) (StepOutcome, error) {
	cfg := decodeDelayConfig(step.Config)

	var unit time.Duration
	unitName := cfg.DelayUnit
	switch cfg.DelayUnit {
	case model.DelayUnitHours:
		unit = time.Hour
	case model.DelayUnitWeeks:
		unit = 7 * 24 * time.Hour
	default:
		unit = 24 * time.Hour
		unitName = model.DelayUnitDays
	}

	resumeAt := e.now().Add(time.Duration(cfg.DelayValue * float64(unit)))
	return StepOutcome{
		LogEvent:     model.LogEventDelayed,
		Message:      fmt.Sprintf("delaying %v %s", cfg.DelayValue, unitName),
		Detail:       map[string]any{"resume_at": resumeAt.UTC().Format(time.RFC3339)},
		Wait:         true,
		ScheduledFor: resumeAt,
	}, nil
}

// interpretCondition computes the configured field, compares it, and picks a
// branch. A false result with no false branch holds the execution on this
// step until the predicate comes true.
func (e *Engine) interpretCondition(ctx context.Context, exec *model.Execution, step model.Step) (StepOutcome, error) {
	cfg := decodeConditionConfig(step.Config)

	actual, err := e.conditionFieldValue(ctx, exec, cfg.Field)
	if err != nil {
		return StepOutcome{}, err
	}

	result, err := compareValues(actual, cfg.Operator, cfg.Value)
	if err != nil {
		return StepOutcome{}, err
	}

	detail := map[string]any{
		"field":    cfg.Field,
		"operator": cfg.Operator,
		"expected": cfg.Value,
		"actual":   actual,
	}

	if result {
		return StepOutcome{
			LogEvent: model.LogEventConditionTrue,
			Message:  fmt.Sprintf("condition %s %s met", cfg.Field, cfg.Operator),
			Detail:   detail,
			Branch:   step.NextStepOnTrue,
		}, nil
	}

	if step.NextStepOnFalse != nil {
		return StepOutcome{
			LogEvent: model.LogEventConditionFalse,
			Message:  fmt.Sprintf("condition %s %s not met", cfg.Field, cfg.Operator),
			Detail:   detail,
			Branch:   step.NextStepOnFalse,
		}, nil
	}

	// No false branch: wait here and re-evaluate later.
	reevalAt := e.now().Add(e.reevalInterval)
	detail["reevaluate_at"] = reevalAt.UTC().Format(time.RFC3339)
	return StepOutcome{
		LogEvent:     model.LogEventConditionUnmet,
		Message:      fmt.Sprintf("condition %s %s not yet met, waiting", cfg.Field, cfg.Operator),
		Detail:       detail,
		Hold:         true,
		ScheduledFor: reevalAt,
	}, nil
}

// conditionFieldValue resolves a condition field against the collaborating
// stores.
func (e *Engine) conditionFieldValue(ctx context.Context, exec *model.Execution, field string) (any, error) {
	switch field {
	case model.ConditionFieldHasPurchased:
		has, err := e.crm.Orders.HasPaidOrder(ctx, exec.EntityType, exec.EntityID)
		if err != nil {
			return nil, fmt.Errorf("check paid orders: %w", err)
		}
		return has, nil

	case model.ConditionFieldEmailOpened:
		opened, err := e.crm.EmailEvents.HasOpenEvent(ctx, exec.EntityType, exec.EntityID, e.triggeredAt(exec))
		if err != nil {
			return nil, fmt.Errorf("check email opens: %w", err)
		}
		return opened, nil

	case model.ConditionFieldDaysSinceTrigger:
		days := int(e.now().Sub(e.triggeredAt(exec)).Hours() / 24)
		return float64(days), nil

	default:
		return nil, model.NewUnknownConfigurationError(
			fmt.Sprintf("unknown condition field %q", field),
		)
	}
}

// triggeredAt reads the trigger timestamp from the execution context,
// falling back to creation time when absent or malformed.
func (e *Engine) triggeredAt(exec *model.Execution) time.Time {
	if raw, ok := exec.Context[model.ContextKeyTriggeredAt].(string); ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
	}
	return exec.CreatedAt
}

// compareValues applies an operator to two loosely typed operands. Bools
// only support equality; numbers compare numerically when both sides are
// numeric; everything else compares as strings.
func compareValues(actual any, operator string, expected any) (bool, error) {
	if ab, ok := actual.(bool); ok {
		eb, err := asBool(expected)
		if err != nil {
			return false, model.NewUnknownConfigurationError(
				fmt.Sprintf("condition value %v is not a boolean", expected),
			)
		}
		switch operator {
		case model.OpEq:
			return ab == eb, nil
		case model.OpNeq:
			return ab != eb, nil
		default:
			return false, model.NewUnknownConfigurationError(
				fmt.Sprintf("operator %q is not valid for boolean fields", operator),
			)
		}
	}

	an, aNum := asNumber(actual)
	en, eNum := asNumber(expected)
	if aNum && eNum {
		return compareOrdered(an, en, operator)
	}

	return compareOrdered(fmt.Sprintf("%v", actual), fmt.Sprintf("%v", expected), operator)
}

func compareOrdered[T float64 | string](a, b T, operator string) (bool, error) {
	switch operator {
	case model.OpEq:
		return a == b, nil
	case model.OpNeq:
		return a != b, nil
	case model.OpGt:
		return a > b, nil
	case model.OpGte:
		return a >= b, nil
	case model.OpLt:
		return a < b, nil
	case model.OpLte:
		return a <= b, nil
	default:
		return false, model.NewUnknownConfigurationError(
			fmt.Sprintf("unknown condition operator %q", operator),
		)
	}
}

func asBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return strconv.ParseBool(b)
	default:
		return false, fmt.Errorf("not a bool: %v", v)
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// --- config decoding ---

func decodeActionConfig(config map[string]any) ActionConfig {
	return ActionConfig{
		ActionType: stringValue(config, "action_type"),
		EmailType:  stringValue(config, "email_type"),
	}
}

func decodeDelayConfig(config map[string]any) DelayConfig {
	value, _ := asNumber(config["delay_value"])
	return DelayConfig{
		DelayValue: value,
		DelayUnit:  stringValue(config, "delay_unit"),
	}
}

func decodeConditionConfig(config map[string]any) ConditionConfig {
	return ConditionConfig{
		Field:    stringValue(config, "field"),
		Operator: stringValue(config, "operator"),
		Value:    config["value"],
	}
}

func stringValue(config map[string]any, key string) string {
	if s, ok := config[key].(string); ok {
		return s
	}
	return ""
}

func firstContextValue(context map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := context[key]; ok && v != nil {
			return v
		}
	}
	return nil
}
