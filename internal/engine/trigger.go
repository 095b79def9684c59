package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leadline/flowline/internal/observability"
	"github.com/leadline/flowline/model"
)

// Trigger turns a business event into executions: one per active, matching
// flow that does not already have an execution for the entity.
func (e *Engine) Trigger(ctx context.Context, req model.TriggerRequest) (model.TriggerResponse, error) {
	ctx, span := observability.StartSpan(ctx, "engine.Trigger",
		observability.AttrTriggerType.String(req.TriggerType),
		observability.AttrEntityID.String(req.EntityID),
	)
	var retErr error
	defer func() { observability.EndSpanWithError(span, retErr) }()

	if req.TriggerType == "" || req.EntityType == "" || req.EntityID == "" {
		retErr = model.NewValidationError("trigger_type, entity_type, and entity_id are required")
		return model.TriggerResponse{}, retErr
	}

	enabled, err := e.settings.AutomationsEnabled(ctx)
	if err != nil {
		retErr = err
		return model.TriggerResponse{}, err
	}
	if !enabled {
		e.logger.Info("automations disabled, ignoring trigger",
			zap.String("trigger_type", req.TriggerType),
		)
		return model.TriggerResponse{Success: true, Created: 0, ExecutionIDs: []string{}}, nil
	}

	flows, err := e.store.ListActiveFlowsByTrigger(ctx, req.TriggerType)
	if err != nil {
		retErr = err
		return model.TriggerResponse{}, err
	}

	matched := 0
	created := []string{}
	for _, flow := range flows {
		if !filtersMatch(flow.TriggerFilters, req.Filters) {
			e.logger.Debug("flow filters did not match",
				zap.String("flow_id", flow.ID),
				zap.String("trigger_type", req.TriggerType),
			)
			continue
		}
		matched++

		// Pre-check before inserting. The unique constraint catches the
		// race when two triggers for the same entity arrive together.
		_, err := e.store.FindExecution(ctx, flow.ID, req.EntityType, req.EntityID)
		if err == nil {
			e.recordSkipped(req.TriggerType)
			continue
		}
		if !model.IsNotFound(err) {
			retErr = err
			return model.TriggerResponse{}, err
		}

		exec, err := e.createExecution(ctx, flow, req)
		if model.IsConflict(err) {
			e.recordSkipped(req.TriggerType)
			continue
		}
		if err != nil {
			retErr = err
			return model.TriggerResponse{}, err
		}

		created = append(created, exec.ID)
		if e.metrics != nil {
			e.metrics.RecordExecutionCreated(req.TriggerType)
		}
		e.logger.Info("execution created",
			zap.String("execution_id", exec.ID),
			zap.String("flow_id", flow.ID),
			zap.String("entity_id", req.EntityID),
		)
	}

	if e.metrics != nil {
		e.metrics.RecordTrigger(req.TriggerType, matched)
	}

	// Kick the executor so freshly created executions start without waiting
	// for the next cron tick. Failures only delay them until that tick.
	if e.autoRun && len(created) > 0 {
		go func() {
			runCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			if _, err := e.Run(runCtx); err != nil {
				e.logger.Warn("post-trigger run pass failed", zap.Error(err))
			}
		}()
	}

	return model.TriggerResponse{
		Success:      true,
		Created:      len(created),
		ExecutionIDs: created,
	}, nil
}

func (e *Engine) createExecution(ctx context.Context, flow model.FlowDefinition, req model.TriggerRequest) (model.Execution, error) {
	now := e.now()

	execContext := make(map[string]any, len(req.Context)+2)
	for k, v := range req.Context {
		execContext[k] = v
	}
	execContext[model.ContextKeyTriggeredAt] = now.Format(time.RFC3339)
	execContext[model.ContextKeyTriggerType] = req.TriggerType

	exec := model.Execution{
		ID:         uuid.NewString(),
		FlowID:     flow.ID,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Status:     model.ExecutionStatusPending,
		Context:    execContext,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return model.Execution{}, err
	}

	if err := e.store.AppendLog(ctx, model.ExecutionLog{
		ID:          uuid.NewString(),
		ExecutionID: exec.ID,
		Event:       model.LogEventTriggered,
		Message:     "execution created by trigger " + req.TriggerType,
		Detail:      map[string]any{"flow_name": flow.Name},
		Timestamp:   now,
	}); err != nil {
		e.logger.Warn("appending triggered log failed",
			zap.String("execution_id", exec.ID),
			zap.Error(err),
		)
	}

	return exec, nil
}

func (e *Engine) recordSkipped(triggerType string) {
	if e.metrics != nil {
		e.metrics.RecordExecutionSkipped(triggerType)
	}
}

// filtersMatch reports whether every non-empty flow filter is equalled by
// the event's filter payload. A flow without filters matches every event.
func filtersMatch(flowFilters, eventFilters map[string]string) bool {
	for key, want := range flowFilters {
		if want == "" {
			continue
		}
		if eventFilters[key] != want {
			return false
		}
	}
	return true
}
