package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leadline/flowline/internal/observability"
	"github.com/leadline/flowline/internal/store"
	"github.com/leadline/flowline/model"
)

// Run performs one executor pass: it claims every due execution and advances
// each by exactly one step. A single execution failing is recorded in its
// results entry and never aborts the batch.
func (e *Engine) Run(ctx context.Context) (model.RunResponse, error) {
	ctx, span := observability.StartSpan(ctx, "engine.Run")
	var retErr error
	defer func() { observability.EndSpanWithError(span, retErr) }()

	passStart := e.now()

	enabled, err := e.settings.AutomationsEnabled(ctx)
	if err != nil {
		retErr = err
		return model.RunResponse{}, err
	}
	if !enabled {
		e.logger.Info("automations disabled, skipping run pass")
		return model.RunResponse{Success: true, Processed: 0, Results: []model.RunResult{}}, nil
	}

	due, err := e.store.ListDue(ctx, e.now(), e.batchSize)
	if err != nil {
		retErr = err
		return model.RunResponse{}, err
	}

	results := make([]model.RunResult, 0, len(due))
	for _, exec := range due {
		result := e.processOne(ctx, exec)
		results = append(results, result)

		if e.metrics != nil {
			outcome := "advanced"
			if result.Error != "" {
				outcome = "failed"
			}
			e.metrics.RecordExecutionProcessed(outcome)
		}
	}

	if e.metrics != nil {
		e.metrics.RecordExecutorPass(e.now().Sub(passStart), len(due))
	}

	return model.RunResponse{
		Success:   true,
		Processed: len(results),
		Results:   results,
	}, nil
}

// processOne guards a single advance with the lease and a panic recovery.
func (e *Engine) processOne(ctx context.Context, exec model.Execution) (result model.RunResult) {
	result = model.RunResult{ID: exec.ID}

	acquired, err := e.leases.Acquire(ctx, exec.ID, e.leaseTTL)
	if err != nil {
		e.logger.Warn("lease acquire failed", zap.String("execution_id", exec.ID), zap.Error(err))
		result.Result = "skipped"
		return result
	}
	if !acquired {
		e.logger.Debug("execution leased elsewhere", zap.String("execution_id", exec.ID))
		result.Result = "skipped"
		return result
	}
	defer func() {
		if err := e.leases.Release(ctx, exec.ID); err != nil {
			e.logger.Warn("lease release failed", zap.String("execution_id", exec.ID), zap.Error(err))
		}
	}()

	now := e.now()
	until := now.Add(e.leaseTTL)
	claimed, err := e.store.ClaimExecution(ctx, exec.ID, until, now)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if !claimed {
		result.Result = "skipped"
		return result
	}
	// The loaded copy predates the claim. Stamp it so intermediate persists
	// (first activation) keep the claim held until the final transition
	// clears it.
	exec.ClaimedUntil = &until

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic advancing execution: %v", r)
			e.logger.Error("executor panic",
				zap.String("execution_id", exec.ID),
				zap.Any("panic", r),
			)
			e.markFailed(ctx, exec.ID, err)
			result.Result = ""
			result.Error = err.Error()
		}
	}()

	outcome, err := e.advance(ctx, exec)
	if err != nil {
		e.logger.Warn("execution advance failed",
			zap.String("execution_id", exec.ID),
			zap.String("flow_id", exec.FlowID),
			zap.Error(err),
		)
		e.markFailed(ctx, exec.ID, err)
		result.Error = err.Error()
		return result
	}

	result.Result = outcome
	return result
}

// advance moves one execution forward by a single step transition. It
// returns a short description of what happened.
func (e *Engine) advance(ctx context.Context, exec model.Execution) (string, error) {
	ctx, span := observability.StartSpan(ctx, "engine.advance",
		observability.AttrExecutionID.String(exec.ID),
		observability.AttrFlowID.String(exec.FlowID),
	)
	var retErr error
	defer func() { observability.EndSpanWithError(span, retErr) }()

	flow, err := e.store.GetFlow(ctx, exec.FlowID)
	if err != nil {
		retErr = err
		return "", fmt.Errorf("load flow: %w", err)
	}

	// Deactivation cancels lazily on pick-up. The step pointer stays where
	// it was for post-mortem inspection.
	if !flow.IsActive {
		exec.Status = model.ExecutionStatusCancelled
		exec.ScheduledFor = nil
		exec.ClaimedUntil = nil
		if err := e.store.UpdateExecution(ctx, exec); err != nil {
			retErr = err
			return "", fmt.Errorf("cancel execution: %w", err)
		}
		e.appendLog(ctx, exec.ID, "", model.LogEventFlowInactive,
			"flow deactivated, execution cancelled", nil)
		e.recordCompleted(model.ExecutionStatusCancelled)
		return "cancelled", nil
	}

	steps, err := e.store.ListSteps(ctx, exec.FlowID)
	if err != nil {
		retErr = err
		return "", fmt.Errorf("load steps: %w", err)
	}
	if len(steps) == 0 {
		e.complete(ctx, &exec)
		return "completed", nil
	}

	// First pick-up: point at the first step before interpreting it.
	if exec.CurrentStepID == nil {
		first := steps[0]
		exec.CurrentStepID = &first.ID
		exec.Status = model.ExecutionStatusRunning
		if err := e.store.UpdateExecution(ctx, exec); err != nil {
			retErr = err
			return "", fmt.Errorf("activate execution: %w", err)
		}
		e.appendLog(ctx, exec.ID, first.ID, model.LogEventStarted, "execution started", nil)
	}

	current, idx := findStep(steps, *exec.CurrentStepID)
	if current == nil {
		retErr = model.NewUnknownConfigurationError(
			fmt.Sprintf("current step %q not found in flow %q", *exec.CurrentStepID, exec.FlowID),
		)
		return "", retErr
	}

	span.SetAttributes(
		observability.AttrStepID.String(current.ID),
		observability.AttrStepType.String(current.StepType),
	)

	stepStart := e.now()
	outcome, err := e.interpretStep(ctx, &exec, *current)
	if e.metrics != nil {
		e.metrics.RecordStepDuration(current.StepType, e.now().Sub(stepStart))
	}
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordExecutionFailed(current.StepType)
		}
		retErr = err
		return "", err
	}

	e.appendLog(ctx, exec.ID, current.ID, outcome.LogEvent, outcome.Message, outcome.Detail)

	return e.applyOutcome(ctx, &exec, steps, idx, outcome)
}

// applyOutcome turns a step outcome into the execution's next persisted
// state.
func (e *Engine) applyOutcome(ctx context.Context, exec *model.Execution, steps []model.Step, idx int, outcome StepOutcome) (string, error) {
	switch {
	case outcome.Hold:
		// Condition awaiting its predicate: stay on this step.
		scheduledFor := outcome.ScheduledFor
		exec.Status = model.ExecutionStatusWaiting
		exec.ScheduledFor = &scheduledFor
		exec.ClaimedUntil = nil
		if err := e.store.UpdateExecution(ctx, *exec); err != nil {
			return "", fmt.Errorf("persist waiting execution: %w", err)
		}
		return "waiting", nil

	case outcome.Branch != nil:
		// Explicit condition branch.
		exec.CurrentStepID = outcome.Branch
		exec.Status = model.ExecutionStatusRunning
		exec.ScheduledFor = nil
		exec.ClaimedUntil = nil
		if err := e.store.UpdateExecution(ctx, *exec); err != nil {
			return "", fmt.Errorf("persist branched execution: %w", err)
		}
		return "advanced", nil

	case outcome.Wait:
		// Delay: advance past the delay step now so the resume pass starts
		// on its successor instead of re-applying the delay.
		if idx+1 >= len(steps) {
			e.complete(ctx, exec)
			return "completed", nil
		}
		next := steps[idx+1]
		scheduledFor := outcome.ScheduledFor
		exec.CurrentStepID = &next.ID
		exec.Status = model.ExecutionStatusWaiting
		exec.ScheduledFor = &scheduledFor
		exec.ClaimedUntil = nil
		if err := e.store.UpdateExecution(ctx, *exec); err != nil {
			return "", fmt.Errorf("persist waiting execution: %w", err)
		}
		return "waiting", nil

	default:
		// Linear advance.
		if idx+1 >= len(steps) {
			e.complete(ctx, exec)
			return "completed", nil
		}
		next := steps[idx+1]
		exec.CurrentStepID = &next.ID
		exec.Status = model.ExecutionStatusRunning
		exec.ScheduledFor = nil
		exec.ClaimedUntil = nil
		if err := e.store.UpdateExecution(ctx, *exec); err != nil {
			return "", fmt.Errorf("persist advanced execution: %w", err)
		}
		return "advanced", nil
	}
}

// complete marks the execution finished and appends the final log entry.
func (e *Engine) complete(ctx context.Context, exec *model.Execution) {
	now := e.now()
	exec.Status = model.ExecutionStatusCompleted
	exec.ScheduledFor = nil
	exec.ClaimedUntil = nil
	exec.CompletedAt = &now
	if err := e.store.UpdateExecution(ctx, *exec); err != nil {
		e.logger.Error("persisting completed execution failed",
			zap.String("execution_id", exec.ID),
			zap.Error(err),
		)
		return
	}
	e.appendLog(ctx, exec.ID, "", model.LogEventCompleted, "execution completed", nil)
	e.recordCompleted(model.ExecutionStatusCompleted)
	e.logger.Info("execution completed",
		zap.String("execution_id", exec.ID),
		zap.String("flow_id", exec.FlowID),
	)
}

// markFailed transitions an execution to failed with an error log entry.
func (e *Engine) markFailed(ctx context.Context, execID string, cause error) {
	exec, err := e.store.GetExecution(ctx, execID)
	if err != nil {
		e.logger.Error("loading execution for failure mark failed",
			zap.String("execution_id", execID),
			zap.Error(err),
		)
		return
	}

	exec.Status = model.ExecutionStatusFailed
	exec.ScheduledFor = nil
	exec.ClaimedUntil = nil
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		e.logger.Error("persisting failed execution failed",
			zap.String("execution_id", execID),
			zap.Error(err),
		)
		return
	}

	stepID := ""
	if exec.CurrentStepID != nil {
		stepID = *exec.CurrentStepID
	}
	e.appendLog(ctx, execID, stepID, model.LogEventFailed, cause.Error(), nil)
	e.recordCompleted(model.ExecutionStatusFailed)
}

func (e *Engine) appendLog(ctx context.Context, execID, stepID, event, message string, detail map[string]any) {
	if err := e.store.AppendLog(ctx, model.ExecutionLog{
		ID:          uuid.NewString(),
		ExecutionID: execID,
		StepID:      stepID,
		Event:       event,
		Message:     message,
		Detail:      detail,
		Timestamp:   e.now(),
	}); err != nil {
		e.logger.Warn("appending execution log failed",
			zap.String("execution_id", execID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

func (e *Engine) recordCompleted(finalStatus string) {
	if e.metrics != nil {
		e.metrics.RecordExecutionCompleted(finalStatus)
	}
}

func findStep(steps []model.Step, stepID string) (*model.Step, int) {
	for i := range steps {
		if steps[i].ID == stepID {
			return &steps[i], i
		}
	}
	return nil, -1
}

// GetExecutionDetail returns an execution with its audit trail.
func (e *Engine) GetExecutionDetail(ctx context.Context, execID string) (model.ExecutionDetail, error) {
	exec, err := e.store.GetExecution(ctx, execID)
	if err != nil {
		return model.ExecutionDetail{}, err
	}
	logs, err := e.store.ListLogs(ctx, execID)
	if err != nil {
		return model.ExecutionDetail{}, err
	}
	if logs == nil {
		logs = []model.ExecutionLog{}
	}
	return model.ExecutionDetail{Execution: exec, Logs: logs}, nil
}

// ListExecutions returns execution summaries matching the filters.
func (e *Engine) ListExecutions(ctx context.Context, filters store.ExecutionFilters) ([]model.Execution, error) {
	if filters.Limit <= 0 || filters.Limit > 200 {
		filters.Limit = 100
	}
	execs, err := e.store.ListExecutions(ctx, filters)
	if err != nil {
		return nil, err
	}
	if execs == nil {
		execs = []model.Execution{}
	}
	return execs, nil
}

// Runner is the subset of the engine the background ticker needs.
type Runner interface {
	Run(ctx context.Context) (model.RunResponse, error)
}

var _ Runner = (*Engine)(nil)
