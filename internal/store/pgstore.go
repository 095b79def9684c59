package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leadline/flowline/model"
)

const pgUniqueViolation = "23505"

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// GetFlow retrieves a flow definition by ID.
func (s *PgStore) GetFlow(ctx context.Context, flowID string) (model.FlowDefinition, error) {
	var flow model.FlowDefinition
	var filtersJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, name, trigger_type, is_active, trigger_filters, created_at, updated_at
		FROM automation_flows
		WHERE id = $1`,
		flowID,
	).Scan(
		&flow.ID, &flow.Name, &flow.TriggerType, &flow.IsActive,
		&filtersJSON, &flow.CreatedAt, &flow.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.FlowDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("flow %q not found", flowID),
		)
	}
	if err != nil {
		return model.FlowDefinition{}, fmt.Errorf("query flow: %w", err)
	}

	if filtersJSON != nil {
		if err := json.Unmarshal(filtersJSON, &flow.TriggerFilters); err != nil {
			return model.FlowDefinition{}, fmt.Errorf("unmarshal trigger filters: %w", err)
		}
	}

	return flow, nil
}

// ListActiveFlowsByTrigger returns all active flows registered for a trigger
// type.
func (s *PgStore) ListActiveFlowsByTrigger(ctx context.Context, triggerType string) ([]model.FlowDefinition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, trigger_type, is_active, trigger_filters, created_at, updated_at
		FROM automation_flows
		WHERE trigger_type = $1 AND is_active = TRUE
		ORDER BY created_at ASC`,
		triggerType,
	)
	if err != nil {
		return nil, fmt.Errorf("query flows: %w", err)
	}
	defer rows.Close()

	var flows []model.FlowDefinition
	for rows.Next() {
		var flow model.FlowDefinition
		var filtersJSON []byte
		if err := rows.Scan(
			&flow.ID, &flow.Name, &flow.TriggerType, &flow.IsActive,
			&filtersJSON, &flow.CreatedAt, &flow.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan flow: %w", err)
		}
		if filtersJSON != nil {
			_ = json.Unmarshal(filtersJSON, &flow.TriggerFilters)
		}
		flows = append(flows, flow)
	}
	return flows, rows.Err()
}

// CreateFlow inserts a new flow definition.
func (s *PgStore) CreateFlow(ctx context.Context, flow model.FlowDefinition) error {
	filtersJSON, err := json.Marshal(flow.TriggerFilters)
	if err != nil {
		return fmt.Errorf("marshal trigger filters: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO automation_flows (
			id, name, trigger_type, is_active, trigger_filters, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		flow.ID, flow.Name, flow.TriggerType, flow.IsActive,
		filtersJSON, flow.CreatedAt, flow.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError(fmt.Sprintf("flow %q already exists", flow.ID))
	}
	if err != nil {
		return fmt.Errorf("insert flow: %w", err)
	}
	return nil
}

// SetFlowActive toggles a flow's active flag.
func (s *PgStore) SetFlowActive(ctx context.Context, flowID string, active bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE automation_flows SET is_active = $1, updated_at = $2
		WHERE id = $3`,
		active, time.Now().UTC(), flowID,
	)
	if err != nil {
		return fmt.Errorf("update flow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("flow %q not found", flowID))
	}
	return nil
}

// ListSteps returns a flow's steps ordered by step_order.
func (s *PgStore) ListSteps(ctx context.Context, flowID string) ([]model.Step, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, flow_id, step_order, step_type, config, next_step_on_true, next_step_on_false
		FROM automation_steps
		WHERE flow_id = $1
		ORDER BY step_order ASC`,
		flowID,
	)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []model.Step
	for rows.Next() {
		var step model.Step
		var configJSON []byte
		if err := rows.Scan(
			&step.ID, &step.FlowID, &step.StepOrder, &step.StepType,
			&configJSON, &step.NextStepOnTrue, &step.NextStepOnFalse,
		); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if configJSON != nil {
			_ = json.Unmarshal(configJSON, &step.Config)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// CreateStep inserts a new step.
func (s *PgStore) CreateStep(ctx context.Context, step model.Step) error {
	configJSON, err := json.Marshal(step.Config)
	if err != nil {
		return fmt.Errorf("marshal step config: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO automation_steps (
			id, flow_id, step_order, step_type, config, next_step_on_true, next_step_on_false
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		step.ID, step.FlowID, step.StepOrder, step.StepType,
		configJSON, step.NextStepOnTrue, step.NextStepOnFalse,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError(fmt.Sprintf("step %q already exists", step.ID))
	}
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// CreateExecution inserts a new execution. The unique index on
// (flow_id, entity_type, entity_id) makes concurrent duplicate triggers
// resolve to a CONFLICT here rather than a second row.
func (s *PgStore) CreateExecution(ctx context.Context, exec model.Execution) error {
	contextJSON, err := json.Marshal(exec.Context)
	if err != nil {
		return fmt.Errorf("marshal execution context: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO automation_executions (
			id, flow_id, entity_type, entity_id, status,
			current_step_id, scheduled_for, claimed_until, context,
			created_at, updated_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		exec.ID, exec.FlowID, exec.EntityType, exec.EntityID, exec.Status,
		exec.CurrentStepID, exec.ScheduledFor, exec.ClaimedUntil, contextJSON,
		exec.CreatedAt, exec.UpdatedAt, exec.CompletedAt,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError(fmt.Sprintf(
			"execution already exists for flow %q entity %s/%s",
			exec.FlowID, exec.EntityType, exec.EntityID,
		))
	}
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

const executionColumns = `id, flow_id, entity_type, entity_id, status,
       current_step_id, scheduled_for, claimed_until, context,
       created_at, updated_at, completed_at`

// GetExecution retrieves an execution by ID.
func (s *PgStore) GetExecution(ctx context.Context, execID string) (model.Execution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM automation_executions WHERE id = $1`,
		execID,
	)
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Execution{}, model.NewNotFoundError(
			fmt.Sprintf("execution %q not found", execID),
		)
	}
	if err != nil {
		return model.Execution{}, fmt.Errorf("query execution: %w", err)
	}
	return exec, nil
}

// FindExecution retrieves the execution for a (flow, entity) pair.
func (s *PgStore) FindExecution(ctx context.Context, flowID, entityType, entityID string) (model.Execution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM automation_executions
		 WHERE flow_id = $1 AND entity_type = $2 AND entity_id = $3`,
		flowID, entityType, entityID,
	)
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Execution{}, model.NewNotFoundError(fmt.Sprintf(
			"no execution for flow %q entity %s/%s", flowID, entityType, entityID,
		))
	}
	if err != nil {
		return model.Execution{}, fmt.Errorf("query execution: %w", err)
	}
	return exec, nil
}

// UpdateExecution persists a modified execution.
func (s *PgStore) UpdateExecution(ctx context.Context, exec model.Execution) error {
	contextJSON, err := json.Marshal(exec.Context)
	if err != nil {
		return fmt.Errorf("marshal execution context: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE automation_executions SET
			status = $1,
			current_step_id = $2,
			scheduled_for = $3,
			claimed_until = $4,
			context = $5,
			updated_at = $6,
			completed_at = $7
		WHERE id = $8`,
		exec.Status, exec.CurrentStepID, exec.ScheduledFor, exec.ClaimedUntil,
		contextJSON, time.Now().UTC(), exec.CompletedAt,
		exec.ID,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("execution %q not found", exec.ID))
	}
	return nil
}

// ListExecutions returns executions matching the filters, newest first.
func (s *PgStore) ListExecutions(ctx context.Context, filters ExecutionFilters) ([]model.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM automation_executions WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filters.FlowID != "" {
		query += fmt.Sprintf(" AND flow_id = $%d", argIdx)
		args = append(args, filters.FlowID)
		argIdx++
	}
	if filters.EntityType != "" {
		query += fmt.Sprintf(" AND entity_type = $%d", argIdx)
		args = append(args, filters.EntityType)
		argIdx++
	}
	if filters.EntityID != "" {
		query += fmt.Sprintf(" AND entity_id = $%d", argIdx)
		args = append(args, filters.EntityID)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	return s.queryExecutions(ctx, query, args...)
}

// ListDue returns executions eligible for pick-up, oldest scheduled first.
func (s *PgStore) ListDue(ctx context.Context, now time.Time, limit int) ([]model.Execution, error) {
	return s.queryExecutions(ctx, `
		SELECT `+executionColumns+` FROM automation_executions
		WHERE status IN ('pending', 'running', 'waiting')
		  AND (scheduled_for IS NULL OR scheduled_for <= $1)
		  AND (claimed_until IS NULL OR claimed_until <= $1)
		ORDER BY scheduled_for ASC NULLS FIRST, created_at ASC
		LIMIT $2`,
		now, limit,
	)
}

// ClaimExecution acquires the claim on an execution. The WHERE clause makes
// the check-and-set atomic so two overlapping passes cannot both win.
func (s *PgStore) ClaimExecution(ctx context.Context, execID string, until, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE automation_executions SET claimed_until = $1, updated_at = $2
		WHERE id = $3 AND (claimed_until IS NULL OR claimed_until <= $4)`,
		until, now, execID, now,
	)
	if err != nil {
		return false, fmt.Errorf("claim execution: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseExecution clears the claim on an execution.
func (s *PgStore) ReleaseExecution(ctx context.Context, execID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE automation_executions SET claimed_until = NULL, updated_at = $1
		WHERE id = $2`,
		time.Now().UTC(), execID,
	)
	if err != nil {
		return fmt.Errorf("release execution: %w", err)
	}
	return nil
}

// AppendLog adds an entry to an execution's audit trail.
func (s *PgStore) AppendLog(ctx context.Context, entry model.ExecutionLog) error {
	detailJSON, err := json.Marshal(entry.Detail)
	if err != nil {
		return fmt.Errorf("marshal log detail: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO automation_execution_logs (
			id, execution_id, step_id, event, message, detail, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.ExecutionID, entry.StepID, entry.Event,
		entry.Message, detailJSON, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert execution log: %w", err)
	}
	return nil
}

// ListLogs returns an execution's audit trail in append order.
func (s *PgStore) ListLogs(ctx context.Context, execID string) ([]model.ExecutionLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, execution_id, step_id, event, message, detail, created_at
		FROM automation_execution_logs
		WHERE execution_id = $1
		ORDER BY created_at ASC`,
		execID,
	)
	if err != nil {
		return nil, fmt.Errorf("query execution logs: %w", err)
	}
	defer rows.Close()

	var logs []model.ExecutionLog
	for rows.Next() {
		var entry model.ExecutionLog
		var detailJSON []byte
		if err := rows.Scan(
			&entry.ID, &entry.ExecutionID, &entry.StepID, &entry.Event,
			&entry.Message, &detailJSON, &entry.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		if detailJSON != nil {
			_ = json.Unmarshal(detailJSON, &entry.Detail)
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// Ping verifies database connectivity.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgStore) queryExecutions(ctx context.Context, query string, args ...any) ([]model.Execution, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var execs []model.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

func scanExecution(row pgx.Row) (model.Execution, error) {
	var exec model.Execution
	var contextJSON []byte
	err := row.Scan(
		&exec.ID, &exec.FlowID, &exec.EntityType, &exec.EntityID, &exec.Status,
		&exec.CurrentStepID, &exec.ScheduledFor, &exec.ClaimedUntil, &contextJSON,
		&exec.CreatedAt, &exec.UpdatedAt, &exec.CompletedAt,
	)
	if err != nil {
		return model.Execution{}, err
	}
	if contextJSON != nil {
		_ = json.Unmarshal(contextJSON, &exec.Context)
	}
	return exec, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
