package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/leadline/flowline/model"
)

// MemStore is an in-memory Store for tests and local development.
type MemStore struct {
	mu    sync.RWMutex
	flows map[string]model.FlowDefinition
	steps map[string][]model.Step          // keyed by flow ID
	execs map[string]model.Execution       // keyed by execution ID
	byKey map[string]string                // (flow, entity) key -> execution ID
	logs  map[string][]model.ExecutionLog  // keyed by execution ID
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		flows: make(map[string]model.FlowDefinition),
		steps: make(map[string][]model.Step),
		execs: make(map[string]model.Execution),
		byKey: make(map[string]string),
		logs:  make(map[string][]model.ExecutionLog),
	}
}

func executionKey(flowID, entityType, entityID string) string {
	return flowID + "|" + entityType + "|" + entityID
}

// GetFlow retrieves a flow definition by ID.
func (s *MemStore) GetFlow(_ context.Context, flowID string) (model.FlowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flow, ok := s.flows[flowID]
	if !ok {
		return model.FlowDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("flow %q not found", flowID),
		)
	}
	return flow, nil
}

// ListActiveFlowsByTrigger returns all active flows registered for a trigger
// type.
func (s *MemStore) ListActiveFlowsByTrigger(_ context.Context, triggerType string) ([]model.FlowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var flows []model.FlowDefinition
	for _, flow := range s.flows {
		if flow.TriggerType == triggerType && flow.IsActive {
			flows = append(flows, flow)
		}
	}
	sort.Slice(flows, func(i, j int) bool {
		return flows[i].CreatedAt.Before(flows[j].CreatedAt)
	})
	return flows, nil
}

// CreateFlow inserts a new flow definition.
func (s *MemStore) CreateFlow(_ context.Context, flow model.FlowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.flows[flow.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("flow %q already exists", flow.ID))
	}
	s.flows[flow.ID] = flow
	return nil
}

// SetFlowActive toggles a flow's active flag.
func (s *MemStore) SetFlowActive(_ context.Context, flowID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, ok := s.flows[flowID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("flow %q not found", flowID))
	}
	flow.IsActive = active
	flow.UpdatedAt = time.Now().UTC()
	s.flows[flowID] = flow
	return nil
}

// ListSteps returns a flow's steps ordered by step_order.
func (s *MemStore) ListSteps(_ context.Context, flowID string) ([]model.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps := make([]model.Step, len(s.steps[flowID]))
	copy(steps, s.steps[flowID])
	sort.Slice(steps, func(i, j int) bool {
		return steps[i].StepOrder < steps[j].StepOrder
	})
	return steps, nil
}

// CreateStep inserts a new step.
func (s *MemStore) CreateStep(_ context.Context, step model.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.steps[step.FlowID] {
		if existing.ID == step.ID {
			return model.NewConflictError(fmt.Sprintf("step %q already exists", step.ID))
		}
	}
	s.steps[step.FlowID] = append(s.steps[step.FlowID], step)
	return nil
}

// CreateExecution inserts a new execution, enforcing uniqueness per
// (flow, entity type, entity ID).
func (s *MemStore) CreateExecution(_ context.Context, exec model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := executionKey(exec.FlowID, exec.EntityType, exec.EntityID)
	if _, exists := s.byKey[key]; exists {
		return model.NewConflictError(fmt.Sprintf(
			"execution already exists for flow %q entity %s/%s",
			exec.FlowID, exec.EntityType, exec.EntityID,
		))
	}
	if _, exists := s.execs[exec.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("execution %q already exists", exec.ID))
	}

	s.execs[exec.ID] = exec
	s.byKey[key] = exec.ID
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *MemStore) GetExecution(_ context.Context, execID string) (model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.execs[execID]
	if !ok {
		return model.Execution{}, model.NewNotFoundError(
			fmt.Sprintf("execution %q not found", execID),
		)
	}
	return exec, nil
}

// FindExecution retrieves the execution for a (flow, entity) pair.
func (s *MemStore) FindExecution(_ context.Context, flowID, entityType, entityID string) (model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[executionKey(flowID, entityType, entityID)]
	if !ok {
		return model.Execution{}, model.NewNotFoundError(fmt.Sprintf(
			"no execution for flow %q entity %s/%s", flowID, entityType, entityID,
		))
	}
	return s.execs[id], nil
}

// UpdateExecution persists a modified execution.
func (s *MemStore) UpdateExecution(_ context.Context, exec model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.execs[exec.ID]; !ok {
		return model.NewNotFoundError(fmt.Sprintf("execution %q not found", exec.ID))
	}
	exec.UpdatedAt = time.Now().UTC()
	s.execs[exec.ID] = exec
	return nil
}

// ListExecutions returns executions matching the filters, newest first.
func (s *MemStore) ListExecutions(_ context.Context, filters ExecutionFilters) ([]model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var execs []model.Execution
	for _, exec := range s.execs {
		if filters.FlowID != "" && exec.FlowID != filters.FlowID {
			continue
		}
		if filters.EntityType != "" && exec.EntityType != filters.EntityType {
			continue
		}
		if filters.EntityID != "" && exec.EntityID != filters.EntityID {
			continue
		}
		if filters.Status != "" && exec.Status != filters.Status {
			continue
		}
		execs = append(execs, exec)
	}
	sort.Slice(execs, func(i, j int) bool {
		return execs[i].CreatedAt.After(execs[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(execs) {
			return nil, nil
		}
		execs = execs[filters.Offset:]
	}
	if filters.Limit > 0 && len(execs) > filters.Limit {
		execs = execs[:filters.Limit]
	}
	return execs, nil
}

// ListDue returns executions eligible for pick-up, oldest scheduled first.
func (s *MemStore) ListDue(_ context.Context, now time.Time, limit int) ([]model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []model.Execution
	for _, exec := range s.execs {
		if exec.Terminal() {
			continue
		}
		if exec.ScheduledFor != nil && exec.ScheduledFor.After(now) {
			continue
		}
		if exec.ClaimedUntil != nil && exec.ClaimedUntil.After(now) {
			continue
		}
		due = append(due, exec)
	}
	sort.Slice(due, func(i, j int) bool {
		si, sj := due[i].ScheduledFor, due[j].ScheduledFor
		switch {
		case si == nil && sj == nil:
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		case si == nil:
			return true
		case sj == nil:
			return false
		case si.Equal(*sj):
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		default:
			return si.Before(*sj)
		}
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ClaimExecution acquires the claim on an execution.
func (s *MemStore) ClaimExecution(_ context.Context, execID string, until, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.execs[execID]
	if !ok {
		return false, model.NewNotFoundError(fmt.Sprintf("execution %q not found", execID))
	}
	if exec.ClaimedUntil != nil && exec.ClaimedUntil.After(now) {
		return false, nil
	}
	exec.ClaimedUntil = &until
	exec.UpdatedAt = now
	s.execs[execID] = exec
	return true, nil
}

// ReleaseExecution clears the claim on an execution.
func (s *MemStore) ReleaseExecution(_ context.Context, execID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.execs[execID]
	if !ok {
		return nil
	}
	exec.ClaimedUntil = nil
	s.execs[execID] = exec
	return nil
}

// AppendLog adds an entry to an execution's audit trail.
func (s *MemStore) AppendLog(_ context.Context, entry model.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs[entry.ExecutionID] = append(s.logs[entry.ExecutionID], entry)
	return nil
}

// ListLogs returns an execution's audit trail in append order.
func (s *MemStore) ListLogs(_ context.Context, execID string) ([]model.ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]model.ExecutionLog, len(s.logs[execID]))
	copy(logs, s.logs[execID])
	return logs, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemStore) Ping(_ context.Context) error {
	return nil
}
