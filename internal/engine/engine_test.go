package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leadline/flowline/internal/crm"
	"github.com/leadline/flowline/internal/settings"
	"github.com/leadline/flowline/internal/store"
	"github.com/leadline/flowline/model"
)

// fakeMailer records sends and can be told to fail per email type.
type fakeMailer struct {
	mu       sync.Mutex
	sent     []fakeSend
	failType string
	nextID   int
}

type fakeSend struct {
	EmailType string
	Data      map[string]any
}

func (f *fakeMailer) Send(_ context.Context, emailType string, data map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failType != "" && emailType == f.failType {
		return "", model.NewExternalCallError("provider rejected " + emailType)
	}
	f.nextID++
	f.sent = append(f.sent, fakeSend{EmailType: emailType, Data: data})
	return "msg-" + string(rune('0'+f.nextID)), nil
}

func (f *fakeMailer) sends() []fakeSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeSend, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeDispatcher records secondary triggers.
type fakeDispatcher struct {
	mu       sync.Mutex
	requests []model.TriggerRequest
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req model.TriggerRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return nil
}

func (f *fakeDispatcher) dispatched() []model.TriggerRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.TriggerRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	engine     *Engine
	store      *store.MemStore
	settings   *settings.MemSettings
	crm        *crm.MemCRM
	mailer     *fakeMailer
	dispatcher *fakeDispatcher
	clock      *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := store.NewMemStore()
	set := settings.NewMemSettings()
	crmAgg, memCRM := crm.NewMem()
	m := &fakeMailer{}
	d := &fakeDispatcher{}
	clock := newTestClock()

	e := NewEngine(st, set, crmAgg, m, zap.NewNop(),
		WithDispatcher(d),
		WithClock(clock.Now),
		WithAutoRun(false),
	)

	return &testEnv{
		engine:     e,
		store:      st,
		settings:   set,
		crm:        memCRM,
		mailer:     m,
		dispatcher: d,
		clock:      clock,
	}
}

func (env *testEnv) seedFlow(t *testing.T, flow model.FlowDefinition, steps ...model.Step) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.store.CreateFlow(ctx, flow))
	for _, step := range steps {
		step.FlowID = flow.ID
		require.NoError(t, env.store.CreateStep(ctx, step))
	}
}

func activeFlow(id, triggerType string) model.FlowDefinition {
	return model.FlowDefinition{
		ID:          id,
		Name:        "flow " + id,
		TriggerType: triggerType,
		IsActive:    true,
		CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func emailStep(id string, order int, emailType string) model.Step {
	return model.Step{
		ID:        id,
		StepOrder: order,
		StepType:  model.StepTypeAction,
		Config:    map[string]any{"action_type": model.ActionSendEmail, "email_type": emailType},
	}
}

func delayStep(id string, order int, value float64, unit string) model.Step {
	return model.Step{
		ID:        id,
		StepOrder: order,
		StepType:  model.StepTypeDelay,
		Config:    map[string]any{"delay_value": value, "delay_unit": unit},
	}
}

func leadTrigger(entityID string) model.TriggerRequest {
	return model.TriggerRequest{
		TriggerType: "lead_created",
		EntityType:  "lead",
		EntityID:    entityID,
		Context:     map[string]any{"clientEmail": "ada@example.com", "clientName": "Ada"},
	}
}

// --- Trigger gateway ---

func TestTriggerValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.Trigger(context.Background(), model.TriggerRequest{TriggerType: "lead_created"})
	require.Error(t, err)
	assert.Equal(t, model.ErrValidationError, model.CodeOf(err))

	// Nothing was created.
	execs, err := env.store.ListExecutions(context.Background(), store.ExecutionFilters{})
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestTriggerIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedFlow(t, activeFlow("f-1", "lead_created"), emailStep("s-1", 1, "welcome"))

	resp, err := env.engine.Trigger(ctx, leadTrigger("lead-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Created)
	require.Len(t, resp.ExecutionIDs, 1)

	// The same event again creates nothing.
	resp, err = env.engine.Trigger(ctx, leadTrigger("lead-1"))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 0, resp.Created)

	execs, err := env.store.ListExecutions(ctx, store.ExecutionFilters{FlowID: "f-1"})
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestTriggerSeedsContextAndLog(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedFlow(t, activeFlow("f-1", "lead_created"), emailStep("s-1", 1, "welcome"))

	resp, err := env.engine.Trigger(ctx, leadTrigger("lead-1"))
	require.NoError(t, err)
	require.Len(t, resp.ExecutionIDs, 1)

	exec, err := env.store.GetExecution(ctx, resp.ExecutionIDs[0])
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusPending, exec.Status)
	assert.Nil(t, exec.CurrentStepID)
	assert.Equal(t, "Ada", exec.Context["clientName"])
	assert.Equal(t, "lead_created", exec.Context[model.ContextKeyTriggerType])
	assert.Equal(t, env.clock.Now().Format(time.RFC3339), exec.Context[model.ContextKeyTriggeredAt])

	logs, err := env.store.ListLogs(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.LogEventTriggered, logs[0].Event)
}

func TestTriggerFilterMatching(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	vip := activeFlow("f-vip", "lead_created")
	vip.TriggerFilters = map[string]string{"segment": "vip"}
	env.seedFlow(t, vip, emailStep("s-1", 1, "vip_welcome"))

	all := activeFlow("f-all", "lead_created")
	env.seedFlow(t, all, emailStep("s-2", 1, "welcome"))

	// Event without the vip segment matches only the unfiltered flow.
	req := leadTrigger("lead-1")
	req.Filters = map[string]string{"segment": "regular"}
	resp, err := env.engine.Trigger(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Created)

	execs, err := env.store.ListExecutions(ctx, store.ExecutionFilters{FlowID: "f-all"})
	require.NoError(t, err)
	assert.Len(t, execs, 1)

	// A vip event matches both.
	req = leadTrigger("lead-2")
	req.Filters = map[string]string{"segment": "vip"}
	resp, err = env.engine.Trigger(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Created)

	// An event with no filters at all does not satisfy the vip filter.
	resp, err = env.engine.Trigger(ctx, leadTrigger("lead-3"))
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Created)
}

func TestTriggerInactiveFlowIgnored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	flow := activeFlow("f-1", "lead_created")
	flow.IsActive = false
	env.seedFlow(t, flow, emailStep("s-1", 1, "welcome"))

	resp, err := env.engine.Trigger(ctx, leadTrigger("lead-1"))
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Created)
}

func TestTriggerKillSwitch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedFlow(t, activeFlow("f-1", "lead_created"), emailStep("s-1", 1, "welcome"))
	env.settings.SetEnabled(false)

	resp, err := env.engine.Trigger(ctx, leadTrigger("lead-1"))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 0, resp.Created)

	execs, err := env.store.ListExecutions(ctx, store.ExecutionFilters{})
	require.NoError(t, err)
	assert.Empty(t, execs)
}

// --- Executor loop ---

func TestRunKillSwitch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedFlow(t, activeFlow("f-1", "lead_created"), emailStep("s-1", 1, "welcome"))
	_, err := env.engine.Trigger(ctx, leadTrigger("lead-1"))
	require.NoError(t, err)

	env.settings.SetEnabled(false)

	resp, err := env.engine.Run(ctx)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 0, resp.Processed)
	assert.Empty(t, env.mailer.sends())
}

func TestRunSingleStepPerPass(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedFlow(t, activeFlow("f-1", "lead_created"),
		emailStep("s-1", 1, "welcome"),
		emailStep("s-2", 2, "follow_up"),
	)
	resp, err := env.engine.Trigger(ctx, leadTrigger("lead-1"))
	require.NoError(t, err)
	execID := resp.ExecutionIDs[0]

	// First pass: activation + first email only.
	runResp, err := env.engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, runResp.Processed)
	require.Len(t, env.mailer.sends(), 1)
	assert.Equal(t, "welcome", env.mailer.sends()[0].EmailType)

	exec, err := env.store.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusRunning, exec.Status)
	require.NotNil(t, exec.CurrentStepID)
	assert.Equal(t, "s-2", *exec.CurrentStepID)

	// Second pass: second email, completion.
	_, err = env.engine.Run(ctx)
	require.NoError(t, err)
	require.Len(t, env.mailer.sends(), 2)
	assert.Equal(t, "follow_up", env.mailer.sends()[1].EmailType)

	exec, err = env.store.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCompleted, exec.Status)
	require.NotNil(t, exec.CompletedAt)
}

func TestRunDelayMath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedFlow(t, activeFlow("f-1", "lead_created"),
		delayStep("s-1", 1, 2, model.DelayUnitDays),
		emailStep("s-2", 2, "follow_up"),
	)
	resp, err := env.engine.Trigger(ctx, leadTrigger("lead-1"))
	require.NoError(t, err)
	execID := resp.ExecutionIDs[0]

	start := env.clock.Now()
	_, err = env.engine.Run(ctx)
	require.NoError(t, err)

	exec, err := env.store.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusWaiting, exec.Status)
	require.NotNil(t, exec.ScheduledFor)
	assert.WithinDuration(t, start.Add(48*time.Hour), *exec.ScheduledFor, time.Second)
	// The pointer moved past the delay so resume does not re-apply it.
	require.NotNil(t, exec.CurrentStepID)
	assert.Equal(t, "s-2", *exec.CurrentStepID)

	// Before the resume time the execution is not due.
	env.clock.Advance(47 * time.Hour)
	runResp, err := env.engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, runResp.Processed)
	assert.Empty(t, env.mailer.sends())

	// After it, the follow-up goes out.
	env.clock.Advance(2 * time.Hour)
	_, err = env.engine.Run(ctx)
	require.NoError(t, err)
	require.Len(t, env.mailer.sends(), 1)
	assert.Equal(t, "follow_up", env.mailer.sends()[0].EmailType)
}

func TestRunDelayHours(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedFlow(t, activeFlow("f-1", "lead_created"),
		delayStep("s-1", 1, 1, model.DelayUnitHours),
		emailStep("s-2", 2, "nudge"),
	)
	resp, err := env.engine.Trigger(ctx, leadTrigger("lead-1"))
	require.NoError(t, err)

	start := env.clock.Now()
	_, err = env.engine.Run(ctx)
	require.NoError(t, err)

	exec, err := env.store.GetExecution(ctx, resp.ExecutionIDs[0])
	require.NoError(t, err)
	require.NotNil(t, exec.ScheduledFor)
	assert.WithinDuration(t, start.Add(time.Hour), *exec.ScheduledFor, time.Second)
}

func TestRunTrailingDelayCompletes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedFlow(t, activeFlow("f-1", "lead_created"),
		emailStep("s-1", 1, "welcome"),
		delayStep("s-2", 2, 1, model.DelayUnitDays),
	)
	resp, err := env.engine.Trigger(ctx, leadTrigger("lead-1"))
	require.NoError(t, err)

	_, err = env.engine.Run(ctx)
	require.NoError(t, err)
	_, err = env.engine.Run(ctx)
	require.NoError(t, err)

	// A delay with nothing after it has nothing to wait for.
	exec, err := env.store.GetExecution(ctx, resp.ExecutionIDs[0])
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCompleted, exec.Status)
}

func TestRunLazyCancellation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedFlow(t, activeFlow("f-1", "lead_created"),
		emailStep("s-1", 1, "welcome"),
		emailStep("s-2", 2, "follow_up"),
	)
	resp, err := env.engine.Trigger(ctx, leadTrigger("lead-1"))
	require.NoError(t, err)
	execID := resp.ExecutionIDs[0]

	_, err = env.engine.Run(ctx)
	require.NoError(t, err)

	require.NoError(t, env.store.SetFlowActive(ctx, "f-1", false))

	_, err = env.engine.Run(ctx)
	require.NoError(t, err)

	exec, err := env.store.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCancelled, exec.Status)
	// The pointer survives cancellation for inspection.
	require.NotNil(t, exec.CurrentStepID)
	assert.Equal(t, "s-2", *exec.CurrentStepID)

	logs, err := env.store.ListLogs(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, model.LogEventFlowInactive, logs[len(logs)-1].Event)

	// Terminal: never picked up again.
	runResp, err := env.engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, runResp.Processed)
}

func TestRunConditionBranching(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	trueBranch := "s-warm"
	falseBranch := "s-cold"
	condition := model.Step{
		ID:        "s-cond",
		StepOrder: 1,
		StepType:  model.StepTypeCondition,
		Config: map[string]any{
			"field":    model.ConditionFieldDaysSinceTrigger,
			"operator": model.OpGte,
			"value":    float64(3),
		},
		NextStepOnTrue:  &trueBranch,
		NextStepOnFalse: &falseBranch,
	}
	env.seedFlow(t, activeFlow("f-1", "lead_created"),
		condition,
		emailStep("s-cold", 2, "quick_follow_up"),
		emailStep("s-warm", 3, "re_engage"),
	)

	// Fresh trigger: 0 days elapsed, false branch.
	resp, err := env.engine.Trigger(ctx, leadTrigger("lead-1"))
	require.NoError(t, err)
	_, err = env.engine.Run(ctx)
	require.NoError(t, err)

	exec, err := env.store.GetExecution(ctx, resp.ExecutionIDs[0])
	require.NoError(t, err)
	require.NotNil(t, exec.CurrentStepID)
	assert.Equal(t, "s-cold", *exec.CurrentStepID)

	// A second entity triggered now but evaluated 4 days later takes the
	// true branch.
	resp, err = env.engine.Trigger(ctx, leadTrigger("lead-2"))
	require.NoError(t, err)
	env.clock.Advance(4 * 24 * time.Hour)
	_, err = env.engine.Run(ctx)
	require.NoError(t, err)

	// lead-1's execution advanced too; look at lead-2's specifically.
	exec, err = env.store.GetExecution(ctx, resp.ExecutionIDs[0])
	require.NoError(t, err)
	require.NotNil(t, exec.CurrentStepID)
	assert.Equal(t, "s-warm", *exec.CurrentStepID)
}

func TestRunConditionUnmetWaits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	condition := model.Step{
		ID:        "s-cond",
		StepOrder: 1,
		StepType:  model.StepTypeCondition,
		Config: map[string]any{
			"field":    model.ConditionFieldHasPurchased,
			"operator": model.OpEq,
			"value":    true,
		},
	}
	env.seedFlow(t, activeFlow("f-1", "lead_created"),
		condition,
		emailStep("s-thanks", 2, "thank_you"),
	)
	resp, err := env.engine.Trigger(ctx, leadTrigger("lead-1"))
	require.NoError(t, err)
	execID := resp.ExecutionIDs[0]

	start := env.clock.Now()
	_, err = env.engine.Run(ctx)
	require.NoError(t, err)

	// No purchase yet and no false branch: hold on the condition.
	exec, err := env.store.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusWaiting, exec.Status)
	require.NotNil(t, exec.CurrentStepID)
	assert.Equal(t, "s-cond", *exec.CurrentStepID)
	require.NotNil(t, exec.ScheduledFor)
	assert.WithinDuration(t, start.Add(time.Hour), *exec.ScheduledFor, time.Second)

	logs, err := env.store.ListLogs(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, model.LogEventConditionUnmet, logs[len(logs)-1].Event)

	// The purchase lands; the next due pass takes the true path.
	env.crm.SetPaidOrder("lead", "lead-1")
	env.clock.Advance(2 * time.Hour)
	_, err = env.engine.Run(ctx)
	require.NoError(t, err)

	exec, err = env.store.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, "s-thanks", *exec.CurrentStepID)
}

func TestRunPartialBatchIsolation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.mailer.failType = "broken"

	env.seedFlow(t, activeFlow("f-ok", "lead_created"), emailStep("s-1", 1, "welcome"))
	env.seedFlow(t, activeFlow("f-bad", "offer_sent"), emailStep("s-2", 1, "broken"))

	okResp, err := env.engine.Trigger(ctx, leadTrigger("lead-1"))
	require.NoError(t, err)
	badResp, err := env.engine.Trigger(ctx, model.TriggerRequest{
		TriggerType: "offer_sent", EntityType: "lead", EntityID: "lead-2",
	})
	require.NoError(t, err)

	runResp, err := env.engine.Run(ctx)
	require.NoError(t, err)
	assert.True(t, runResp.Success)
	assert.Equal(t, 2, runResp.Processed)

	byID := map[string]model.RunResult{}
	for _, r := range runResp.Results {
		byID[r.ID] = r
	}
	assert.Empty(t, byID[okResp.ExecutionIDs[0]].Error)
	assert.NotEmpty(t, byID[badResp.ExecutionIDs[0]].Error)

	okExec, err := env.store.GetExecution(ctx, okResp.ExecutionIDs[0])
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCompleted, okExec.Status)

	badExec, err := env.store.GetExecution(ctx, badResp.ExecutionIDs[0])
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusFailed, badExec.Status)

	logs, err := env.store.ListLogs(ctx, badExec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LogEventFailed, logs[len(logs)-1].Event)
}

func TestRunCompletionAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedFlow(t, activeFlow("f-1", "lead_created"),
		emailStep("s-1", 1, "welcome"),
		delayStep("s-2", 2, 1, model.DelayUnitHours),
		emailStep("s-3", 3, "follow_up"),
	)
	resp, err := env.engine.Trigger(ctx, leadTrigger("lead-1"))
	require.NoError(t, err)
	execID := resp.ExecutionIDs[0]

	// Pass 1: welcome email. Pass 2: delay. Pass 3 (after the hour): follow-up.
	_, err = env.engine.Run(ctx)
	require.NoError(t, err)
	_, err = env.engine.Run(ctx)
	require.NoError(t, err)
	env.clock.Advance(2 * time.Hour)
	_, err = env.engine.Run(ctx)
	require.NoError(t, err)

	exec, err := env.store.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCompleted, exec.Status)
	require.NotNil(t, exec.CompletedAt)

	logs, err := env.store.ListLogs(ctx, execID)
	require.NoError(t, err)

	events := make([]string, len(logs))
	for i, l := range logs {
		events[i] = l.Event
	}
	assert.Equal(t, []string{
		model.LogEventTriggered,
		model.LogEventStarted,
		model.LogEventEmailSent,
		model.LogEventDelayed,
		model.LogEventEmailSent,
		model.LogEventCompleted,
	}, events)
}

func TestRunSkipsClaimedExecution(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedFlow(t, activeFlow("f-1", "lead_created"), emailStep("s-1", 1, "welcome"))
	resp, err := env.engine.Trigger(ctx, leadTrigger("lead-1"))
	require.NoError(t, err)

	// Another worker holds the claim.
	ok, err := env.store.ClaimExecution(ctx, resp.ExecutionIDs[0],
		env.clock.Now().Add(time.Minute), env.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	runResp, err := env.engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, runResp.Processed)
	assert.Empty(t, env.mailer.sends())
}

// claimCheckingMailer inspects the persisted execution while the send is in
// flight, the way a concurrent replica sharing the store would see it.
type claimCheckingMailer struct {
	store       *store.MemStore
	clock       *testClock
	execID      string
	sawNilClaim bool
	sawDue      bool
}

func (m *claimCheckingMailer) Send(ctx context.Context, _ string, _ map[string]any) (string, error) {
	exec, err := m.store.GetExecution(ctx, m.execID)
	if err != nil {
		return "", err
	}
	if exec.ClaimedUntil == nil {
		m.sawNilClaim = true
	}
	due, err := m.store.ListDue(ctx, m.clock.Now(), 10)
	if err != nil {
		return "", err
	}
	for _, d := range due {
		if d.ID == m.execID {
			m.sawDue = true
		}
	}
	return "msg-1", nil
}

func TestRunHoldsClaimDuringStep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedFlow(t, activeFlow("f-1", "lead_created"),
		emailStep("s-1", 1, "welcome"),
		emailStep("s-2", 2, "follow_up"),
	)

	m := &claimCheckingMailer{store: env.store, clock: env.clock}
	crmAgg, _ := crm.NewMem()
	e := NewEngine(env.store, env.settings, crmAgg, m, zap.NewNop(),
		WithClock(env.clock.Now),
		WithAutoRun(false),
	)

	resp, err := e.Trigger(ctx, leadTrigger("lead-1"))
	require.NoError(t, err)
	require.Len(t, resp.ExecutionIDs, 1)
	m.execID = resp.ExecutionIDs[0]

	// First pass activates the execution and then runs the email step. The
	// activation persist must not release the store-level claim.
	_, err = e.Run(ctx)
	require.NoError(t, err)

	assert.False(t, m.sawNilClaim, "claim released while the step was running")
	assert.False(t, m.sawDue, "claimed execution listed as due mid-step")

	// The transition persisted at the end of the pass clears the claim.
	exec, err := env.store.GetExecution(ctx, m.execID)
	require.NoError(t, err)
	assert.Nil(t, exec.ClaimedUntil)
	assert.Equal(t, model.ExecutionStatusRunning, exec.Status)
}

func TestRunBatchSizeLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	WithBatchSize(2)(env.engine)

	env.seedFlow(t, activeFlow("f-1", "lead_created"), emailStep("s-1", 1, "welcome"))
	for _, id := range []string{"lead-1", "lead-2", "lead-3"} {
		_, err := env.engine.Trigger(ctx, leadTrigger(id))
		require.NoError(t, err)
	}

	runResp, err := env.engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, runResp.Processed)
}

// --- share_products action ---

func TestShareProductsIdempotentAndDispatches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	shareStep := model.Step{
		ID:        "s-share",
		StepOrder: 1,
		StepType:  model.StepTypeAction,
		Config:    map[string]any{"action_type": model.ActionShareProducts},
	}
	env.seedFlow(t, activeFlow("f-1", "lead_created"), shareStep)
	env.seedFlow(t, activeFlow("f-2", "offer_sent"), model.Step{
		ID:        "s-share-2",
		StepOrder: 1,
		StepType:  model.StepTypeAction,
		Config:    map[string]any{"action_type": model.ActionShareProducts},
	})

	resp1, err := env.engine.Trigger(ctx, leadTrigger("lead-1"))
	require.NoError(t, err)
	_, err = env.engine.Run(ctx)
	require.NoError(t, err)

	sharedAt, err := env.crm.GetProductsSharedAt(ctx, "lead", "lead-1")
	require.NoError(t, err)
	require.NotNil(t, sharedAt)

	dispatched := env.dispatcher.dispatched()
	require.Len(t, dispatched, 1)
	assert.Equal(t, "products_shared", dispatched[0].TriggerType)
	assert.Equal(t, "lead-1", dispatched[0].EntityID)

	activities := env.crm.Activities()
	require.Len(t, activities, 1)
	assert.Equal(t, "products_shared", activities[0].Kind)

	logs, err := env.store.ListLogs(ctx, resp1.ExecutionIDs[0])
	require.NoError(t, err)
	assert.Equal(t, model.LogEventProductsShared, logs[len(logs)-2].Event)

	// A second flow sharing with the same entity is a logged no-op.
	resp2, err := env.engine.Trigger(ctx, model.TriggerRequest{
		TriggerType: "offer_sent", EntityType: "lead", EntityID: "lead-1",
	})
	require.NoError(t, err)
	_, err = env.engine.Run(ctx)
	require.NoError(t, err)

	logs, err = env.store.ListLogs(ctx, resp2.ExecutionIDs[0])
	require.NoError(t, err)
	assert.Equal(t, model.LogEventAlreadyShared, logs[len(logs)-2].Event)
	assert.Len(t, env.dispatcher.dispatched(), 1)
}

// --- send_email context mapping ---

func TestSendEmailContextFallbacks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedFlow(t, activeFlow("f-1", "lead_created"), emailStep("s-1", 1, "welcome"))

	req := model.TriggerRequest{
		TriggerType: "lead_created",
		EntityType:  "lead",
		EntityID:    "lead-1",
		Context: map[string]any{
			"customer_name":  "Grace",
			"customer_email": "grace@example.com",
			"amount":         float64(250),
			"invoice_url":    "https://billing.example.com/inv-1",
		},
	}
	_, err := env.engine.Trigger(ctx, req)
	require.NoError(t, err)
	_, err = env.engine.Run(ctx)
	require.NoError(t, err)

	sends := env.mailer.sends()
	require.Len(t, sends, 1)
	assert.Equal(t, "Grace", sends[0].Data["client_name"])
	assert.Equal(t, "grace@example.com", sends[0].Data["client_email"])
	assert.Equal(t, float64(250), sends[0].Data["amount"])
	assert.Equal(t, "https://billing.example.com/inv-1", sends[0].Data["invoice_url"])
	_, hasOffer := sends[0].Data["offer_title"]
	assert.False(t, hasOffer)

	// The provider message ID is written back for open-event correlation.
	assert.NotEmpty(t, env.crm.MessageIDs("lead", "lead-1"))
}

func TestUnknownActionFailsExecution(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedFlow(t, activeFlow("f-1", "lead_created"), model.Step{
		ID:        "s-1",
		StepOrder: 1,
		StepType:  model.StepTypeAction,
		Config:    map[string]any{"action_type": "send_carrier_pigeon"},
	})
	resp, err := env.engine.Trigger(ctx, leadTrigger("lead-1"))
	require.NoError(t, err)

	runResp, err := env.engine.Run(ctx)
	require.NoError(t, err)
	require.Len(t, runResp.Results, 1)
	assert.Contains(t, runResp.Results[0].Error, "send_carrier_pigeon")

	exec, err := env.store.GetExecution(ctx, resp.ExecutionIDs[0])
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusFailed, exec.Status)
}

func TestEmptyFlowCompletesImmediately(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedFlow(t, activeFlow("f-1", "lead_created"))

	resp, err := env.engine.Trigger(ctx, leadTrigger("lead-1"))
	require.NoError(t, err)

	_, err = env.engine.Run(ctx)
	require.NoError(t, err)

	exec, err := env.store.GetExecution(ctx, resp.ExecutionIDs[0])
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCompleted, exec.Status)
}

// --- detail / list surface ---

func TestGetExecutionDetail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedFlow(t, activeFlow("f-1", "lead_created"), emailStep("s-1", 1, "welcome"))
	resp, err := env.engine.Trigger(ctx, leadTrigger("lead-1"))
	require.NoError(t, err)

	detail, err := env.engine.GetExecutionDetail(ctx, resp.ExecutionIDs[0])
	require.NoError(t, err)
	assert.Equal(t, resp.ExecutionIDs[0], detail.Execution.ID)
	assert.NotEmpty(t, detail.Logs)

	_, err = env.engine.GetExecutionDetail(ctx, "missing")
	assert.True(t, model.IsNotFound(err))
}

// --- lease store ---

func TestMemoryLeaseStore(t *testing.T) {
	ctx := context.Background()
	leases := NewMemoryLeaseStore()

	ok, err := leases.Acquire(ctx, "e-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = leases.Acquire(ctx, "e-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, leases.Release(ctx, "e-1"))

	ok, err = leases.Acquire(ctx, "e-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLeaseStoreExpiry(t *testing.T) {
	ctx := context.Background()
	leases := NewMemoryLeaseStore()

	ok, err := leases.Acquire(ctx, "e-1", time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)

	ok, err = leases.Acquire(ctx, "e-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

var errSettings = errors.New("settings lookup failed")

type failingSettings struct{}

func (failingSettings) AutomationsEnabled(context.Context) (bool, error) {
	return false, errSettings
}

func TestRunEngineLevelFailure(t *testing.T) {
	env := newTestEnv(t)
	e := NewEngine(env.store, failingSettings{}, crm.CRM{}, env.mailer, zap.NewNop(),
		WithAutoRun(false))

	_, err := e.Run(context.Background())
	require.ErrorIs(t, err, errSettings)
}
