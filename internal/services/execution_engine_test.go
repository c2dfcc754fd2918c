package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"autoflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func step(name string, order int) models.Action {
	return models.Action{
		Type:   models.ActionNotify,
		Name:   name,
		Order:  order,
		Config: map[string]interface{}{"step": name},
	}
}

func TestExecute_RunsActionsInOrder(t *testing.T) {
	env := newTestEnv(t)
	rec := &stepRecorder{}
	env.dispatcher.Register(models.ActionNotify, rec.handle)

	wf := saveWorkflow(t, env.db, "ordered", true, models.Trigger{Type: models.TriggerManual},
		step("c", 3), step("a", 1), step("b", 2))

	exec := env.engine.Execute(context.Background(), wf, nil)

	assert.Equal(t, models.ExecutionSuccess, exec.Status)
	assert.Equal(t, []string{"a", "b", "c"}, rec.recorded())
	assert.Equal(t, []string{"a", "b", "c"}, []string(exec.ActionsCompleted))
	require.NotNil(t, exec.CompletedAt)
	assert.Equal(t, "c", exec.Context["last_step"])
}

func TestExecute_IsolatesFailedAction(t *testing.T) {
	env := newTestEnv(t)
	rec := &stepRecorder{fail: map[string]bool{"b": true}}
	env.dispatcher.Register(models.ActionNotify, rec.handle)

	wf := saveWorkflow(t, env.db, "partial", true, models.Trigger{Type: models.TriggerManual},
		step("a", 1), step("b", 2), step("c", 3))

	exec := env.engine.Execute(context.Background(), wf, nil)

	assert.Equal(t, models.ExecutionSuccess, exec.Status)
	assert.Nil(t, exec.Error)
	assert.Equal(t, []string{"a", "c"}, []string(exec.ActionsCompleted))
	assert.Equal(t, []string{"b"}, []string(exec.ActionsFailed))
	assert.EqualValues(t, 1, countAudit(t, env.db, models.AuditActionFailed))
	assert.EqualValues(t, 2, countAudit(t, env.db, models.AuditActionExecuted))
	assert.EqualValues(t, 1, countAudit(t, env.db, models.AuditExecuted))
}

func TestExecute_RetryExhaustionRecordsEveryAttempt(t *testing.T) {
	env := newTestEnv(t)
	calls := 0
	env.dispatcher.Register(models.ActionNotify, func(context.Context, *ActionContext, map[string]interface{}) (map[string]interface{}, error) {
		calls++
		return nil, errors.New("smtp unavailable")
	})

	wf := saveWorkflow(t, env.db, "flaky", true, models.Trigger{Type: models.TriggerManual},
		models.Action{Type: models.ActionNotify, Name: "ping", Order: 1,
			Retry: &models.RetryPolicy{Strategy: "exponential", MaxAttempts: 3, DelayMS: 1}})

	exec := env.engine.Execute(context.Background(), wf, nil)

	assert.Equal(t, 3, calls)
	assert.Equal(t, []string{"ping"}, []string(exec.ActionsFailed))

	var attempts []models.ActionAttempt
	require.NoError(t, env.db.Where("execution_id = ?", exec.ID).Order("attempt").Find(&attempts).Error)
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.Attempt)
		assert.False(t, a.Success)
		require.NotNil(t, a.Error)
		assert.Contains(t, *a.Error, "smtp unavailable")
	}
	assert.EqualValues(t, 2, countAudit(t, env.db, models.AuditActionRetried))
}

func TestExecute_PermanentErrorIsNotRetried(t *testing.T) {
	env := newTestEnv(t)
	wf := saveWorkflow(t, env.db, "bad config", true, models.Trigger{Type: models.TriggerManual},
		models.Action{Type: models.ActionDeductInventory, Name: "deduct", Order: 1, Config: map[string]interface{}{}})

	exec := env.engine.Execute(context.Background(), wf, nil)

	assert.Equal(t, []string{"deduct"}, []string(exec.ActionsFailed))
	var n int64
	require.NoError(t, env.db.Model(&models.ActionAttempt{}).Where("execution_id = ?", exec.ID).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestExecute_LaterActionsSeeEarlierOutputs(t *testing.T) {
	env := newTestEnv(t)
	wf := saveWorkflow(t, env.db, "bill and notify", true, models.Trigger{Type: models.TriggerManual},
		models.Action{Type: models.ActionCreateInvoice, Name: "invoice", Order: 1, Config: map[string]interface{}{
			"customer_id": "{{customer_id}}",
			"amount":      250,
		}},
		models.Action{Type: models.ActionNotify, Name: "tell", Order: 2, Config: map[string]interface{}{
			"recipient": "billing",
			"message":   "Invoice {{invoice_number}} created for {{customer_id}}",
		}},
	)

	exec := env.engine.Execute(context.Background(), wf, map[string]interface{}{"customer_id": 42})
	require.Equal(t, []string{"invoice", "tell"}, []string(exec.ActionsCompleted))

	var inv models.Invoice
	require.NoError(t, env.db.First(&inv).Error)
	assert.EqualValues(t, 42, inv.CustomerID)

	var msg models.OutboxMessage
	require.NoError(t, env.db.Where("channel = ?", models.ChannelNotification).First(&msg).Error)
	assert.Equal(t, "Invoice "+inv.Number+" created for 42", msg.Body)
	assert.Equal(t, exec.RunID, msg.RunID)
}

func TestExecute_ConditionalHaltsRemainingActions(t *testing.T) {
	env := newTestEnv(t)
	rec := &stepRecorder{}
	env.dispatcher.Register(models.ActionNotify, rec.handle)

	wf := saveWorkflow(t, env.db, "big orders only", true, models.Trigger{Type: models.TriggerManual},
		models.Action{Type: models.ActionConditional, Name: "check", Order: 1, Config: map[string]interface{}{
			"field": "amount", "operator": "gt", "value": 1000, "halt_on_false": true,
		}},
		step("escalate", 2),
		step("log", 3),
	)

	exec := env.engine.Execute(context.Background(), wf, map[string]interface{}{"amount": 50})

	assert.Equal(t, []string{"check"}, []string(exec.ActionsCompleted))
	assert.Equal(t, []string{"escalate", "log"}, []string(exec.ActionsSkipped))
	assert.Empty(t, rec.recorded())
	assert.Equal(t, false, exec.Context["condition_result"])
}

func TestExecute_SkipsDisabledActions(t *testing.T) {
	env := newTestEnv(t)
	rec := &stepRecorder{}
	env.dispatcher.Register(models.ActionNotify, rec.handle)

	off := step("off", 2)
	off.Enabled = boolPtr(false)
	wf := saveWorkflow(t, env.db, "partly disabled", true, models.Trigger{Type: models.TriggerManual},
		step("on", 1), off, step("last", 3))

	exec := env.engine.Execute(context.Background(), wf, nil)

	assert.Equal(t, []string{"on", "last"}, rec.recorded())
	assert.Equal(t, []string{"off"}, []string(exec.ActionsSkipped))
}

func TestExecute_IncrementsCounterAndPersists(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.Register(models.ActionNotify, (&stepRecorder{}).handle)
	wf := saveWorkflow(t, env.db, "counted", true, models.Trigger{Type: models.TriggerManual}, step("a", 1))

	first := env.engine.Execute(context.Background(), wf, map[string]interface{}{"trigger_type": "event"})
	env.engine.Execute(context.Background(), wf, nil)

	var stored models.Workflow
	require.NoError(t, env.db.First(&stored, wf.ID).Error)
	assert.EqualValues(t, 2, stored.ExecutionCount)
	assert.NotNil(t, stored.LastExecutedAt)

	var persisted models.Execution
	require.NoError(t, env.db.Where("run_id = ?", first.RunID).First(&persisted).Error)
	assert.Equal(t, models.ExecutionSuccess, persisted.Status)
	assert.Equal(t, "event", persisted.TriggerType)
	assert.Equal(t, []string{"a"}, []string(persisted.ActionsCompleted))
	assert.NotNil(t, persisted.CompletedAt)
}

func TestExecuteByID_MissingWorkflowFails(t *testing.T) {
	env := newTestEnv(t)

	exec := env.engine.ExecuteByID(context.Background(), 999, nil)

	assert.Equal(t, models.ExecutionFailed, exec.Status)
	require.NotNil(t, exec.Error)
	assert.True(t, strings.Contains(*exec.Error, ErrWorkflowNotFound.Error()))
	assert.NotNil(t, exec.CompletedAt)
	assert.EqualValues(t, 1, countAudit(t, env.db, models.AuditExecutionFailed))
}

func TestExecute_RecoversFromPanickingHandler(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.Register(models.ActionNotify, func(context.Context, *ActionContext, map[string]interface{}) (map[string]interface{}, error) {
		panic("nil map")
	})
	wf := saveWorkflow(t, env.db, "panics", true, models.Trigger{Type: models.TriggerManual},
		models.Action{Type: models.ActionNotify, Name: "boom", Order: 1, Retry: &models.RetryPolicy{Strategy: "none", MaxAttempts: 1}})

	exec := env.engine.Execute(context.Background(), wf, nil)

	assert.Equal(t, models.ExecutionSuccess, exec.Status)
	assert.Equal(t, []string{"boom"}, []string(exec.ActionsFailed))
}

type capturePublisher struct{ got []*models.Execution }

func (c *capturePublisher) PublishExecution(e *models.Execution) { c.got = append(c.got, e) }

func TestExecute_PublishesFinishedExecution(t *testing.T) {
	env := newTestEnv(t)
	pub := &capturePublisher{}
	env.engine.SetPublisher(pub)
	wf := saveWorkflow(t, env.db, "empty", true, models.Trigger{Type: models.TriggerManual})

	exec := env.engine.Execute(context.Background(), wf, nil)

	require.Len(t, pub.got, 1)
	assert.Equal(t, exec.RunID, pub.got[0].RunID)
}

func TestExecute_DelayOutlastsActionTimeout(t *testing.T) {
	db := newTestDB(t)
	log := quietLogger()
	audit := NewAuditService(db, log)
	dispatcher := NewActionDispatcher(NewGormCollaborators(db).Collaborators(nil), DispatcherOptions{MaxDelay: time.Second}, log)
	engine := NewExecutionEngine(db, dispatcher, audit, EngineOptions{
		RetryPolicy:   RetryPolicy{Strategy: RetryLinear, MaxAttempts: 4, Delay: time.Millisecond},
		ActionTimeout: 100 * time.Millisecond,
	}, log)

	wf := saveWorkflow(t, db, "wait then notify", true, models.Trigger{Type: models.TriggerManual},
		models.Action{Type: models.ActionDelay, Name: "wait", Order: 1, Config: map[string]interface{}{"duration": "300ms"}})

	start := time.Now()
	exec := engine.Execute(context.Background(), wf, nil)

	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	assert.Equal(t, []string{"wait"}, []string(exec.ActionsCompleted))
	assert.Empty(t, exec.ActionsFailed)

	var n int64
	require.NoError(t, db.Model(&models.ActionAttempt{}).Where("execution_id = ?", exec.ID).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}
