package services

import (
	"context"
	"testing"

	"autoflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reminderInput(name string) WorkflowInput {
	return WorkflowInput{
		Name:    name,
		Trigger: models.Trigger{Type: models.TriggerEvent, EventType: "invoice_overdue"},
		Actions: []models.Action{
			{Type: models.ActionSendEmail, Name: "email", Order: 1, Config: map[string]interface{}{
				"to": "{{customer_email}}", "subject": "Invoice {{invoice_number}} is overdue",
			}},
		},
		Tags: []string{"billing"},
	}
}

func TestWorkflowService_Validate(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name    string
		mutate  func(*WorkflowInput)
		unknown bool
	}{
		{name: "missing name", mutate: func(in *WorkflowInput) { in.Name = "  " }},
		{name: "missing trigger type", mutate: func(in *WorkflowInput) { in.Trigger = models.Trigger{} }},
		{name: "event without type", mutate: func(in *WorkflowInput) { in.Trigger.EventType = "" }},
		{name: "bad cron", mutate: func(in *WorkflowInput) {
			in.Trigger = models.Trigger{Type: models.TriggerScheduled, Cron: "every day"}
		}},
		{name: "unknown action", unknown: true, mutate: func(in *WorkflowInput) {
			in.Actions = append(in.Actions, models.Action{Type: "fax", Order: 2})
		}},
		{name: "duplicate order", mutate: func(in *WorkflowInput) {
			in.Actions = append(in.Actions, models.Action{Type: models.ActionDelay, Name: "wait", Order: 1})
		}},
		{name: "duplicate name", mutate: func(in *WorkflowInput) {
			in.Actions = append(in.Actions, models.Action{Type: models.ActionDelay, Name: "email", Order: 2})
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := reminderInput("reminder")
			tc.mutate(&in)
			err := env.workflows.Validate(in.Definition())
			require.ErrorIs(t, err, ErrInvalidWorkflow)
			if tc.unknown {
				assert.ErrorIs(t, err, ErrUnknownActionType)
			}
		})
	}

	assert.NoError(t, env.workflows.Validate(reminderInput("ok").Definition()))
}

func TestWorkflowService_CreateRecordsFirstVersion(t *testing.T) {
	env := newTestEnv(t)
	wf, err := env.workflows.Create(context.Background(), reminderInput("reminder"), uintPtr(5))
	require.NoError(t, err)
	assert.True(t, wf.Enabled)
	assert.Equal(t, models.TriggerEvent, wf.TriggerType)
	require.NotNil(t, wf.OwnerID)
	assert.EqualValues(t, 5, *wf.OwnerID)

	versions, err := env.versions.ListVersions(context.Background(), wf.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, 1, versions[0].Version)
	assert.True(t, versions[0].IsCurrent)
	assert.Equal(t, "5", versions[0].Author)
	assert.EqualValues(t, 1, countAudit(t, env.db, models.AuditCreated))

	_, err = env.workflows.Create(context.Background(), WorkflowInput{Name: "x"}, nil)
	assert.ErrorIs(t, err, ErrInvalidWorkflow)
}

func TestWorkflowService_UpdateRollbackCompare(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wf, err := env.workflows.Create(ctx, reminderInput("reminder"), nil)
	require.NoError(t, err)

	in := reminderInput("reminder v2")
	in.Tags = []string{"billing", "urgent"}
	in.ChangeDescription = "escalate"
	updated, v2, err := env.workflows.Update(ctx, wf.ID, in, uintPtr(3))
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, "reminder v2", updated.Name)
	assert.Equal(t, "escalate", v2.ChangeDescription)

	cmp, err := env.versions.CompareVersions(ctx, wf.ID, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, ChangeSummary{ValuesChanged: 1, ItemsAdded: 1}, cmp.Summary)
	assert.Contains(t, cmp.Diff.Changed, "name")

	rolled, v3, err := env.versions.RollbackToVersion(ctx, wf.ID, 1, "3", "bad wording")
	require.NoError(t, err)
	assert.Equal(t, 3, v3.Version)
	assert.Equal(t, "reminder", rolled.Name)
	assert.Equal(t, []string{"billing"}, []string(rolled.Tags))
	info, ok := rolled.Metadata["rollback_info"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 1, info["to_version"])
	assert.Equal(t, 2, info["from_version"])

	versions, err := env.versions.ListVersions(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	current := 0
	for _, v := range versions {
		if v.IsCurrent {
			current++
			assert.Equal(t, 3, v.Version)
		}
	}
	assert.Equal(t, 1, current)

	self, err := env.versions.CompareVersions(ctx, wf.ID, 2, 2)
	require.NoError(t, err)
	assert.True(t, self.Diff.IsEmpty())
	assert.Equal(t, ChangeSummary{}, self.Summary)

	assert.EqualValues(t, 1, countAudit(t, env.db, models.AuditRolledBack))
	assert.EqualValues(t, 3, countAudit(t, env.db, models.AuditVersionCreated))

	_, _, err = env.versions.RollbackToVersion(ctx, wf.ID, 9, "3", "")
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestWorkflowService_UpdateKeepsCounters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wf, err := env.workflows.Create(ctx, reminderInput("reminder"), nil)
	require.NoError(t, err)
	require.NoError(t, env.db.Model(&models.Workflow{}).Where("id = ?", wf.ID).UpdateColumn("execution_count", 7).Error)

	_, _, err = env.workflows.Update(ctx, wf.ID, reminderInput("renamed"), nil)
	require.NoError(t, err)

	got, err := env.workflows.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.EqualValues(t, 7, got.ExecutionCount)
}

func TestWorkflowService_EnableDisableDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wf, err := env.workflows.Create(ctx, reminderInput("reminder"), nil)
	require.NoError(t, err)

	got, err := env.workflows.SetEnabled(ctx, wf.ID, false, uintPtr(1))
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	_, err = env.workflows.SetEnabled(ctx, wf.ID, false, uintPtr(1))
	require.NoError(t, err)
	assert.EqualValues(t, 1, countAudit(t, env.db, models.AuditDisabled))

	versions, err := env.versions.ListVersions(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 1, "enablement is not versioned")

	require.NoError(t, env.workflows.Delete(ctx, wf.ID, nil))
	_, err = env.workflows.Get(ctx, wf.ID)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
	assert.ErrorIs(t, env.workflows.Delete(ctx, wf.ID, nil), ErrWorkflowNotFound)
	assert.EqualValues(t, 1, countAudit(t, env.db, models.AuditDeleted))
}

func TestWorkflowService_RunAndExecutions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wf, err := env.workflows.Create(ctx, reminderInput("reminder"), nil)
	require.NoError(t, err)

	exec, err := env.workflows.Run(ctx, wf.ID, map[string]interface{}{"customer_email": "a@example.com", "invoice_number": "INV-9"}, uintPtr(2))
	require.NoError(t, err)
	assert.Equal(t, "manual", exec.TriggerType)
	assert.Equal(t, []string{"email"}, []string(exec.ActionsCompleted))

	var msg models.OutboxMessage
	require.NoError(t, env.db.Where("channel = ?", models.ChannelEmail).First(&msg).Error)
	assert.Equal(t, "a@example.com", msg.Recipient)
	assert.Equal(t, "Invoice INV-9 is overdue", msg.Subject)

	list, total, err := env.workflows.ListExecutions(ctx, wf.ID, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, list, 1)

	attempts, err := env.workflows.ListAttempts(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Success)

	_, err = env.workflows.GetExecution(ctx, 12345)
	assert.ErrorIs(t, err, ErrExecutionNotFound)

	_, err = env.workflows.Run(ctx, 12345, nil, nil)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestWorkflowService_List(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, name := range []string{"alpha", "beta", "gamma"} {
		_, err := env.workflows.Create(ctx, reminderInput(name), nil)
		require.NoError(t, err)
	}
	off := reminderInput("delta")
	off.Enabled = boolPtr(false)
	_, err := env.workflows.Create(ctx, off, nil)
	require.NoError(t, err)

	all, total, err := env.workflows.List(ctx, WorkflowFilter{PageSize: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 4, total)
	assert.Len(t, all, 2)

	enabled, total, err := env.workflows.List(ctx, WorkflowFilter{Enabled: boolPtr(true)})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, enabled, 3)

	found, _, err := env.workflows.List(ctx, WorkflowFilter{Search: "amm"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "gamma", found[0].Name)
}
