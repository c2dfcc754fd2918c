package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"autoflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRunner struct {
	runs  atomic.Int32
	delay time.Duration
	mu    sync.Mutex
	ids   []uint
}

func (r *countingRunner) record(id uint) *models.Execution {
	time.Sleep(r.delay)
	r.runs.Add(1)
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
	return &models.Execution{WorkflowID: id, Status: models.ExecutionSuccess}
}

func (r *countingRunner) Execute(_ context.Context, wf *models.Workflow, _ map[string]interface{}) *models.Execution {
	return r.record(wf.ID)
}

func (r *countingRunner) ExecuteByID(_ context.Context, id uint, _ map[string]interface{}) *models.Execution {
	return r.record(id)
}

func TestExecutionQueue_TrySubmitFailsWhenFull(t *testing.T) {
	q := newExecutionQueue(&countingRunner{}, 1, 1, quietLogger())

	require.NoError(t, q.TrySubmit(ExecutionRequest{WorkflowID: 1}))
	assert.ErrorIs(t, q.TrySubmit(ExecutionRequest{WorkflowID: 2}), ErrQueueFull)
	assert.Equal(t, 1, q.Depth())
}

func TestExecutionQueue_SubmitWaitsForContext(t *testing.T) {
	q := newExecutionQueue(&countingRunner{}, 1, 1, quietLogger())
	require.NoError(t, q.Submit(context.Background(), ExecutionRequest{WorkflowID: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Submit(ctx, ExecutionRequest{WorkflowID: 2})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecutionQueue_StopDrainsAndRejects(t *testing.T) {
	runner := &countingRunner{delay: 5 * time.Millisecond}
	q := newExecutionQueue(runner, 10, 3, quietLogger())
	q.Start(context.Background())

	for i := 1; i <= 6; i++ {
		require.NoError(t, q.Submit(context.Background(), ExecutionRequest{WorkflowID: uint(i)}))
	}
	require.NoError(t, q.Stop(context.Background()))

	assert.EqualValues(t, 6, runner.runs.Load())
	assert.ErrorIs(t, q.Submit(context.Background(), ExecutionRequest{WorkflowID: 7}), ErrQueueClosed)
	assert.ErrorIs(t, q.TrySubmit(ExecutionRequest{WorkflowID: 8}), ErrQueueClosed)
	assert.NoError(t, q.Stop(context.Background()), "second stop is a no-op")
}

func TestExecutionQueue_PrefersLoadedWorkflow(t *testing.T) {
	runner := &countingRunner{}
	q := newExecutionQueue(runner, 4, 1, quietLogger())
	q.Start(context.Background())

	require.NoError(t, q.Submit(context.Background(), ExecutionRequest{WorkflowID: 1, Workflow: &models.Workflow{ID: 42}}))
	require.NoError(t, q.Stop(context.Background()))

	assert.Equal(t, []uint{42}, runner.ids)
}

func TestExecutionQueue_RunsRealEngine(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.Register(models.ActionNotify, (&stepRecorder{}).handle)
	wf := saveWorkflow(t, env.db, "queued", true, models.Trigger{Type: models.TriggerManual}, step("a", 1))

	q := NewExecutionQueue(env.engine, 4, 2, quietLogger())
	q.Start(context.Background())
	require.NoError(t, q.Submit(context.Background(), ExecutionRequest{WorkflowID: wf.ID, Context: map[string]interface{}{"trigger_type": "event"}}))
	require.NoError(t, q.Stop(context.Background()))

	var execs []models.Execution
	require.NoError(t, env.db.Where("workflow_id = ?", wf.ID).Find(&execs).Error)
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecutionSuccess, execs[0].Status)
	assert.Equal(t, "event", execs[0].TriggerType)
}
