package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	appmetrics "autoflow/internal/metrics"
	"autoflow/internal/models"
	"autoflow/pkg/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ExecutionPublisher receives every finished execution, e.g. for the live feed.
type ExecutionPublisher interface {
	PublishExecution(exec *models.Execution)
}

type EngineOptions struct {
	RetryPolicy      RetryPolicy
	ActionTimeout    time.Duration
	ExecutionTimeout time.Duration
}

// ExecutionEngine runs a workflow's actions for one trigger occurrence.
type ExecutionEngine struct {
	db         *gorm.DB
	dispatcher *ActionDispatcher
	audit      *AuditService
	publisher  ExecutionPublisher
	opts       EngineOptions
	logger     *logrus.Logger
	tracer     trace.Tracer
}

func NewExecutionEngine(db *gorm.DB, dispatcher *ActionDispatcher, audit *AuditService, opts EngineOptions, logger *logrus.Logger) *ExecutionEngine {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.RetryPolicy.MaxAttempts == 0 {
		opts.RetryPolicy = DefaultRetryPolicy()
	}
	return &ExecutionEngine{
		db:         db,
		dispatcher: dispatcher,
		audit:      audit,
		opts:       opts,
		logger:     logger,
		tracer:     otel.Tracer("autoflow.engine"),
	}
}

func (e *ExecutionEngine) SetPublisher(p ExecutionPublisher) {
	e.publisher = p
}

func newRunID() string {
	return uuid.NewString()
}

// actionLabel names an action in execution records; unnamed actions fall back to type#order.
func actionLabel(a models.Action) string {
	if strings.TrimSpace(a.Name) != "" {
		return a.Name
	}
	return fmt.Sprintf("%s#%d", a.Type, a.Order)
}

// ExecuteByID loads the workflow and executes it. A workflow that cannot be loaded
// yields a failed execution rather than an error.
func (e *ExecutionEngine) ExecuteByID(ctx context.Context, workflowID uint, vars map[string]interface{}) *models.Execution {
	var wf models.Workflow
	if err := e.db.WithContext(ctx).First(&wf, workflowID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = fmt.Errorf("%w: %d", ErrWorkflowNotFound, workflowID)
		}
		return e.failWithoutRunning(ctx, workflowID, vars, fmt.Errorf("load workflow: %w", err))
	}
	return e.Execute(ctx, &wf, vars)
}

func (e *ExecutionEngine) failWithoutRunning(ctx context.Context, workflowID uint, vars map[string]interface{}, cause error) *models.Execution {
	now := time.Now().UTC()
	msg := cause.Error()
	exec := &models.Execution{
		RunID:            newRunID(),
		WorkflowID:       workflowID,
		TriggerType:      triggerTypeOf(vars),
		Status:           models.ExecutionFailed,
		StartedAt:        now,
		CompletedAt:      &now,
		ActionsCompleted: datatypes.JSONSlice[string]{},
		ActionsFailed:    datatypes.JSONSlice[string]{},
		ActionsSkipped:   datatypes.JSONSlice[string]{},
		Error:            &msg,
		Context:          datatypes.JSONMap(utils.CopyMap(vars)),
	}
	if err := e.db.WithContext(context.WithoutCancel(ctx)).Create(exec).Error; err != nil {
		e.logger.Errorf("persist failed execution for workflow %d: %v", workflowID, err)
	}
	e.logger.WithFields(logrus.Fields{"workflow_id": workflowID, "run_id": exec.RunID}).Errorf("execution failed: %s", msg)
	e.finish(ctx, exec, 0)
	return exec
}

func triggerTypeOf(vars map[string]interface{}) string {
	if t, ok := vars["trigger_type"].(string); ok && t != "" {
		return t
	}
	return string(models.TriggerManual)
}

// Execute runs wf's enabled actions in ascending order. Action failures are recorded and
// do not stop later actions. The returned execution is terminal.
func (e *ExecutionEngine) Execute(ctx context.Context, wf *models.Workflow, vars map[string]interface{}) *models.Execution {
	start := time.Now().UTC()
	exec := &models.Execution{
		RunID:            newRunID(),
		WorkflowID:       wf.ID,
		TriggerType:      triggerTypeOf(vars),
		Status:           models.ExecutionRunning,
		StartedAt:        start,
		ActionsCompleted: datatypes.JSONSlice[string]{},
		ActionsFailed:    datatypes.JSONSlice[string]{},
		ActionsSkipped:   datatypes.JSONSlice[string]{},
		Context:          datatypes.JSONMap(utils.CopyMap(vars)),
	}
	log := e.logger.WithFields(logrus.Fields{"workflow_id": wf.ID, "run_id": exec.RunID})

	ctx, span := e.tracer.Start(ctx, "workflow.execute", trace.WithAttributes(
		attribute.Int("workflow.id", int(wf.ID)),
		attribute.String("workflow.run_id", exec.RunID),
		attribute.String("workflow.trigger_type", exec.TriggerType),
	))
	defer span.End()

	if err := e.db.WithContext(ctx).Create(exec).Error; err != nil {
		msg := fmt.Sprintf("persist execution: %v", err)
		now := time.Now().UTC()
		exec.Status = models.ExecutionFailed
		exec.Error = &msg
		exec.CompletedAt = &now
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		log.Errorf("execution not started: %s", msg)
		e.finish(ctx, exec, time.Since(start))
		return exec
	}

	runCtx := ctx
	if e.opts.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.opts.ExecutionTimeout)
		defer cancel()
	}

	execVars := utils.CopyMap(vars)
	execVars["workflow_id"] = wf.ID
	execVars["workflow_name"] = wf.Name
	execVars["execution_id"] = exec.ID
	execVars["run_id"] = exec.RunID

	var engineErr error
	halted := false
	for _, action := range wf.SortedActions() {
		label := actionLabel(action)
		if !action.IsEnabled() || halted {
			exec.ActionsSkipped = append(exec.ActionsSkipped, label)
			continue
		}
		if err := runCtx.Err(); err != nil {
			if engineErr == nil {
				engineErr = fmt.Errorf("execution aborted before %q: %w", label, err)
			}
			exec.ActionsSkipped = append(exec.ActionsSkipped, label)
			continue
		}

		ac := &ActionContext{WorkflowID: wf.ID, ExecutionID: exec.ID, RunID: exec.RunID, Vars: execVars}
		outputs, attempts, err := e.runAction(runCtx, exec, action, label, ac)
		if err != nil {
			exec.ActionsFailed = append(exec.ActionsFailed, label)
			log.Warnf("action %q failed after %d attempt(s): %v", label, attempts, err)
			e.audit.Log(ctx, AuditRecord{
				EventType:  models.AuditActionFailed,
				WorkflowID: &wf.ID,
				Details: map[string]interface{}{
					"execution_id": exec.ID,
					"run_id":       exec.RunID,
					"action":       label,
					"action_type":  string(action.Type),
					"attempts":     attempts,
					"error":        err.Error(),
				},
			})
		} else {
			exec.ActionsCompleted = append(exec.ActionsCompleted, label)
			for k, v := range outputs {
				execVars[k] = v
			}
			e.audit.Log(ctx, AuditRecord{
				EventType:  models.AuditActionExecuted,
				WorkflowID: &wf.ID,
				Details: map[string]interface{}{
					"execution_id": exec.ID,
					"run_id":       exec.RunID,
					"action":       label,
					"action_type":  string(action.Type),
					"attempts":     attempts,
				},
			})
		}
		if ac.Halted() {
			log.Infof("action %q halted the remaining actions", label)
			halted = true
		}
	}

	completed := time.Now().UTC()
	exec.CompletedAt = &completed
	exec.Context = datatypes.JSONMap(execVars)
	exec.Status = models.ExecutionSuccess
	if engineErr != nil {
		msg := engineErr.Error()
		exec.Status = models.ExecutionFailed
		exec.Error = &msg
		span.RecordError(engineErr)
		span.SetStatus(codes.Error, msg)
	}

	persistCtx := context.WithoutCancel(ctx)
	if err := e.db.WithContext(persistCtx).Save(exec).Error; err != nil {
		log.Errorf("persist execution result: %v", err)
	}
	e.bumpCounter(persistCtx, wf, completed)

	span.SetAttributes(
		attribute.String("workflow.status", string(exec.Status)),
		attribute.Int("workflow.actions_failed", len(exec.ActionsFailed)),
	)
	log.Infof("execution %s: %d completed, %d failed, %d skipped",
		exec.Status, len(exec.ActionsCompleted), len(exec.ActionsFailed), len(exec.ActionsSkipped))

	e.finish(ctx, exec, completed.Sub(start))
	return exec
}

// runAction resolves placeholders against the current context and runs the action
// through the retry policy, recording every attempt.
func (e *ExecutionEngine) runAction(ctx context.Context, exec *models.Execution, action models.Action, label string, ac *ActionContext) (map[string]interface{}, int, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.action", trace.WithAttributes(
		attribute.String("action.name", label),
		attribute.String("action.type", string(action.Type)),
	))
	defer span.End()

	cfg := SubstituteConfig(action.Config, ac.Vars)
	policy := e.opts.RetryPolicy.WithOverride(action.Retry)

	var outputs map[string]interface{}
	attempts := 0
	op := func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			e.audit.Log(ctx, AuditRecord{
				EventType:  models.AuditActionRetried,
				WorkflowID: &exec.WorkflowID,
				Details: map[string]interface{}{
					"execution_id": exec.ID,
					"run_id":       exec.RunID,
					"action":       label,
					"attempt":      attempts,
				},
			})
		}
		actx := ctx
		// delay is bounded by max_delay and the execution deadline, not the per-action timeout.
		if e.opts.ActionTimeout > 0 && action.Type != models.ActionDelay {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, e.opts.ActionTimeout)
			defer cancel()
		}
		out, err := e.safeDispatch(actx, ac, action.Type, cfg)
		if err == nil {
			outputs = out
		}
		return err
	}

	err := RunWithRetry(ctx, op, policy, func(attempt int, err error) {
		e.recordAttempt(ctx, exec, action, label, attempt, err)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return outputs, attempts, err
}

func (e *ExecutionEngine) safeDispatch(ctx context.Context, ac *ActionContext, t models.ActionType, cfg map[string]interface{}) (out map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return e.dispatcher.Dispatch(ctx, ac, t, cfg)
}

func (e *ExecutionEngine) recordAttempt(ctx context.Context, exec *models.Execution, action models.Action, label string, attempt int, err error) {
	row := models.ActionAttempt{
		WorkflowID:  exec.WorkflowID,
		ExecutionID: exec.ID,
		ActionName:  label,
		ActionType:  action.Type,
		Attempt:     attempt,
		Success:     err == nil,
	}
	if err != nil {
		msg := err.Error()
		row.Error = &msg
	}
	if dbErr := e.db.WithContext(context.WithoutCancel(ctx)).Create(&row).Error; dbErr != nil {
		e.logger.Warnf("record attempt %d of %q: %v", attempt, label, dbErr)
	}
	appmetrics.IncActionAttempt(string(action.Type), err == nil)
}

// bumpCounter increments execution_count in SQL so concurrent executions do not lose updates.
func (e *ExecutionEngine) bumpCounter(ctx context.Context, wf *models.Workflow, at time.Time) {
	res := e.db.WithContext(ctx).Model(&models.Workflow{}).Where("id = ?", wf.ID).UpdateColumns(map[string]interface{}{
		"execution_count":  gorm.Expr("execution_count + ?", 1),
		"last_executed_at": at,
	})
	if res.Error != nil {
		e.logger.Warnf("update execution counter for workflow %d: %v", wf.ID, res.Error)
		return
	}
	wf.ExecutionCount++
	wf.LastExecutedAt = &at
}

func (e *ExecutionEngine) finish(ctx context.Context, exec *models.Execution, d time.Duration) {
	eventType := models.AuditExecuted
	details := map[string]interface{}{
		"execution_id":      exec.ID,
		"run_id":            exec.RunID,
		"status":            string(exec.Status),
		"trigger_type":      exec.TriggerType,
		"actions_completed": []string(exec.ActionsCompleted),
		"actions_failed":    []string(exec.ActionsFailed),
		"actions_skipped":   []string(exec.ActionsSkipped),
		"duration_ms":       d.Milliseconds(),
	}
	if exec.Status == models.ExecutionFailed {
		eventType = models.AuditExecutionFailed
		if exec.Error != nil {
			details["error"] = *exec.Error
		}
	}
	var wfRef *uint
	if exec.WorkflowID != 0 {
		id := exec.WorkflowID
		wfRef = &id
	}
	e.audit.Log(ctx, AuditRecord{EventType: eventType, WorkflowID: wfRef, Details: details})

	appmetrics.ObserveExecution(string(exec.Status), exec.TriggerType, d)
	if e.publisher != nil {
		e.publisher.PublishExecution(exec)
	}
}
