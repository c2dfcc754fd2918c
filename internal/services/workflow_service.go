package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"autoflow/internal/models"
	"autoflow/pkg/utils"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// WorkflowInput is the operator-supplied definition for create and update.
type WorkflowInput struct {
	Name        string                 `json:"name" binding:"required"`
	Description string                 `json:"description"`
	Trigger     models.Trigger         `json:"trigger"`
	Actions     []models.Action        `json:"actions"`
	Tags        []string               `json:"tags"`
	Metadata    map[string]interface{} `json:"metadata"`
	// Enabled is honoured on create only; use SetEnabled afterwards.
	Enabled *bool `json:"enabled"`
	// ChangeDescription is stored on the version an update creates.
	ChangeDescription string `json:"change_description"`
}

func (in WorkflowInput) Definition() models.WorkflowDefinition {
	actions := in.Actions
	if actions == nil {
		actions = []models.Action{}
	}
	tags := in.Tags
	if tags == nil {
		tags = []string{}
	}
	return models.WorkflowDefinition{
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		Trigger:     in.Trigger,
		Actions:     actions,
		Tags:        tags,
		Metadata:    in.Metadata,
	}
}

type WorkflowFilter struct {
	Enabled     *bool
	TriggerType models.TriggerType
	Search      string
	Page        int
	PageSize    int
}

// WorkflowService owns the workflow lifecycle: definition changes go through
// version control and the audit log.
type WorkflowService struct {
	db         *gorm.DB
	versions   *VersionService
	engine     *ExecutionEngine
	dispatcher *ActionDispatcher
	audit      *AuditService
	logger     *logrus.Logger
}

func NewWorkflowService(db *gorm.DB, versions *VersionService, engine *ExecutionEngine, dispatcher *ActionDispatcher, audit *AuditService, logger *logrus.Logger) *WorkflowService {
	if logger == nil {
		logger = logrus.New()
	}
	return &WorkflowService{
		db:         db,
		versions:   versions,
		engine:     engine,
		dispatcher: dispatcher,
		audit:      audit,
		logger:     logger,
	}
}

func authorOf(actor *uint) string {
	if actor == nil {
		return "system"
	}
	return strconv.FormatUint(uint64(*actor), 10)
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidWorkflow, fmt.Sprintf(format, args...))
}

// Validate checks a definition before it is stored.
func (s *WorkflowService) Validate(def models.WorkflowDefinition) error {
	if def.Name == "" {
		return invalid("name is required")
	}
	if err := def.Trigger.Validate(); err != nil {
		return invalid("%v", err)
	}
	if def.Trigger.Type == models.TriggerScheduled {
		if _, err := cron.ParseStandard(def.Trigger.Cron); err != nil {
			return invalid("cron %q: %v", def.Trigger.Cron, err)
		}
	}

	orders := make(map[int]bool, len(def.Actions))
	names := make(map[string]bool, len(def.Actions))
	for i, a := range def.Actions {
		if !a.Type.Valid() || (s.dispatcher != nil && !s.dispatcher.Supports(a.Type)) {
			return fmt.Errorf("%w: action %d: %w: %q", ErrInvalidWorkflow, i, ErrUnknownActionType, a.Type)
		}
		if orders[a.Order] {
			return invalid("duplicate action order %d", a.Order)
		}
		orders[a.Order] = true
		if a.Name != "" {
			if names[a.Name] {
				return invalid("duplicate action name %q", a.Name)
			}
			names[a.Name] = true
		}
		if a.Retry != nil && a.Retry.MaxAttempts < 0 {
			return invalid("action %q: max_attempts must not be negative", a.Name)
		}
	}
	return nil
}

// Create stores a new workflow together with its first version.
func (s *WorkflowService) Create(ctx context.Context, in WorkflowInput, actor *uint) (*models.Workflow, error) {
	def := in.Definition()
	if err := s.Validate(def); err != nil {
		return nil, err
	}

	wf := &models.Workflow{OwnerID: actor, Enabled: true}
	if in.Enabled != nil {
		wf.Enabled = *in.Enabled
	}
	wf.ApplyDefinition(def)

	var v *models.WorkflowVersion
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(wf).Error; err != nil {
			return fmt.Errorf("create workflow: %w", err)
		}
		var err error
		v, err = s.versions.createVersionTx(tx, wf.ID, wf.Definition(), "Initial version", authorOf(actor))
		return err
	})
	if err != nil {
		return nil, err
	}

	s.audit.Log(ctx, AuditRecord{
		EventType:  models.AuditCreated,
		WorkflowID: &wf.ID,
		UserID:     actor,
		Details: map[string]interface{}{
			"name":         wf.Name,
			"trigger_type": string(wf.TriggerType),
			"actions":      len(wf.Actions),
			"enabled":      wf.Enabled,
		},
	})
	s.versions.logVersionCreated(ctx, v)
	s.logger.Infof("workflow %d %q created", wf.ID, wf.Name)
	return wf, nil
}

// Update replaces the definition and records a new version.
func (s *WorkflowService) Update(ctx context.Context, id uint, in WorkflowInput, actor *uint) (*models.Workflow, *models.WorkflowVersion, error) {
	def := in.Definition()
	if err := s.Validate(def); err != nil {
		return nil, nil, err
	}
	wf, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	description := strings.TrimSpace(in.ChangeDescription)
	if description == "" {
		description = "Updated workflow"
	}
	wf.ApplyDefinition(def)

	var v *models.WorkflowVersion
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := saveDefinition(tx, wf); err != nil {
			return err
		}
		var err error
		v, err = s.versions.createVersionTx(tx, wf.ID, wf.Definition(), description, authorOf(actor))
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	s.audit.Log(ctx, AuditRecord{
		EventType:  models.AuditUpdated,
		WorkflowID: &wf.ID,
		UserID:     actor,
		Details: map[string]interface{}{
			"version":     v.Version,
			"description": description,
		},
	})
	s.versions.logVersionCreated(ctx, v)
	return wf, v, nil
}

func (s *WorkflowService) Get(ctx context.Context, id uint) (*models.Workflow, error) {
	var wf models.Workflow
	if err := s.db.WithContext(ctx).First(&wf, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrWorkflowNotFound, id)
		}
		return nil, fmt.Errorf("load workflow %d: %w", id, err)
	}
	return &wf, nil
}

func (s *WorkflowService) List(ctx context.Context, f WorkflowFilter) ([]models.Workflow, int64, error) {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 200 {
		f.PageSize = 20
	}
	q := s.db.WithContext(ctx).Model(&models.Workflow{})
	if f.Enabled != nil {
		q = q.Where("enabled = ?", *f.Enabled)
	}
	if f.TriggerType != "" {
		q = q.Where("trigger_type = ?", f.TriggerType)
	}
	if search := strings.TrimSpace(f.Search); search != "" {
		q = q.Where("name LIKE ?", "%"+search+"%")
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count workflows: %w", err)
	}
	var workflows []models.Workflow
	if err := q.Order("id").Offset((f.Page - 1) * f.PageSize).Limit(f.PageSize).Find(&workflows).Error; err != nil {
		return nil, 0, fmt.Errorf("list workflows: %w", err)
	}
	return workflows, total, nil
}

// Delete soft-deletes the workflow; its versions, executions and audit entries remain.
func (s *WorkflowService) Delete(ctx context.Context, id uint, actor *uint) error {
	wf, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Delete(&models.Workflow{}, id).Error; err != nil {
		return fmt.Errorf("delete workflow %d: %w", id, err)
	}
	s.audit.Log(ctx, AuditRecord{
		EventType:  models.AuditDeleted,
		WorkflowID: &wf.ID,
		UserID:     actor,
		Details:    map[string]interface{}{"name": wf.Name},
	})
	return nil
}

// SetEnabled flips the enabled flag. Enablement is runtime state and creates no version.
func (s *WorkflowService) SetEnabled(ctx context.Context, id uint, enabled bool, actor *uint) (*models.Workflow, error) {
	wf, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&models.Workflow{}).Where("id = ?", id).UpdateColumn("enabled", enabled).Error; err != nil {
		return nil, fmt.Errorf("set enabled on workflow %d: %w", id, err)
	}
	wasEnabled := wf.Enabled
	wf.Enabled = enabled

	eventType := models.AuditDisabled
	if enabled {
		eventType = models.AuditEnabled
	}
	if wasEnabled != enabled {
		s.audit.Log(ctx, AuditRecord{EventType: eventType, WorkflowID: &wf.ID, UserID: actor})
	}
	return wf, nil
}

// Run executes the workflow synchronously as a manual trigger. Disabled workflows
// may still be run by hand.
func (s *WorkflowService) Run(ctx context.Context, id uint, vars map[string]interface{}, actor *uint) (*models.Execution, error) {
	wf, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	execVars := utils.CopyMap(vars)
	execVars["trigger_type"] = string(models.TriggerManual)
	execVars["triggered_by"] = authorOf(actor)

	s.audit.Log(ctx, AuditRecord{
		EventType:  models.AuditTriggerFired,
		WorkflowID: &wf.ID,
		UserID:     actor,
		Details:    map[string]interface{}{"trigger_type": string(models.TriggerManual)},
	})
	return s.engine.Execute(ctx, wf, execVars), nil
}

func (s *WorkflowService) ListExecutions(ctx context.Context, workflowID uint, page, pageSize int) ([]models.Execution, int64, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 200 {
		pageSize = 20
	}
	q := s.db.WithContext(ctx).Model(&models.Execution{}).Where("workflow_id = ?", workflowID)
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}
	var execs []models.Execution
	if err := q.Order("started_at DESC, id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&execs).Error; err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	return execs, total, nil
}

func (s *WorkflowService) GetExecution(ctx context.Context, id uint) (*models.Execution, error) {
	var exec models.Execution
	if err := s.db.WithContext(ctx).First(&exec, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrExecutionNotFound, id)
		}
		return nil, fmt.Errorf("load execution %d: %w", id, err)
	}
	return &exec, nil
}

// ListAttempts returns every recorded attempt of an execution in the order they ran.
func (s *WorkflowService) ListAttempts(ctx context.Context, executionID uint) ([]models.ActionAttempt, error) {
	var attempts []models.ActionAttempt
	if err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("id").
		Find(&attempts).Error; err != nil {
		return nil, fmt.Errorf("list attempts of execution %d: %w", executionID, err)
	}
	return attempts, nil
}
