package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	appmetrics "autoflow/internal/metrics"
	"autoflow/internal/models"
	"autoflow/pkg/utils"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// EventEmitter fans a named event out to every enabled workflow subscribed to it.
type EventEmitter struct {
	db        *gorm.DB
	submitter ExecutionSubmitter
	audit     *AuditService
	logger    *logrus.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

func NewEventEmitter(db *gorm.DB, submitter ExecutionSubmitter, audit *AuditService, logger *logrus.Logger) *EventEmitter {
	if logger == nil {
		logger = logrus.New()
	}
	return &EventEmitter{
		db:        db,
		submitter: submitter,
		audit:     audit,
		logger:    logger,
		tracer:    otel.Tracer("autoflow.events"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Subscribers returns the enabled workflows whose event trigger names eventType
// and whose filter matches vars.
func (e *EventEmitter) Subscribers(ctx context.Context, eventType string, vars map[string]interface{}) ([]models.Workflow, error) {
	var candidates []models.Workflow
	err := e.db.WithContext(ctx).
		Where("enabled = ? AND trigger_type = ? AND trigger_key = ?", true, models.TriggerEvent, eventType).
		Order("id").
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("load subscribers of %s: %w", eventType, err)
	}
	out := candidates[:0]
	for _, wf := range candidates {
		if filterMatches(wf.Trigger.Data().Filter, vars) {
			out = append(out, wf)
		}
	}
	return out, nil
}

// filterMatches requires every filter entry to equal the string form of the same context key.
func filterMatches(filter map[string]string, vars map[string]interface{}) bool {
	for k, want := range filter {
		got, ok := vars[k]
		if !ok || utils.StringValue(got) != want {
			return false
		}
	}
	return true
}

// Emit submits one execution per subscribed workflow and returns how many were submitted.
// A workflow that cannot be submitted is logged and does not affect the others.
func (e *EventEmitter) Emit(ctx context.Context, eventType string, vars map[string]interface{}) (int, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return 0, fmt.Errorf("event type is required")
	}
	ctx, span := e.tracer.Start(ctx, "event.emit", trace.WithAttributes(attribute.String("event.type", eventType)))
	defer span.End()

	workflows, err := e.Subscribers(ctx, eventType, vars)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	ts := e.now()
	submitted := 0
	ids := make([]uint, 0, len(workflows))
	for i := range workflows {
		wf := workflows[i]
		execVars := utils.CopyMap(vars)
		execVars["trigger_type"] = string(models.TriggerEvent)
		execVars["event_type"] = eventType
		execVars["event_timestamp"] = utils.FormatTime(ts)

		if err := e.submit(ctx, &wf, execVars); err != nil {
			e.logger.WithFields(logrus.Fields{"workflow_id": wf.ID, "event_type": eventType}).
				Errorf("submit event execution: %v", err)
			continue
		}
		submitted++
		ids = append(ids, wf.ID)
	}

	e.audit.Log(ctx, AuditRecord{
		EventType: models.AuditEventEmitted,
		Details: map[string]interface{}{
			"event_type":          eventType,
			"workflows_matched":   len(workflows),
			"workflows_triggered": submitted,
			"workflow_ids":        ids,
		},
	})
	appmetrics.IncEventEmitted(submitted)
	span.SetAttributes(attribute.Int("event.workflows_triggered", submitted))
	if submitted > 0 {
		e.logger.Infof("event %s triggered %d workflow(s)", eventType, submitted)
	}
	return submitted, nil
}

func (e *EventEmitter) submit(ctx context.Context, wf *models.Workflow, vars map[string]interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.submitter.Submit(ctx, ExecutionRequest{
		WorkflowID: wf.ID,
		Workflow:   wf,
		Context:    vars,
		Source:     "event",
	})
}
