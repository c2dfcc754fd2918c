package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	appmetrics "autoflow/internal/metrics"
	"autoflow/internal/models"
	"autoflow/pkg/utils"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const (
	checkCronWorkflows = "cron_workflows"
	checkOverdue       = "invoice_overdue_sweep"
	checkOrphans       = "orphan_sweep"
	checkStateFlush    = "scheduler_state_flush"

	// EventInvoiceOverdue is emitted once per overdue invoice per sweep.
	EventInvoiceOverdue = "invoice_overdue"

	// bounds the walk over missed instants after a long outage
	maxCatchUpSteps = 100000
)

var ErrSchedulerRunning = errors.New("scheduler already running")

type SchedulerOptions struct {
	CronPollInterval    time.Duration
	CatchUpWindow       time.Duration
	OverdueHour         int
	OrphanSweepInterval time.Duration
	OrphanAfter         time.Duration
	StateFlushInterval  time.Duration
	// Location is the zone cron expressions and the daily checks run in. nil means time.Local.
	Location *time.Location
}

func (o *SchedulerOptions) applyDefaults() {
	if o.CronPollInterval <= 0 {
		o.CronPollInterval = time.Minute
	}
	if o.CatchUpWindow <= 0 {
		o.CatchUpWindow = time.Minute
	}
	if o.OrphanSweepInterval <= 0 {
		o.OrphanSweepInterval = time.Hour
	}
	if o.OrphanAfter <= 0 {
		o.OrphanAfter = time.Hour
	}
	if o.StateFlushInterval <= 0 {
		o.StateFlushInterval = 3 * time.Hour
	}
	if o.Location == nil {
		o.Location = time.Local
	}
}

// Scheduler runs the periodic checks: cron-triggered workflows, the daily overdue
// invoice sweep, the orphaned execution sweep and the state flush.
type Scheduler struct {
	db        *gorm.DB
	submitter ExecutionSubmitter
	emitter   *EventEmitter
	audit     *AuditService
	state     *SchedulerState
	store     StateStore
	opts      SchedulerOptions
	logger    *logrus.Logger
	tracer    trace.Tracer
	now       func() time.Time

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewScheduler(db *gorm.DB, submitter ExecutionSubmitter, emitter *EventEmitter, audit *AuditService, store StateStore, opts SchedulerOptions, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	opts.applyDefaults()
	return &Scheduler{
		db:        db,
		submitter: submitter,
		emitter:   emitter,
		audit:     audit,
		state:     NewSchedulerState(),
		store:     store,
		opts:      opts,
		logger:    logger,
		tracer:    otel.Tracer("autoflow.scheduler"),
		now:       time.Now,
	}
}

// State exposes the cron cache.
func (s *Scheduler) State() *SchedulerState {
	return s.state
}

func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start restores persisted state and launches every check in its own goroutine.
// The checks stop when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrSchedulerRunning
	}
	if err := s.state.Restore(ctx, s.store); err != nil {
		s.logger.Warnf("restore scheduler state: %v", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.spawn(func() {
		s.safeRun(ctx, checkCronWorkflows, s.cronCheck)
		s.runInterval(ctx, checkCronWorkflows, s.opts.CronPollInterval, s.cronCheck)
	})
	s.spawn(func() { s.runDaily(ctx, checkOverdue, s.opts.OverdueHour, s.overdueCheck) })
	s.spawn(func() { s.runInterval(ctx, checkOrphans, s.opts.OrphanSweepInterval, s.orphanCheck) })
	s.spawn(func() { s.runInterval(ctx, checkStateFlush, s.opts.StateFlushInterval, s.flushState) })

	s.logger.Infof("scheduler started: cron poll %s, overdue sweep at %02d:00", s.opts.CronPollInterval, s.opts.OverdueHour)
	return nil
}

func (s *Scheduler) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Stop cancels every check, waits for them and persists the state.
func (s *Scheduler) Stop() {
	if !s.running.Load() {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	if err := s.flushState(context.Background()); err != nil {
		s.logger.Warnf("persist scheduler state on stop: %v", err)
	}
	s.running.Store(false)
	s.logger.Info("scheduler stopped")
}

// safeRun isolates one check run: errors and panics are logged and counted.
func (s *Scheduler) safeRun(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			appmetrics.IncSchedulerError(name)
			s.logger.Errorf("scheduler check %s panicked: %v", name, r)
		}
	}()
	if err := fn(ctx); err != nil {
		appmetrics.IncSchedulerError(name)
		s.logger.Errorf("scheduler check %s: %v", name, err)
	}
}

func (s *Scheduler) runInterval(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.safeRun(ctx, name, fn)
		}
	}
}

// runDaily polls every minute and runs fn at hour:00 wall-clock time, then sleeps
// for an hour so the same slot is not hit twice.
func (s *Scheduler) runDaily(ctx context.Context, name string, hour int, fn func(context.Context) error) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := s.now().In(s.opts.Location)
			if now.Hour() != hour || now.Minute() != 0 {
				continue
			}
			s.safeRun(ctx, name, fn)
			if !sleepCtx(ctx, time.Hour) {
				return
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Scheduler) cronCheck(ctx context.Context) error {
	_, err := s.CheckCronWorkflows(ctx)
	return err
}

func (s *Scheduler) overdueCheck(ctx context.Context) error {
	_, err := s.SweepOverdueInvoices(ctx)
	return err
}

func (s *Scheduler) orphanCheck(ctx context.Context) error {
	_, err := s.SweepOrphans(ctx)
	return err
}

func (s *Scheduler) flushState(ctx context.Context) error {
	if err := s.state.Persist(ctx, s.store); err != nil {
		return err
	}
	appmetrics.IncSchedulerFire(checkStateFlush)
	return nil
}

// latestDue returns the most recent instant of sched in (after, now], if any.
func latestDue(sched cron.Schedule, after, now time.Time) (time.Time, bool) {
	t := sched.Next(after)
	if t.IsZero() || t.After(now) {
		return time.Time{}, false
	}
	for i := 0; i < maxCatchUpSteps; i++ {
		n := sched.Next(t)
		if n.IsZero() || n.After(now) {
			break
		}
		t = n
	}
	return t.UTC(), true
}

// CheckCronWorkflows fires every scheduled workflow whose cron instant has come due
// since the previous poll. A workflow seen for the first time fires only if an instant
// fell within the catch-up window. Returns the number of executions submitted.
func (s *Scheduler) CheckCronWorkflows(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.cron")
	defer span.End()

	now := s.now().UTC()
	var workflows []models.Workflow
	if err := s.db.WithContext(ctx).
		Where("enabled = ? AND trigger_type = ?", true, models.TriggerScheduled).
		Order("id").
		Find(&workflows).Error; err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("load scheduled workflows: %w", err)
	}

	keep := make(map[uint]bool, len(workflows))
	fired := 0
	for i := range workflows {
		wf := &workflows[i]
		keep[wf.ID] = true

		expr := wf.Trigger.Data().Cron
		sched, err := cron.ParseStandard(expr)
		if err != nil {
			s.logger.WithField("workflow_id", wf.ID).Warnf("skip invalid cron %q: %v", expr, err)
			continue
		}

		entry, seen := s.state.Get(wf.ID)
		after := now.Add(-s.opts.CatchUpWindow - time.Second)
		if seen {
			after = entry.LastCheck
		}
		due, ok := latestDue(sched, after.In(s.opts.Location), now.In(s.opts.Location))
		if ok && entry.LastFired != nil && !due.After(*entry.LastFired) {
			ok = false
		}
		if !ok {
			entry.LastCheck = now
			s.state.Set(wf.ID, entry)
			continue
		}

		if err := s.fire(ctx, wf, expr, due, now); err != nil {
			// LastCheck stays put so the instant is retried on the next poll
			s.logger.WithField("workflow_id", wf.ID).Errorf("fire scheduled workflow: %v", err)
			if !seen {
				s.state.Set(wf.ID, CronEntry{LastCheck: after})
			}
			continue
		}
		firedAt := due
		s.state.Set(wf.ID, CronEntry{LastCheck: now, LastFired: &firedAt})
		fired++
	}

	if evicted := s.state.Retain(keep); evicted > 0 {
		s.logger.Debugf("evicted %d workflow(s) from the cron cache", evicted)
	}
	span.SetAttributes(attribute.Int("scheduler.fired", fired))
	return fired, nil
}

func (s *Scheduler) fire(ctx context.Context, wf *models.Workflow, expr string, due, now time.Time) error {
	vars := map[string]interface{}{
		"trigger_type":  string(models.TriggerScheduled),
		"cron":          expr,
		"scheduled_for": utils.FormatTime(due),
		"triggered_at":  utils.FormatTime(now),
	}
	if err := s.submitter.Submit(ctx, ExecutionRequest{WorkflowID: wf.ID, Workflow: wf, Context: vars, Source: "scheduler"}); err != nil {
		return err
	}
	appmetrics.IncSchedulerFire(checkCronWorkflows)
	s.audit.Log(ctx, AuditRecord{
		EventType:  models.AuditTriggerFired,
		WorkflowID: &wf.ID,
		Details: map[string]interface{}{
			"trigger_type":  string(models.TriggerScheduled),
			"cron":          expr,
			"scheduled_for": utils.FormatTime(due),
		},
	})
	return nil
}

// SweepOverdueInvoices emits invoice_overdue for every unpaid invoice past its due date.
// Returns the number of invoices emitted.
func (s *Scheduler) SweepOverdueInvoices(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.overdue_sweep")
	defer span.End()

	now := s.now().UTC()
	var invoices []models.Invoice
	if err := s.db.WithContext(ctx).
		Where("status <> ? AND due_date < ?", models.InvoiceStatusPaid, now).
		Order("due_date").
		Find(&invoices).Error; err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("load overdue invoices: %w", err)
	}

	emitted := 0
	for _, inv := range invoices {
		vars := map[string]interface{}{
			"invoice_id":     inv.ID,
			"invoice_number": inv.Number,
			"customer_id":    inv.CustomerID,
			"amount":         inv.Amount,
			"currency":       inv.Currency,
			"due_date":       utils.FormatTime(inv.DueDate),
			"days_overdue":   int(now.Sub(inv.DueDate.UTC()).Hours() / 24),
		}
		if _, err := s.emitter.Emit(ctx, EventInvoiceOverdue, vars); err != nil {
			s.logger.Errorf("emit %s for invoice %s: %v", EventInvoiceOverdue, inv.Number, err)
			continue
		}
		emitted++
	}
	appmetrics.IncSchedulerFire(checkOverdue)
	if emitted > 0 {
		s.logger.Infof("overdue sweep: %d invoice(s)", emitted)
	}
	return emitted, nil
}

// SweepOrphans reports executions stuck in running for longer than OrphanAfter.
// Each orphan is audited once, on the first sweep after it crosses the threshold.
func (s *Scheduler) SweepOrphans(ctx context.Context) (int64, error) {
	now := s.now().UTC()
	cutoff := now.Add(-s.opts.OrphanAfter)

	var total int64
	if err := s.db.WithContext(ctx).Model(&models.Execution{}).
		Where("status = ? AND started_at < ?", models.ExecutionRunning, cutoff).
		Count(&total).Error; err != nil {
		return 0, fmt.Errorf("count orphaned executions: %w", err)
	}
	appmetrics.SetOrphanedExecutions(total)

	var fresh []models.Execution
	if err := s.db.WithContext(ctx).
		Where("status = ? AND started_at < ? AND started_at >= ?", models.ExecutionRunning, cutoff, cutoff.Add(-s.opts.OrphanSweepInterval)).
		Find(&fresh).Error; err != nil {
		return total, fmt.Errorf("load orphaned executions: %w", err)
	}
	for _, ex := range fresh {
		wfID := ex.WorkflowID
		s.logger.WithFields(logrus.Fields{"workflow_id": wfID, "run_id": ex.RunID}).
			Warnf("execution running since %s looks orphaned", utils.FormatTime(ex.StartedAt))
		s.audit.Log(ctx, AuditRecord{
			EventType:  models.AuditExecutionFailed,
			WorkflowID: &wfID,
			Details: map[string]interface{}{
				"execution_id": ex.ID,
				"run_id":       ex.RunID,
				"reason":       "orphaned",
				"started_at":   utils.FormatTime(ex.StartedAt),
			},
		})
	}
	appmetrics.IncSchedulerFire(checkOrphans)
	return total, nil
}
