package services

import (
	"context"
	"fmt"
	"sync"

	appmetrics "autoflow/internal/metrics"
	"autoflow/internal/models"

	"github.com/sirupsen/logrus"
)

// ExecutionRequest asks for one execution. Workflow, when set, is used as loaded;
// otherwise WorkflowID is looked up by the worker.
type ExecutionRequest struct {
	WorkflowID uint
	Workflow   *models.Workflow
	Context    map[string]interface{}
	Source     string
}

// ExecutionSubmitter hands execution requests to whatever runs them.
type ExecutionSubmitter interface {
	Submit(ctx context.Context, req ExecutionRequest) error
	TrySubmit(req ExecutionRequest) error
}

type executionRunner interface {
	Execute(ctx context.Context, wf *models.Workflow, vars map[string]interface{}) *models.Execution
	ExecuteByID(ctx context.Context, workflowID uint, vars map[string]interface{}) *models.Execution
}

func runRequest(ctx context.Context, r executionRunner, req ExecutionRequest) *models.Execution {
	if req.Workflow != nil {
		return r.Execute(ctx, req.Workflow, req.Context)
	}
	return r.ExecuteByID(ctx, req.WorkflowID, req.Context)
}

// ExecutionQueue is a bounded buffer of requests drained by a fixed worker pool.
type ExecutionQueue struct {
	engine  executionRunner
	jobs    chan ExecutionRequest
	workers int
	logger  *logrus.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewExecutionQueue(engine *ExecutionEngine, size, workers int, logger *logrus.Logger) *ExecutionQueue {
	return newExecutionQueue(engine, size, workers, logger)
}

func newExecutionQueue(engine executionRunner, size, workers int, logger *logrus.Logger) *ExecutionQueue {
	if size <= 0 {
		size = 1000
	}
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &ExecutionQueue{
		engine:  engine,
		jobs:    make(chan ExecutionRequest, size),
		workers: workers,
		logger:  logger,
	}
}

// Start launches the workers. Executions run under ctx with cancellation stripped, so
// Stop drains instead of aborting them.
func (q *ExecutionQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	q.ctx, q.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.logger.Infof("execution queue started: %d workers, capacity %d", q.workers, cap(q.jobs))
}

func (q *ExecutionQueue) worker(id int) {
	defer q.wg.Done()
	for req := range q.jobs {
		appmetrics.SetQueueDepth(len(q.jobs))
		q.process(id, req)
	}
}

func (q *ExecutionQueue) process(id int, req ExecutionRequest) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Errorf("worker %d: execution of workflow %d panicked: %v", id, req.WorkflowID, r)
		}
	}()
	exec := runRequest(q.ctx, q.engine, req)
	if exec != nil {
		q.logger.Debugf("worker %d: %s execution %s of workflow %d: %s", id, req.Source, exec.RunID, exec.WorkflowID, exec.Status)
	}
}

// Submit enqueues req, waiting for a free slot until ctx is done.
func (q *ExecutionQueue) Submit(ctx context.Context, req ExecutionRequest) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- req:
		appmetrics.SetQueueDepth(len(q.jobs))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submit workflow %d: %w", req.WorkflowID, ctx.Err())
	}
}

// TrySubmit enqueues req only if a slot is free right now.
func (q *ExecutionQueue) TrySubmit(req ExecutionRequest) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- req:
		appmetrics.SetQueueDepth(len(q.jobs))
		return nil
	default:
		return ErrQueueFull
	}
}

// Depth is the number of requests waiting for a worker.
func (q *ExecutionQueue) Depth() int {
	return len(q.jobs)
}

// Stop rejects new requests and waits until queued and in-flight executions finish
// or ctx is done.
func (q *ExecutionQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	started := q.started
	q.mu.Unlock()

	if !started {
		return nil
	}
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		appmetrics.SetQueueDepth(0)
		q.logger.Info("execution queue drained")
		return nil
	case <-ctx.Done():
		q.cancel()
		return fmt.Errorf("drain execution queue: %w", ctx.Err())
	}
}

// InlineSubmitter runs every request synchronously on the caller's goroutine.
// Used by one-shot CLI commands and tests.
type InlineSubmitter struct {
	engine executionRunner

	mu         sync.Mutex
	executions []*models.Execution
}

func NewInlineSubmitter(engine *ExecutionEngine) *InlineSubmitter {
	return &InlineSubmitter{engine: engine}
}

func (s *InlineSubmitter) Submit(ctx context.Context, req ExecutionRequest) error {
	exec := runRequest(ctx, s.engine, req)
	s.mu.Lock()
	s.executions = append(s.executions, exec)
	s.mu.Unlock()
	return nil
}

func (s *InlineSubmitter) TrySubmit(req ExecutionRequest) error {
	return s.Submit(context.Background(), req)
}

// Executions returns what has run so far.
func (s *InlineSubmitter) Executions() []*models.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Execution, len(s.executions))
	copy(out, s.executions)
	return out
}
