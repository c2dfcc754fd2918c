package services

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"autoflow/internal/database"
	"autoflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:services_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// testEnv wires the services against one sqlite database with synchronous execution.
type testEnv struct {
	db         *gorm.DB
	audit      *AuditService
	dispatcher *ActionDispatcher
	engine     *ExecutionEngine
	inline     *InlineSubmitter
	emitter    *EventEmitter
	versions   *VersionService
	workflows  *WorkflowService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	log := quietLogger()
	audit := NewAuditService(db, log)
	dispatcher := NewActionDispatcher(NewGormCollaborators(db).Collaborators(nil), DispatcherOptions{MaxDelay: 50 * time.Millisecond}, log)
	engine := NewExecutionEngine(db, dispatcher, audit, EngineOptions{
		RetryPolicy:   RetryPolicy{Strategy: RetryExponential, MaxAttempts: 3, Delay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		ActionTimeout: 5 * time.Second,
	}, log)
	inline := NewInlineSubmitter(engine)
	versions := NewVersionService(db, audit, log)
	return &testEnv{
		db:         db,
		audit:      audit,
		dispatcher: dispatcher,
		engine:     engine,
		inline:     inline,
		emitter:    NewEventEmitter(db, inline, audit, log),
		versions:   versions,
		workflows:  NewWorkflowService(db, versions, engine, dispatcher, audit, log),
	}
}

func boolPtr(b bool) *bool { return &b }

func uintPtr(u uint) *uint { return &u }

// saveWorkflow inserts a workflow row directly, bypassing validation and versioning.
func saveWorkflow(t *testing.T, db *gorm.DB, name string, enabled bool, trigger models.Trigger, actions ...models.Action) *models.Workflow {
	t.Helper()
	wf := &models.Workflow{
		Name:    name,
		Enabled: enabled,
		Trigger: datatypes.NewJSONType(trigger),
		Actions: datatypes.NewJSONSlice(actions),
	}
	if err := db.Create(wf).Error; err != nil {
		t.Fatalf("create workflow %s: %v", name, err)
	}
	return wf
}

func countAudit(t *testing.T, db *gorm.DB, eventType models.AuditEventType) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&models.AuditEntry{}).Where("event_type = ?", eventType).Count(&n).Error; err != nil {
		t.Fatalf("count audit: %v", err)
	}
	return n
}

// stepRecorder is an action handler that records the "step" config value of each call.
type stepRecorder struct {
	mu    sync.Mutex
	steps []string
	fail  map[string]bool
}

func (r *stepRecorder) handle(_ context.Context, _ *ActionContext, cfg map[string]interface{}) (map[string]interface{}, error) {
	step, _ := cfg["step"].(string)
	r.mu.Lock()
	r.steps = append(r.steps, step)
	r.mu.Unlock()
	if r.fail[step] {
		return nil, Permanent(errStepFailed)
	}
	return map[string]interface{}{"last_step": step}, nil
}

func (r *stepRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.steps...)
}

var errStepFailed = errorString("step failed")

type errorString string

func (e errorString) Error() string { return string(e) }
