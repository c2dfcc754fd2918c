package cli

import (
	"context"
	"fmt"
	"time"

	"autoflow/internal/config"
	"autoflow/internal/database"
	"autoflow/internal/services"
	"autoflow/pkg/hookclient"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// app is the wired service graph shared by the run and emit commands.
type app struct {
	cfg    *config.Config
	db     *gorm.DB
	redis  *redis.Client
	logger *logrus.Logger

	audit      *services.AuditService
	dispatcher *services.ActionDispatcher
	engine     *services.ExecutionEngine
	versions   *services.VersionService
	workflows  *services.WorkflowService
}

// bootstrap loads configuration, configures logging and opens the database.
func bootstrap() (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := config.InitLogger(cfg); err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	db, err := database.Open(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

func newApp(cfg *config.Config, db *gorm.DB, logger *logrus.Logger) *app {
	hc := cfg.Engine.Webhook
	client := hookclient.NewClient(&hookclient.Config{
		Timeout:           hc.Timeout,
		RequestsPerSecond: hc.RequestsPerSecond,
		Burst:             hc.Burst,
		BreakerFailures:   hc.BreakerFailures,
		BreakerTimeout:    hc.BreakerTimeout,
		MaxResponseBytes:  hc.MaxResponseBytes,
	}, logger)

	audit := services.NewAuditService(db, logger)
	dispatcher := services.NewActionDispatcher(
		services.NewGormCollaborators(db).Collaborators(client),
		services.DispatcherOptions{MaxDelay: cfg.Engine.MaxDelay},
		logger,
	)
	engine := services.NewExecutionEngine(db, dispatcher, audit, services.EngineOptions{
		RetryPolicy:      services.RetryPolicyFromConfig(cfg.Engine.Retry),
		ActionTimeout:    cfg.Engine.ActionTimeout,
		ExecutionTimeout: cfg.Engine.ExecutionTimeout,
	}, logger)
	versions := services.NewVersionService(db, audit, logger)

	return &app{
		cfg:        cfg,
		db:         db,
		logger:     logger,
		audit:      audit,
		dispatcher: dispatcher,
		engine:     engine,
		versions:   versions,
		workflows:  services.NewWorkflowService(db, versions, engine, dispatcher, audit, logger),
	}
}

// connectRedis opens the redis client when enabled. A failed ping is fatal only when
// the scheduler keeps its state there.
func (a *app) connectRedis(ctx context.Context) error {
	rc := a.cfg.Redis
	if !rc.Enabled {
		return nil
	}
	a.redis = redis.NewClient(&redis.Options{
		Addr:         rc.Addr(),
		Password:     rc.Password,
		DB:           rc.DB,
		PoolSize:     rc.PoolSize,
		MinIdleConns: rc.MinIdleConns,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		if a.cfg.Scheduler.StateStore == "redis" {
			return fmt.Errorf("connect redis %s: %w", rc.Addr(), err)
		}
		a.logger.Warnf("redis %s unavailable: %v", rc.Addr(), err)
	}
	return nil
}

// stateStore picks where the scheduler persists its cron bookkeeping.
func (a *app) stateStore() services.StateStore {
	switch a.cfg.Scheduler.StateStore {
	case "redis":
		if a.redis != nil {
			return services.NewRedisStateStore(a.redis)
		}
		a.logger.Warn("redis state store requested without a redis client, using database")
		return services.NewGormStateStore(a.db)
	case "memory":
		return services.NewMemoryStateStore()
	default:
		return services.NewGormStateStore(a.db)
	}
}

func (a *app) schedulerOptions() services.SchedulerOptions {
	sc := a.cfg.Scheduler
	loc, err := time.LoadLocation(sc.Timezone)
	if err != nil {
		a.logger.Warnf("scheduler timezone %q: %v, using local time", sc.Timezone, err)
		loc = time.Local
	}
	return services.SchedulerOptions{
		CronPollInterval:    sc.CronPollInterval,
		CatchUpWindow:       sc.CatchUpWindow,
		OverdueHour:         sc.OverdueHour,
		OrphanSweepInterval: sc.OrphanSweepInterval,
		OrphanAfter:         a.cfg.Engine.OrphanAfter,
		StateFlushInterval:  sc.StateFlushInterval,
		Location:            loc,
	}
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warnf("close redis: %v", err)
		}
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
