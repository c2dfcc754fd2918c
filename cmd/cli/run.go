package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"autoflow/internal/database"
	"autoflow/internal/handlers"
	"autoflow/internal/observability"
	"autoflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the API server, execution workers and scheduler",
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) error {
	cfg, db, err := bootstrap()
	if err != nil {
		return err
	}
	logger := logrus.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if shutdown, err := observability.SetupTracing(ctx, cfg); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	} else {
		logger.Warnf("init tracing: %v", err)
	}

	if err := database.Migrate(db); err != nil {
		return err
	}
	database.CreateIndexes(db)

	a := newApp(cfg, db, logger)
	defer a.close()
	if err := a.connectRedis(ctx); err != nil {
		return err
	}

	feed := services.NewExecutionFeed(logger, cfg.Security.CORS.AllowedOrigins)
	go feed.Run(ctx)
	a.engine.SetPublisher(feed)

	queue := services.NewExecutionQueue(a.engine, cfg.Engine.QueueSize, cfg.Engine.Workers, logger)
	queue.Start(ctx)

	emitter := services.NewEventEmitter(db, queue, a.audit, logger)
	webhooks := services.NewWebhookService(db, queue, emitter, a.audit, logger)

	var scheduler *services.Scheduler
	if cfg.Scheduler.Enabled {
		scheduler = services.NewScheduler(db, queue, emitter, a.audit, a.stateStore(), a.schedulerOptions(), logger)
		if err := scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	health := handlers.HealthDeps{DB: db, Scheduler: scheduler, Queue: queue, Feed: feed, Version: Version}
	if a.redis != nil {
		health.Redis = a.redis
	}
	router := handlers.NewRouter(cfg, handlers.Handlers{
		Workflows: handlers.NewWorkflowHandler(a.workflows, logger),
		Versions:  handlers.NewVersionHandler(a.versions, a.workflows, logger),
		Audit:     handlers.NewAuditHandler(a.audit, logger),
		Webhooks:  handlers.NewWebhookHandler(webhooks, cfg.Webhook.SignatureHeader, cfg.Webhook.MaxBodyBytes, logger),
		Events:    handlers.NewEventHandler(emitter, feed, logger),
		Health:    handlers.NewHealthHandler(health, logger),
	}, logger)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		logger.Errorf("Server failed: %v", err)
	}
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}
	if scheduler != nil {
		scheduler.Stop()
	}
	if err := queue.Stop(shutdownCtx); err != nil {
		logger.Errorf("Execution queue did not drain: %v", err)
	}

	logger.Info("Server exited")
	return nil
}
