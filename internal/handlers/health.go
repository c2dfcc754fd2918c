package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	appmetrics "autoflow/internal/metrics"
	"autoflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// HealthDeps are the components the health check pings. Nil members are reported as disabled.
type HealthDeps struct {
	DB        *gorm.DB
	Redis     redis.UniversalClient
	Scheduler *services.Scheduler
	Queue     *services.ExecutionQueue
	Feed      *services.ExecutionFeed
	Version   string
}

// HealthHandler reports liveness and readiness.
type HealthHandler struct {
	deps   HealthDeps
	logger *logrus.Logger
}

func NewHealthHandler(deps HealthDeps, logger *logrus.Logger) *HealthHandler {
	if logger == nil {
		logger = logrus.New()
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}
	return &HealthHandler{deps: deps, logger: logger}
}

type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

type SystemInfo struct {
	Uptime    string `json:"uptime"`
	GoVersion string `json:"go_version"`
}

var startTime = time.Now()

// Health returns 200 while the database answers; a failing optional component only
// degrades the status.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Version:   h.deps.Version,
		Timestamp: time.Now().UTC(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			GoVersion: runtime.Version(),
		},
	}

	db := h.checkDatabase(ctx)
	resp.Services["database"] = db
	if db.Status != "healthy" {
		resp.Status = "unhealthy"
	}

	if rd := h.checkRedis(ctx); rd.Status != "disabled" {
		resp.Services["redis"] = rd
		if rd.Status != "healthy" && resp.Status == "healthy" {
			resp.Status = "degraded"
		}
	}

	sched := ServiceInfo{Status: "disabled"}
	if h.deps.Scheduler != nil {
		sched.Status = "stopped"
		if h.deps.Scheduler.Running() {
			sched.Status = "running"
		}
		sched.Details = gin.H{"tracked_cron_workflows": h.deps.Scheduler.State().Len()}
	}
	resp.Services["scheduler"] = sched

	if h.deps.Queue != nil {
		resp.Services["queue"] = ServiceInfo{Status: "running", Details: gin.H{"depth": h.deps.Queue.Depth()}}
	}
	if h.deps.Feed != nil {
		resp.Services["feed"] = ServiceInfo{Status: "running", Details: gin.H{"clients": h.deps.Feed.ClientCount()}}
	}

	dropped, byPrefix := appmetrics.RateLimitSnapshot()
	resp.Services["rate_limit"] = ServiceInfo{Status: "running", Details: gin.H{"dropped_total": dropped, "dropped_by_prefix": byPrefix}}

	status := http.StatusOK
	if resp.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

// Ready only checks the database.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	db := h.checkDatabase(ctx)
	ready := db.Status == "healthy"
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ready": ready, "timestamp": time.Now().UTC(), "database": db.Status})
}

func (h *HealthHandler) checkDatabase(ctx context.Context) ServiceInfo {
	if h.deps.DB == nil {
		return ServiceInfo{Status: "unhealthy", Error: "database connection not initialized"}
	}
	start := time.Now()
	sqlDB, err := h.deps.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	info := ServiceInfo{Status: "healthy", Latency: time.Since(start).String(), Details: gin.H{"driver": h.deps.DB.Dialector.Name()}}
	if err != nil {
		h.logger.Warnf("database health check failed: %v", err)
		info.Status = "unhealthy"
		info.Error = err.Error()
	}
	return info
}

func (h *HealthHandler) checkRedis(ctx context.Context) ServiceInfo {
	if h.deps.Redis == nil {
		return ServiceInfo{Status: "disabled"}
	}
	start := time.Now()
	if err := h.deps.Redis.Ping(ctx).Err(); err != nil {
		h.logger.Warnf("redis health check failed: %v", err)
		return ServiceInfo{Status: "unhealthy", Latency: time.Since(start).String(), Error: err.Error()}
	}
	return ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
}

func RegisterHealthRoutes(r gin.IRouter, h *HealthHandler) {
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
}
