package handlers

import (
	"net/http"
	"strings"
	"time"

	"autoflow/internal/config"
	appmetrics "autoflow/internal/metrics"
	"autoflow/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Handlers groups everything the router mounts. Nil members are skipped.
type Handlers struct {
	Workflows *WorkflowHandler
	Versions  *VersionHandler
	Audit     *AuditHandler
	Webhooks  *WebhookHandler
	Events    *EventHandler
	Health    *HealthHandler
}

// NewRouter builds the gin engine: recovery, access log, CORS, tracing, then the
// API under /api/v1, webhooks at the root and metrics at monitoring.metrics_path.
func NewRouter(cfg *config.Config, h Handlers, logger *logrus.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(accessLog(logger))
	router.Use(corsMiddlewareWithConfig(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		router.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	if h.Health != nil {
		RegisterHealthRoutes(router, h.Health)
	}
	if cfg.Monitoring.Enabled && cfg.Monitoring.MetricsPath != "" {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(appmetrics.Handler()))
	}

	if h.Webhooks != nil {
		hooks := router.Group("", middleware.RateLimitMiddleware(cfg, "webhooks"))
		RegisterWebhookRoutes(hooks, h.Webhooks)
	}

	api := router.Group("/api/v1", middleware.RateLimitMiddleware(cfg, "api"))
	if h.Workflows != nil {
		RegisterWorkflowRoutes(api, h.Workflows)
	}
	if h.Versions != nil {
		RegisterVersionRoutes(api, h.Versions)
	}
	if h.Audit != nil {
		RegisterAuditRoutes(api, h.Audit)
	}
	if h.Events != nil {
		RegisterEventRoutes(api, h.Events)
	}
	return router
}

func accessLog(logger *logrus.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"client":  c.ClientIP(),
			"latency": time.Since(start).String(),
		}).Debug("http request")
	}
}

func corsMiddlewareWithConfig(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origins := "*"
		methods := "GET, POST, PUT, PATCH, DELETE, OPTIONS"
		headers := "Content-Type, Content-Length, Accept-Encoding, Authorization, Origin, X-Requested-With, " + UserHeader
		if cfg != nil && cfg.Security.CORS.Enabled {
			if len(cfg.Security.CORS.AllowedOrigins) > 0 {
				origins = strings.Join(cfg.Security.CORS.AllowedOrigins, ", ")
			}
			if len(cfg.Security.CORS.AllowedMethods) > 0 {
				methods = strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
			}
			if len(cfg.Security.CORS.AllowedHeaders) > 0 {
				headers = strings.Join(cfg.Security.CORS.AllowedHeaders, ", ")
			}
		}
		c.Header("Access-Control-Allow-Origin", origins)
		c.Header("Access-Control-Allow-Headers", headers)
		c.Header("Access-Control-Allow-Methods", methods)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
