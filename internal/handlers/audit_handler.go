package handlers

import (
	"net/http"
	"strings"
	"time"

	"autoflow/internal/models"
	"autoflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AuditHandler is the read side of the audit log.
type AuditHandler struct {
	audit  *services.AuditService
	logger *logrus.Logger
}

func NewAuditHandler(audit *services.AuditService, logger *logrus.Logger) *AuditHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &AuditHandler{audit: audit, logger: logger}
}

// auditFilter reads workflow_id, user_id, event_type (comma separated or repeated),
// from and to (RFC3339), page and page_size.
func auditFilter(c *gin.Context) (services.AuditFilter, error) {
	f := services.AuditFilter{
		WorkflowID: queryUint(c, "workflow_id"),
		UserID:     queryUint(c, "user_id"),
		Page:       queryInt(c, "page", 1),
		PageSize:   queryInt(c, "page_size", 50),
	}
	for _, raw := range c.QueryArray("event_type") {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.EventTypes = append(f.EventTypes, models.AuditEventType(t))
			}
		}
	}
	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, err
		}
		*dst = &t
	}
	return f, nil
}

// Trail GET /audit
func (h *AuditHandler) Trail(c *gin.Context) {
	f, err := auditFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid filter", Message: err.Error()})
		return
	}
	entries, total, err := h.audit.Trail(c.Request.Context(), f)
	if err != nil {
		fail(c, h.logger, "Failed to read audit trail", err)
		return
	}
	page, size := f.Page, f.PageSize
	if page <= 0 {
		page = 1
	}
	if size <= 0 || size > 500 {
		size = 50
	}
	c.JSON(http.StatusOK, paginated(entries, total, page, size))
}

func (h *AuditHandler) WorkflowSummary(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	summary, err := h.audit.WorkflowSummary(c.Request.Context(), id, queryInt(c, "days", 30))
	if err != nil {
		fail(c, h.logger, "Failed to summarize workflow audit", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *AuditHandler) UserActivity(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	digest, err := h.audit.UserActivity(c.Request.Context(), id, queryInt(c, "days", 30))
	if err != nil {
		fail(c, h.logger, "Failed to read user activity", err)
		return
	}
	c.JSON(http.StatusOK, digest)
}

func (h *AuditHandler) SystemStats(c *gin.Context) {
	stats, err := h.audit.SystemStats(c.Request.Context(), queryInt(c, "days", 30))
	if err != nil {
		fail(c, h.logger, "Failed to compute audit stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Export streams the filtered trail as a JSON attachment.
func (h *AuditHandler) Export(c *gin.Context) {
	f, err := auditFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid filter", Message: err.Error()})
		return
	}
	rows, err := h.audit.Export(c.Request.Context(), f)
	if err != nil {
		fail(c, h.logger, "Failed to export audit trail", err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="audit-`+time.Now().UTC().Format("20060102T150405Z")+`.json"`)
	c.JSON(http.StatusOK, rows)
}

func RegisterAuditRoutes(r *gin.RouterGroup, h *AuditHandler) {
	audit := r.Group("/audit")
	{
		audit.GET("", h.Trail)
		audit.GET("/stats", h.SystemStats)
		audit.GET("/export", h.Export)
		audit.GET("/workflows/:id/summary", h.WorkflowSummary)
		audit.GET("/users/:id/activity", h.UserActivity)
	}
}
