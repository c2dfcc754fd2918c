package handlers

import (
	"net/http"
	"strconv"

	"autoflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// VersionHandler serves version history, comparison and rollback.
type VersionHandler struct {
	versions  *services.VersionService
	workflows *services.WorkflowService
	logger    *logrus.Logger
}

func NewVersionHandler(versions *services.VersionService, workflows *services.WorkflowService, logger *logrus.Logger) *VersionHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &VersionHandler{versions: versions, workflows: workflows, logger: logger}
}

type RollbackRequest struct {
	Version int    `json:"version" binding:"required,min=1"`
	Reason  string `json:"reason"`
}

func (h *VersionHandler) ListVersions(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if _, err := h.workflows.Get(c.Request.Context(), id); err != nil {
		fail(c, h.logger, "Failed to list versions", err)
		return
	}
	versions, err := h.versions.ListVersions(c.Request.Context(), id)
	if err != nil {
		fail(c, h.logger, "Failed to list versions", err)
		return
	}
	c.JSON(http.StatusOK, versions)
}

func (h *VersionHandler) GetVersion(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	n, err := strconv.Atoi(c.Param("version"))
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid version", Message: "version must be a positive number"})
		return
	}
	v, err := h.versions.GetVersion(c.Request.Context(), id, n)
	if err != nil {
		fail(c, h.logger, "Failed to get version", err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// CompareVersions GET /workflows/:id/versions/compare?a=1&b=2
func (h *VersionHandler) CompareVersions(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	a, errA := strconv.Atoi(c.Query("a"))
	b, errB := strconv.Atoi(c.Query("b"))
	if errA != nil || errB != nil || a <= 0 || b <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid versions", Message: "query parameters a and b must be positive numbers"})
		return
	}
	cmp, err := h.versions.CompareVersions(c.Request.Context(), id, a, b)
	if err != nil {
		fail(c, h.logger, "Failed to compare versions", err)
		return
	}
	c.JSON(http.StatusOK, cmp)
}

func (h *VersionHandler) Rollback(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req RollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}
	wf, version, err := h.versions.RollbackToVersion(c.Request.Context(), id, req.Version, authorFrom(c), req.Reason)
	if err != nil {
		fail(c, h.logger, "Failed to roll back workflow", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflow": wf, "version": version})
}

func RegisterVersionRoutes(r *gin.RouterGroup, h *VersionHandler) {
	wf := r.Group("/workflows/:id")
	{
		wf.GET("/versions", h.ListVersions)
		wf.GET("/versions/compare", h.CompareVersions)
		wf.GET("/versions/:version", h.GetVersion)
		wf.POST("/rollback", h.Rollback)
	}
}
