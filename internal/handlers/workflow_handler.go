package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"autoflow/internal/models"
	"autoflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// WorkflowHandler exposes workflow CRUD, manual runs and execution history.
type WorkflowHandler struct {
	workflows *services.WorkflowService
	logger    *logrus.Logger
}

func NewWorkflowHandler(workflows *services.WorkflowService, logger *logrus.Logger) *WorkflowHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &WorkflowHandler{workflows: workflows, logger: logger}
}

func pageParams(c *gin.Context) (int, int) {
	page := queryInt(c, "page", 1)
	if page <= 0 {
		page = 1
	}
	size := queryInt(c, "page_size", 20)
	if size <= 0 || size > 200 {
		size = 20
	}
	return page, size
}

// ListWorkflows GET /workflows?enabled=&trigger_type=&search=&page=&page_size=
func (h *WorkflowHandler) ListWorkflows(c *gin.Context) {
	page, size := pageParams(c)
	f := services.WorkflowFilter{
		TriggerType: models.TriggerType(c.Query("trigger_type")),
		Search:      c.Query("search"),
		Page:        page,
		PageSize:    size,
	}
	if raw := c.Query("enabled"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid enabled", Message: err.Error()})
			return
		}
		f.Enabled = &enabled
	}

	workflows, total, err := h.workflows.List(c.Request.Context(), f)
	if err != nil {
		fail(c, h.logger, "Failed to list workflows", err)
		return
	}
	c.JSON(http.StatusOK, paginated(workflows, total, page, size))
}

func (h *WorkflowHandler) CreateWorkflow(c *gin.Context) {
	var in services.WorkflowInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}
	wf, err := h.workflows.Create(c.Request.Context(), in, actorFrom(c))
	if err != nil {
		fail(c, h.logger, "Failed to create workflow", err)
		return
	}
	c.JSON(http.StatusCreated, wf)
}

func (h *WorkflowHandler) GetWorkflow(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	wf, err := h.workflows.Get(c.Request.Context(), id)
	if err != nil {
		fail(c, h.logger, "Failed to get workflow", err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

// UpdateWorkflow replaces the definition and answers with the workflow and the version it created.
func (h *WorkflowHandler) UpdateWorkflow(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var in services.WorkflowInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}
	wf, version, err := h.workflows.Update(c.Request.Context(), id, in, actorFrom(c))
	if err != nil {
		fail(c, h.logger, "Failed to update workflow", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflow": wf, "version": version})
}

func (h *WorkflowHandler) DeleteWorkflow(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.workflows.Delete(c.Request.Context(), id, actorFrom(c)); err != nil {
		fail(c, h.logger, "Failed to delete workflow", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

func (h *WorkflowHandler) EnableWorkflow(c *gin.Context)  { h.setEnabled(c, true) }
func (h *WorkflowHandler) DisableWorkflow(c *gin.Context) { h.setEnabled(c, false) }

func (h *WorkflowHandler) setEnabled(c *gin.Context, enabled bool) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	wf, err := h.workflows.SetEnabled(c.Request.Context(), id, enabled, actorFrom(c))
	if err != nil {
		fail(c, h.logger, "Failed to change workflow state", err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

// RunWorkflow executes the workflow synchronously. The optional JSON object body becomes
// the execution context.
func (h *WorkflowHandler) RunWorkflow(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	vars, err := readContextBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid context", Message: err.Error()})
		return
	}
	exec, err := h.workflows.Run(c.Request.Context(), id, vars, actorFrom(c))
	if err != nil {
		fail(c, h.logger, "Failed to run workflow", err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// readContextBody decodes a JSON object body; an empty body yields an empty context.
func readContextBody(c *gin.Context) (map[string]interface{}, error) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, err
	}
	vars := map[string]interface{}{}
	if len(raw) == 0 {
		return vars, nil
	}
	if err := json.Unmarshal(raw, &vars); err != nil {
		return nil, err
	}
	return vars, nil
}

func (h *WorkflowHandler) ListExecutions(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if _, err := h.workflows.Get(c.Request.Context(), id); err != nil {
		fail(c, h.logger, "Failed to list executions", err)
		return
	}
	page, size := pageParams(c)
	execs, total, err := h.workflows.ListExecutions(c.Request.Context(), id, page, size)
	if err != nil {
		fail(c, h.logger, "Failed to list executions", err)
		return
	}
	c.JSON(http.StatusOK, paginated(execs, total, page, size))
}

func (h *WorkflowHandler) GetExecution(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	exec, err := h.workflows.GetExecution(c.Request.Context(), id)
	if err != nil {
		fail(c, h.logger, "Failed to get execution", err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (h *WorkflowHandler) ListAttempts(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if _, err := h.workflows.GetExecution(c.Request.Context(), id); err != nil {
		fail(c, h.logger, "Failed to list attempts", err)
		return
	}
	attempts, err := h.workflows.ListAttempts(c.Request.Context(), id)
	if err != nil {
		fail(c, h.logger, "Failed to list attempts", err)
		return
	}
	c.JSON(http.StatusOK, attempts)
}

// RegisterWorkflowRoutes mounts workflow and execution routes on r.
func RegisterWorkflowRoutes(r *gin.RouterGroup, h *WorkflowHandler) {
	wf := r.Group("/workflows")
	{
		wf.GET("", h.ListWorkflows)
		wf.POST("", h.CreateWorkflow)
		wf.GET("/:id", h.GetWorkflow)
		wf.PUT("/:id", h.UpdateWorkflow)
		wf.DELETE("/:id", h.DeleteWorkflow)
		wf.POST("/:id/enable", h.EnableWorkflow)
		wf.POST("/:id/disable", h.DisableWorkflow)
		wf.POST("/:id/run", h.RunWorkflow)
		wf.GET("/:id/executions", h.ListExecutions)
	}
	exec := r.Group("/executions")
	{
		exec.GET("/:id", h.GetExecution)
		exec.GET("/:id/attempts", h.ListAttempts)
	}
}
