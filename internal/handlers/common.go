package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"autoflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Pages    int         `json:"pages"`
}

type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// UserHeader carries the acting user's numeric id. Authentication happens upstream.
const UserHeader = "X-User-ID"

// actorFrom returns the acting user, or nil for system/anonymous calls.
func actorFrom(c *gin.Context) *uint {
	raw := c.GetHeader(UserHeader)
	if raw == "" {
		return nil
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return nil
	}
	u := uint(id)
	return &u
}

// authorFrom renders the actor the way version history records it.
func authorFrom(c *gin.Context) string {
	if actor := actorFrom(c); actor != nil {
		return strconv.FormatUint(uint64(*actor), 10)
	}
	return "system"
}

// parseID reads a positive numeric path parameter, writing a 400 when it is malformed.
func parseID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid " + name,
			Message: name + " must be a positive number",
		})
		return 0, false
	}
	return uint(id), true
}

func queryInt(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return def
	}
	return v
}

func queryUint(c *gin.Context, name string) *uint {
	v, err := strconv.ParseUint(c.Query(name), 10, 32)
	if err != nil || v == 0 {
		return nil
	}
	u := uint(v)
	return &u
}

func paginated(data interface{}, total int64, page, pageSize int) PaginatedResponse {
	if page <= 0 {
		page = 1
	}
	pages := 0
	if pageSize > 0 {
		pages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}
	return PaginatedResponse{Data: data, Total: total, Page: page, PageSize: pageSize, Pages: pages}
}

// statusFor maps service sentinels to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrWorkflowNotFound),
		errors.Is(err, services.ErrExecutionNotFound),
		errors.Is(err, services.ErrVersionNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrInvalidWorkflow):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrQueueFull), errors.Is(err, services.ErrQueueClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with the status its sentinel maps to. Server errors are logged.
func fail(c *gin.Context, logger *logrus.Logger, title string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && logger != nil {
		logger.Errorf("%s: %v", title, err)
	}
	c.JSON(status, ErrorResponse{Error: title, Message: err.Error()})
}
