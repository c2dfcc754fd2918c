package handlers

import (
	"net/http"

	"autoflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// EventHandler emits business events and serves the live execution feed.
type EventHandler struct {
	emitter *services.EventEmitter
	feed    *services.ExecutionFeed
	logger  *logrus.Logger
}

func NewEventHandler(emitter *services.EventEmitter, feed *services.ExecutionFeed, logger *logrus.Logger) *EventHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &EventHandler{emitter: emitter, feed: feed, logger: logger}
}

// Emit POST /events/:event_type with the event variables as a JSON object body.
func (h *EventHandler) Emit(c *gin.Context) {
	eventType := c.Param("event_type")
	vars, err := readContextBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid event data", Message: err.Error()})
		return
	}
	n, err := h.emitter.Emit(c.Request.Context(), eventType, vars)
	if err != nil {
		fail(c, h.logger, "Failed to emit event", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"event_type": eventType, "workflows_triggered": n})
}

// Stream upgrades to the execution feed websocket.
func (h *EventHandler) Stream(c *gin.Context) {
	if h.feed == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Feed unavailable", Message: "execution feed is not running"})
		return
	}
	h.feed.HandleWebSocket(c)
}

func (h *EventHandler) FeedStats(c *gin.Context) {
	clients := 0
	if h.feed != nil {
		clients = h.feed.ClientCount()
	}
	c.JSON(http.StatusOK, gin.H{"connected_clients": clients})
}

func RegisterEventRoutes(r *gin.RouterGroup, h *EventHandler) {
	r.POST("/events/:event_type", h.Emit)
	r.GET("/executions/stream", h.Stream)
	r.GET("/executions/stream/stats", h.FeedStats)
}
