package handlers

import (
	"errors"
	"io"
	"net/http"

	"autoflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// WebhookHandler receives inbound webhook deliveries.
type WebhookHandler struct {
	webhooks        *services.WebhookService
	signatureHeader string
	maxBodyBytes    int64
	logger          *logrus.Logger
}

func NewWebhookHandler(webhooks *services.WebhookService, signatureHeader string, maxBodyBytes int64, logger *logrus.Logger) *WebhookHandler {
	if logger == nil {
		logger = logrus.New()
	}
	if signatureHeader == "" {
		signatureHeader = "X-Webhook-Signature"
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &WebhookHandler{webhooks: webhooks, signatureHeader: signatureHeader, maxBodyBytes: maxBodyBytes, logger: logger}
}

// Receive POST /webhooks/:webhook_id. The raw body is kept for signature verification.
// It answers 200 even when nothing matched.
func (h *WebhookHandler) Receive(c *gin.Context) {
	webhookID := c.Param("webhook_id")
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "Payload too large", Message: err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Unreadable body", Message: err.Error()})
		return
	}

	headers := make(map[string]string, len(c.Request.Header))
	for k := range c.Request.Header {
		headers[k] = c.Request.Header.Get(k)
	}

	res, err := h.webhooks.Receive(c.Request.Context(), services.WebhookDelivery{
		WebhookID: webhookID,
		Body:      body,
		Signature: c.GetHeader(h.signatureHeader),
		Headers:   headers,
	})
	if err != nil {
		fail(c, h.logger, "Failed to process webhook", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows_triggered": res.WorkflowsTriggered})
}

// RegisterWebhookRoutes mounts the receiver at the router root.
func RegisterWebhookRoutes(r gin.IRouter, h *WebhookHandler) {
	r.POST("/webhooks/:webhook_id", h.Receive)
}
