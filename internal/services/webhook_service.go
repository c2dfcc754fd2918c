package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	appmetrics "autoflow/internal/metrics"
	"autoflow/internal/models"
	"autoflow/pkg/utils"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// EventWebhookReceived is emitted for every delivery, whether or not a workflow matched.
const EventWebhookReceived = "webhook_received"

const signaturePrefix = "sha256="

// ComputeSignature returns the HMAC-SHA256 of body under secret as "sha256=<hex>".
func ComputeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature accepts "sha256=<hex>" or bare hex and compares in constant time.
func VerifySignature(body []byte, signature, secret string) bool {
	sig := strings.TrimSpace(signature)
	if sig == "" {
		return false
	}
	sig = strings.TrimPrefix(sig, signaturePrefix)
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// WebhookDelivery is one inbound request as the HTTP layer saw it.
type WebhookDelivery struct {
	WebhookID string
	Body      []byte
	Signature string
	Headers   map[string]string
}

type WebhookResult struct {
	WebhookID          string `json:"webhook_id"`
	DeliveryID         string `json:"delivery_id"`
	WorkflowsTriggered int    `json:"workflows_triggered"`
	Rejected           int    `json:"rejected"`
}

// WebhookService turns inbound webhook deliveries into workflow executions.
type WebhookService struct {
	db        *gorm.DB
	submitter ExecutionSubmitter
	emitter   *EventEmitter
	audit     *AuditService
	logger    *logrus.Logger
	tracer    trace.Tracer
}

func NewWebhookService(db *gorm.DB, submitter ExecutionSubmitter, emitter *EventEmitter, audit *AuditService, logger *logrus.Logger) *WebhookService {
	if logger == nil {
		logger = logrus.New()
	}
	return &WebhookService{
		db:        db,
		submitter: submitter,
		emitter:   emitter,
		audit:     audit,
		logger:    logger,
		tracer:    otel.Tracer("autoflow.webhooks"),
	}
}

func decodePayload(body []byte) interface{} {
	if len(body) == 0 {
		return map[string]interface{}{}
	}
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return string(body)
	}
	return v
}

// Receive fires every enabled workflow bound to the delivery's webhook id whose secret,
// if set, verifies the signature. A workflow with a bad signature is skipped; the rest
// still fire. webhook_received is emitted unless the hook is secured and no secret
// verified the delivery.
func (s *WebhookService) Receive(ctx context.Context, d WebhookDelivery) (*WebhookResult, error) {
	ctx, span := s.tracer.Start(ctx, "webhook.receive", trace.WithAttributes(attribute.String("webhook.id", d.WebhookID)))
	defer span.End()

	result := &WebhookResult{WebhookID: d.WebhookID, DeliveryID: utils.GenerateID()}
	var workflows []models.Workflow
	if err := s.db.WithContext(ctx).
		Where("enabled = ? AND trigger_type = ? AND trigger_key = ?", true, models.TriggerWebhook, d.WebhookID).
		Order("id").
		Find(&workflows).Error; err != nil {
		span.RecordError(err)
		appmetrics.IncWebhookRequest("error")
		return nil, fmt.Errorf("load webhook workflows: %w", err)
	}

	payload := decodePayload(d.Body)
	ts := utils.FormatTime(time.Now())
	headers := d.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	log := s.logger.WithFields(logrus.Fields{"webhook_id": d.WebhookID, "delivery_id": result.DeliveryID})

	secured, verified := false, false
	for i := range workflows {
		wf := &workflows[i]
		if secret := wf.Trigger.Data().Secret; secret != "" {
			secured = true
			if !VerifySignature(d.Body, d.Signature, secret) {
				result.Rejected++
				log.WithField("workflow_id", wf.ID).Warn("webhook signature mismatch, workflow skipped")
				continue
			}
			verified = true
		}
		vars := map[string]interface{}{
			"trigger_type": string(models.TriggerWebhook),
			"webhook_id":   d.WebhookID,
			"delivery_id":  result.DeliveryID,
			"payload":      payload,
			"timestamp":    ts,
			"headers":      headers,
		}
		if err := s.submitter.Submit(ctx, ExecutionRequest{WorkflowID: wf.ID, Workflow: wf, Context: vars, Source: "webhook"}); err != nil {
			log.WithField("workflow_id", wf.ID).Errorf("submit webhook execution: %v", err)
			continue
		}
		result.WorkflowsTriggered++
	}

	// A delivery to a secured hook reaches event listeners only once some secret verified it.
	if secured && !verified {
		log.Warnf("unverified delivery, %s not emitted", EventWebhookReceived)
	} else if s.emitter != nil {
		if _, err := s.emitter.Emit(ctx, EventWebhookReceived, map[string]interface{}{
			"webhook_id":  d.WebhookID,
			"delivery_id": result.DeliveryID,
			"payload":     payload,
			"timestamp":   ts,
			"headers":     headers,
		}); err != nil {
			log.Warnf("emit %s: %v", EventWebhookReceived, err)
		}
	}

	s.audit.Log(ctx, AuditRecord{
		EventType: models.AuditWebhookReceived,
		Details: map[string]interface{}{
			"webhook_id":          d.WebhookID,
			"delivery_id":         result.DeliveryID,
			"workflows_matched":   len(workflows),
			"workflows_triggered": result.WorkflowsTriggered,
			"rejected":            result.Rejected,
			"body_bytes":          len(d.Body),
		},
	})

	switch {
	case len(workflows) == 0:
		appmetrics.IncWebhookRequest("unmatched")
	case result.WorkflowsTriggered == 0 && result.Rejected > 0:
		appmetrics.IncWebhookRequest("rejected")
	default:
		appmetrics.IncWebhookRequest("accepted")
	}
	span.SetAttributes(attribute.Int("webhook.workflows_triggered", result.WorkflowsTriggered))
	log.Infof("webhook delivery: %d triggered, %d rejected", result.WorkflowsTriggered, result.Rejected)
	return result, nil
}
