package services

import (
	"context"
	"strings"
	"testing"

	"autoflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"order":1}`)
	sig := ComputeSignature(body, "s3cret")
	require.True(t, strings.HasPrefix(sig, "sha256="))

	cases := []struct {
		name   string
		sig    string
		secret string
		want   bool
	}{
		{"prefixed", sig, "s3cret", true},
		{"bare hex", strings.TrimPrefix(sig, "sha256="), "s3cret", true},
		{"padded", "  " + sig + " ", "s3cret", true},
		{"wrong secret", sig, "other", false},
		{"empty", "", "s3cret", false},
		{"not hex", "sha256=zzzz", "s3cret", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, VerifySignature(body, tc.sig, tc.secret))
		})
	}

	assert.False(t, VerifySignature([]byte(`{"order":2}`), sig, "s3cret"), "tampered body")
}

func newWebhookEnv(t *testing.T) (*testEnv, *WebhookService) {
	env := newTestEnv(t)
	return env, NewWebhookService(env.db, env.inline, env.emitter, env.audit, quietLogger())
}

func TestReceive_SkipsWorkflowsWithBadSignature(t *testing.T) {
	env, svc := newWebhookEnv(t)
	saveWorkflow(t, env.db, "signed", true, models.Trigger{Type: models.TriggerWebhook, WebhookID: "hook-1", Secret: "s3cret"})
	saveWorkflow(t, env.db, "open", true, models.Trigger{Type: models.TriggerWebhook, WebhookID: "hook-1"})
	saveWorkflow(t, env.db, "off", false, models.Trigger{Type: models.TriggerWebhook, WebhookID: "hook-1"})

	body := []byte(`{"status":"shipped"}`)
	res, err := svc.Receive(context.Background(), WebhookDelivery{WebhookID: "hook-1", Body: body, Signature: "sha256=00"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.WorkflowsTriggered)
	assert.Equal(t, 1, res.Rejected)

	res, err = svc.Receive(context.Background(), WebhookDelivery{
		WebhookID: "hook-1",
		Body:      body,
		Signature: ComputeSignature(body, "s3cret"),
		Headers:   map[string]string{"Content-Type": "application/json"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.WorkflowsTriggered)
	assert.Zero(t, res.Rejected)
	assert.NotEmpty(t, res.DeliveryID)

	execs := env.inline.Executions()
	require.Len(t, execs, 3)
	last := execs[2]
	assert.Equal(t, "webhook", last.TriggerType)
	assert.Equal(t, "hook-1", last.Context["webhook_id"])
	assert.Equal(t, map[string]interface{}{"status": "shipped"}, last.Context["payload"])
	assert.Equal(t, map[string]string{"Content-Type": "application/json"}, last.Context["headers"])
	assert.EqualValues(t, 2, countAudit(t, env.db, models.AuditWebhookReceived))
}

func TestReceive_UnknownWebhookTriggersNothing(t *testing.T) {
	_, svc := newWebhookEnv(t)
	res, err := svc.Receive(context.Background(), WebhookDelivery{WebhookID: "nope", Body: []byte("{}")})
	require.NoError(t, err)
	assert.Zero(t, res.WorkflowsTriggered)
}

func TestReceive_NonJSONPayloadIsKeptRaw(t *testing.T) {
	env, svc := newWebhookEnv(t)
	saveWorkflow(t, env.db, "form", true, models.Trigger{Type: models.TriggerWebhook, WebhookID: "form"})

	_, err := svc.Receive(context.Background(), WebhookDelivery{WebhookID: "form", Body: []byte("a=1&b=2")})
	require.NoError(t, err)

	execs := env.inline.Executions()
	require.Len(t, execs, 1)
	assert.Equal(t, "a=1&b=2", execs[0].Context["payload"])
}

func TestReceive_EmitsWebhookReceivedEvent(t *testing.T) {
	env, svc := newWebhookEnv(t)
	saveWorkflow(t, env.db, "listener", true, models.Trigger{
		Type: models.TriggerEvent, EventType: EventWebhookReceived, Filter: map[string]string{"webhook_id": "crm"},
	})

	_, err := svc.Receive(context.Background(), WebhookDelivery{WebhookID: "crm", Body: []byte(`{"id":9}`)})
	require.NoError(t, err)

	execs := env.inline.Executions()
	require.Len(t, execs, 1)
	assert.Equal(t, "event", execs[0].TriggerType)
	assert.Equal(t, EventWebhookReceived, execs[0].Context["event_type"])
}

func TestReceive_UnverifiedDeliveryIsNotEmitted(t *testing.T) {
	env, svc := newWebhookEnv(t)
	saveWorkflow(t, env.db, "charge", true, models.Trigger{Type: models.TriggerWebhook, WebhookID: "pay", Secret: "s3cret"})
	saveWorkflow(t, env.db, "listener", true, models.Trigger{
		Type: models.TriggerEvent, EventType: EventWebhookReceived, Filter: map[string]string{"webhook_id": "pay"},
	})

	body := []byte(`{"amount":1}`)
	res, err := svc.Receive(context.Background(), WebhookDelivery{WebhookID: "pay", Body: body, Signature: "sha256=00"})
	require.NoError(t, err)
	assert.Zero(t, res.WorkflowsTriggered)
	assert.Equal(t, 1, res.Rejected)
	assert.Empty(t, env.inline.Executions(), "forged delivery must not reach event listeners")

	res, err = svc.Receive(context.Background(), WebhookDelivery{WebhookID: "pay", Body: body, Signature: ComputeSignature(body, "s3cret")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.WorkflowsTriggered)

	execs := env.inline.Executions()
	require.Len(t, execs, 2)
	assert.Equal(t, "webhook", execs[0].TriggerType)
	assert.Equal(t, "event", execs[1].TriggerType)
	assert.Equal(t, map[string]interface{}{"amount": float64(1)}, execs[1].Context["payload"])
}
