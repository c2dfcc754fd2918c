package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"autoflow/internal/models"
	"autoflow/pkg/hookclient"
	"autoflow/pkg/utils"
)

type NotifyConfig struct {
	Recipient string `mapstructure:"recipient" validate:"required"`
	Title     string `mapstructure:"title"`
	Message   string `mapstructure:"message" validate:"required"`
}

type EmailConfig struct {
	To      string `mapstructure:"to" validate:"required"`
	Subject string `mapstructure:"subject" validate:"required"`
	Body    string `mapstructure:"body"`
}

type SMSConfig struct {
	To      string `mapstructure:"to" validate:"required"`
	Message string `mapstructure:"message" validate:"required"`
}

type UpdateRecordConfig struct {
	Table  string                 `mapstructure:"table" validate:"required"`
	ID     uint                   `mapstructure:"id" validate:"required"`
	Fields map[string]interface{} `mapstructure:"fields" validate:"required,min=1"`
}

type CreateInvoiceConfig struct {
	Number      string  `mapstructure:"number"`
	CustomerID  uint    `mapstructure:"customer_id" validate:"required"`
	Amount      float64 `mapstructure:"amount" validate:"gt=0"`
	Currency    string  `mapstructure:"currency"`
	Description string  `mapstructure:"description"`
	DueInDays   int     `mapstructure:"due_in_days" validate:"gte=0"`
}

type DeductInventoryConfig struct {
	SKU      string `mapstructure:"sku" validate:"required"`
	Quantity int    `mapstructure:"quantity" validate:"gt=0"`
}

type UpdateEquipmentConfig struct {
	EquipmentID uint   `mapstructure:"equipment_id" validate:"required"`
	Status      string `mapstructure:"status" validate:"required"`
	Notes       string `mapstructure:"notes"`
}

type CreateTaskConfig struct {
	Title       string `mapstructure:"title" validate:"required"`
	Assignee    string `mapstructure:"assignee"`
	Description string `mapstructure:"description"`
	DueInDays   int    `mapstructure:"due_in_days" validate:"gte=0"`
}

type CallWebhookConfig struct {
	URL     string            `mapstructure:"url" validate:"required,url"`
	Method  string            `mapstructure:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE get post put patch delete"`
	Headers map[string]string `mapstructure:"headers"`
	Body    interface{}       `mapstructure:"body"`
}

type DelayConfig struct {
	Duration time.Duration `mapstructure:"duration"`
	Seconds  int           `mapstructure:"seconds" validate:"gte=0"`
}

type ConditionalConfig struct {
	Field       string      `mapstructure:"field" validate:"required"`
	Operator    string      `mapstructure:"operator" validate:"required,oneof=eq neq contains gt lt"`
	Value       interface{} `mapstructure:"value"`
	ResultKey   string      `mapstructure:"result_key"`
	HaltOnFalse bool        `mapstructure:"halt_on_false"`
}

func (d *ActionDispatcher) registerDefaults() {
	v := d.validate
	d.Register(models.ActionNotify, typed(v, d.notify))
	d.Register(models.ActionSendEmail, typed(v, d.sendEmail))
	d.Register(models.ActionSendSMS, typed(v, d.sendSMS))
	d.Register(models.ActionUpdateRecord, typed(v, d.updateRecord))
	d.Register(models.ActionCreateInvoice, typed(v, d.createInvoice))
	d.Register(models.ActionDeductInventory, typed(v, d.deductInventory))
	d.Register(models.ActionUpdateEquipment, typed(v, d.updateEquipment))
	d.Register(models.ActionCreateTask, typed(v, d.createTask))
	d.Register(models.ActionCallWebhook, typed(v, d.callWebhook))
	d.Register(models.ActionDelay, typed(v, d.delay))
	d.Register(models.ActionConditional, typed(v, d.conditional))
}

func missingCollaborator(t models.ActionType) error {
	return Permanent(fmt.Errorf("no executor configured for %s", t))
}

func (d *ActionDispatcher) notify(ctx context.Context, ac *ActionContext, c NotifyConfig) (map[string]interface{}, error) {
	if d.collab.Notifier == nil {
		return nil, missingCollaborator(models.ActionNotify)
	}
	id, err := d.collab.Notifier.Notify(ctx, OutboundMessage{
		Recipient:  c.Recipient,
		Subject:    c.Title,
		Body:       c.Message,
		WorkflowID: ac.workflowRef(),
		RunID:      ac.RunID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"notification_id": id}, nil
}

func (d *ActionDispatcher) sendEmail(ctx context.Context, ac *ActionContext, c EmailConfig) (map[string]interface{}, error) {
	if d.collab.Messages == nil {
		return nil, missingCollaborator(models.ActionSendEmail)
	}
	id, err := d.collab.Messages.Enqueue(ctx, OutboundMessage{
		Channel:    models.ChannelEmail,
		Recipient:  c.To,
		Subject:    c.Subject,
		Body:       c.Body,
		WorkflowID: ac.workflowRef(),
		RunID:      ac.RunID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"email_message_id": id}, nil
}

func (d *ActionDispatcher) sendSMS(ctx context.Context, ac *ActionContext, c SMSConfig) (map[string]interface{}, error) {
	if d.collab.Messages == nil {
		return nil, missingCollaborator(models.ActionSendSMS)
	}
	id, err := d.collab.Messages.Enqueue(ctx, OutboundMessage{
		Channel:    models.ChannelSMS,
		Recipient:  c.To,
		Body:       c.Message,
		WorkflowID: ac.workflowRef(),
		RunID:      ac.RunID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"sms_message_id": id}, nil
}

func (d *ActionDispatcher) updateRecord(ctx context.Context, _ *ActionContext, c UpdateRecordConfig) (map[string]interface{}, error) {
	if d.collab.Records == nil {
		return nil, missingCollaborator(models.ActionUpdateRecord)
	}
	n, err := d.collab.Records.UpdateRecord(ctx, c.Table, c.ID, c.Fields)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"rows_affected": n}, nil
}

func (d *ActionDispatcher) createInvoice(ctx context.Context, ac *ActionContext, c CreateInvoiceConfig) (map[string]interface{}, error) {
	if d.collab.Invoices == nil {
		return nil, missingCollaborator(models.ActionCreateInvoice)
	}
	days := c.DueInDays
	if days == 0 {
		days = 30
	}
	inv, err := d.collab.Invoices.CreateInvoice(ctx, InvoiceRequest{
		Number:      c.Number,
		CustomerID:  c.CustomerID,
		Amount:      c.Amount,
		Currency:    c.Currency,
		Description: c.Description,
		DueDate:     time.Now().UTC().AddDate(0, 0, days),
		WorkflowID:  ac.workflowRef(),
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"invoice_id":     inv.ID,
		"invoice_number": inv.Number,
		"invoice_due":    utils.FormatTime(inv.DueDate),
	}, nil
}

func (d *ActionDispatcher) deductInventory(ctx context.Context, _ *ActionContext, c DeductInventoryConfig) (map[string]interface{}, error) {
	if d.collab.Inventory == nil {
		return nil, missingCollaborator(models.ActionDeductInventory)
	}
	remaining, err := d.collab.Inventory.Deduct(ctx, c.SKU, c.Quantity)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"remaining_quantity": remaining}, nil
}

func (d *ActionDispatcher) updateEquipment(ctx context.Context, _ *ActionContext, c UpdateEquipmentConfig) (map[string]interface{}, error) {
	if d.collab.Equipment == nil {
		return nil, missingCollaborator(models.ActionUpdateEquipment)
	}
	if err := d.collab.Equipment.UpdateEquipment(ctx, c.EquipmentID, c.Status, c.Notes); err != nil {
		return nil, err
	}
	return map[string]interface{}{"equipment_status": c.Status}, nil
}

func (d *ActionDispatcher) createTask(ctx context.Context, ac *ActionContext, c CreateTaskConfig) (map[string]interface{}, error) {
	if d.collab.Tasks == nil {
		return nil, missingCollaborator(models.ActionCreateTask)
	}
	var due *time.Time
	if c.DueInDays > 0 {
		t := time.Now().UTC().AddDate(0, 0, c.DueInDays)
		due = &t
	}
	id, err := d.collab.Tasks.CreateTask(ctx, OutboundMessage{
		Recipient:  c.Assignee,
		Subject:    c.Title,
		Body:       c.Description,
		DueAt:      due,
		WorkflowID: ac.workflowRef(),
		RunID:      ac.RunID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"task_id": id}, nil
}

func (d *ActionDispatcher) callWebhook(ctx context.Context, ac *ActionContext, c CallWebhookConfig) (map[string]interface{}, error) {
	if d.collab.HTTP == nil {
		return nil, missingCollaborator(models.ActionCallWebhook)
	}
	headers := make(map[string]string, len(c.Headers)+1)
	for k, v := range c.Headers {
		headers[k] = v
	}
	if ac.RunID != "" {
		headers["X-Autoflow-Run-ID"] = ac.RunID
	}
	method := strings.ToUpper(c.Method)
	if method == "" {
		method = http.MethodPost
	}

	resp, err := d.collab.HTTP.Do(ctx, hookclient.Request{Method: method, URL: c.URL, Headers: headers, Body: c.Body})
	if err != nil {
		var se *hookclient.StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return nil, Permanent(err)
		}
		return nil, err
	}
	return map[string]interface{}{
		"status_code":   resp.StatusCode,
		"response_body": resp.Body,
	}, nil
}

func (d *ActionDispatcher) delay(ctx context.Context, _ *ActionContext, c DelayConfig) (map[string]interface{}, error) {
	wait := c.Duration
	if wait == 0 {
		wait = time.Duration(c.Seconds) * time.Second
	}
	if wait < 0 {
		return nil, Permanent(fmt.Errorf("negative delay %s", wait))
	}
	if wait > d.opts.MaxDelay {
		d.logger.Warnf("delay %s capped at %s", wait, d.opts.MaxDelay)
		wait = d.opts.MaxDelay
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return map[string]interface{}{}, nil
}

func (d *ActionDispatcher) conditional(_ context.Context, ac *ActionContext, c ConditionalConfig) (map[string]interface{}, error) {
	result := evaluateCondition(c.Field, c.Operator, c.Value, ac.Vars)
	key := c.ResultKey
	if key == "" {
		key = "condition_result"
	}
	if !result && c.HaltOnFalse {
		ac.Halt()
	}
	return map[string]interface{}{key: result}, nil
}

// evaluateCondition compares vars[field] against expected. A missing field never matches.
func evaluateCondition(field, op string, expected interface{}, vars map[string]interface{}) bool {
	val, ok := vars[field]
	if !ok {
		return false
	}
	actual := utils.StringValue(val)
	want := utils.StringValue(expected)

	switch op {
	case "eq":
		return actual == want
	case "neq":
		return actual != want
	case "contains":
		return strings.Contains(actual, want)
	case "gt", "lt":
		a, okA := utils.ToFloat(val)
		b, okB := utils.ToFloat(expected)
		if !okA || !okB {
			return false
		}
		if op == "gt" {
			return a > b
		}
		return a < b
	default:
		return false
	}
}
