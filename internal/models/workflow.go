package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TriggerType identifies which trigger variant starts a workflow.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
	TriggerEvent     TriggerType = "event"
	TriggerWebhook   TriggerType = "webhook"
)

// Trigger is a tagged variant: only the fields of the selected Type are meaningful.
type Trigger struct {
	Type TriggerType `json:"type"`

	// scheduled
	Cron string `json:"cron,omitempty"`

	// event
	EventType string            `json:"event_type,omitempty"`
	Filter    map[string]string `json:"filter,omitempty"`

	// webhook
	WebhookID string `json:"webhook_id,omitempty"`
	Secret    string `json:"secret,omitempty"`
}

// Key returns the lookup key indexed for the trigger (event type or webhook id).
func (t Trigger) Key() string {
	switch t.Type {
	case TriggerEvent:
		return t.EventType
	case TriggerWebhook:
		return t.WebhookID
	case TriggerScheduled:
		return t.Cron
	default:
		return ""
	}
}

// Validate checks that the variant carries the fields it needs.
func (t Trigger) Validate() error {
	switch t.Type {
	case TriggerManual:
		return nil
	case TriggerScheduled:
		if strings.TrimSpace(t.Cron) == "" {
			return fmt.Errorf("scheduled trigger requires a cron expression")
		}
	case TriggerEvent:
		if strings.TrimSpace(t.EventType) == "" {
			return fmt.Errorf("event trigger requires event_type")
		}
	case TriggerWebhook:
		if strings.TrimSpace(t.WebhookID) == "" {
			return fmt.Errorf("webhook trigger requires webhook_id")
		}
	default:
		return fmt.Errorf("unsupported trigger type: %q", t.Type)
	}
	return nil
}

// ActionType is the closed set of steps a workflow can run.
type ActionType string

const (
	ActionNotify          ActionType = "notify"
	ActionSendEmail       ActionType = "send_email"
	ActionSendSMS         ActionType = "send_sms"
	ActionUpdateRecord    ActionType = "update_record"
	ActionCreateInvoice   ActionType = "create_invoice"
	ActionDeductInventory ActionType = "deduct_inventory"
	ActionUpdateEquipment ActionType = "update_equipment"
	ActionCreateTask      ActionType = "create_task"
	ActionCallWebhook     ActionType = "call_webhook"
	ActionDelay           ActionType = "delay"
	ActionConditional     ActionType = "conditional"
)

// AllActionTypes lists every supported action type.
var AllActionTypes = []ActionType{
	ActionNotify, ActionSendEmail, ActionSendSMS, ActionUpdateRecord, ActionCreateInvoice,
	ActionDeductInventory, ActionUpdateEquipment, ActionCreateTask, ActionCallWebhook,
	ActionDelay, ActionConditional,
}

// Valid reports whether the action type is part of the closed enumeration.
func (a ActionType) Valid() bool {
	for _, t := range AllActionTypes {
		if t == a {
			return true
		}
	}
	return false
}

// RetryPolicy overrides the engine's default retry behaviour for one action.
type RetryPolicy struct {
	Strategy    string `json:"strategy,omitempty"` // none, immediate, linear, exponential
	MaxAttempts int    `json:"max_attempts,omitempty"`
	DelayMS     int64  `json:"delay_ms,omitempty"`
}

// Action is one ordered step of a workflow.
type Action struct {
	Type    ActionType             `json:"type"`
	Name    string                 `json:"name"`
	Config  map[string]interface{} `json:"config,omitempty"`
	Order   int                    `json:"order"`
	Enabled *bool                  `json:"enabled,omitempty"`
	Retry   *RetryPolicy           `json:"retry,omitempty"`
}

// IsEnabled treats a missing flag as enabled.
func (a Action) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// Workflow is a named, versioned automation: one trigger and an ordered list of actions.
type Workflow struct {
	ID          uint                        `gorm:"primaryKey" json:"id"`
	Name        string                      `gorm:"not null;index" json:"name"`
	Description string                      `gorm:"type:text" json:"description"`
	OwnerID     *uint                       `gorm:"index" json:"owner_id,omitempty"`
	Enabled     bool                        `gorm:"index" json:"enabled"`
	Trigger     datatypes.JSONType[Trigger] `json:"trigger"`
	TriggerType TriggerType                 `gorm:"size:32;index:idx_workflows_trigger" json:"trigger_type"`
	TriggerKey  string                      `gorm:"size:255;index:idx_workflows_trigger" json:"-"`
	Actions     datatypes.JSONSlice[Action] `json:"actions"`
	Tags        datatypes.JSONSlice[string] `json:"tags"`
	Metadata    datatypes.JSONMap           `json:"metadata,omitempty"`

	ExecutionCount int64      `gorm:"not null;default:0" json:"execution_count"`
	LastExecutedAt *time.Time `json:"last_executed_at,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeSave keeps the denormalized trigger columns in sync with the JSON trigger.
func (w *Workflow) BeforeSave(tx *gorm.DB) error {
	t := w.Trigger.Data()
	w.TriggerType = t.Type
	w.TriggerKey = t.Key()
	return nil
}

// SortedActions returns the actions ordered by Order, without modifying the workflow.
func (w *Workflow) SortedActions() []Action {
	actions := make([]Action, len(w.Actions))
	copy(actions, w.Actions)
	sort.SliceStable(actions, func(i, j int) bool { return actions[i].Order < actions[j].Order })
	return actions
}

// WorkflowDefinition is the versioned part of a workflow.
// Enabled and counters are runtime state and are not versioned.
type WorkflowDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Trigger     Trigger                `json:"trigger"`
	Actions     []Action               `json:"actions"`
	Tags        []string               `json:"tags"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Definition extracts the versioned definition.
func (w *Workflow) Definition() WorkflowDefinition {
	actions := []Action(w.Actions)
	if actions == nil {
		actions = []Action{}
	}
	tags := []string(w.Tags)
	if tags == nil {
		tags = []string{}
	}
	return WorkflowDefinition{
		Name:        w.Name,
		Description: w.Description,
		Trigger:     w.Trigger.Data(),
		Actions:     actions,
		Tags:        tags,
		Metadata:    map[string]interface{}(w.Metadata),
	}
}

// ApplyDefinition overwrites the versioned fields with def.
func (w *Workflow) ApplyDefinition(def WorkflowDefinition) {
	w.Name = def.Name
	w.Description = def.Description
	w.Trigger = datatypes.NewJSONType(def.Trigger)
	w.Actions = datatypes.NewJSONSlice(def.Actions)
	w.Tags = datatypes.NewJSONSlice(def.Tags)
	w.Metadata = datatypes.JSONMap(def.Metadata)
}
