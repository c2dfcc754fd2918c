package models

import (
	"time"

	"gorm.io/datatypes"
)

type AuditEventType string

const (
	AuditCreated           AuditEventType = "created"
	AuditUpdated           AuditEventType = "updated"
	AuditDeleted           AuditEventType = "deleted"
	AuditEnabled           AuditEventType = "enabled"
	AuditDisabled          AuditEventType = "disabled"
	AuditExecuted          AuditEventType = "executed"
	AuditExecutionFailed   AuditEventType = "execution_failed"
	AuditRolledBack        AuditEventType = "rolled_back"
	AuditActionExecuted    AuditEventType = "action_executed"
	AuditActionFailed      AuditEventType = "action_failed"
	AuditActionRetried     AuditEventType = "action_retried"
	AuditTriggerFired      AuditEventType = "trigger_fired"
	AuditWebhookReceived   AuditEventType = "webhook_received"
	AuditEventEmitted      AuditEventType = "event_emitted"
	AuditPermissionChanged AuditEventType = "permission_changed"
	AuditVersionCreated    AuditEventType = "version_created"
)

// FailureEventTypes are counted as failures by the audit statistics.
var FailureEventTypes = []AuditEventType{AuditExecutionFailed, AuditActionFailed}

// CriticalEventTypes are surfaced in workflow summaries.
var CriticalEventTypes = []AuditEventType{
	AuditExecutionFailed, AuditActionFailed, AuditRolledBack, AuditDeleted, AuditPermissionChanged,
}

// AuditEntry is an append-only audit log row.
type AuditEntry struct {
	ID         uint              `gorm:"primaryKey" json:"id"`
	EventType  AuditEventType    `gorm:"size:32;index" json:"event_type"`
	WorkflowID *uint             `gorm:"index" json:"workflow_id,omitempty"`
	UserID     *uint             `gorm:"index" json:"user_id,omitempty"`
	Details    datatypes.JSONMap `json:"details"`
	Metadata   datatypes.JSONMap `json:"metadata"`
	CreatedAt  time.Time         `gorm:"index" json:"created_at"`
}

// WorkflowVersion is an immutable snapshot of a workflow definition.
type WorkflowVersion struct {
	ID                uint              `gorm:"primaryKey" json:"id"`
	WorkflowID        uint              `gorm:"not null;uniqueIndex:idx_workflow_version" json:"workflow_id"`
	Version           int               `gorm:"not null;uniqueIndex:idx_workflow_version" json:"version"`
	Snapshot          datatypes.JSONMap `json:"snapshot"`
	Diff              datatypes.JSONMap `json:"diff"`
	ChangeDescription string            `gorm:"type:text" json:"change_description"`
	Author            string            `gorm:"size:128" json:"author"`
	IsCurrent         bool              `gorm:"index" json:"is_current"`
	CreatedAt         time.Time         `json:"created_at"`
}
