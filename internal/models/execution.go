package models

import (
	"time"

	"gorm.io/datatypes"
)

type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// Execution is one run of a workflow for one trigger occurrence.
type Execution struct {
	ID               uint                        `gorm:"primaryKey" json:"id"`
	RunID            string                      `gorm:"size:36;uniqueIndex" json:"run_id"`
	WorkflowID       uint                        `gorm:"index" json:"workflow_id"`
	TriggerType      string                      `gorm:"size:32;index" json:"trigger_type"`
	Status           ExecutionStatus             `gorm:"size:16;index" json:"status"`
	StartedAt        time.Time                   `gorm:"index" json:"started_at"`
	CompletedAt      *time.Time                  `json:"completed_at,omitempty"`
	ActionsCompleted datatypes.JSONSlice[string] `json:"actions_completed"`
	ActionsFailed    datatypes.JSONSlice[string] `json:"actions_failed"`
	ActionsSkipped   datatypes.JSONSlice[string] `json:"actions_skipped"`
	Error            *string                     `gorm:"type:text" json:"error,omitempty"`
	Context          datatypes.JSONMap           `json:"context"`
}

// ActionAttempt records one attempt of one action within an execution.
type ActionAttempt struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	WorkflowID  uint       `gorm:"index" json:"workflow_id"`
	ExecutionID uint       `gorm:"index" json:"execution_id"`
	ActionName  string     `gorm:"size:255" json:"action_name"`
	ActionType  ActionType `gorm:"size:32" json:"action_type"`
	Attempt     int        `json:"attempt"`
	Success     bool       `json:"success"`
	Error       *string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ContextEntry is a generic key/value row; the scheduler persists its cron cache here.
type ContextEntry struct {
	Key       string         `gorm:"primaryKey;size:191" json:"key"`
	Value     datatypes.JSON `json:"value"`
	UpdatedAt time.Time      `json:"updated_at"`
}
