package services

import "errors"

var (
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrVersionNotFound   = errors.New("version not found")
	ErrInvalidWorkflow   = errors.New("invalid workflow")
	ErrUnknownActionType = errors.New("unknown action type")
	ErrQueueFull         = errors.New("execution queue full")
	ErrQueueClosed       = errors.New("execution queue closed")
)
