package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"autoflow/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/sirupsen/logrus"
)

// ActionContext is what a handler sees of the running execution.
type ActionContext struct {
	WorkflowID  uint
	ExecutionID uint
	RunID       string
	// Vars is the execution context as of this action. Handlers must not modify it;
	// they return outputs instead.
	Vars map[string]interface{}

	halted bool
}

// Halt stops the remaining actions of the execution after this one.
func (ac *ActionContext) Halt() { ac.halted = true }

func (ac *ActionContext) Halted() bool { return ac.halted }

func (ac *ActionContext) workflowRef() *uint {
	if ac.WorkflowID == 0 {
		return nil
	}
	id := ac.WorkflowID
	return &id
}

// ActionHandlerFunc performs one action with its substituted configuration and returns
// values to merge into the execution context.
type ActionHandlerFunc func(ctx context.Context, ac *ActionContext, cfg map[string]interface{}) (map[string]interface{}, error)

// DispatcherOptions bounds what handlers may do.
type DispatcherOptions struct {
	MaxDelay time.Duration
}

// ActionDispatcher maps each ActionType to exactly one handler.
type ActionDispatcher struct {
	mu       sync.RWMutex
	handlers map[models.ActionType]ActionHandlerFunc
	validate *validator.Validate
	collab   Collaborators
	opts     DispatcherOptions
	logger   *logrus.Logger
}

// NewActionDispatcher registers the bundled handler for every action type.
func NewActionDispatcher(collab Collaborators, opts DispatcherOptions, logger *logrus.Logger) *ActionDispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = time.Hour
	}
	d := &ActionDispatcher{
		handlers: make(map[models.ActionType]ActionHandlerFunc),
		validate: validator.New(),
		collab:   collab,
		opts:     opts,
		logger:   logger,
	}
	d.registerDefaults()
	return d
}

// Register replaces the handler for t.
func (d *ActionDispatcher) Register(t models.ActionType, h ActionHandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = h
}

func (d *ActionDispatcher) Supports(t models.ActionType) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[t]
	return ok
}

// Dispatch runs the handler registered for actionType. Unknown types and invalid configuration
// come back as permanent errors.
func (d *ActionDispatcher) Dispatch(ctx context.Context, ac *ActionContext, actionType models.ActionType, cfg map[string]interface{}) (map[string]interface{}, error) {
	d.mu.RLock()
	h, ok := d.handlers[actionType]
	d.mu.RUnlock()
	if !ok {
		return nil, Permanent(fmt.Errorf("%w: %s", ErrUnknownActionType, actionType))
	}
	return h(ctx, ac, cfg)
}

// typed adapts a handler taking a strongly typed configuration. The raw map is decoded
// with mapstructure and checked with validator tags before fn runs.
func typed[C any](v *validator.Validate, fn func(ctx context.Context, ac *ActionContext, c C) (map[string]interface{}, error)) ActionHandlerFunc {
	return func(ctx context.Context, ac *ActionContext, raw map[string]interface{}) (map[string]interface{}, error) {
		var c C
		if err := decodeConfig(raw, &c); err != nil {
			return nil, Permanent(fmt.Errorf("decode config: %w", err))
		}
		if err := v.Struct(c); err != nil {
			return nil, Permanent(fmt.Errorf("invalid config: %w", err))
		}
		return fn(ctx, ac, c)
	}
}

func decodeConfig(raw map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}
